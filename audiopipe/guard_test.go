package audiopipe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/attachd/content"
	"github.com/hazyhaar/attachd/llm"
)

// flakyTranscriber fails the first n calls with err.
type flakyTranscriber struct {
	n     int
	err   error
	calls int
}

func (f *flakyTranscriber) Transcribe(context.Context, []byte, string, string) (*content.Transcription, error) {
	f.calls++
	if f.calls <= f.n {
		return nil, f.err
	}
	return &content.Transcription{Text: "hello"}, nil
}

func TestGuarded_RetriesTransientFailure(t *testing.T) {
	inner := &flakyTranscriber{n: 1, err: errors.New("whisper: http 503")}
	tr := Guarded(inner, llm.NewGuard("whisper", llm.WithRetries(2), llm.WithBackoff(time.Millisecond)), "whisper")

	got, err := tr.Transcribe(context.Background(), []byte("RIFF"), "audio/wav", "a.wav")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "hello" || inner.calls != 2 {
		t.Errorf("text = %q, calls = %d", got.Text, inner.calls)
	}
}

func TestGuarded_FatalNotRetried(t *testing.T) {
	inner := &flakyTranscriber{n: 5, err: statusError(http.StatusUnauthorized)}
	tr := Guarded(inner, llm.NewGuard("whisper", llm.WithRetries(2), llm.WithBackoff(time.Millisecond)), "whisper")

	_, err := tr.Transcribe(context.Background(), nil, "audio/wav", "a.wav")
	var pe *llm.ProviderError
	if !errors.As(err, &pe) || pe.Op != "transcribe" || !errors.Is(err, llm.ErrFatalAPI) {
		t.Errorf("err = %v, want fatal ProviderError", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}

func TestGuarded_BreakerOpens(t *testing.T) {
	inner := &flakyTranscriber{n: 100, err: errors.New("whisper: http 502")}
	g := llm.NewGuard("whisper", llm.WithRetries(0), llm.WithBreaker(2, time.Minute))
	tr := Guarded(inner, g, "whisper")

	for range 2 {
		if _, err := tr.Transcribe(context.Background(), nil, "", "a.mp3"); err == nil {
			t.Fatal("expected error")
		}
	}
	_, err := tr.Transcribe(context.Background(), nil, "", "a.mp3")
	var open *llm.CircuitOpenError
	if !errors.As(err, &open) {
		t.Errorf("err = %v, want open circuit", err)
	}
	if inner.calls != 2 {
		t.Errorf("calls = %d, want 2", inner.calls)
	}
	if got := llm.ErrorClass(err); got != "provider temporarily disabled" {
		t.Errorf("ErrorClass = %q", got)
	}
}

func TestGuarded_WhisperTimeout(t *testing.T) {
	var hits atomic.Int32
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-done:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer srv.CloseClientConnections()
	defer close(done)

	g := llm.NewGuard("whisper", llm.WithRetries(1), llm.WithBackoff(time.Millisecond), llm.WithTimeout(100*time.Millisecond))
	tr := Guarded(NewWhisperClient(srv.URL, "", "", 0), g, "whisper")
	_, err := tr.Transcribe(context.Background(), []byte("x"), "", "a.mp3")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if hits.Load() != 2 {
		t.Errorf("requests = %d, want 2", hits.Load())
	}
}
