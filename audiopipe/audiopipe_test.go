package audiopipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hazyhaar/attachd/content"
	"github.com/hazyhaar/attachd/llm"
)

type fakeTranscriber struct {
	tr  *content.Transcription
	err error
}

func (f *fakeTranscriber) Transcribe(context.Context, []byte, string, string) (*content.Transcription, error) {
	return f.tr, f.err
}

type fakeAnalyzer struct {
	out   *content.Analysis
	err   error
	calls int
}

func (f *fakeAnalyzer) AnalyzeTranscript(context.Context, string) (*content.Analysis, error) {
	f.calls++
	return f.out, f.err
}

func TestExtract_WithAnalysis(t *testing.T) {
	an := &fakeAnalyzer{out: &content.Analysis{Sentiment: "Negative", KeyTopics: []string{"login", " "}, UrgencyLevel: "HIGH"}}
	p := New(&fakeTranscriber{tr: &content.Transcription{Text: "I cannot log in since this morning", Language: "en"}}, an, nil)
	a, err := p.Extract(context.Background(), []byte("x"), "audio/mpeg", "call.mp3")
	if err != nil {
		t.Fatal(err)
	}
	if a.Analysis == nil || a.Analysis.Sentiment != "negative" || a.Analysis.UrgencyLevel != "high" {
		t.Errorf("analysis = %+v", a.Analysis)
	}
	if len(a.Analysis.KeyTopics) != 1 {
		t.Errorf("topics = %v", a.Analysis.KeyTopics)
	}
	if a.Transcription.Segments == nil {
		t.Error("segments should be an empty slice, not nil")
	}
}

func TestExtract_EmptyTranscriptSkipsAnalysis(t *testing.T) {
	an := &fakeAnalyzer{}
	p := New(&fakeTranscriber{tr: &content.Transcription{Text: "  "}}, an, nil)
	a, err := p.Extract(context.Background(), nil, "audio/wav", "a.wav")
	if err != nil {
		t.Fatal(err)
	}
	if an.calls != 0 || a.Analysis != nil {
		t.Errorf("analysis ran on empty transcript: calls=%d analysis=%+v", an.calls, a.Analysis)
	}
}

func TestExtract_AnalysisFailureDegrades(t *testing.T) {
	p := New(&fakeTranscriber{tr: &content.Transcription{Text: "hello"}}, &fakeAnalyzer{err: errors.New("provider down")}, nil)
	a, err := p.Extract(context.Background(), nil, "audio/wav", "a.wav")
	if err != nil {
		t.Fatal(err)
	}
	if a.Analysis.Sentiment != "neutral" || a.Analysis.UrgencyLevel != "low" || len(a.Analysis.KeyTopics) != 0 {
		t.Errorf("analysis = %+v", a.Analysis)
	}
}

func TestExtract_TranscriptionFailure(t *testing.T) {
	p := New(&fakeTranscriber{err: errors.New("413")}, nil, nil)
	if _, err := p.Extract(context.Background(), nil, "audio/wav", "a.wav"); err == nil {
		t.Error("expected error")
	}
}

func TestWhisperClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" || r.Header.Get("Authorization") != "Bearer k" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		if string(data) != "RIFF" || hdr.Filename != "call.wav" || r.FormValue("response_format") != "verbose_json" {
			http.Error(w, "unexpected form", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"text":" The VPN drops every hour. ","language":"english","duration":0,
			"segments":[{"start":0,"end":2.5,"text":" The VPN drops","avg_logprob":-0.1},
			            {"start":2.5,"end":4.0,"text":" every hour.","avg_logprob":-0.3}]}`)
	}))
	defer srv.Close()

	c := NewWhisperClient(srv.URL+"/v1", "k", "", 0)
	tr, err := c.Transcribe(context.Background(), []byte("RIFF"), "audio/wav", "/tmp/x/call.wav")
	if err != nil {
		t.Fatal(err)
	}
	if tr.Text != "The VPN drops every hour." || tr.Language != "en" {
		t.Errorf("transcription = %+v", tr)
	}
	if tr.DurationSeconds != 4.0 || len(tr.Segments) != 2 || tr.Segments[0].Text != "The VPN drops" {
		t.Errorf("segments = %+v duration = %v", tr.Segments, tr.DurationSeconds)
	}
	want := (math.Exp(-0.1) + math.Exp(-0.3)) / 2
	if math.Abs(tr.Confidence-want) > 1e-9 {
		t.Errorf("confidence = %v, want %v", tr.Confidence, want)
	}
}

func TestWhisperClient_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"secret internals"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()
	_, err := NewWhisperClient(srv.URL, "", "", 0).Transcribe(context.Background(), []byte("x"), "", "a.mp3")
	if err == nil || err.Error() != "whisper: http 500" {
		t.Errorf("err = %v", err)
	}
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		code  int
		fatal bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusRequestEntityTooLarge, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		if got := errors.Is(statusError(tt.code), llm.ErrFatalAPI); got != tt.fatal {
			t.Errorf("statusError(%d) fatal = %v, want %v", tt.code, got, tt.fatal)
		}
	}
}

func TestLanguageCode(t *testing.T) {
	for in, want := range map[string]string{"english": "en", "FR": "fr", "klingon": "unknown", "": "unknown"} {
		if got := LanguageCode(in); got != want {
			t.Errorf("LanguageCode(%q) = %q, want %q", in, got, want)
		}
	}
}
