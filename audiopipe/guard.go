package audiopipe

import (
	"context"

	"github.com/hazyhaar/attachd/content"
	"github.com/hazyhaar/attachd/llm"
)

// Guarded wraps t so each transcription runs under g: per-attempt timeout,
// retries with backoff and the circuit breaker. Failures come back as
// *llm.ProviderError with Op "transcribe".
func Guarded(t Transcriber, g *llm.Guard, provider string) Transcriber {
	return &guardedTranscriber{next: t, guard: g, provider: provider}
}

type guardedTranscriber struct {
	next     Transcriber
	guard    *llm.Guard
	provider string
}

func (g *guardedTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType, filename string) (*content.Transcription, error) {
	var tr *content.Transcription
	err := g.guard.Do(ctx, "transcribe", func(ctx context.Context) error {
		var err error
		tr, err = g.next.Transcribe(ctx, audio, mimeType, filename)
		return err
	})
	if err != nil {
		return nil, &llm.ProviderError{Provider: g.provider, Op: "transcribe", Err: err}
	}
	return tr, nil
}
