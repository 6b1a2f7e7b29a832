// Package audiopipe is the audio extraction strategy: a transcription
// followed, when the transcript is not empty, by a sentiment, topic and
// urgency classification.
package audiopipe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/attachd/content"
)

// Transcriber turns audio bytes into a time-aligned transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType, filename string) (*content.Transcription, error)
}

// Analyzer classifies a transcript.
type Analyzer interface {
	AnalyzeTranscript(ctx context.Context, transcript string) (*content.Analysis, error)
}

// Sentiment and urgency values accepted from analyzers.
var (
	Sentiments = []string{"positive", "neutral", "negative"}
	Urgencies  = []string{"low", "medium", "high", "critical"}
)

// NeutralAnalysis is used when classification fails.
func NeutralAnalysis() *content.Analysis {
	return &content.Analysis{Sentiment: "neutral", KeyTopics: []string{}, UrgencyLevel: "low"}
}

// Pipeline runs audio extraction.
type Pipeline struct {
	transcriber Transcriber
	analyzer    Analyzer
	logger      *slog.Logger
}

// New creates a Pipeline. analyzer may be nil.
func New(t Transcriber, a Analyzer, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{transcriber: t, analyzer: a, logger: logger}
}

// Extract transcribes and analyzes. Transcription errors fail the call;
// analysis errors degrade to NeutralAnalysis.
func (p *Pipeline) Extract(ctx context.Context, data []byte, mimeType, filename string) (*content.Audio, error) {
	if p.transcriber == nil {
		return nil, fmt.Errorf("audiopipe: no transcriber configured")
	}
	tr, err := p.transcriber.Transcribe(ctx, data, mimeType, filename)
	if err != nil {
		return nil, fmt.Errorf("audiopipe: transcribe: %w", err)
	}
	if tr.Segments == nil {
		tr.Segments = []content.Segment{}
	}
	out := &content.Audio{Transcription: *tr}

	if strings.TrimSpace(tr.Text) == "" {
		return out, nil
	}
	if p.analyzer == nil {
		out.Analysis = NeutralAnalysis()
		return out, nil
	}
	a, err := p.analyzer.AnalyzeTranscript(ctx, tr.Text)
	if err != nil || a == nil {
		p.logger.Warn("transcript analysis failed", "error", err)
		out.Analysis = NeutralAnalysis()
		return out, nil
	}
	out.Analysis = sanitizeAnalysis(a)
	return out, nil
}

func sanitizeAnalysis(a *content.Analysis) *content.Analysis {
	clean := NeutralAnalysis()
	if s := strings.ToLower(strings.TrimSpace(a.Sentiment)); oneOf(s, Sentiments) {
		clean.Sentiment = s
	}
	if u := strings.ToLower(strings.TrimSpace(a.UrgencyLevel)); oneOf(u, Urgencies) {
		clean.UrgencyLevel = u
	}
	for _, t := range a.KeyTopics {
		if t = strings.TrimSpace(t); t != "" && len(clean.KeyTopics) < 10 {
			clean.KeyTopics = append(clean.KeyTopics, t)
		}
	}
	return clean
}

func oneOf(s string, set []string) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}
