package audiopipe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/attachd/content"
	"github.com/hazyhaar/attachd/llm"
)

// WhisperClient calls an OpenAI-compatible /v1/audio/transcriptions endpoint
// with response_format=verbose_json.
type WhisperClient struct {
	BaseURL string
	APIKey  string
	Model   string
	HTTP    *http.Client
}

// NewWhisperClient returns a client. baseURL defaults to the OpenAI API.
func NewWhisperClient(baseURL, apiKey, model string, timeout time.Duration) *WhisperClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "whisper-1"
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &WhisperClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type verboseJSON struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"segments"`
}

// Transcribe implements Transcriber.
func (c *WhisperClient) Transcribe(ctx context.Context, audio []byte, _ string, filename string) (*content.Transcription, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename == "" {
		filename = "audio"
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, err
	}
	_ = mw.WriteField("model", c.Model)
	_ = mw.WriteField("response_format", "verbose_json")
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("whisper read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode)
	}

	var v verboseJSON
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("whisper decode: %w", err)
	}
	return toTranscription(&v), nil
}

// statusError marks client errors other than timeouts and rate limits as
// fatal, so the guard does not retry them.
func statusError(code int) error {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("whisper: http %d", code)
	default:
		return fmt.Errorf("whisper: http %d: %w", code, llm.ErrFatalAPI)
	}
}

func toTranscription(v *verboseJSON) *content.Transcription {
	tr := &content.Transcription{
		Text:            strings.TrimSpace(v.Text),
		Language:        LanguageCode(v.Language),
		DurationSeconds: v.Duration,
		Segments:        make([]content.Segment, 0, len(v.Segments)),
	}
	var sum float64
	for _, s := range v.Segments {
		conf := math.Exp(s.AvgLogprob)
		if conf > 1 {
			conf = 1
		}
		sum += conf
		tr.Segments = append(tr.Segments, content.Segment{
			Start: s.Start, End: s.End, Text: strings.TrimSpace(s.Text), Confidence: conf,
		})
	}
	if len(v.Segments) > 0 {
		tr.Confidence = sum / float64(len(v.Segments))
	} else if tr.Text != "" {
		tr.Confidence = 0.5
	}
	if tr.DurationSeconds == 0 && len(v.Segments) > 0 {
		tr.DurationSeconds = v.Segments[len(v.Segments)-1].End
	}
	return tr
}

var languageNames = map[string]string{
	"english": "en", "french": "fr", "german": "de", "spanish": "es",
	"italian": "it", "portuguese": "pt", "dutch": "nl", "polish": "pl",
	"russian": "ru", "ukrainian": "uk", "chinese": "zh", "japanese": "ja",
	"korean": "ko", "arabic": "ar", "turkish": "tr", "swedish": "sv",
	"danish": "da", "norwegian": "no", "finnish": "fi", "czech": "cs",
	"greek": "el", "hebrew": "he", "hindi": "hi", "vietnamese": "vi",
	"indonesian": "id", "romanian": "ro", "hungarian": "hu", "catalan": "ca",
}

// LanguageCode maps Whisper's language names to ISO 639-1. Two-letter input
// passes through; anything unknown becomes "unknown".
func LanguageCode(lang string) string {
	l := strings.ToLower(strings.TrimSpace(lang))
	if len(l) == 2 {
		return l
	}
	if code, ok := languageNames[l]; ok {
		return code
	}
	return "unknown"
}
