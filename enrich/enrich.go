// Package enrich produces the best-effort summary and language code of an
// attachment's flattened text. It never fails: provider errors degrade to
// placeholders.
package enrich

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"github.com/hazyhaar/attachd/llm"
)

// Placeholder is the summary of text too short to summarize.
const Placeholder = "No content to summarize"

// Defaults.
const (
	DefaultMinChars   = 10
	DefaultMaxSummary = 500
	FallbackLanguage  = "en"
	UnknownLanguage   = "unknown"
)

// Provider is the text-generation contract the pass needs. *llm.Client
// implements it.
type Provider interface {
	Summarize(ctx context.Context, text string, maxLen int) (string, error)
	DetectLanguage(ctx context.Context, text string) (string, error)
}

// Result is the outcome of one pass. Fallbacks names the sub-calls that
// degraded ("summary", "language").
type Result struct {
	Summary   string
	Language  string
	Injection *InjectionResult
	Fallbacks []string
}

// Enricher runs the pass.
type Enricher struct {
	provider   Provider
	budget     llm.Budget
	minChars   int
	maxSummary int
	logger     *slog.Logger
}

// Option configures an Enricher.
type Option func(*Enricher)

// WithMinChars sets the short-circuit threshold.
func WithMinChars(n int) Option { return func(e *Enricher) { e.minChars = n } }

// WithMaxSummary caps the summary length in runes.
func WithMaxSummary(n int) Option { return func(e *Enricher) { e.maxSummary = n } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Enricher) { e.logger = l } }

// New returns an Enricher. provider may be nil, which degrades every call.
func New(provider Provider, budget llm.Budget, opts ...Option) *Enricher {
	e := &Enricher{
		provider:   provider,
		budget:     budget,
		minChars:   DefaultMinChars,
		maxSummary: DefaultMaxSummary,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = e.logger.With("component", "enrich")
	return e
}

func (e *Enricher) tooShort(text string) bool {
	return len([]rune(strings.TrimSpace(text))) < e.minChars
}

// Enrich summarizes text and detects its language. The injection screen
// runs on the full text, before truncation.
func (e *Enricher) Enrich(ctx context.Context, text string) Result {
	r := Result{Injection: ScanInjection(text)}
	var degraded bool
	if r.Summary, degraded = e.summarize(ctx, text); degraded {
		r.Fallbacks = append(r.Fallbacks, "summary")
	}
	if r.Language, degraded = e.detectLanguage(ctx, text); degraded {
		r.Fallbacks = append(r.Fallbacks, "language")
	}
	return r
}

// Summarize returns at most maxSummary runes. Short input returns
// Placeholder without calling the provider.
func (e *Enricher) Summarize(ctx context.Context, text string) string {
	s, _ := e.summarize(ctx, text)
	return s
}

func (e *Enricher) summarize(ctx context.Context, text string) (string, bool) {
	if e.tooShort(text) {
		return Placeholder, false
	}
	if e.provider == nil {
		return truncate("Summary unavailable: no provider configured", e.maxSummary), true
	}
	s, err := e.provider.Summarize(ctx, e.budget.Truncate(text), e.maxSummary)
	if err != nil {
		e.logger.WarnContext(ctx, "summary failed", "error", err)
		return truncate("Summary unavailable: "+llm.ErrorClass(err), e.maxSummary), true
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return truncate("Summary unavailable: empty response", e.maxSummary), true
	}
	return truncate(s, e.maxSummary), false
}

// DetectLanguage returns a lowercase ISO 639-1 code. Short input returns
// "unknown"; failures and unparsable answers return "en".
func (e *Enricher) DetectLanguage(ctx context.Context, text string) string {
	code, _ := e.detectLanguage(ctx, text)
	return code
}

func (e *Enricher) detectLanguage(ctx context.Context, text string) (string, bool) {
	if e.tooShort(text) {
		return UnknownLanguage, false
	}
	if e.provider == nil {
		return FallbackLanguage, true
	}
	raw, err := e.provider.DetectLanguage(ctx, e.budget.Truncate(text))
	if err != nil {
		e.logger.WarnContext(ctx, "language detection failed", "error", err)
		return FallbackLanguage, true
	}
	code, ok := ParseLanguage(raw)
	if !ok {
		e.logger.WarnContext(ctx, "unparsable language answer", "answer", truncate(raw, 40))
		return FallbackLanguage, true
	}
	return code, false
}

// ParseLanguage extracts an ISO 639-1 code from a model answer such as
// "en", "EN.", "Language: fr", "`de`", "en is the code" or "It is written
// in French". A lone token is taken as is. In longer answers the first
// known code that is not also an English function word wins, then the
// first language name; English words alone never count as a code.
func ParseLanguage(raw string) (string, bool) {
	fields := strings.FieldsFunc(strings.ToLower(raw), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	if len(fields) == 1 {
		if _, ok := isoCodes[fields[0]]; ok {
			return fields[0], true
		}
		if code, ok := languageNames[fields[0]]; ok {
			return code, true
		}
		return "", false
	}
	for _, f := range fields {
		if _, ok := isoCodes[f]; !ok {
			continue
		}
		if _, word := englishWords[f]; !word {
			return f, true
		}
	}
	for _, f := range fields {
		if code, ok := languageNames[f]; ok {
			return code, true
		}
	}
	return "", false
}

var isoCodes = setOf(strings.Fields(`
	aa ab ae af ak am an ar as av ay az ba be bg bh bi bm bn bo br bs ca ce
	ch co cr cs cu cv cy da de dv dz ee el en eo es et eu fa ff fi fj fo fr
	fy ga gd gl gn gu gv ha he hi ho hr ht hu hy hz ia id ie ig ii ik io is
	it iu ja jv ka kg ki kj kk kl km kn ko kr ks ku kv kw ky la lb lg li ln
	lo lt lu lv mg mh mi mk ml mn mr ms mt my na nb nd ne ng nl nn no nr nv
	ny oc oj om or os pa pi pl ps pt qu rm rn ro ru rw sa sc sd se sg si sk
	sl sm sn so sq sr ss st su sv sw ta te tg th ti tk tl tn to tr ts tt tw
	ty ug uk ur uz ve vi vo wa wo xh yi yo za zh zu`))

// Two-letter English words that are also ISO 639-1 codes.
var englishWords = setOf([]string{"am", "an", "as", "be", "is", "it", "my", "no", "or", "so", "to"})

var languageNames = map[string]string{
	"arabic": "ar", "chinese": "zh", "czech": "cs", "danish": "da",
	"dutch": "nl", "english": "en", "finnish": "fi", "french": "fr",
	"german": "de", "greek": "el", "hebrew": "he", "hindi": "hi",
	"icelandic": "is", "italian": "it", "japanese": "ja", "korean": "ko",
	"norwegian": "no", "polish": "pl", "portuguese": "pt", "romanian": "ro",
	"russian": "ru", "spanish": "es", "swedish": "sv", "turkish": "tr",
	"ukrainian": "uk", "vietnamese": "vi",
}

func setOf(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
