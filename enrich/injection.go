package enrich

import (
	"regexp"
	"strings"
)

// Risk levels of InjectionResult.
const (
	RiskNone   = "none"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// InjectionResult is the outcome of prompt-injection screening.
type InjectionResult struct {
	Risk    string   `json:"risk"`
	Matches []string `json:"matches,omitempty"`
}

var injectionPatterns = []*regexp.Regexp{
	// instruction override
	regexp.MustCompile(`(?i)(ignore|disregard|forget)\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),

	// system prompt extraction
	regexp.MustCompile(`(?i)(reveal|show|print|output|display|repeat)\s+(your\s+)?(system\s+)?(prompt|instructions?|rules?|config)`),
	regexp.MustCompile(`(?i)what\s+(are|is)\s+your\s+(system\s+)?(prompt|instructions?|rules?)`),

	// role play
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(DAN|evil|unrestricted|unfiltered|jailbroken)`),
	regexp.MustCompile(`(?i)(pretend|act)\s+(like\s+)?(you\s+are|to\s+be)\s+.{0,30}(without|no)\s+(restrictions?|limits?|rules?|filters?)`),
	regexp.MustCompile(`(?i)enter\s+(DAN|developer|god|sudo|admin)\s+mode`),

	// chat template delimiters
	regexp.MustCompile(`(?i)<\|?(system|endof(text|turn)|im_start|im_end)\|?>`),
	regexp.MustCompile(`(?i)\[INST\]|\[/INST\]|\[SYS(TEM)?\]`),
	regexp.MustCompile(`(?i)</?attachment>|</?transcript>`),
}

// ScanInjection screens text for prompt-injection patterns. Three or more
// matches is high risk, one or two medium.
func ScanInjection(text string) *InjectionResult {
	result := &InjectionResult{Risk: RiskNone}
	for _, pat := range injectionPatterns {
		for _, m := range pat.FindAllString(text, 3) {
			result.Matches = append(result.Matches, strings.TrimSpace(m))
		}
	}
	switch {
	case len(result.Matches) >= 3:
		result.Risk = RiskHigh
	case len(result.Matches) >= 1:
		result.Risk = RiskMedium
	}
	return result
}
