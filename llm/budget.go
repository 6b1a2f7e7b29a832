package llm

import "strings"

// CharsPerToken converts token budgets to characters. Conservative for
// English prose; denser scripts simply get a shorter input.
const CharsPerToken = 4

// Budget is a model's context window and what must stay free in it.
type Budget struct {
	ContextWindow     int
	CompletionReserve int
	PromptOverhead    int
	SafetyMargin      int
}

// InputTokens is the room left for the document text. Never below 256.
func (b Budget) InputTokens() int {
	n := b.ContextWindow - b.CompletionReserve - b.PromptOverhead - b.SafetyMargin
	if n < 256 {
		return 256
	}
	return n
}

// InputChars is InputTokens in characters.
func (b Budget) InputChars() int { return b.InputTokens() * CharsPerToken }

// Truncate cuts text to InputChars runes.
func (b Budget) Truncate(text string) string {
	limit := b.InputChars()
	if len(text) <= limit {
		return text
	}
	r := []rune(text)
	if len(r) <= limit {
		return text
	}
	return string(r[:limit])
}

var contextWindows = []struct {
	prefix string
	tokens int
}{
	{"gpt-4.1", 1047576},
	{"gpt-4o", 128000},
	{"gpt-4-turbo", 128000},
	{"gpt-4", 8192},
	{"gpt-3.5-turbo", 16385},
	{"o1", 200000},
	{"o3", 200000},
	{"o4", 200000},
	{"claude", 200000},
	{"anthropic.claude", 200000},
	{"gemini-1.5", 1048576},
	{"gemini-2", 1048576},
	{"gemini", 32768},
	{"llama3.1", 131072},
	{"llama3", 8192},
	{"mistral", 32768},
	{"qwen", 32768},
	{"amazon.titan", 8192},
}

// BudgetFor returns the budget of a known model family, 8k otherwise. The
// completion reserve is 1024 tokens, the prompt overhead 512 and the safety
// margin 5% of the window.
func BudgetFor(model string) Budget {
	window := 8192
	m := strings.ToLower(model)
	for _, cw := range contextWindows {
		if strings.HasPrefix(m, cw.prefix) {
			window = cw.tokens
			break
		}
	}
	return Budget{
		ContextWindow:     window,
		CompletionReserve: 1024,
		PromptOverhead:    512,
		SafetyMargin:      window / 20,
	}
}
