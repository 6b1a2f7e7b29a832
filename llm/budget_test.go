package llm

import (
	"strings"
	"testing"
)

func TestBudgetFor(t *testing.T) {
	tests := []struct {
		model  string
		window int
	}{
		{"gpt-4o-mini", 128000},
		{"gpt-4", 8192},
		{"claude-3-5-sonnet-latest", 200000},
		{"anthropic.claude-3-haiku-20240307-v1:0", 200000},
		{"gemini-1.5-flash", 1048576},
		{"llama3.1:8b", 131072},
		{"something-new", 8192},
	}
	for _, tt := range tests {
		b := BudgetFor(tt.model)
		if b.ContextWindow != tt.window {
			t.Errorf("BudgetFor(%q).ContextWindow = %d, want %d", tt.model, b.ContextWindow, tt.window)
		}
		if b.SafetyMargin != tt.window/20 {
			t.Errorf("BudgetFor(%q).SafetyMargin = %d", tt.model, b.SafetyMargin)
		}
	}
}

func TestBudget_InputChars(t *testing.T) {
	b := Budget{ContextWindow: 8192, CompletionReserve: 1024, PromptOverhead: 512, SafetyMargin: 409}
	if got, want := b.InputChars(), (8192-1024-512-409)*CharsPerToken; got != want {
		t.Errorf("InputChars = %d, want %d", got, want)
	}
	tiny := Budget{ContextWindow: 100, CompletionReserve: 1024}
	if tiny.InputTokens() != 256 {
		t.Errorf("InputTokens floor = %d, want 256", tiny.InputTokens())
	}
}

func TestBudget_Truncate(t *testing.T) {
	b := Budget{ContextWindow: 256}
	long := strings.Repeat("é", 2000)
	got := b.Truncate(long)
	if n := len([]rune(got)); n != b.InputChars() {
		t.Errorf("truncated to %d runes, want %d", n, b.InputChars())
	}
	if b.Truncate("short") != "short" {
		t.Error("short text changed")
	}
}
