package content

import (
	"encoding/json"
	"strings"
	"testing"
)

func sample() *Content {
	return &Content{
		Document: &Document{
			Pages: []Page{
				{PageNumber: 1, Text: "Login fails with timeout.", Confidence: 0.9},
				{PageNumber: 2, Text: "   "},
				{PageNumber: 3, Text: "Retry after 30s.", Confidence: 1},
			},
		},
		Image: &Image{
			Description: "A browser error dialog",
			TextRegions: []TextRegion{{Text: "ERR_TIMEOUT"}, {Text: "Try again"}},
		},
		Audio: &Audio{Transcription: Transcription{Text: "the customer says it is urgent"}},
	}
}

func TestTextView_Order(t *testing.T) {
	got := TextView(sample())
	want := "Login fails with timeout.\n\n" +
		"Retry after 30s.\n\n" +
		"Image shows: A browser error dialog\n\n" +
		"Text in image: ERR_TIMEOUT Try again\n\n" +
		"Audio content: the customer says it is urgent"
	if got != want {
		t.Fatalf("TextView =\n%q\nwant\n%q", got, want)
	}
}

func TestTextView_Deterministic(t *testing.T) {
	raw, err := json.Marshal(sample())
	if err != nil {
		t.Fatal(err)
	}
	var a, b Content
	if err := json.Unmarshal(raw, &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		t.Fatal(err)
	}
	if TextView(&a) != TextView(&b) {
		t.Fatal("TextView differs across decodes of the same JSON")
	}
	if TextView(&a) != TextView(&a) {
		t.Fatal("TextView differs across calls")
	}
}

func TestTextView_Empty(t *testing.T) {
	if got := TextView(nil); got != "" {
		t.Errorf("TextView(nil) = %q", got)
	}
	if got := TextView(&Content{Image: &Image{}}); got != "" {
		t.Errorf("TextView(empty image) = %q", got)
	}
}

func TestCleanText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "timeout error", "timeout error"},
		{"keeps whitespace", "a\tb\nc", "a\tb\nc"},
		{"strips nul", "abc\x00def ghi jkl mno pqr", "abcdef ghi jkl mno pqr"},
		{"strips invalid utf8", "hello \xff world, this is fine", "hello  world, this is fine"},
		{"binary dropped", string([]byte{0x89, 'P', 'N', 'G', 0, 1, 2, 3, 4, 5, 0x1a, 0x0b}), ""},
		{"pua stripped", "ok\uE001 text here and more text", "ok text here and more text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanText(tt.in); got != tt.want {
				t.Errorf("CleanText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	c := &Content{
		Document: &Document{Pages: []Page{{
			PageNumber: 1,
			Text:       "row\x00 data and words",
			Confidence: 1.7,
			Blocks: []Block{{
				Type:       BlockTable,
				Rows:       [][]string{{"alpha beta gamma\x01", "b"}},
				Confidence: -1,
			}},
		}}},
	}
	Normalize(c)
	p := c.Document.Pages[0]
	if strings.ContainsRune(p.Text, 0) {
		t.Errorf("page text still has NUL: %q", p.Text)
	}
	if p.Confidence != 1 {
		t.Errorf("confidence = %v, want clamp to 1", p.Confidence)
	}
	if p.Blocks[0].Confidence != 0 {
		t.Errorf("block confidence = %v, want clamp to 0", p.Blocks[0].Confidence)
	}
	if p.Blocks[0].Rows[0][0] != "alpha beta gamma" {
		t.Errorf("cell = %q, want alpha beta gamma", p.Blocks[0].Rows[0][0])
	}
	if c.Document.Metadata.TotalPages != 1 {
		t.Errorf("TotalPages = %d", c.Document.Metadata.TotalPages)
	}
}

func TestNormalize_ImageDropsEmptyRegions(t *testing.T) {
	c := NewImage(&Image{
		Objects:     []string{"button", " ", "dialog"},
		TextRegions: []TextRegion{{Text: "OK", Confidence: 0.8}, {Text: "  "}},
	})
	Normalize(c)
	if len(c.Image.Objects) != 2 {
		t.Errorf("objects = %v", c.Image.Objects)
	}
	if len(c.Image.TextRegions) != 1 {
		t.Errorf("regions = %v", c.Image.TextRegions)
	}
}

func TestIsEmpty(t *testing.T) {
	if !(*Content)(nil).IsEmpty() || !(&Content{}).IsEmpty() {
		t.Error("expected empty")
	}
	if NewAudio(&Audio{}).IsEmpty() {
		t.Error("audio content reported empty")
	}
}
