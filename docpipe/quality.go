package docpipe

import (
	"strings"

	"github.com/hazyhaar/attachd/content"
)

// wordlikeRatio returns the share of whitespace-separated tokens whose length
// is 2 to 15 runes. Garbled extraction produces long runs or single glyphs.
func wordlikeRatio(text string) float64 {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0
	}
	wordlike := 0
	for _, f := range fields {
		n := len([]rune(f))
		if n >= 2 && n <= 15 {
			wordlike++
		}
	}
	return float64(wordlike) / float64(len(fields))
}

// textConfidence scores natively extracted PDF text in [0,1].
func textConfidence(text string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	score := 0.6*content.PrintableRatio(text) + 0.4*wordlikeRatio(text)
	if score > 1 {
		score = 1
	}
	return score
}

// paragraphBlocks splits text on blank lines into paragraph blocks.
func paragraphBlocks(text string, confidence float64) []content.Block {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var blocks []content.Block
	for _, part := range strings.Split(text, "\n\n") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		blocks = append(blocks, content.Block{Type: content.BlockParagraph, Text: part, Confidence: confidence})
	}
	return blocks
}

// joinBlocks renders blocks back into page text, tables as pipe rows.
func joinBlocks(blocks []content.Block) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if len(b.Rows) > 0 {
			parts = append(parts, tableText(b.Rows))
			continue
		}
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}
