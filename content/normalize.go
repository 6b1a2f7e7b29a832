package content

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MinPrintableRatio is the floor below which a text field is treated as
// binary and dropped.
const MinPrintableRatio = 0.85

// PrintableRatio returns the share of printable runes in text. Private-use
// runes, U+FFFD and control characters other than \n \r \t count as garbage.
// Empty text scores 1.
func PrintableRatio(text string) float64 {
	total, printable := 0, 0
	for _, r := range text {
		total++
		if isGarbageRune(r) {
			continue
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\r' || r == '\t' {
			printable++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(printable) / float64(total)
}

func isGarbageRune(r rune) bool {
	switch {
	case r >= 0xE000 && r <= 0xF8FF:
		return true
	case r == utf8.RuneError:
		return true
	case r < 0x20 && r != '\n' && r != '\r' && r != '\t':
		return true
	case r == 0x7F:
		return true
	}
	return false
}

// CleanText returns s with invalid UTF-8 and garbage runes removed. A string
// that is mostly binary comes back empty.
func CleanText(s string) string {
	if s == "" {
		return s
	}
	if PrintableRatio(s) < MinPrintableRatio {
		return ""
	}
	if utf8.ValidString(s) && !strings.ContainsFunc(s, isGarbageRune) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToValidUTF8(s, "") {
		if !isGarbageRune(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func clamp01(f float64) float64 {
	switch {
	case f != f, f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Normalize cleans every text field of c in place and clamps confidences to
// [0, 1]. It returns c for chaining; a nil c stays nil.
func Normalize(c *Content) *Content {
	if c == nil {
		return nil
	}
	if d := c.Document; d != nil {
		d.Metadata.Title = CleanText(d.Metadata.Title)
		for i := range d.Pages {
			p := &d.Pages[i]
			p.Text = CleanText(p.Text)
			p.Confidence = clamp01(p.Confidence)
			if p.Blocks == nil {
				p.Blocks = []Block{}
			}
			for j := range p.Blocks {
				blk := &p.Blocks[j]
				blk.Text = CleanText(blk.Text)
				blk.Confidence = clamp01(blk.Confidence)
				for _, row := range blk.Rows {
					for k := range row {
						row[k] = CleanText(row[k])
					}
				}
			}
		}
		if d.Pages == nil {
			d.Pages = []Page{}
		}
		d.Metadata.TotalPages = len(d.Pages)
	}
	if img := c.Image; img != nil {
		img.Description = CleanText(img.Description)
		objects := img.Objects[:0]
		for _, o := range img.Objects {
			if o = strings.TrimSpace(CleanText(o)); o != "" {
				objects = append(objects, o)
			}
		}
		img.Objects = objects
		regions := img.TextRegions[:0]
		for _, r := range img.TextRegions {
			r.Text = CleanText(r.Text)
			r.Confidence = clamp01(r.Confidence)
			if strings.TrimSpace(r.Text) != "" {
				regions = append(regions, r)
			}
		}
		img.TextRegions = regions
		if img.Objects == nil {
			img.Objects = []string{}
		}
		if img.TextRegions == nil {
			img.TextRegions = []TextRegion{}
		}
		for k, v := range img.Metadata {
			if s, ok := v.(string); ok {
				img.Metadata[k] = CleanText(s)
			}
		}
	}
	if a := c.Audio; a != nil {
		t := &a.Transcription
		t.Text = CleanText(t.Text)
		t.Language = CleanText(t.Language)
		t.Confidence = clamp01(t.Confidence)
		if t.Segments == nil {
			t.Segments = []Segment{}
		}
		for i := range t.Segments {
			t.Segments[i].Text = CleanText(t.Segments[i].Text)
			t.Segments[i].Confidence = clamp01(t.Segments[i].Confidence)
		}
		if an := a.Analysis; an != nil {
			an.Sentiment = CleanText(an.Sentiment)
			an.UrgencyLevel = CleanText(an.UrgencyLevel)
			for i := range an.KeyTopics {
				an.KeyTopics[i] = CleanText(an.KeyTopics[i])
			}
		}
	}
	return c
}
