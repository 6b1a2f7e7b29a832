package content

import "strings"

// Prefixes used by TextView.
const (
	ImagePrefix    = "Image shows: "
	ImageOCRPrefix = "Text in image: "
	AudioPrefix    = "Audio content: "
)

// TextView flattens c for summarization: document page texts in order, then
// the image description, the image OCR text and the audio transcript, each
// block separated by a blank line. Empty blocks are skipped. The result
// depends only on c and is never persisted.
func TextView(c *Content) string {
	if c == nil {
		return ""
	}
	var blocks []string
	if c.Document != nil {
		for _, p := range c.Document.Pages {
			if t := strings.TrimSpace(p.Text); t != "" {
				blocks = append(blocks, t)
			}
		}
	}
	if img := c.Image; img != nil {
		if d := strings.TrimSpace(img.Description); d != "" {
			blocks = append(blocks, ImagePrefix+d)
		}
		var lines []string
		for _, r := range img.TextRegions {
			if t := strings.TrimSpace(r.Text); t != "" {
				lines = append(lines, t)
			}
		}
		if len(lines) > 0 {
			blocks = append(blocks, ImageOCRPrefix+strings.Join(lines, " "))
		}
	}
	if c.Audio != nil {
		if t := strings.TrimSpace(c.Audio.Transcription.Text); t != "" {
			blocks = append(blocks, AudioPrefix+t)
		}
	}
	return strings.Join(blocks, "\n\n")
}
