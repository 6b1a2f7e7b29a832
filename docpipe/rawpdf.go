package docpipe

import "strings"

// RawPDFThresholds tunes LooksLikeRawPDF. Text is flagged when it carries at
// least MinTokens structural tokens and they make up at least TokenDensity of
// all whitespace-separated tokens.
type RawPDFThresholds struct {
	MinTokens    int
	TokenDensity float64
}

// DefaultRawPDF is used when Config.RawPDF is zero.
var DefaultRawPDF = RawPDFThresholds{MinTokens: 4, TokenDensity: 0.02}

var pdfStructTokens = map[string]bool{
	"obj": true, "endobj": true, "stream": true, "endstream": true,
	"xref": true, "trailer": true, "startxref": true,
}

// LooksLikeRawPDF reports whether text extracted from a PDF is actually the
// file's own source: it starts with the %PDF header, or it is dense with
// object and cross-reference keywords. Some extractors return this for
// scanned or malformed files.
func LooksLikeRawPDF(text string, th RawPDFThresholds) bool {
	trimmed := strings.TrimLeft(text, " \t\r\n\x00\ufeff")
	if strings.HasPrefix(trimmed, "%PDF") {
		return true
	}
	if th.MinTokens <= 0 {
		th.MinTokens = DefaultRawPDF.MinTokens
	}
	if th.TokenDensity <= 0 {
		th.TokenDensity = DefaultRawPDF.TokenDensity
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	hits := 0
	for _, f := range fields {
		if pdfStructTokens[strings.Trim(f, "<>[]")] {
			hits++
		}
	}
	return hits >= th.MinTokens && float64(hits)/float64(len(fields)) >= th.TokenDensity
}
