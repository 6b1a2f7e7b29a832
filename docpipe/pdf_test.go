package docpipe

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/hazyhaar/attachd/content"
)

func TestLooksLikeRawPDF(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"header", "%PDF-1.7\n%âãÏÓ", true},
		{"header after whitespace", "\n  %PDF-1.4 1 0 obj", true},
		{"object soup", "1 0 obj << /Type /Page >> endobj 2 0 obj << /Length 44 >> stream x endstream endobj xref trailer", true},
		{"prose", "The customer reports a timeout error during authentication on the login page.", false},
		{"prose mentioning one keyword", "We will stream the logs to the trailer park object store.", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LooksLikeRawPDF(tt.text, DefaultRawPDF); got != tt.want {
				t.Errorf("LooksLikeRawPDF(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestLooksLikeRawPDF_Thresholds(t *testing.T) {
	text := "obj endobj xref " + strings.Repeat("word ", 100)
	if LooksLikeRawPDF(text, RawPDFThresholds{MinTokens: 4, TokenDensity: 0.02}) {
		t.Error("3 tokens flagged with MinTokens 4")
	}
	if !LooksLikeRawPDF(text, RawPDFThresholds{MinTokens: 3, TokenDensity: 0.02}) {
		t.Error("3 tokens in 103 not flagged with MinTokens 3, density 0.02")
	}
	if LooksLikeRawPDF(text, RawPDFThresholds{MinTokens: 3, TokenDensity: 0.05}) {
		t.Error("density 0.029 flagged at 0.05")
	}
}

func TestTextFromContentStream(t *testing.T) {
	tests := []struct {
		name   string
		stream string
		want   string
	}{
		{"tj", "BT /F1 12 Tf 72 720 Td (Hello World) Tj ET", "Hello World"},
		{"escapes", `BT (a\(b\) c\\d \101) Tj ET`, `a(b) c\d A`},
		{"nested parens", "BT (f(x) = 1) Tj ET", "f(x) = 1"},
		{"tj array kerning", "BT [(Hel) -20 (lo) -600 (World)] TJ ET", "Hello World"},
		{"lines", "BT (one) Tj 0 -14 Td (two) Tj T* (three) Tj ET", "one\ntwo\nthree"},
		{"quote operator", "BT (first) Tj (second) ' ET", "first\nsecond"},
		{"hex utf16", "BT <FEFF00E9007400E9> Tj ET", "été"},
		{"hex latin1", "BT <48 69> Tj ET", "Hi"},
		{"dict skipped", "/P << /MCID 0 /Alt (hidden) >> BDC BT (shown) Tj ET EMC", "shown"},
		{"inline image skipped", "BI /W 1 /H 1 ID \x00\x01(x) EI BT (after) Tj ET", "after"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := textFromContentStream([]byte(tt.stream)); got != tt.want {
				t.Errorf("text = %q, want %q", got, tt.want)
			}
		})
	}
}

type fakeRasterizer struct {
	mu    sync.Mutex
	pages []int
	err   error
}

func (f *fakeRasterizer) RasterizePage(_ context.Context, _ []byte, page int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = append(f.pages, page)
	if f.err != nil {
		return nil, f.err
	}
	return []byte("\x89PNG\r\n\x1a\nfake"), nil
}

type fakeOCR struct {
	text string
	err  error
}

func (f *fakeOCR) Recognize(_ context.Context, img []byte, mime string) ([]content.TextRegion, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []content.TextRegion{
		{Text: f.text, Confidence: 0.9, Geometry: &content.Geometry{X: 10, Y: 20, Width: 300, Height: 18}},
		{Text: "  ", Confidence: 0.1},
	}, nil
}

func TestExtractPDF_UnparseableFallsBackToOCR(t *testing.T) {
	raw := []byte("%PDF-1.7\n%\xe2\xe3\xcf\xd3\nthis is not a real object table\n%%EOF\n")
	rast := &fakeRasterizer{}
	p := New(Config{Rasterizer: rast, OCR: &fakeOCR{text: "scanned invoice 2026"}})

	doc, method, err := p.Extract(context.Background(), raw, "application/pdf", "scan.pdf", AllFeatures)
	if err != nil {
		t.Fatal(err)
	}
	if method != content.MethodOCRFallback {
		t.Errorf("method = %q, want %q", method, content.MethodOCRFallback)
	}
	if len(doc.Pages) != 1 {
		t.Fatalf("pages = %d", len(doc.Pages))
	}
	pg := doc.Pages[0]
	if pg.ExtractionMethod != content.MethodOCRFallback || pg.Text != "scanned invoice 2026" {
		t.Errorf("page = %+v", pg)
	}
	if len(pg.Blocks) == 0 || pg.Blocks[0].Type != content.BlockOCR || pg.Blocks[0].Geometry == nil {
		t.Errorf("blocks = %+v", pg.Blocks)
	}
	if pg.Confidence != 0.9 {
		t.Errorf("confidence = %v", pg.Confidence)
	}
	if len(rast.pages) != 1 || rast.pages[0] != 1 {
		t.Errorf("rasterized pages = %v", rast.pages)
	}
}

func TestExtractPDF_ImageOnlyUsesOCR(t *testing.T) {
	p := New(Config{Rasterizer: &fakeRasterizer{}, OCR: &fakeOCR{text: "text from the scan"}})
	doc, method, err := p.Extract(context.Background(), buildImageOnlyPDF(), "application/pdf", "img.pdf", AllFeatures)
	if err != nil {
		t.Fatal(err)
	}
	if method != content.MethodOCRFallback {
		t.Errorf("method = %q", method)
	}
	if !strings.Contains(doc.Pages[0].Text, "text from the scan") {
		t.Errorf("page text = %q", doc.Pages[0].Text)
	}
}

func TestExtractPDF_TextPDF(t *testing.T) {
	// No OCR configured: the text can only come from the content stream.
	phrase := "Hello World from PDF extraction test"
	doc, method, err := New(Config{}).Extract(context.Background(), buildRealTextPDF(phrase), "application/pdf", "t.pdf", AllFeatures)
	if err != nil {
		t.Fatal(err)
	}
	if method != content.MethodDocumentNative {
		t.Errorf("method = %q, want %q", method, content.MethodDocumentNative)
	}
	pg := doc.Pages[0]
	if pg.Text != phrase || pg.ExtractionMethod != content.MethodDocumentNative {
		t.Errorf("page = %+v", pg)
	}
	if doc.Metadata.DocumentType != "pdf" || doc.Metadata.Title != phrase {
		t.Errorf("metadata = %+v", doc.Metadata)
	}
}

func TestExtractPDF_RawSourceTextFallsBackToOCR(t *testing.T) {
	// The page parses, but what it shows is PDF source rather than prose.
	rast := &fakeRasterizer{}
	p := New(Config{Rasterizer: rast, OCR: &fakeOCR{text: "the real page text"}})
	doc, method, err := p.Extract(context.Background(), buildRealTextPDF("%PDF-1.4 1 0 obj << /Type /Page >> endobj"),
		"application/pdf", "nested.pdf", AllFeatures)
	if err != nil {
		t.Fatal(err)
	}
	if method != content.MethodOCRFallback {
		t.Errorf("method = %q, want %q", method, content.MethodOCRFallback)
	}
	pg := doc.Pages[0]
	if pg.ExtractionMethod != content.MethodOCRFallback || pg.Text != "the real page text" {
		t.Errorf("page = %+v", pg)
	}
	if len(rast.pages) != 1 || rast.pages[0] != 1 {
		t.Errorf("rasterized pages = %v", rast.pages)
	}
}

func TestExtractPDF_FallbackFailureIsError(t *testing.T) {
	raw := []byte("%PDF-1.7\ngarbage only\n")
	p := New(Config{Rasterizer: &fakeRasterizer{err: errors.New("pdftoppm missing")}, OCR: &fakeOCR{text: "x"}})
	if _, _, err := p.Extract(context.Background(), raw, "application/pdf", "bad.pdf", AllFeatures); !errors.Is(err, ErrNoText) {
		t.Errorf("err = %v, want ErrNoText", err)
	}
}

func TestExtractPDF_NotAPDF(t *testing.T) {
	p := New(Config{Rasterizer: &fakeRasterizer{}, OCR: &fakeOCR{text: "x"}})
	if _, _, err := p.Extract(context.Background(), []byte("hello"), "application/pdf", "x.pdf", AllFeatures); err == nil {
		t.Error("expected error for non-PDF bytes")
	}
}

// --- PDF test helpers ---

// buildRealTextPDF creates a valid single-page PDF with proper xref offsets.
func buildRealTextPDF(text string) []byte {
	escaped := strings.ReplaceAll(text, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, "(", `\(`)
	escaped = strings.ReplaceAll(escaped, ")", `\)`)

	stream := "BT\n/F1 12 Tf\n72 720 Td\n(" + escaped + ") Tj\nET"
	return assemblePDF([]string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		"<< /Length " + pdfItoa(len(stream)) + " >>\nstream\n" + stream + "\nendstream",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	})
}

func buildImageOnlyPDF() []byte {
	imgData := "\xff\xd8\xff\xe0"
	drawStream := "q 100 0 0 100 72 692 cm /Im1 Do Q"
	return assemblePDF([]string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /XObject << /Im1 4 0 R >> >> /Contents 5 0 R >>",
		"<< /Type /XObject /Subtype /Image /Width 1 /Height 1 /ColorSpace /DeviceRGB /BitsPerComponent 8 /Length " +
			pdfItoa(len(imgData)) + " >>\nstream\n" + imgData + "\nendstream",
		"<< /Length " + pdfItoa(len(drawStream)) + " >>\nstream\n" + drawStream + "\nendstream",
	})
}

// assemblePDF numbers objs from 1 and writes the xref table and trailer.
func assemblePDF(objs []string) []byte {
	var b strings.Builder
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs)+1)
	for i, o := range objs {
		offsets[i+1] = b.Len()
		b.WriteString(pdfItoa(i+1) + " 0 obj\n" + o + "\nendobj\n")
	}
	xrefOffset := b.Len()
	b.WriteString("xref\n0 " + pdfItoa(len(objs)+1) + "\n")
	b.WriteString("0000000000 65535 f \n")
	for i := 1; i <= len(objs); i++ {
		b.WriteString(pdfPadOffset(offsets[i]))
		b.WriteString(" 00000 n \n")
	}
	b.WriteString("trailer\n<< /Size " + pdfItoa(len(objs)+1) + " /Root 1 0 R >>\nstartxref\n")
	b.WriteString(pdfItoa(xrefOffset))
	b.WriteString("\n%%EOF\n")
	return []byte(b.String())
}

func pdfItoa(n int) string {
	if n == 0 {
		return "0"
	}
	s := ""
	for n > 0 {
		s = string(rune('0'+n%10)) + s
		n /= 10
	}
	return s
}

func pdfPadOffset(n int) string {
	s := pdfItoa(n)
	for len(s) < 10 {
		s = "0" + s
	}
	return s
}
