package docpipe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/hazyhaar/attachd/content"
)

// extractPDF returns one page per PDF page. Pages whose native text is empty
// or looks like raw PDF source go through the OCR fallback.
func (p *Pipeline) extractPDF(ctx context.Context, data []byte) ([]content.Page, string, string, error) {
	texts, err := readPDFPages(data)
	if err != nil {
		// Unparseable files are kept only when the bytes are a PDF at all;
		// the fallback then gets a chance to OCR the first page.
		if !LooksLikeRawPDF(string(data), p.cfg.RawPDF) {
			return nil, "", "", err
		}
		p.logger.Warn("pdf parse failed, trying ocr fallback", "error", err)
		texts = []string{string(data)}
	}

	method := content.MethodDocumentNative
	pages := make([]content.Page, len(texts))
	ocrPages := 0
	hasText := false
	var title string

	for i, text := range texts {
		pageNr := i + 1
		if strings.TrimSpace(text) != "" && !LooksLikeRawPDF(text, p.cfg.RawPDF) {
			conf := textConfidence(text)
			pages[i] = content.Page{
				Text:             text,
				Blocks:           paragraphBlocks(text, conf),
				Confidence:       conf,
				ExtractionMethod: content.MethodDocumentNative,
			}
			hasText = true
			if title == "" {
				title = firstLine(text)
			}
			continue
		}

		method = content.MethodOCRFallback
		pages[i] = content.Page{ExtractionMethod: content.MethodOCRFallback, Blocks: []content.Block{}}
		if ocrPages >= p.cfg.MaxOCRPages {
			continue
		}
		ocrPages++
		pg, err := p.ocrPage(ctx, data, pageNr)
		if err != nil {
			// Contained to this page: it stays empty with zero confidence.
			p.logger.Warn("pdf page ocr fallback failed", "page", pageNr, "error", err)
			continue
		}
		pages[i] = pg
		if pg.Text != "" {
			hasText = true
		}
	}

	if !hasText {
		return nil, "", "", ErrNoText
	}
	return pages, title, method, nil
}

func (p *Pipeline) ocrPage(ctx context.Context, data []byte, pageNr int) (content.Page, error) {
	if p.cfg.Rasterizer == nil || p.cfg.OCR == nil {
		return content.Page{}, fmt.Errorf("ocr fallback not configured")
	}
	img, err := p.cfg.Rasterizer.RasterizePage(ctx, data, pageNr)
	if err != nil {
		return content.Page{}, fmt.Errorf("rasterize page %d: %w", pageNr, err)
	}
	regions, err := p.cfg.OCR.Recognize(ctx, img, "image/png")
	if err != nil {
		return content.Page{}, fmt.Errorf("ocr page %d: %w", pageNr, err)
	}

	pg := content.Page{ExtractionMethod: content.MethodOCRFallback, Blocks: []content.Block{}}
	lines := make([]string, 0, len(regions))
	var sum float64
	for _, r := range regions {
		text := strings.TrimSpace(r.Text)
		if text == "" {
			continue
		}
		lines = append(lines, text)
		sum += r.Confidence
		pg.Blocks = append(pg.Blocks, content.Block{
			Type:       content.BlockOCR,
			Text:       text,
			Confidence: r.Confidence,
			Geometry:   r.Geometry,
		})
	}
	pg.Text = strings.Join(lines, "\n")
	if len(lines) > 0 {
		pg.Confidence = sum / float64(len(lines))
	}
	return pg, nil
}

// readPDFPages parses data with pdfcpu and returns the decoded text of each
// page. pdfcpu panics on some malformed inputs; those become errors.
func readPDFPages(data []byte) (texts []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			texts, err = nil, fmt.Errorf("pdfcpu panic: %v", r)
		}
	}()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	pctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read: %w", err)
	}
	if pctx.PageCount == 0 {
		return nil, fmt.Errorf("pdf has no pages")
	}

	texts = make([]string, pctx.PageCount)
	for pageNr := 1; pageNr <= pctx.PageCount; pageNr++ {
		r, err := pdfcpu.ExtractPageContent(pctx, pageNr)
		if err != nil || r == nil {
			continue
		}
		raw, err := io.ReadAll(r)
		if err != nil || len(raw) == 0 {
			continue
		}
		texts[pageNr-1] = textFromContentStream(raw)
	}
	return texts, nil
}

// textFromContentStream runs the text-showing operators of a page content
// stream (Tj, TJ, ', ") and turns positioning operators into line breaks.
func textFromContentStream(data []byte) string {
	var (
		sb       strings.Builder
		operands []any
	)
	newline := func() {
		s := sb.String()
		if s != "" && !strings.HasSuffix(s, "\n") {
			sb.WriteByte('\n')
		}
	}

	sc := &streamScanner{data: data}
	for {
		tok, ok := sc.next()
		if !ok {
			break
		}
		op, isOp := tok.(pdfOperator)
		if !isOp {
			operands = append(operands, tok)
			continue
		}
		switch op {
		case "Tj":
			if s, ok := lastString(operands); ok {
				sb.WriteString(s)
			}
		case "'", `"`:
			newline()
			if s, ok := lastString(operands); ok {
				sb.WriteString(s)
			}
		case "TJ":
			if len(operands) > 0 {
				if arr, ok := operands[len(operands)-1].([]any); ok {
					for _, el := range arr {
						switch v := el.(type) {
						case pdfString:
							sb.WriteString(decodePDFText(v))
						case float64:
							// Large negative kerning is a word gap.
							if v < -200 {
								sb.WriteByte(' ')
							}
						}
					}
				}
			}
		case "Td", "TD":
			if len(operands) >= 2 {
				if ty, ok := operands[len(operands)-1].(float64); ok && ty != 0 {
					newline()
				} else if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
			}
		case "T*", "ET":
			newline()
		}
		operands = operands[:0]
	}
	return cleanPageText(sb.String())
}

func lastString(operands []any) (string, bool) {
	if len(operands) == 0 {
		return "", false
	}
	s, ok := operands[len(operands)-1].(pdfString)
	if !ok {
		return "", false
	}
	return decodePDFText(s), true
}

type (
	pdfString   []byte
	pdfOperator string
	pdfName     string
)

// streamScanner tokenizes a content stream. Tokens are pdfString, pdfName,
// float64, []any (arrays), pdfOperator; dictionaries are skipped.
type streamScanner struct {
	data []byte
	pos  int
}

func (s *streamScanner) next() (any, bool) {
	for {
		s.skipSpace()
		if s.pos >= len(s.data) {
			return nil, false
		}
		c := s.data[s.pos]
		switch {
		case c == '%':
			for s.pos < len(s.data) && s.data[s.pos] != '\n' && s.data[s.pos] != '\r' {
				s.pos++
			}
			continue
		case c == '(':
			return s.literal(), true
		case c == '<' && s.peek(1) == '<':
			s.skipDict()
			continue
		case c == '<':
			return s.hex(), true
		case c == '[':
			s.pos++
			var arr []any
			for {
				s.skipSpace()
				if s.pos >= len(s.data) {
					return arr, true
				}
				if s.data[s.pos] == ']' {
					s.pos++
					return arr, true
				}
				tok, ok := s.next()
				if !ok {
					return arr, true
				}
				arr = append(arr, tok)
			}
		case c == ']' || c == '>' || c == ')' || c == '{' || c == '}':
			s.pos++
			continue
		case c == '/':
			start := s.pos + 1
			s.pos++
			for s.pos < len(s.data) && !isDelim(s.data[s.pos]) {
				s.pos++
			}
			return pdfName(s.data[start:s.pos]), true
		default:
			start := s.pos
			for s.pos < len(s.data) && !isDelim(s.data[s.pos]) {
				s.pos++
			}
			if s.pos == start {
				s.pos++
				continue
			}
			word := string(s.data[start:s.pos])
			if f, ok := parseNumber(word); ok {
				return f, true
			}
			if word == "BI" {
				s.skipInlineImage()
				continue
			}
			return pdfOperator(word), true
		}
	}
}

func (s *streamScanner) peek(n int) byte {
	if s.pos+n < len(s.data) {
		return s.data[s.pos+n]
	}
	return 0
}

func (s *streamScanner) skipSpace() {
	for s.pos < len(s.data) && isSpace(s.data[s.pos]) {
		s.pos++
	}
}

func (s *streamScanner) skipDict() {
	depth := 0
	for s.pos < len(s.data) {
		switch {
		case s.data[s.pos] == '<' && s.peek(1) == '<':
			depth++
			s.pos += 2
		case s.data[s.pos] == '>' && s.peek(1) == '>':
			depth--
			s.pos += 2
			if depth == 0 {
				return
			}
		case s.data[s.pos] == '(':
			s.literal()
		default:
			s.pos++
		}
	}
}

// skipInlineImage jumps past BI ... ID <binary> EI.
func (s *streamScanner) skipInlineImage() {
	idx := bytes.Index(s.data[s.pos:], []byte("EI"))
	for idx >= 0 {
		end := s.pos + idx + 2
		before := s.pos + idx - 1
		if (before < 0 || isSpace(s.data[before])) && (end >= len(s.data) || isSpace(s.data[end])) {
			s.pos = end
			return
		}
		next := bytes.Index(s.data[end:], []byte("EI"))
		if next < 0 {
			break
		}
		idx = end - s.pos + next
	}
	s.pos = len(s.data)
}

func (s *streamScanner) literal() pdfString {
	s.pos++ // (
	var out []byte
	depth := 1
	for s.pos < len(s.data) {
		c := s.data[s.pos]
		s.pos++
		switch c {
		case '\\':
			if s.pos >= len(s.data) {
				return out
			}
			e := s.data[s.pos]
			s.pos++
			switch e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b':
				out = append(out, '\b')
			case 'f':
				out = append(out, '\f')
			case '\r':
				if s.pos < len(s.data) && s.data[s.pos] == '\n' {
					s.pos++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					val := int(e - '0')
					for k := 0; k < 2 && s.pos < len(s.data) && s.data[s.pos] >= '0' && s.data[s.pos] <= '7'; k++ {
						val = val*8 + int(s.data[s.pos]-'0')
						s.pos++
					}
					out = append(out, byte(val))
				} else {
					out = append(out, e)
				}
			}
		case '(':
			depth++
			out = append(out, c)
		case ')':
			depth--
			if depth == 0 {
				return out
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return out
}

func (s *streamScanner) hex() pdfString {
	s.pos++ // <
	var out []byte
	var hi byte
	half := false
	for s.pos < len(s.data) && s.data[s.pos] != '>' {
		v, ok := hexVal(s.data[s.pos])
		s.pos++
		if !ok {
			continue
		}
		if half {
			out = append(out, hi<<4|v)
		} else {
			hi = v
		}
		half = !half
	}
	if half {
		out = append(out, hi<<4)
	}
	s.pos++ // >
	return out
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func isDelim(c byte) bool {
	return isSpace(c) || strings.IndexByte("()<>[]{}/%", c) >= 0
}

func parseNumber(w string) (float64, bool) {
	if w == "" {
		return 0, false
	}
	var (
		f       float64
		neg     bool
		frac    float64
		seenDig bool
		seenDot bool
	)
	for i := 0; i < len(w); i++ {
		c := w[i]
		switch {
		case (c == '-' || c == '+') && i == 0:
			neg = c == '-'
		case c == '.' && !seenDot:
			seenDot = true
			frac = 1
		case c >= '0' && c <= '9':
			seenDig = true
			if seenDot {
				frac /= 10
				f += float64(c-'0') * frac
			} else {
				f = f*10 + float64(c-'0')
			}
		default:
			return 0, false
		}
	}
	if !seenDig {
		return 0, false
	}
	if neg {
		f = -f
	}
	return f, true
}

// decodePDFText decodes a text string: UTF-16BE with a byte order mark,
// otherwise Latin-1 as an approximation of PDFDocEncoding.
func decodePDFText(b pdfString) string {
	if len(b) >= 2 && b[0] == 0xFE && b[1] == 0xFF {
		var sb strings.Builder
		for i := 2; i+1 < len(b); i += 2 {
			r := rune(b[i])<<8 | rune(b[i+1])
			if r >= 0xD800 && r <= 0xDBFF && i+3 < len(b) {
				lo := rune(b[i+2])<<8 | rune(b[i+3])
				r = 0x10000 + (r-0xD800)<<10 + (lo - 0xDC00)
				i += 2
			}
			sb.WriteRune(r)
		}
		return sb.String()
	}
	var sb strings.Builder
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}

// cleanPageText collapses runs of blanks inside lines and drops empty lines.
func cleanPageText(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.Join(strings.Fields(l), " ")
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
