// Package docpipe is the document extraction strategy. It turns the bytes of
// a PDF, office file, spreadsheet, HTML page, Markdown or plain text file into
// a content.Document with one entry per page, sheet or slide.
//
// PDF pages whose native text is empty, or is really the file's own source
// (see LooksLikeRawPDF), are rasterized and sent through OCR instead.
//
// Usage:
//
//	pipe := docpipe.New(docpipe.Config{Rasterizer: docpipe.NewPdftoppm("", 200), OCR: ocr})
//	doc, method, err := pipe.Extract(ctx, data, "application/pdf", "scan.pdf", docpipe.AllFeatures)
package docpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/hazyhaar/attachd/content"
)

// Format identifies a document type.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDocx Format = "docx"
	FormatODT  Format = "odt"
	FormatODS  Format = "ods"
	FormatODP  Format = "odp"
	FormatXLSX Format = "xlsx"
	FormatPPTX Format = "pptx"
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
	FormatHTML Format = "html"
	FormatMD   Format = "md"
	FormatTXT  Format = "txt"
	FormatCode Format = "code"
)

// ErrUnsupportedFormat is returned when neither the MIME type, the extension
// nor the bytes identify a readable document.
var ErrUnsupportedFormat = errors.New("docpipe: unsupported format")

// ErrNoText is returned when a document yields no text at all, fallbacks
// included.
var ErrNoText = errors.New("docpipe: no text content")

// Feature is an extraction capability requested by the caller.
type Feature string

const (
	FeatureText   Feature = "text"
	FeatureTables Feature = "tables"
	FeatureForms  Feature = "forms"
	FeatureLayout Feature = "layout"
)

// Features is a requested feature set.
type Features []Feature

// AllFeatures is what the router asks for.
var AllFeatures = Features{FeatureText, FeatureTables, FeatureForms, FeatureLayout}

// Has reports whether f was requested.
func (fs Features) Has(f Feature) bool {
	for _, x := range fs {
		if x == f {
			return true
		}
	}
	return false
}

// OCR recognizes text regions in a raster image.
type OCR interface {
	Recognize(ctx context.Context, image []byte, mimeType string) ([]content.TextRegion, error)
}

// PageRasterizer renders one PDF page (1-based) to a PNG.
type PageRasterizer interface {
	RasterizePage(ctx context.Context, pdf []byte, page int) ([]byte, error)
}

// Config configures the document pipeline.
type Config struct {
	// MaxFileSize is the largest input accepted (default 100 MB).
	MaxFileSize int64

	// RawPDF tunes the raw-source detector applied to PDF page text.
	RawPDF RawPDFThresholds

	// MaxOCRPages bounds how many pages of one PDF go through OCR (default 50).
	MaxOCRPages int

	// Rasterizer and OCR enable the PDF fallback. Either nil disables it.
	Rasterizer PageRasterizer
	OCR        OCR

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 100 * 1024 * 1024
	}
	if c.RawPDF.MinTokens <= 0 {
		c.RawPDF.MinTokens = DefaultRawPDF.MinTokens
	}
	if c.RawPDF.TokenDensity <= 0 {
		c.RawPDF.TokenDensity = DefaultRawPDF.TokenDensity
	}
	if c.MaxOCRPages <= 0 {
		c.MaxOCRPages = 50
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Pipeline is the document extraction engine.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Pipeline with the given configuration.
func New(cfg Config) *Pipeline {
	cfg.defaults()
	return &Pipeline{cfg: cfg, logger: cfg.Logger}
}

var mimeFormats = map[string]Format{
	"application/pdf": FormatPDF,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   FormatDocx,
	"application/vnd.oasis.opendocument.text":                                   FormatODT,
	"application/vnd.oasis.opendocument.spreadsheet":                            FormatODS,
	"application/vnd.oasis.opendocument.presentation":                           FormatODP,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         FormatXLSX,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": FormatPPTX,
	"text/csv":                  FormatCSV,
	"text/tab-separated-values": FormatTSV,
	"text/html":                 FormatHTML,
	"application/xhtml+xml":     FormatHTML,
	"text/markdown":             FormatMD,
	"text/x-markdown":           FormatMD,
	"text/plain":                FormatTXT,
	"application/json":          FormatCode,
	"application/xml":           FormatCode,
	"text/xml":                  FormatCode,
	"application/x-yaml":        FormatCode,
}

var extFormats = map[string]Format{
	".pdf": FormatPDF, ".docx": FormatDocx, ".odt": FormatODT,
	".ods": FormatODS, ".odp": FormatODP,
	".xlsx": FormatXLSX, ".pptx": FormatPPTX,
	".csv": FormatCSV, ".tsv": FormatTSV,
	".html": FormatHTML, ".htm": FormatHTML,
	".md": FormatMD, ".markdown": FormatMD,
	".txt": FormatTXT, ".text": FormatTXT, ".log": FormatTXT,
	".go": FormatCode, ".py": FormatCode, ".js": FormatCode, ".ts": FormatCode,
	".java": FormatCode, ".c": FormatCode, ".h": FormatCode, ".cpp": FormatCode,
	".rs": FormatCode, ".rb": FormatCode, ".php": FormatCode, ".sh": FormatCode,
	".sql": FormatCode, ".json": FormatCode, ".yaml": FormatCode, ".yml": FormatCode,
	".xml": FormatCode, ".toml": FormatCode, ".ini": FormatCode, ".cs": FormatCode,
	".kt": FormatCode, ".swift": FormatCode,
}

// Detect returns the document format from the MIME type, falling back to the
// file extension.
func (p *Pipeline) Detect(mimeType, filename string) (Format, error) {
	base := strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	ext := strings.ToLower(filepath.Ext(filename))
	// Generic text MIME types lose to a more specific extension.
	if f, ok := extFormats[ext]; ok && (base == "" || base == "text/plain" || base == "application/octet-stream") {
		return f, nil
	}
	if f, ok := mimeFormats[base]; ok {
		return f, nil
	}
	if f, ok := extFormats[ext]; ok {
		return f, nil
	}
	if strings.HasPrefix(base, "text/") {
		return FormatTXT, nil
	}
	return "", fmt.Errorf("%w: %q (%s)", ErrUnsupportedFormat, base, ext)
}

// SupportedFormats lists every format Extract understands.
func SupportedFormats() []Format {
	return []Format{FormatPDF, FormatDocx, FormatODT, FormatODS, FormatODP, FormatXLSX, FormatPPTX,
		FormatCSV, FormatTSV, FormatHTML, FormatMD, FormatTXT, FormatCode}
}

// Extract parses data and returns the document and the extraction method:
// content.MethodOCRFallback when any PDF page went through OCR, otherwise
// content.MethodDocumentNative.
func (p *Pipeline) Extract(ctx context.Context, data []byte, mimeType, filename string, features Features) (*content.Document, string, error) {
	if int64(len(data)) > p.cfg.MaxFileSize {
		return nil, "", fmt.Errorf("docpipe: file too large: %d bytes (max %d)", len(data), p.cfg.MaxFileSize)
	}

	format, err := p.Detect(mimeType, filename)
	if err != nil {
		// Unknown binary types are still worth a try as text.
		if content.PrintableRatio(string(data)) < content.MinPrintableRatio {
			return nil, "", err
		}
		format = FormatTXT
	}

	p.logger.Debug("extracting document", "filename", filename, "format", format, "bytes", len(data))

	var (
		pages  []content.Page
		title  string
		method = content.MethodDocumentNative
	)
	switch format {
	case FormatPDF:
		pages, title, method, err = p.extractPDF(ctx, data)
	case FormatDocx:
		pages, title, err = extractDocx(data)
	case FormatODT:
		pages, title, err = extractODT(data)
	case FormatODS:
		pages, err = extractODS(data)
	case FormatODP:
		pages, title, err = extractODP(data)
	case FormatXLSX:
		pages, err = extractXLSX(data)
	case FormatPPTX:
		pages, title, err = extractPPTX(data)
	case FormatCSV:
		pages, err = extractDelimited(data, ',')
	case FormatTSV:
		pages, err = extractDelimited(data, '\t')
	case FormatHTML:
		pages, title, err = extractHTML(data)
	case FormatMD:
		pages, title = extractMarkdown(string(data))
	case FormatCode:
		pages = extractCode(string(data))
	default:
		pages, title = extractText(string(data))
	}
	if err != nil {
		return nil, "", fmt.Errorf("docpipe: extract %s (%s): %w", filename, format, err)
	}

	for i := range pages {
		pages[i].PageNumber = i + 1
		pages[i].Blocks = applyFeatures(pages[i].Blocks, pages[i].Text, features)
		if pages[i].ExtractionMethod == "" {
			pages[i].ExtractionMethod = content.MethodDocumentNative
		}
	}

	var all strings.Builder
	for _, pg := range pages {
		all.WriteString(pg.Text)
	}
	return &content.Document{
		Pages: pages,
		Metadata: content.DocumentMetadata{
			TotalPages:     len(pages),
			DocumentType:   string(format),
			Title:          title,
			PrintableRatio: content.PrintableRatio(all.String()),
		},
	}, method, nil
}

// applyFeatures shapes blocks to the requested features. Without tables,
// table rows fold into paragraphs; without layout, headings and lists become
// paragraphs; forms adds a key/value block for "Label: value" lines.
func applyFeatures(blocks []content.Block, text string, features Features) []content.Block {
	out := make([]content.Block, 0, len(blocks)+1)
	for _, b := range blocks {
		if b.Type == content.BlockTable && !features.Has(FeatureTables) {
			b = content.Block{Type: content.BlockParagraph, Text: tableText(b.Rows), Confidence: b.Confidence}
		}
		if (b.Type == content.BlockHeading || b.Type == content.BlockList) && !features.Has(FeatureLayout) {
			b.Type = content.BlockParagraph
			b.Level = 0
		}
		out = append(out, b)
	}
	if features.Has(FeatureForms) {
		if rows := formFields(text); len(rows) > 0 {
			out = append(out, content.Block{Type: content.BlockForm, Rows: rows, Confidence: 0.6})
		}
	}
	return out
}

func tableText(rows [][]string) string {
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, strings.Join(r, " | "))
	}
	return strings.Join(lines, "\n")
}

// formFields picks "Label: value" lines whose label is short.
func formFields(text string) [][]string {
	var rows [][]string
	for _, line := range strings.Split(text, "\n") {
		label, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		label, value = strings.TrimSpace(label), strings.TrimSpace(value)
		if label == "" || value == "" || len(label) > 40 || strings.Contains(label, "//") {
			continue
		}
		if strings.Count(label, " ") > 4 || strings.HasPrefix(value, "//") {
			continue
		}
		rows = append(rows, []string{label, value})
	}
	return rows
}
