// Package content defines the extracted content document stored on an
// attachment record, and the normalizer that every strategy's output passes
// through before it is persisted.
//
// Exactly one of Document, Image or Audio is set on a normalized Content.
package content

// Extraction method tags recorded on the file record and on document pages.
const (
	MethodDocumentNative = "document_native"
	MethodOCRFallback    = "document_ocr_fallback"
	MethodImage          = "image_ocr_vision"
	MethodAudio          = "audio_transcription"
	MethodUnsupported    = "unsupported"
)

// Content is the canonical extracted content document.
type Content struct {
	Document *Document `json:"document,omitempty"`
	Image    *Image    `json:"image,omitempty"`
	Audio    *Audio    `json:"audio,omitempty"`
}

// IsEmpty reports whether no strategy output is present.
func (c *Content) IsEmpty() bool {
	return c == nil || (c.Document == nil && c.Image == nil && c.Audio == nil)
}

// Document is the output of the document strategy.
type Document struct {
	Pages    []Page           `json:"pages"`
	Metadata DocumentMetadata `json:"metadata"`
}

// DocumentMetadata describes the whole document.
type DocumentMetadata struct {
	TotalPages     int     `json:"totalPages"`
	DocumentType   string  `json:"documentType"`
	Title          string  `json:"title,omitempty"`
	PrintableRatio float64 `json:"printableRatio,omitempty"`
}

// Page is one page, sheet or slide.
type Page struct {
	PageNumber       int     `json:"pageNumber"`
	Text             string  `json:"text"`
	Blocks           []Block `json:"blocks"`
	Confidence       float64 `json:"confidence"`
	ExtractionMethod string  `json:"extractionMethod,omitempty"`
}

// BlockType classifies a page block.
type BlockType string

const (
	BlockParagraph BlockType = "paragraph"
	BlockHeading   BlockType = "heading"
	BlockTable     BlockType = "table"
	BlockList      BlockType = "list"
	BlockCode      BlockType = "code"
	BlockOCR       BlockType = "ocr_region"
	BlockForm      BlockType = "form"
)

// Block is a paragraph-like unit of text. Table and form blocks carry Rows;
// a form row is a label and its value.
type Block struct {
	Type       BlockType  `json:"type"`
	Text       string     `json:"text,omitempty"`
	Rows       [][]string `json:"rows,omitempty"`
	Level      int        `json:"level,omitempty"`
	Confidence float64    `json:"confidence"`
	Geometry   *Geometry  `json:"geometry,omitempty"`
}

// Geometry is a pixel bounding box.
type Geometry struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Image is the merged output of OCR and vision analysis.
type Image struct {
	Description string         `json:"description"`
	Objects     []string       `json:"objects"`
	TextRegions []TextRegion   `json:"textRegions"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TextRegion is one OCR hit.
type TextRegion struct {
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Geometry   *Geometry `json:"geometry,omitempty"`
}

// Audio is the output of the audio strategy.
type Audio struct {
	Transcription Transcription `json:"transcription"`
	Analysis      *Analysis     `json:"analysis,omitempty"`
}

// Transcription is a time-aligned transcript.
type Transcription struct {
	Text            string    `json:"text"`
	Language        string    `json:"language"`
	Confidence      float64   `json:"confidence"`
	DurationSeconds float64   `json:"durationSeconds"`
	Segments        []Segment `json:"segments"`
}

// Segment is one transcript span.
type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Analysis is the classification pass over a transcript.
type Analysis struct {
	Sentiment    string   `json:"sentiment"`
	KeyTopics    []string `json:"keyTopics"`
	UrgencyLevel string   `json:"urgencyLevel"`
}

// Vision is what a vision provider returns for one image.
type Vision struct {
	Description string
	Objects     []string
	RawText     string
	Metadata    map[string]any
}

// NewDocument wraps document strategy output.
func NewDocument(d *Document) *Content { return &Content{Document: d} }

// NewImage wraps image strategy output.
func NewImage(i *Image) *Content { return &Content{Image: i} }

// NewAudio wraps audio strategy output.
func NewAudio(a *Audio) *Content { return &Content{Audio: a} }
