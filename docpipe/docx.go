package docpipe

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/hazyhaar/attachd/content"
)

// maxZipEntry bounds the decompressed size of any single archive member.
const maxZipEntry = 64 << 20

func openZip(data []byte) (*zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	return zr, nil
}

// zipMember returns the bytes of name, or nil when absent.
func zipMember(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		defer rc.Close()
		b, err := io.ReadAll(io.LimitReader(rc, maxZipEntry+1))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if len(b) > maxZipEntry {
			return nil, fmt.Errorf("%s exceeds %d bytes", name, maxZipEntry)
		}
		return b, nil
	}
	return nil, nil
}

// extractDocx reads word/document.xml: paragraphs, headings, list items and
// w:tbl tables, in document order.
func extractDocx(data []byte) ([]content.Page, string, error) {
	zr, err := openZip(data)
	if err != nil {
		return nil, "", err
	}
	doc, err := zipMember(zr, "word/document.xml")
	if err != nil {
		return nil, "", err
	}
	if doc == nil {
		return nil, "", fmt.Errorf("word/document.xml not found in archive")
	}

	var (
		blocks     []content.Block
		title      string
		para       strings.Builder
		style      string
		isList     bool
		inText     bool
		tableDepth int
		rows       [][]string
		row        []string
		cell       strings.Builder
	)

	dec := xml.NewDecoder(bytes.NewReader(doc))
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				para.Reset()
				style, isList = "", false
			case "pStyle":
				style = attrValue(t, "val")
			case "numPr":
				isList = true
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "br", "cr":
				para.WriteByte('\n')
			case "tbl":
				tableDepth++
				if tableDepth == 1 {
					rows = nil
				}
			case "tr":
				if tableDepth == 1 {
					row = nil
				}
			case "tc":
				if tableDepth == 1 {
					cell.Reset()
				}
			}

		case xml.CharData:
			if inText {
				para.Write(t)
			}

		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				text := strings.TrimSpace(para.String())
				if text == "" {
					continue
				}
				if tableDepth > 0 {
					if cell.Len() > 0 {
						cell.WriteByte(' ')
					}
					cell.WriteString(text)
					continue
				}
				level := docxHeadingLevel(style)
				switch {
				case level > 0:
					if title == "" {
						title = text
					}
					blocks = append(blocks, content.Block{Type: content.BlockHeading, Text: text, Level: level, Confidence: 1})
				case isList || strings.HasPrefix(strings.ToLower(style), "list"):
					blocks = append(blocks, content.Block{Type: content.BlockList, Text: text, Confidence: 1})
				default:
					blocks = append(blocks, content.Block{Type: content.BlockParagraph, Text: text, Confidence: 1})
				}
			case "tc":
				if tableDepth == 1 {
					row = append(row, strings.TrimSpace(cell.String()))
				}
			case "tr":
				if tableDepth == 1 && len(row) > 0 {
					rows = append(rows, row)
				}
			case "tbl":
				tableDepth--
				if tableDepth == 0 && len(rows) > 0 {
					blocks = append(blocks, content.Block{Type: content.BlockTable, Rows: rows, Confidence: 1})
				}
			}
		}
	}

	if core, _ := zipMember(zr, "docProps/core.xml"); core != nil {
		if t := coreTitle(core); t != "" {
			title = t
		}
	}
	return []content.Page{{Text: joinBlocks(blocks), Blocks: blocks, Confidence: 1}}, title, nil
}

func attrValue(t xml.StartElement, local string) string {
	for _, a := range t.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// coreTitle reads dc:title from an OOXML core properties part.
func coreTitle(core []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(core))
	in := false
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		switch t := tok.(type) {
		case xml.StartElement:
			in = t.Name.Local == "title"
		case xml.CharData:
			if in {
				return strings.TrimSpace(string(t))
			}
		case xml.EndElement:
			in = false
		}
	}
}

// docxHeadingLevel maps a paragraph style to a heading level:
// "Heading1" → 1, "Title" → 1, "Subtitle" → 2, anything else → 0.
func docxHeadingLevel(style string) int {
	lower := strings.ToLower(strings.ReplaceAll(style, " ", ""))
	switch lower {
	case "title":
		return 1
	case "subtitle":
		return 2
	}
	for _, prefix := range []string{"heading", "titre", "überschrift"} {
		if strings.HasPrefix(lower, prefix) {
			rest := lower[len(prefix):]
			if len(rest) == 1 && rest[0] >= '1' && rest[0] <= '6' {
				return int(rest[0] - '0')
			}
		}
	}
	return 0
}
