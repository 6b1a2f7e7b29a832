package docpipe

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/hazyhaar/attachd/content"
)

// Repeat attributes in spreadsheets routinely cover whole empty columns or
// rows; only this many copies of a non-empty cell or row are kept.
const odsMaxRepeat = 100

// odfContent returns content.xml of an OpenDocument package.
func odfContent(data []byte) ([]byte, error) {
	zr, err := openZip(data)
	if err != nil {
		return nil, err
	}
	doc, err := zipMember(zr, "content.xml")
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("content.xml not found in archive")
	}
	return doc, nil
}

func repeatCount(t xml.StartElement, attr string) int {
	n, err := strconv.Atoi(attrValue(t, attr))
	if err != nil || n < 1 {
		return 1
	}
	return min(n, odsMaxRepeat)
}

// extractODS returns one page per sheet of an OpenDocument spreadsheet: the
// sheet name as a heading and the cells as a table block.
func extractODS(data []byte) ([]content.Page, error) {
	doc, err := odfContent(data)
	if err != nil {
		return nil, err
	}

	var (
		pages     []content.Page
		sheet     string
		rows      [][]string
		row       []string
		rowRepeat int
		colRepeat int
		cell      strings.Builder
		inCell    bool
		inPara    bool
		depth     int // nested tables inside cells are flattened into the cell
	)
	flushSheet := func() {
		blocks := []content.Block{{Type: content.BlockHeading, Text: sheet, Level: 2, Confidence: 1}}
		if len(rows) > 0 {
			blocks = append(blocks, content.Block{Type: content.BlockTable, Rows: rows, Confidence: 1})
		}
		pages = append(pages, content.Page{Text: joinBlocks(blocks), Blocks: blocks, Confidence: 1})
	}

	dec := xml.NewDecoder(bytes.NewReader(doc))
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "table":
				depth++
				if depth == 1 {
					sheet, rows = attrValue(t, "name"), nil
				}
			case "table-row":
				if depth == 1 {
					row, rowRepeat = nil, repeatCount(t, "number-rows-repeated")
				}
			case "table-cell", "covered-table-cell":
				if depth == 1 {
					cell.Reset()
					inCell, colRepeat = true, repeatCount(t, "number-columns-repeated")
				}
			case "p", "h":
				if inCell {
					if inPara || cell.Len() > 0 {
						cell.WriteByte(' ')
					}
					inPara = true
				}
			case "s":
				if inCell {
					cell.WriteByte(' ')
				}
			}

		case xml.CharData:
			if inCell && inPara {
				cell.Write(t)
			}

		case xml.EndElement:
			switch t.Name.Local {
			case "p", "h":
				inPara = false
			case "table-cell", "covered-table-cell":
				if depth != 1 {
					continue
				}
				inCell = false
				s := strings.TrimSpace(cell.String())
				n := colRepeat
				if s == "" {
					n = 1
				}
				for range n {
					row = append(row, s)
				}
			case "table-row":
				if depth != 1 {
					continue
				}
				for len(row) > 0 && row[len(row)-1] == "" {
					row = row[:len(row)-1]
				}
				if len(row) == 0 {
					continue
				}
				for range rowRepeat {
					rows = append(rows, row)
				}
			case "table":
				depth--
				if depth == 0 {
					flushSheet()
				}
			}
		}
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("spreadsheet has no sheets")
	}
	return pages, nil
}

// extractODP returns one page per slide (draw:page) of an OpenDocument
// presentation. Speaker notes are skipped.
func extractODP(data []byte) ([]content.Page, string, error) {
	doc, err := odfContent(data)
	if err != nil {
		return nil, "", err
	}

	var (
		pages   []content.Page
		title   string
		paras   []string
		text    strings.Builder
		inSlide bool
		inPara  int
		notes   int
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
			case "page":
				inSlide, paras = true, nil
			case "notes":
				notes++
			case "p", "h":
				if inPara == 0 {
					text.Reset()
				}
				inPara++
			case "s":
				text.WriteByte(' ')
			case "line-break", "tab":
				text.WriteByte(' ')
			}

		case xml.CharData:
			if inSlide && inPara > 0 && notes == 0 {
				text.Write(t)
			}

		case xml.EndElement:
			switch t.Name.Local {
			case "notes":
				notes--
			case "p", "h":
				inPara--
				if inPara > 0 || notes > 0 || !inSlide {
					continue
				}
				if s := strings.TrimSpace(text.String()); s != "" {
					paras = append(paras, s)
				}
			case "page":
				inSlide = false
				blocks := make([]content.Block, 0, len(paras))
				for i, p := range paras {
					b := content.Block{Type: content.BlockParagraph, Text: p, Confidence: 1}
					if i == 0 {
						b.Type, b.Level = content.BlockHeading, 2
						if title == "" {
							title = p
						}
					}
					blocks = append(blocks, b)
				}
				pages = append(pages, content.Page{Text: strings.Join(paras, "\n"), Blocks: blocks, Confidence: 1})
			}
		}
	}
	if len(pages) == 0 {
		return nil, "", fmt.Errorf("presentation has no slides")
	}
	return pages, title, nil
}
