package docpipe

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/hazyhaar/attachd/content"
)

// extractODT reads content.xml of an OpenDocument text file.
func extractODT(data []byte) ([]content.Page, string, error) {
	doc, err := odfContent(data)
	if err != nil {
		return nil, "", err
	}

	var (
		blocks     []content.Block
		title      string
		text       strings.Builder
		inPara     bool
		level      int
		listDepth  int
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
			case "h":
				inPara, level = true, 1
				text.Reset()
				if n, err := strconv.Atoi(attrValue(t, "outline-level")); err == nil && n > 0 {
					level = n
				}
			case "p":
				if !inPara {
					inPara, level = true, 0
					text.Reset()
				}
			case "s":
				n, err := strconv.Atoi(attrValue(t, "c"))
				if err != nil || n < 1 {
					n = 1
				}
				text.WriteString(strings.Repeat(" ", n))
			case "tab":
				text.WriteByte('\t')
			case "line-break":
				text.WriteByte('\n')
			case "list":
				listDepth++
			case "table":
				tableDepth++
				if tableDepth == 1 {
					rows = nil
				}
			case "table-row":
				if tableDepth == 1 {
					row = nil
				}
			case "table-cell":
				if tableDepth == 1 {
					cell.Reset()
				}
			}

		case xml.CharData:
			if inPara {
				text.Write(t)
			}

		case xml.EndElement:
			switch t.Name.Local {
			case "h", "p":
				if !inPara {
					continue
				}
				inPara = false
				s := strings.TrimSpace(text.String())
				if s == "" {
					continue
				}
				if tableDepth > 0 {
					if cell.Len() > 0 {
						cell.WriteByte(' ')
					}
					cell.WriteString(s)
					continue
				}
				switch {
				case t.Name.Local == "h":
					if title == "" {
						title = s
					}
					blocks = append(blocks, content.Block{Type: content.BlockHeading, Text: s, Level: level, Confidence: 1})
				case listDepth > 0:
					blocks = append(blocks, content.Block{Type: content.BlockList, Text: s, Confidence: 1})
				default:
					blocks = append(blocks, content.Block{Type: content.BlockParagraph, Text: s, Confidence: 1})
				}
			case "list":
				listDepth--
			case "table-cell":
				if tableDepth == 1 {
					row = append(row, strings.TrimSpace(cell.String()))
				}
			case "table-row":
				if tableDepth == 1 && len(row) > 0 {
					rows = append(rows, row)
				}
			case "table":
				tableDepth--
				if tableDepth == 0 && len(rows) > 0 {
					blocks = append(blocks, content.Block{Type: content.BlockTable, Rows: rows, Confidence: 1})
				}
			}
		}
	}
	return []content.Page{{Text: joinBlocks(blocks), Blocks: blocks, Confidence: 1}}, title, nil
}
