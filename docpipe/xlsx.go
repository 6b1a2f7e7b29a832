package docpipe

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/hazyhaar/attachd/content"
)

// extractXLSX returns one page per worksheet, each holding the sheet name as
// a heading and its cells as a table block.
func extractXLSX(data []byte) ([]content.Page, error) {
	zr, err := openZip(data)
	if err != nil {
		return nil, err
	}

	shared, err := zipMember(zr, "xl/sharedStrings.xml")
	if err != nil {
		return nil, err
	}
	strs := sharedStrings(shared)

	wb, err := zipMember(zr, "xl/workbook.xml")
	if err != nil {
		return nil, err
	}
	if wb == nil {
		return nil, fmt.Errorf("xl/workbook.xml not found in archive")
	}
	rels, err := zipMember(zr, "xl/_rels/workbook.xml.rels")
	if err != nil {
		return nil, err
	}
	targets := relTargets(rels, "xl")

	var pages []content.Page
	for _, sh := range workbookSheets(wb) {
		target := targets[sh.relID]
		if target == "" {
			continue
		}
		raw, err := zipMember(zr, target)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			continue
		}
		rows := sheetRows(raw, strs)
		blocks := []content.Block{{Type: content.BlockHeading, Text: sh.name, Level: 2, Confidence: 1}}
		if len(rows) > 0 {
			blocks = append(blocks, content.Block{Type: content.BlockTable, Rows: rows, Confidence: 1})
		}
		pages = append(pages, content.Page{Text: joinBlocks(blocks), Blocks: blocks, Confidence: 1})
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("workbook has no readable sheets")
	}
	return pages, nil
}

func sharedStrings(raw []byte) []string {
	if raw == nil {
		return nil
	}
	var (
		out  []string
		cur  strings.Builder
		inT  bool
		inSI bool
	)
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err != nil {
			return out
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "si":
				inSI = true
				cur.Reset()
			case "t":
				inT = true
			}
		case xml.CharData:
			if inSI && inT {
				cur.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inT = false
			case "si":
				inSI = false
				out = append(out, cur.String())
			}
		}
	}
}

type sheetRef struct {
	name  string
	relID string
}

func workbookSheets(raw []byte) []sheetRef {
	var out []sheetRef
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err != nil {
			return out
		}
		if t, ok := tok.(xml.StartElement); ok && t.Name.Local == "sheet" {
			out = append(out, sheetRef{name: attrValue(t, "name"), relID: attrValue(t, "id")})
		}
	}
}

// relTargets maps relationship ids to archive paths resolved against base.
func relTargets(raw []byte, base string) map[string]string {
	out := map[string]string{}
	if raw == nil {
		return out
	}
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err != nil {
			return out
		}
		t, ok := tok.(xml.StartElement)
		if !ok || t.Name.Local != "Relationship" {
			continue
		}
		target := attrValue(t, "Target")
		if strings.HasPrefix(target, "/") {
			target = strings.TrimPrefix(target, "/")
		} else {
			target = path.Join(base, target)
		}
		out[attrValue(t, "Id")] = target
	}
}

// sheetRows reads cell values, placing each at the column of its reference
// so sparse rows keep their alignment.
func sheetRows(raw []byte, strs []string) [][]string {
	var (
		rows    [][]string
		row     []string
		col     int
		typ     string
		val     strings.Builder
		inValue bool
	)
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "row":
				row = nil
				col = 0
			case "c":
				typ = attrValue(t, "t")
				if c, ok := columnIndex(attrValue(t, "r")); ok {
					col = c
				}
				val.Reset()
			case "v", "t":
				inValue = true
			}
		case xml.CharData:
			if inValue {
				val.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "v", "t":
				inValue = false
			case "c":
				v := cellValue(typ, val.String(), strs)
				for len(row) < col {
					row = append(row, "")
				}
				row = append(row, v)
				col++
			case "row":
				if strings.TrimSpace(strings.Join(row, "")) != "" {
					rows = append(rows, row)
				}
			}
		}
	}
	return rows
}

func cellValue(typ, raw string, strs []string) string {
	switch typ {
	case "s":
		i, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || i < 0 || i >= len(strs) {
			return ""
		}
		return strs[i]
	case "b":
		if raw == "1" {
			return "TRUE"
		}
		return "FALSE"
	}
	return raw
}

// columnIndex turns "C12" into 2.
func columnIndex(ref string) (int, bool) {
	n := 0
	i := 0
	for i < len(ref) && ref[i] >= 'A' && ref[i] <= 'Z' {
		n = n*26 + int(ref[i]-'A'+1)
		i++
	}
	if i == 0 {
		return 0, false
	}
	return n - 1, true
}
