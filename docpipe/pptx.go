package docpipe

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hazyhaar/attachd/content"
)

// extractPPTX returns one page per slide, in slide number order.
func extractPPTX(data []byte) ([]content.Page, string, error) {
	zr, err := openZip(data)
	if err != nil {
		return nil, "", err
	}

	type slide struct {
		n    int
		name string
	}
	var slides []slide
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, "ppt/slides/slide") || !strings.HasSuffix(f.Name, ".xml") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(f.Name, "ppt/slides/slide"), ".xml"))
		if err != nil {
			continue
		}
		slides = append(slides, slide{n, f.Name})
	}
	if len(slides) == 0 {
		return nil, "", fmt.Errorf("presentation has no slides")
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].n < slides[j].n })

	var (
		pages []content.Page
		title string
	)
	for _, s := range slides {
		raw, err := zipMember(zr, s.name)
		if err != nil {
			return nil, "", err
		}
		paras := slideParagraphs(raw)
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
	return pages, title, nil
}

// slideParagraphs collects the a:t runs of every a:p.
func slideParagraphs(raw []byte) []string {
	var (
		out []string
		cur strings.Builder
		inT bool
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
			case "p":
				cur.Reset()
			case "t":
				inT = true
			case "br":
				cur.WriteByte(' ')
			}
		case xml.CharData:
			if inT {
				cur.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inT = false
			case "p":
				if s := strings.TrimSpace(cur.String()); s != "" {
					out = append(out, s)
				}
			}
		}
	}
}
