package docpipe

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/hazyhaar/attachd/content"
)

// extractText turns plain text into a single page of paragraph blocks.
func extractText(text string) ([]content.Page, string) {
	text = strings.ToValidUTF8(strings.ReplaceAll(text, "\r\n", "\n"), "")
	text = strings.TrimSpace(strings.TrimPrefix(text, "\ufeff"))
	blocks := paragraphBlocks(text, 1)
	return []content.Page{{Text: text, Blocks: blocks, Confidence: 1}}, firstLine(text)
}

// extractCode keeps source files verbatim in one code block.
func extractCode(text string) []content.Page {
	text = strings.TrimRight(strings.ToValidUTF8(strings.ReplaceAll(text, "\r\n", "\n"), ""), "\n ")
	var blocks []content.Block
	if strings.TrimSpace(text) != "" {
		blocks = []content.Block{{Type: content.BlockCode, Text: text, Confidence: 1}}
	}
	return []content.Page{{Text: text, Blocks: blocks, Confidence: 1}}
}

// extractMarkdown splits Markdown into heading, list, code, table and
// paragraph blocks. ATX headings only.
func extractMarkdown(text string) ([]content.Page, string) {
	text = strings.ToValidUTF8(strings.ReplaceAll(text, "\r\n", "\n"), "")
	blocks, title := markdownBlocks(text)
	if title == "" {
		title = firstLine(strings.TrimSpace(text))
	}
	return []content.Page{{Text: joinBlocks(blocks), Blocks: blocks, Confidence: 1}}, title
}

func markdownBlocks(text string) ([]content.Block, string) {
	var (
		blocks  []content.Block
		title   string
		para    []string
		list    []string
		table   [][]string
		code    []string
		inFence bool
	)
	flush := func() {
		if len(para) > 0 {
			blocks = append(blocks, content.Block{Type: content.BlockParagraph, Text: strings.Join(para, " "), Confidence: 1})
			para = nil
		}
		if len(list) > 0 {
			blocks = append(blocks, content.Block{Type: content.BlockList, Text: strings.Join(list, "\n"), Confidence: 1})
			list = nil
		}
		if len(table) > 0 {
			blocks = append(blocks, content.Block{Type: content.BlockTable, Rows: table, Confidence: 1})
			table = nil
		}
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			if inFence {
				blocks = append(blocks, content.Block{Type: content.BlockCode, Text: strings.Join(code, "\n"), Confidence: 1})
				code = nil
			} else {
				flush()
			}
			inFence = !inFence
			continue
		}
		if inFence {
			code = append(code, line)
			continue
		}

		switch {
		case trimmed == "":
			flush()
		case strings.HasPrefix(trimmed, "#"):
			flush()
			level := 0
			for level < len(trimmed) && trimmed[level] == '#' {
				level++
			}
			heading := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(trimmed[level:]), "#"))
			if heading == "" {
				continue
			}
			if level > 6 {
				level = 6
			}
			if title == "" {
				title = heading
			}
			blocks = append(blocks, content.Block{Type: content.BlockHeading, Text: heading, Level: level, Confidence: 1})
		case strings.HasPrefix(trimmed, "|") && strings.HasSuffix(trimmed, "|"):
			if len(para) > 0 || len(list) > 0 {
				flush()
			}
			cells := splitPipeRow(trimmed)
			if isSeparatorRow(cells) {
				continue
			}
			table = append(table, cells)
		case isListItem(trimmed):
			if len(para) > 0 || len(table) > 0 {
				flush()
			}
			list = append(list, trimmed)
		default:
			if len(list) > 0 || len(table) > 0 {
				flush()
			}
			para = append(para, trimmed)
		}
	}
	if inFence && len(code) > 0 {
		blocks = append(blocks, content.Block{Type: content.BlockCode, Text: strings.Join(code, "\n"), Confidence: 1})
	}
	flush()
	return blocks, title
}

func splitPipeRow(line string) []string {
	line = strings.TrimSuffix(strings.TrimPrefix(line, "|"), "|")
	parts := strings.Split(line, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells
}

func isSeparatorRow(cells []string) bool {
	for _, c := range cells {
		if strings.Trim(c, ":- ") != "" || c == "" {
			return false
		}
	}
	return len(cells) > 0
}

func isListItem(line string) bool {
	if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") || strings.HasPrefix(line, "+ ") {
		return true
	}
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	return i > 0 && i+1 < len(line) && (line[i] == '.' || line[i] == ')') && line[i+1] == ' '
}

// extractDelimited reads CSV or TSV into one table block.
func extractDelimited(data []byte, sep rune) ([]content.Page, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	r.Comma = sep
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read delimited: %w", err)
	}
	var kept [][]string
	for _, row := range rows {
		if strings.TrimSpace(strings.Join(row, "")) != "" {
			kept = append(kept, row)
		}
	}
	var blocks []content.Block
	if len(kept) > 0 {
		blocks = []content.Block{{Type: content.BlockTable, Rows: kept, Confidence: 1}}
	}
	return []content.Page{{Text: tableText(kept), Blocks: blocks, Confidence: 1}}, nil
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > 200 {
		text = string(r[:200])
	}
	return text
}
