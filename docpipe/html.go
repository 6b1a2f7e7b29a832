package docpipe

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/attachd/content"
)

var hiddenStylePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)display\s*:\s*none`),
	regexp.MustCompile(`(?i)visibility\s*:\s*hidden`),
	regexp.MustCompile(`(?i)font-size\s*:\s*0[^1-9]`),
	regexp.MustCompile(`(?i)opacity\s*:\s*0[^.]`),
}

func hasHiddenStyle(n *html.Node) bool {
	for _, a := range n.Attr {
		if a.Key == "hidden" || (a.Key == "aria-hidden" && a.Val == "true") {
			return true
		}
		if a.Key != "style" {
			continue
		}
		for _, pat := range hiddenStylePatterns {
			if pat.MatchString(a.Val + ";") {
				return true
			}
		}
	}
	return false
}

var (
	htmlPolicy = bluemonday.UGCPolicy()
	mdConv     = converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
)

// extractHTML strips hidden and non-content nodes, sanitizes what remains,
// converts it to Markdown and splits that into blocks. Pipe tables become
// table blocks.
func extractHTML(data []byte) ([]content.Page, string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("parse html: %w", err)
	}
	title := findHTMLTitle(doc)
	pruneHidden(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, "", fmt.Errorf("render html: %w", err)
	}
	clean := htmlPolicy.SanitizeBytes(buf.Bytes())

	md, err := mdConv.ConvertString(string(clean))
	if err != nil {
		return nil, "", fmt.Errorf("html to markdown: %w", err)
	}
	blocks, heading := markdownBlocks(md)
	if title == "" {
		title = heading
	}
	for i := range blocks {
		if blocks[i].Type == content.BlockTable {
			blocks[i].Rows = stripEscapes(blocks[i].Rows)
		}
	}
	return []content.Page{{Text: joinBlocks(blocks), Blocks: blocks, Confidence: 1}}, title, nil
}

func findHTMLTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		var sb strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				sb.WriteString(c.Data)
			}
		}
		return strings.TrimSpace(sb.String())
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findHTMLTitle(c); t != "" {
			return t
		}
	}
	return ""
}

// pruneHidden removes script, style, head content and visually hidden
// elements, which would otherwise leak invisible text into the extraction.
func pruneHidden(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode {
			switch c.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Head, atom.Iframe:
				n.RemoveChild(c)
				c = next
				continue
			}
			if hasHiddenStyle(c) {
				n.RemoveChild(c)
				c = next
				continue
			}
		}
		if c.Type == html.CommentNode {
			n.RemoveChild(c)
			c = next
			continue
		}
		pruneHidden(c)
		c = next
	}
}

var mdEscape = strings.NewReplacer(`\|`, "|", `\*`, "*", `\_`, "_", `\#`, "#")

func stripEscapes(rows [][]string) [][]string {
	for _, r := range rows {
		for i := range r {
			r[i] = mdEscape.Replace(r[i])
		}
	}
	return rows
}
