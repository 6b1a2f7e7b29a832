package imagepipe

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/hazyhaar/attachd/content"
)

// Tesseract runs the tesseract CLI and groups its TSV word boxes into line
// regions.
type Tesseract struct {
	Path      string
	Languages string
}

// NewTesseract returns an OCR backend. Empty arguments mean "tesseract" on
// PATH and English.
func NewTesseract(path, languages string) *Tesseract {
	if path == "" {
		path = "tesseract"
	}
	if languages == "" {
		languages = "eng"
	}
	return &Tesseract{Path: path, Languages: languages}
}

// Recognize implements OCR.
func (t *Tesseract) Recognize(ctx context.Context, image []byte, _ string) ([]content.TextRegion, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.Path, "stdin", "stdout", "-l", t.Languages, "tsv")
	cmd.Stdin = bytes.NewReader(image)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("tesseract: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return ParseTSV(stdout.String())
}

type lineKey struct{ page, block, par, line int }

type lineAcc struct {
	words          []string
	confSum        float64
	confN          int
	x0, y0, x1, y1 int
}

// ParseTSV converts tesseract TSV output into one region per text line,
// in reading order. Word confidences (0-100, -1 for non-words) are averaged
// and scaled to [0,1].
func ParseTSV(tsv string) ([]content.TextRegion, error) {
	lines := strings.Split(strings.ReplaceAll(tsv, "\r\n", "\n"), "\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "level") {
		return nil, fmt.Errorf("tesseract: unexpected tsv header")
	}

	var order []lineKey
	acc := map[lineKey]*lineAcc{}
	for _, row := range lines[1:] {
		cols := strings.Split(row, "\t")
		if len(cols) < 12 || cols[0] != "5" {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}
		n := make([]int, 10)
		ok := true
		for i := 1; i <= 9; i++ {
			v, err := strconv.Atoi(cols[i])
			if err != nil {
				ok = false
				break
			}
			n[i] = v
		}
		if !ok {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil {
			continue
		}

		k := lineKey{n[1], n[2], n[3], n[4]}
		a := acc[k]
		if a == nil {
			a = &lineAcc{x0: n[6], y0: n[7], x1: n[6] + n[8], y1: n[7] + n[9]}
			acc[k] = a
			order = append(order, k)
		}
		a.words = append(a.words, word)
		if conf >= 0 {
			a.confSum += conf
			a.confN++
		}
		a.x0 = min(a.x0, n[6])
		a.y0 = min(a.y0, n[7])
		a.x1 = max(a.x1, n[6]+n[8])
		a.y1 = max(a.y1, n[7]+n[9])
	}

	regions := make([]content.TextRegion, 0, len(order))
	for _, k := range order {
		a := acc[k]
		var conf float64
		if a.confN > 0 {
			conf = a.confSum / float64(a.confN) / 100
		}
		regions = append(regions, content.TextRegion{
			Text:       strings.Join(a.words, " "),
			Confidence: conf,
			Geometry:   &content.Geometry{X: a.x0, Y: a.y0, Width: a.x1 - a.x0, Height: a.y1 - a.y0},
		})
	}
	return regions, nil
}
