package docpipe

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// Pdftoppm rasterizes PDF pages with poppler's pdftoppm.
type Pdftoppm struct {
	Path string
	DPI  int
}

// NewPdftoppm returns a rasterizer. An empty path resolves "pdftoppm" on
// PATH; dpi <= 0 means 200.
func NewPdftoppm(path string, dpi int) *Pdftoppm {
	if path == "" {
		path = "pdftoppm"
	}
	if dpi <= 0 {
		dpi = 200
	}
	return &Pdftoppm{Path: path, DPI: dpi}
}

// RasterizePage renders page (1-based) to PNG.
func (r *Pdftoppm) RasterizePage(ctx context.Context, pdf []byte, page int) ([]byte, error) {
	if page < 1 {
		return nil, fmt.Errorf("pdftoppm: invalid page %d", page)
	}
	dir, err := os.MkdirTemp("", "attachd-raster-*")
	if err != nil {
		return nil, fmt.Errorf("pdftoppm: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in.pdf")
	if err := os.WriteFile(in, pdf, 0o600); err != nil {
		return nil, fmt.Errorf("pdftoppm: write input: %w", err)
	}
	prefix := filepath.Join(dir, "page")
	n := strconv.Itoa(page)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.Path,
		"-f", n,
		"-l", n,
		"-png",
		"-r", strconv.Itoa(r.DPI),
		"-singlefile",
		in,
		prefix)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pdftoppm page %d: %w: %s", page, err, bytes.TrimSpace(stderr.Bytes()))
	}
	img, err := os.ReadFile(prefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("pdftoppm: read output: %w", err)
	}
	return img, nil
}
