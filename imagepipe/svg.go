package imagepipe

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os/exec"
	"strconv"
)

// svgMaxSide caps the longer side of a rasterized SVG.
const svgMaxSide = 2048

// SVGRasterizer renders an SVG document to PNG.
type SVGRasterizer interface {
	RasterizeSVG(ctx context.Context, svg []byte) ([]byte, error)
}

// RsvgConvert rasterizes SVG with librsvg's rsvg-convert.
type RsvgConvert struct {
	Path    string
	MaxSide int
}

// NewRsvgConvert returns a rasterizer. An empty path resolves
// "rsvg-convert" on PATH.
func NewRsvgConvert(path string) *RsvgConvert {
	if path == "" {
		path = "rsvg-convert"
	}
	return &RsvgConvert{Path: path, MaxSide: svgMaxSide}
}

// RasterizeSVG renders onto a white background, keeping the aspect ratio
// within MaxSide.
func (r *RsvgConvert) RasterizeSVG(ctx context.Context, svg []byte) ([]byte, error) {
	side := r.MaxSide
	if side <= 0 {
		side = svgMaxSide
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.Path,
		"--format", "png",
		"--keep-aspect-ratio",
		"--width", strconv.Itoa(side),
		"--background-color", "white")
	cmd.Stdin = bytes.NewReader(svg)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("rsvg-convert: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	if !bytes.HasPrefix(stdout.Bytes(), []byte("\x89PNG")) {
		return nil, fmt.Errorf("rsvg-convert: output is not a PNG")
	}
	return stdout.Bytes(), nil
}

// Placeholder returns a plain white 64x64 PNG, used when an SVG cannot be
// rendered so the downstream providers still receive a valid raster.
func Placeholder() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
