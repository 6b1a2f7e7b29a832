// Package imagepipe is the image extraction strategy: OCR text regions and
// a vision description, run independently and merged into a content.Image.
// SVG input is rasterized to PNG first.
package imagepipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hazyhaar/attachd/content"
	"github.com/hazyhaar/attachd/llm"
)

// OCR recognizes text regions in a raster image.
type OCR interface {
	Recognize(ctx context.Context, image []byte, mimeType string) ([]content.TextRegion, error)
}

// Vision describes an image and labels what it shows.
type Vision interface {
	DescribeImage(ctx context.Context, image []byte, mimeType string, features []string) (*content.Vision, error)
}

// VisionFeatures is what the pipeline asks vision providers for.
var VisionFeatures = []string{"description", "objects", "text"}

// Config wires the two halves. Either may be nil; both nil makes every
// extraction fail. A nil SVG rasterizer sends the placeholder for SVG input.
type Config struct {
	OCR    OCR
	Vision Vision
	SVG    SVGRasterizer
	Logger *slog.Logger
}

// Pipeline runs image extraction.
type Pipeline struct {
	ocr    OCR
	vision Vision
	svg    SVGRasterizer
	logger *slog.Logger
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{ocr: cfg.OCR, vision: cfg.Vision, svg: cfg.SVG, logger: cfg.Logger}
}

// IsSVG reports whether the input is an SVG document, by MIME type or by
// sniffing the first bytes.
func IsSVG(data []byte, mimeType string) bool {
	if strings.HasPrefix(strings.ToLower(mimeType), "image/svg") {
		return true
	}
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	head = bytes.TrimSpace(head)
	return bytes.HasPrefix(head, []byte("<svg")) ||
		(bytes.HasPrefix(head, []byte("<?xml")) && bytes.Contains(head, []byte("<svg")))
}

func (p *Pipeline) rasterizeSVG(ctx context.Context, data []byte) ([]byte, error) {
	if p.svg == nil {
		return nil, fmt.Errorf("svg: %w", errNotConfigured)
	}
	return p.svg.RasterizeSVG(ctx, data)
}

// Extract runs OCR and vision on data concurrently. A failure of one half is
// recorded in the metadata and leaves that half empty; the call fails only
// when neither half produced anything.
func (p *Pipeline) Extract(ctx context.Context, data []byte, mimeType string) (*content.Image, error) {
	meta := map[string]any{"sourceMimeType": mimeType}

	if IsSVG(data, mimeType) {
		png, err := p.rasterizeSVG(ctx, data)
		if err != nil {
			p.logger.Warn("svg rasterization failed, using placeholder", "error", err)
			png = Placeholder()
			meta["svgPlaceholder"] = true
		}
		data, mimeType = png, "image/png"
		meta["rasterizedFrom"] = "image/svg+xml"
	}

	var (
		wg        sync.WaitGroup
		regions   []content.TextRegion
		vis       *content.Vision
		ocrErr    error
		visionErr error
	)
	if p.ocr != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer recoverInto(&ocrErr)
			regions, ocrErr = p.ocr.Recognize(ctx, data, mimeType)
		}()
	} else {
		ocrErr = fmt.Errorf("ocr: %w", errNotConfigured)
	}
	if p.vision != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer recoverInto(&visionErr)
			vis, visionErr = p.vision.DescribeImage(ctx, data, mimeType, VisionFeatures)
		}()
	} else {
		visionErr = fmt.Errorf("vision: %w", errNotConfigured)
	}
	wg.Wait()

	if ocrErr != nil && visionErr != nil {
		return nil, fmt.Errorf("imagepipe: %w", errors.Join(ocrErr, visionErr))
	}

	img := &content.Image{Objects: []string{}, TextRegions: []content.TextRegion{}, Metadata: meta}
	if ocrErr != nil {
		p.logger.Warn("image ocr failed", "error", ocrErr)
		meta["ocrError"] = failureClass(ocrErr)
	} else {
		img.TextRegions = append(img.TextRegions, regions...)
	}
	if visionErr != nil {
		p.logger.Warn("image vision failed", "error", visionErr)
		meta["visionError"] = failureClass(visionErr)
	} else if vis != nil {
		img.Description = vis.Description
		img.Objects = append(img.Objects, vis.Objects...)
		for k, v := range vis.Metadata {
			meta[k] = v
		}
		// Vision models read text too; keep it when OCR found nothing.
		if len(img.TextRegions) == 0 && strings.TrimSpace(vis.RawText) != "" {
			img.TextRegions = append(img.TextRegions, content.TextRegion{Text: vis.RawText, Confidence: 0.5})
			meta["textSource"] = "vision"
		}
	}
	return img, nil
}

var (
	errNotConfigured = errors.New("not configured")
	errPanic         = errors.New("panic")
)

func recoverInto(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %v", errPanic, r)
	}
}

// failureClass is what the metadata records about a failed half. Provider
// payloads stay in the log.
func failureClass(err error) string {
	switch {
	case errors.Is(err, errNotConfigured):
		return "not configured"
	case errors.Is(err, errPanic):
		return "internal error"
	default:
		return llm.ErrorClass(err)
	}
}
