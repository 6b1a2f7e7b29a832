package ingester

import (
	"context"
	"errors"
	"strings"

	"github.com/hazyhaar/attachd/attachment"
	"github.com/hazyhaar/attachd/content"
	"github.com/hazyhaar/attachd/docpipe"
)

// Route names the extraction strategy chosen for a record.
type Route string

const (
	RouteDocument Route = "document"
	RouteImage    Route = "image"
	RouteAudio    Route = "audio"
	RouteNone     Route = "none"
)

// DocumentExtractor is the document strategy. *docpipe.Pipeline implements it.
type DocumentExtractor interface {
	Extract(ctx context.Context, data []byte, mimeType, filename string, features docpipe.Features) (*content.Document, string, error)
}

// ImageExtractor is the image strategy. *imagepipe.Pipeline implements it.
type ImageExtractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (*content.Image, error)
}

// AudioExtractor is the audio strategy. *audiopipe.Pipeline implements it.
type AudioExtractor interface {
	Extract(ctx context.Context, data []byte, mimeType, filename string) (*content.Audio, error)
}

// Router picks a strategy from the record's category and MIME type and runs
// it. A nil strategy routes like RouteNone.
type Router struct {
	Document DocumentExtractor
	Image    ImageExtractor
	Audio    AudioExtractor
	Features docpipe.Features
}

// Route evaluates, in order: document-like categories or a PDF MIME type,
// then images, then audio and video.
func (r *Router) Route(category attachment.Category, mimeType string) Route {
	switch category {
	case attachment.CategoryDocument, attachment.CategoryText, attachment.CategoryCode,
		attachment.CategorySpreadsheet, attachment.CategoryPresentation:
		return RouteDocument
	}
	if strings.EqualFold(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]), "application/pdf") {
		return RouteDocument
	}
	switch category {
	case attachment.CategoryImage:
		return RouteImage
	case attachment.CategoryAudio, attachment.CategoryVideo:
		return RouteAudio
	}
	return RouteNone
}

// Extract runs the strategy for route and wraps its output. RouteNone,
// unconfigured strategies and documents in a format no reader understands
// return (nil, content.MethodUnsupported, nil).
func (r *Router) Extract(ctx context.Context, route Route, data []byte, mimeType, filename string) (*content.Content, string, error) {
	switch {
	case route == RouteDocument && r.Document != nil:
		features := r.Features
		if len(features) == 0 {
			features = docpipe.AllFeatures
		}
		doc, method, err := r.Document.Extract(ctx, data, mimeType, filename, features)
		if errors.Is(err, docpipe.ErrUnsupportedFormat) {
			// Legacy binary office formats and the like: nothing to extract.
			return nil, content.MethodUnsupported, nil
		}
		if err != nil {
			return nil, "", err
		}
		return content.NewDocument(doc), method, nil

	case route == RouteImage && r.Image != nil:
		img, err := r.Image.Extract(ctx, data, mimeType)
		if err != nil {
			return nil, "", err
		}
		return content.NewImage(img), content.MethodImage, nil

	case route == RouteAudio && r.Audio != nil:
		a, err := r.Audio.Extract(ctx, data, mimeType, filename)
		if err != nil {
			return nil, "", err
		}
		return content.NewAudio(a), content.MethodAudio, nil
	}
	return nil, content.MethodUnsupported, nil
}
