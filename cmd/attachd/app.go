package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/attachd/attachment"
	"github.com/hazyhaar/attachd/audiopipe"
	"github.com/hazyhaar/attachd/blobstore"
	"github.com/hazyhaar/attachd/config"
	"github.com/hazyhaar/attachd/dbopen"
	"github.com/hazyhaar/attachd/docpipe"
	"github.com/hazyhaar/attachd/enrich"
	"github.com/hazyhaar/attachd/imagepipe"
	"github.com/hazyhaar/attachd/ingester"
	"github.com/hazyhaar/attachd/llm"
)

// app holds the wired components of one process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *attachment.Store
	events *attachment.EventLog
	queue  *ingester.Queue
	ing    *ingester.Ingester
}

func (a *app) Close() error {
	if a.ing != nil {
		a.ing.Wait()
	}
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

// buildApp opens the database and wires storage, providers, strategies and
// the ingester from cfg.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	store, err := attachment.NewStore(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, store: store, events: attachment.NewEventLog(store, logger)}

	blobs, err := newBlobStore(ctx, cfg.Storage)
	if err != nil {
		a.Close()
		return nil, err
	}

	client, err := newLLMClient(ctx, cfg.LLM, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	router := newRouter(cfg, client, logger)

	budget := llm.BudgetFor(cfg.LLM.Model)
	var provider enrich.Provider
	if client != nil {
		provider = client
		budget = client.Budget()
	}
	enricher := enrich.New(provider, budget, enrich.WithLogger(logger))

	a.queue, err = ingester.NewQueue(ctx, db, ingester.QueueOptions{
		Visibility:   cfg.Pipeline.QueueVisibility,
		PollInterval: cfg.Pipeline.PollInterval,
		MaxAttempts:  cfg.Pipeline.MaxAttempts,
		Logger:       logger.With("component", "queue"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	socket := ""
	if cfg.Scan.ClamAV.Enabled {
		socket = cfg.Scan.ClamAV.SocketPath
	}

	a.ing = ingester.New(store, blobs, router, enricher,
		ingester.WithEvents(a.events),
		ingester.WithQueue(a.queue),
		ingester.WithScanner(ingester.NewScanner(socket)),
		ingester.WithWorkers(cfg.Pipeline.Workers),
		ingester.WithProcessTimeout(cfg.Pipeline.ProcessTimeout),
		ingester.WithInline(cfg.Pipeline.Inline),
		ingester.WithMaxFileSize(cfg.MaxFileBytes()),
		ingester.WithLogger(logger),
	)
	return a, nil
}

func newBlobStore(ctx context.Context, cfg config.StorageConfig) (blobstore.Store, error) {
	switch cfg.Backend {
	case "s3":
		return blobstore.NewS3(ctx, blobstore.S3Config{
			Bucket:        cfg.Bucket,
			Region:        cfg.Region,
			Endpoint:      cfg.Endpoint,
			PathStyle:     cfg.PathStyle,
			PublicBaseURL: cfg.PublicBaseURL,
		})
	case "local":
		return blobstore.NewLocal(cfg.Root, cfg.PublicBaseURL)
	}
	return nil, fmt.Errorf("storage backend %q", cfg.Backend)
}

// newLLMClient returns nil for provider "none": enrichment then degrades to
// its fallbacks and the vision half of images is skipped.
func newLLMClient(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (*llm.Client, error) {
	if cfg.Provider == "none" {
		return nil, nil
	}
	client, err := llm.New(ctx, llm.Config{
		Provider:          cfg.Provider,
		Model:             cfg.Model,
		VisionModel:       cfg.VisionModel,
		APIKey:            cfg.APIKey,
		BaseURL:           cfg.BaseURL,
		Region:            cfg.Region,
		Timeout:           cfg.Timeout,
		Retries:           cfg.Retries,
		BreakerThreshold:  cfg.BreakerThreshold,
		ContextWindow:     cfg.ContextWindow,
		CompletionReserve: cfg.CompletionReserve,
		PromptOverhead:    cfg.PromptOverhead,
		SafetyMargin:      cfg.SafetyMargin,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("llm provider %s: %w", cfg.Provider, err)
	}
	return client, nil
}

// ocrBackend is the OCR contract shared by the document and image strategies.
type ocrBackend interface {
	docpipe.OCR
	imagepipe.OCR
}

func newOCR(cfg config.OCRConfig, client *llm.Client) ocrBackend {
	switch cfg.Backend {
	case "tesseract":
		return imagepipe.NewTesseract(cfg.TesseractPath, cfg.Languages)
	case "llm":
		if client != nil {
			return client
		}
	}
	return nil
}

func newRouter(cfg *config.Config, client *llm.Client, logger *slog.Logger) *ingester.Router {
	ocr := newOCR(cfg.OCR, client)

	docCfg := docpipe.Config{
		MaxFileSize: cfg.MaxFileBytes(),
		RawPDF: docpipe.RawPDFThresholds{
			MinTokens:    cfg.Pipeline.RawPDF.MinTokens,
			TokenDensity: cfg.Pipeline.RawPDF.TokenDensity,
		},
		Logger: logger.With("component", "docpipe"),
	}
	imgCfg := imagepipe.Config{
		SVG:    imagepipe.NewRsvgConvert(cfg.OCR.RsvgPath),
		Logger: logger.With("component", "imagepipe"),
	}
	if ocr != nil {
		docCfg.Rasterizer = docpipe.NewPdftoppm(cfg.OCR.PdftoppmPath, cfg.OCR.DPI)
		docCfg.OCR = ocr
		imgCfg.OCR = ocr
	}
	if client != nil {
		imgCfg.Vision = client
	}

	router := &ingester.Router{Document: docpipe.New(docCfg)}
	if imgCfg.OCR != nil || imgCfg.Vision != nil {
		router.Image = imagepipe.New(imgCfg)
	}
	if transcriptionConfigured(cfg.Transcription) {
		whisper := audiopipe.NewWhisperClient(cfg.Transcription.BaseURL, cfg.Transcription.APIKey,
			cfg.Transcription.Model, cfg.Transcription.Timeout)
		transcriber := audiopipe.Guarded(whisper, newTranscriptionGuard(cfg.Transcription, logger), "whisper")
		var analyzer audiopipe.Analyzer
		if client != nil {
			analyzer = client
		}
		router.Audio = audiopipe.New(transcriber, analyzer, logger.With("component", "audiopipe"))
	}
	return router
}

// newTranscriptionGuard bounds each transcription attempt by the configured
// timeout; the HTTP client timeout stays as a backstop.
func newTranscriptionGuard(cfg config.TranscriptionConfig, logger *slog.Logger) *llm.Guard {
	opts := []llm.GuardOption{llm.WithGuardLogger(logger.With("component", "audiopipe"))}
	if cfg.Timeout > 0 {
		opts = append(opts, llm.WithTimeout(cfg.Timeout))
	}
	if cfg.Retries > 0 {
		opts = append(opts, llm.WithRetries(cfg.Retries))
	} else if cfg.Retries < 0 {
		opts = append(opts, llm.WithRetries(0))
	}
	if cfg.BreakerThreshold > 0 {
		opts = append(opts, llm.WithBreaker(cfg.BreakerThreshold, 30*time.Second))
	}
	return llm.NewGuard("whisper", opts...)
}

// transcriptionConfigured is false for the hosted default endpoint without
// a key, which could only fail.
func transcriptionConfigured(cfg config.TranscriptionConfig) bool {
	if cfg.BaseURL == "" {
		return false
	}
	return cfg.APIKey != "" || cfg.BaseURL != config.Default().Transcription.BaseURL
}
