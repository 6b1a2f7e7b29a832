// Package ingester is the attachment pipeline: the hash/dedup gate at upload,
// the extraction router and the processing orchestrator with its queue,
// stale recovery and security scan.
package ingester

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/attachd/attachment"
	"github.com/hazyhaar/attachd/blobstore"
	"github.com/hazyhaar/attachd/enrich"
	"github.com/hazyhaar/attachd/idgen"
)

var (
	// ErrStorage wraps blob store failures.
	ErrStorage = errors.New("ingester: storage failure")
	// ErrExtraction wraps strategy failures.
	ErrExtraction = errors.New("ingester: extraction failure")
	// ErrNotFound is returned for unknown record ids.
	ErrNotFound = errors.New("ingester: record not found")
	// ErrNotReprocessable is returned by Reprocess for records that are
	// neither processed nor failed.
	ErrNotReprocessable = errors.New("ingester: record is not processed or failed")
	// ErrTooLarge rejects uploads above the configured size.
	ErrTooLarge = errors.New("ingester: file too large")
	// ErrInvalidUpload rejects uploads missing an owner or a filename.
	ErrInvalidUpload = errors.New("ingester: invalid upload")
)

// Ingester wires the gate and the orchestrator to their collaborators.
type Ingester struct {
	Store    *attachment.Store
	Blobs    blobstore.Store
	Router   *Router
	Enricher *enrich.Enricher
	Events   *attachment.EventLog
	Queue    *Queue
	Scanner  *Scanner
	NewID    idgen.Generator

	workers        int
	processTimeout time.Duration
	inline         bool
	maxFileSize    int64
	now            func() time.Time
	logger         *slog.Logger

	sem      chan struct{}
	inflight sync.WaitGroup
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithEvents sets the lifecycle event log.
func WithEvents(e *attachment.EventLog) Option { return func(ing *Ingester) { ing.Events = e } }

// WithQueue publishes created and restored records to q.
func WithQueue(q *Queue) Option { return func(ing *Ingester) { ing.Queue = q } }

// WithScanner enables the upload security scan.
func WithScanner(s *Scanner) Option { return func(ing *Ingester) { ing.Scanner = s } }

// WithIDGenerator sets the record id generator.
func WithIDGenerator(g idgen.Generator) Option { return func(ing *Ingester) { ing.NewID = g } }

// WithWorkers bounds concurrent extractions.
func WithWorkers(n int) Option { return func(ing *Ingester) { ing.workers = n } }

// WithProcessTimeout bounds one extraction.
func WithProcessTimeout(d time.Duration) Option {
	return func(ing *Ingester) { ing.processTimeout = d }
}

// WithInline starts processing right after a successful upload.
func WithInline(on bool) Option { return func(ing *Ingester) { ing.inline = on } }

// WithMaxFileSize rejects larger uploads. Zero means no limit.
func WithMaxFileSize(n int64) Option { return func(ing *Ingester) { ing.maxFileSize = n } }

// WithClock replaces time.Now for storage keys.
func WithClock(now func() time.Time) Option { return func(ing *Ingester) { ing.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(ing *Ingester) { ing.logger = l } }

// New returns an Ingester with 4 workers and a 5 minute process timeout.
func New(store *attachment.Store, blobs blobstore.Store, router *Router, enricher *enrich.Enricher, opts ...Option) *Ingester {
	ing := &Ingester{
		Store:          store,
		Blobs:          blobs,
		Router:         router,
		Enricher:       enricher,
		NewID:          idgen.Default,
		workers:        4,
		processTimeout: 5 * time.Minute,
		now:            time.Now,
		logger:         slog.Default(),
	}
	for _, o := range opts {
		o(ing)
	}
	if ing.workers <= 0 {
		ing.workers = 1
	}
	if ing.Router == nil {
		ing.Router = &Router{}
	}
	if ing.Enricher == nil {
		ing.Enricher = enrich.New(nil, enrichBudget)
	}
	ing.sem = make(chan struct{}, ing.workers)
	ing.logger = ing.logger.With("component", "ingester")
	return ing
}

// Wait blocks until inline processing started by Upload has finished.
func (ing *Ingester) Wait() { ing.inflight.Wait() }

// UploadKind is the variant of an UploadResult.
type UploadKind string

const (
	Created   UploadKind = "created"
	Restored  UploadKind = "restored"
	Duplicate UploadKind = "duplicate"
)

// UploadRequest is one file handed to the gate.
type UploadRequest struct {
	OrganizationID string
	UploaderID     string
	Filename       string
	MIMEType       string
	Description    string
	Data           []byte
}

// UploadResult is the gate's answer. For Duplicate, ExistingID names the
// active record and Record is that record.
type UploadResult struct {
	Kind       UploadKind         `json:"kind"`
	ExistingID string             `json:"existingId,omitempty"`
	Record     *attachment.Record `json:"record"`
	Scan       *ScanResult        `json:"scan,omitempty"`
}

// Upload hashes the bytes and creates, restores or reports a duplicate,
// scoped to the organization and uploader. Storage failures fail the upload
// with no record committed.
func (ing *Ingester) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if req.OrganizationID == "" || req.UploaderID == "" || req.Filename == "" {
		return nil, fmt.Errorf("%w: organization, uploader and filename are required", ErrInvalidUpload)
	}
	if ing.maxFileSize > 0 && int64(len(req.Data)) > ing.maxFileSize {
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(req.Data), ing.maxFileSize)
	}

	sum := sha256.Sum256(req.Data)
	hash := hex.EncodeToString(sum[:])
	mimeType := attachment.DetectMIME(req.Filename, req.MIMEType, req.Data)
	category := attachment.CategoryFor(mimeType, req.Filename)

	existing, err := ing.Store.FindByHash(ctx, req.OrganizationID, req.UploaderID, hash)
	if err != nil {
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("ingester: lookup hash: %w", err)
	}

	var res *UploadResult
	switch {
	case existing != nil && !existing.IsDeleted:
		res = ing.duplicate(ctx, existing)
	case existing != nil:
		res, err = ing.restore(ctx, existing, req, mimeType, category)
	default:
		res, err = ing.create(ctx, req, hash, mimeType, category)
	}
	if err != nil {
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	uploadsTotal.WithLabelValues(string(res.Kind)).Inc()
	if res.Kind == Duplicate {
		return res, nil
	}

	if ing.Scanner != nil {
		scan, err := ing.Scanner.Scan(ctx, req.Data, req.Filename)
		if err != nil {
			ing.logger.WarnContext(ctx, "upload scan failed", "id", res.Record.ID, "error", err)
		} else {
			res.Scan = scan
			if scan.Blocked {
				if err := ing.quarantine(ctx, res.Record.ID, scan.Reason()); err != nil {
					return nil, err
				}
				res.Record, _ = ing.Store.Get(ctx, res.Record.ID)
				return res, nil
			}
		}
	}

	if res.Kind == Created || res.Record.ExtractedContent == nil {
		ing.dispatch(ctx, res.Record.ID)
	}
	return res, nil
}

func (ing *Ingester) duplicate(ctx context.Context, existing *attachment.Record) *UploadResult {
	ing.logger.InfoContext(ctx, "duplicate upload", "existing_id", existing.ID)
	ing.Events.Log(ctx, existing.ID, attachment.EventDuplicate, nil)
	return &UploadResult{Kind: Duplicate, ExistingID: existing.ID, Record: existing}
}

func (ing *Ingester) create(ctx context.Context, req UploadRequest, hash, mimeType string, category attachment.Category) (*UploadResult, error) {
	id := ing.NewID()
	key := blobstore.Key(id, req.Filename, ing.now())
	meta := map[string]string{"file-id": id, "content-hash": hash}
	if _, err := ing.Blobs.Upload(ctx, key, req.Data, mimeType, meta); err != nil {
		return nil, fmt.Errorf("%w: upload %s: %w", ErrStorage, key, err)
	}

	rec := &attachment.Record{
		ID:             id,
		OrganizationID: req.OrganizationID,
		UploaderID:     req.UploaderID,
		Description:    req.Description,
		Filename:       req.Filename,
		MIMEType:       mimeType,
		ByteSize:       int64(len(req.Data)),
		ContentHash:    hash,
		StorageKey:     key,
		Category:       category,
	}
	err := ing.Store.Insert(ctx, rec)
	if err != nil {
		if _, derr := ing.Blobs.Delete(context.WithoutCancel(ctx), key); derr != nil {
			ing.logger.WarnContext(ctx, "orphan blob not removed", "key", key, "error", derr)
		}
	}
	if errors.Is(err, attachment.ErrDuplicateHash) {
		// A concurrent upload of the same bytes won.
		winner, ferr := ing.Store.FindByHash(ctx, req.OrganizationID, req.UploaderID, hash)
		if ferr != nil || winner == nil {
			return nil, fmt.Errorf("ingester: resolve concurrent duplicate: %w", err)
		}
		return ing.duplicate(ctx, winner), nil
	}
	if err != nil {
		return nil, err
	}

	ing.logger.InfoContext(ctx, "attachment created",
		"id", id, "filename", req.Filename, "mime", mimeType, "category", category, "bytes", len(req.Data))
	ing.Events.Log(ctx, id, attachment.EventUploaded, map[string]any{
		"filename": req.Filename, "mime": mimeType, "category": string(category), "bytes": len(req.Data),
	})
	return &UploadResult{Kind: Created, Record: rec}, nil
}

func (ing *Ingester) restore(ctx context.Context, rec *attachment.Record, req UploadRequest, mimeType string, category attachment.Category) (*UploadResult, error) {
	exists, err := ing.Blobs.Exists(ctx, rec.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("%w: exists %s: %w", ErrStorage, rec.StorageKey, err)
	}
	if !exists {
		if _, err := ing.Blobs.Upload(ctx, rec.StorageKey, req.Data, mimeType,
			map[string]string{"file-id": rec.ID, "content-hash": rec.ContentHash}); err != nil {
			return nil, fmt.Errorf("%w: re-upload %s: %w", ErrStorage, rec.StorageKey, err)
		}
	}

	ok, err := ing.Store.Restore(ctx, rec.ID, attachment.RestoreFields{
		Filename:    req.Filename,
		MIMEType:    mimeType,
		ByteSize:    int64(len(req.Data)),
		Category:    category,
		Description: req.Description,
	})
	if err != nil && !errors.Is(err, attachment.ErrDuplicateHash) {
		return nil, err
	}
	if err != nil || !ok {
		// Someone else restored it, or uploaded the same bytes anew.
		active, ferr := ing.Store.FindByHash(ctx, req.OrganizationID, req.UploaderID, rec.ContentHash)
		if ferr != nil || active == nil || active.IsDeleted {
			return nil, fmt.Errorf("ingester: restore %s lost a race", rec.ID)
		}
		return ing.duplicate(ctx, active), nil
	}

	restored, err := ing.Store.Get(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	ing.logger.InfoContext(ctx, "attachment restored", "id", rec.ID, "filename", req.Filename, "blob_reuploaded", !exists)
	ing.Events.Log(ctx, rec.ID, attachment.EventRestored, map[string]any{
		"filename": req.Filename, "blob_reuploaded": !exists,
	})
	return &UploadResult{Kind: Restored, Record: restored}, nil
}

// dispatch hands id to the queue and, when inline processing is on, starts
// it in the background.
func (ing *Ingester) dispatch(ctx context.Context, id string) {
	if ing.Queue != nil {
		if err := ing.Queue.Publish(ctx, id); err != nil {
			ing.logger.WarnContext(ctx, "queue publish failed", "id", id, "error", err)
		}
	}
	if !ing.inline {
		return
	}
	ing.inflight.Add(1)
	go func() {
		defer ing.inflight.Done()
		if _, err := ing.Process(context.WithoutCancel(ctx), id); err != nil {
			ing.logger.Error("inline processing failed", "id", id, "error", err)
		}
	}()
}
