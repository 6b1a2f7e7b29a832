package ingester

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/attachd/attachment"
)

const queueSchema = `
CREATE TABLE IF NOT EXISTS processing_jobs (
	file_id     TEXT PRIMARY KEY,
	visible_at  INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_processing_jobs_visible ON processing_jobs (visible_at);
`

// Job is a claimed processing job.
type Job struct {
	FileID    string
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// QueueOptions configures the processing queue.
type QueueOptions struct {
	// Visibility is how long a claimed job stays hidden. Default 10m.
	Visibility time.Duration
	// PollInterval is the delay between claim rounds in Run. Default 1s.
	PollInterval time.Duration
	// MaxAttempts discards jobs redelivered more often. 0 means unlimited.
	MaxAttempts int
	Logger      *slog.Logger
}

func (o *QueueOptions) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 10 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Queue is a visibility-timeout queue of file ids in SQLite. A claimed job
// that is neither acked nor nacked reappears after Visibility, so a crashed
// worker never loses a file.
type Queue struct {
	db   *sql.DB
	opts QueueOptions
	now  func() time.Time
}

// NewQueue creates the jobs table if needed.
func NewQueue(ctx context.Context, db *sql.DB, opts QueueOptions) (*Queue, error) {
	opts.defaults()
	if _, err := db.ExecContext(ctx, queueSchema); err != nil {
		return nil, fmt.Errorf("ingester: queue schema: %w", err)
	}
	return &Queue{db: db, opts: opts, now: time.Now}, nil
}

// Publish makes fileID visible now. Publishing a queued id resets it.
func (q *Queue) Publish(ctx context.Context, fileID string) error {
	now := q.now().UnixMilli()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO processing_jobs (file_id, visible_at, created_at) VALUES (?,?,?)
		ON CONFLICT(file_id) DO UPDATE SET visible_at = excluded.visible_at, attempts = 0`,
		fileID, now, now)
	return err
}

// Claim hides the oldest visible job for Visibility and returns it. Returns
// nil, nil when nothing is visible.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	now := q.now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE processing_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE file_id = (
			SELECT file_id FROM processing_jobs
			WHERE visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING file_id, visible_at, created_at, attempts`,
		hideUntil, now.UnixMilli())

	var j Job
	var visAt, creAt int64
	err := row.Scan(&j.FileID, &visAt, &creAt, &j.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}

// Ack removes a handled job.
func (q *Queue) Ack(ctx context.Context, fileID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM processing_jobs WHERE file_id = ?`, fileID)
	return err
}

// Nack makes a job visible again immediately.
func (q *Queue) Nack(ctx context.Context, fileID string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE processing_jobs SET visible_at = 0 WHERE file_id = ?`, fileID)
	return err
}

// Len returns the number of queued jobs, visible or not.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processing_jobs`).Scan(&n)
	return n, err
}

// Handler processes a claimed job. nil acks, an error nacks.
type Handler func(ctx context.Context, job *Job) error

// Run polls for visible jobs until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("processing queue consumer started", "visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("processing queue consumer stopped")
			return
		case <-ticker.C:
			q.poll(ctx, handler, log)
		}
	}
}

func (q *Queue) poll(ctx context.Context, handler Handler, log *slog.Logger) {
	for ctx.Err() == nil {
		job, err := q.Claim(ctx)
		if err != nil {
			log.Warn("queue claim failed", "error", err)
			return
		}
		if job == nil {
			return
		}
		if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
			log.Warn("job exceeded max attempts, discarding", "file_id", job.FileID, "attempts", job.Attempts)
			_ = q.Ack(ctx, job.FileID)
			continue
		}
		if err := handler(ctx, job); err != nil {
			log.Warn("job handler failed, nacking", "file_id", job.FileID, "error", err)
			_ = q.Nack(context.WithoutCancel(ctx), job.FileID)
		} else {
			_ = q.Ack(context.WithoutCancel(ctx), job.FileID)
		}
	}
}

// RunWorker consumes the queue, processing each claimed file, until ctx is
// cancelled. Claims race safely with inline processing: the loser of
// BeginProcessing is a no-op.
func (ing *Ingester) RunWorker(ctx context.Context) error {
	if ing.Queue == nil {
		return errors.New("ingester: no queue configured")
	}
	ing.Queue.Run(ctx, func(ctx context.Context, job *Job) error {
		rec, err := ing.Process(ctx, job.FileID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		// Released by shutdown: nack so the job is visible to the next worker.
		if ctx.Err() != nil && rec.Status == attachment.StatusUploaded {
			return ctx.Err()
		}
		return nil
	})
	return nil
}

// Sweep publishes uploaded records that have no content yet, up to limit.
// It covers jobs lost before they reached the queue.
func (ing *Ingester) Sweep(ctx context.Context, limit int) (int, error) {
	if ing.Queue == nil {
		return 0, errors.New("ingester: no queue configured")
	}
	recs, err := ing.Store.ListByStatus(ctx, attachment.StatusUploaded, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		if r.ExtractedContent != nil {
			continue
		}
		if err := ing.Queue.Publish(ctx, r.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// RecoverStale resets records stuck in processing for longer than olderThan
// (a crashed run) to uploaded and republishes them. Call it at boot and
// periodically.
func (ing *Ingester) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := ing.now().Add(-olderThan)
	stale, err := ing.Store.ListStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ingester: list stale: %w", err)
	}
	n := 0
	for _, r := range stale {
		ok, err := ing.Store.ResetStale(ctx, r.ID, cutoff)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		n++
		staleRecoveredTotal.Inc()
		ing.Events.Log(ctx, r.ID, attachment.EventRecovered, map[string]any{"started_at": r.ProcessingStartedAt})
		ing.logger.WarnContext(ctx, "recovered stale attachment", "id", r.ID, "started_at", r.ProcessingStartedAt)
		if ing.Queue != nil {
			if err := ing.Queue.Publish(ctx, r.ID); err != nil {
				ing.logger.WarnContext(ctx, "queue publish failed", "id", r.ID, "error", err)
			}
		}
	}
	return n, nil
}
