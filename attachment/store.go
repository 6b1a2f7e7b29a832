package attachment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/attachd/content"
	"github.com/hazyhaar/attachd/dbopen"
)

// timeLayout is fixed-width so stored timestamps compare lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS attachments (
    id                        TEXT PRIMARY KEY,
    organization_id           TEXT NOT NULL,
    uploader_id               TEXT NOT NULL,
    description               TEXT NOT NULL DEFAULT '',
    filename                  TEXT NOT NULL,
    mime_type                 TEXT NOT NULL,
    byte_size                 INTEGER NOT NULL,
    content_hash              TEXT NOT NULL,
    storage_key               TEXT NOT NULL,
    category                  TEXT NOT NULL,
    status                    TEXT NOT NULL DEFAULT 'uploaded',
    quarantine_reason         TEXT NOT NULL DEFAULT '',
    extracted_content         TEXT,
    extraction_method         TEXT,
    content_summary           TEXT,
    language_code             TEXT,
    processing_started_at     TEXT,
    processing_completed_at   TEXT,
    processing_time_seconds   REAL,
    processing_error          TEXT,
    processing_attempt_count  INTEGER NOT NULL DEFAULT 0,
    is_deleted                INTEGER NOT NULL DEFAULT 0,
    deleted_at                TEXT,
    created_at                TEXT NOT NULL,
    updated_at                TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_attachments_active_hash
    ON attachments(organization_id, uploader_id, content_hash) WHERE is_deleted = 0;
CREATE INDEX IF NOT EXISTS idx_attachments_hash
    ON attachments(organization_id, uploader_id, content_hash);
CREATE INDEX IF NOT EXISTS idx_attachments_status ON attachments(status, processing_started_at);

CREATE TABLE IF NOT EXISTS attachment_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    file_id     TEXT NOT NULL,
    kind        TEXT NOT NULL,
    details     TEXT,
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attachment_events_file ON attachment_events(file_id, id);
`

const columns = `id, organization_id, uploader_id, description, filename, mime_type, byte_size,
	content_hash, storage_key, category, status, quarantine_reason, extracted_content,
	extraction_method, content_summary, language_code, processing_started_at,
	processing_completed_at, processing_time_seconds, processing_error,
	processing_attempt_count, is_deleted, deleted_at, created_at, updated_at`

// Store persists records in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) StoreOption {
	return func(s *Store) { s.now = fn }
}

// NewStore runs migrations on db and returns a Store.
func NewStore(db *sql.DB, opts ...StoreOption) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("attachment: migrate: %w", err)
	}
	return s, nil
}

// OpenStore opens (or creates) the database at path and migrates it.
func OpenStore(path string, opts ...StoreOption) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, err
	}
	s, err := NewStore(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying database, shared with the queue and event log.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) stamp() string { return fmtTime(s.now()) }

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

// Insert writes a new record with status uploaded. ID, hash and storage key
// are set by the caller. Returns ErrDuplicateHash when an active record
// holds the same hash.
func (s *Store) Insert(ctx context.Context, r *Record) error {
	now := s.now().UTC()
	r.Status = StatusUploaded
	r.CreatedAt, r.UpdatedAt = now, now
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO attachments (id, organization_id, uploader_id, description, filename,
			mime_type, byte_size, content_hash, storage_key, category, status,
			created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.OrganizationID, r.UploaderID, r.Description, r.Filename,
		r.MIMEType, r.ByteSize, r.ContentHash, r.StorageKey, string(r.Category),
		string(r.Status), fmtTime(now), fmtTime(now))
	if dbopen.IsUniqueViolation(err) {
		return ErrDuplicateHash
	}
	if err != nil {
		return fmt.Errorf("attachment: insert: %w", err)
	}
	return nil
}

// Get returns the record with id, or (nil, nil) if there is none.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM attachments WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// FindByHash returns the record holding hash for org and uploader, active
// first, then the most recently deleted. (nil, nil) when none.
func (s *Store) FindByHash(ctx context.Context, orgID, uploaderID, hash string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM attachments
		WHERE organization_id = ? AND uploader_id = ? AND content_hash = ?
		ORDER BY is_deleted ASC, deleted_at DESC LIMIT 1`, orgID, uploaderID, hash)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// RestoreFields are refreshed from the new upload when a soft-deleted record
// is restored.
type RestoreFields struct {
	Filename    string
	MIMEType    string
	ByteSize    int64
	Category    Category
	Description string
}

// Restore clears the delete flag of a soft-deleted record, resets its status
// to uploaded and refreshes its file facts. Extraction outputs are kept.
// It reports false when the record was not soft-deleted (lost a race).
func (s *Store) Restore(ctx context.Context, id string, f RestoreFields) (bool, error) {
	res, err := dbopen.Exec(ctx, s.db, `
		UPDATE attachments SET is_deleted = 0, deleted_at = NULL, status = 'uploaded',
			filename = ?, mime_type = ?, byte_size = ?, category = ?,
			description = CASE WHEN ? <> '' THEN ? ELSE description END,
			quarantine_reason = '', updated_at = ?
		WHERE id = ? AND is_deleted = 1`,
		f.Filename, f.MIMEType, f.ByteSize, string(f.Category),
		f.Description, f.Description, s.stamp(), id)
	if dbopen.IsUniqueViolation(err) {
		return false, ErrDuplicateHash
	}
	return affected(res, err)
}

// SoftDelete marks a record deleted. Status is left alone.
func (s *Store) SoftDelete(ctx context.Context, id string) (bool, error) {
	now := s.stamp()
	res, err := dbopen.Exec(ctx, s.db, `
		UPDATE attachments SET is_deleted = 1, deleted_at = ?, updated_at = ?
		WHERE id = ? AND is_deleted = 0`, now, now, id)
	return affected(res, err)
}

// Quarantine sets status quarantined with reason, whatever the current state.
// A run in flight loses its terminal commit.
func (s *Store) Quarantine(ctx context.Context, id, reason string) (bool, error) {
	res, err := dbopen.Exec(ctx, s.db, `
		UPDATE attachments SET status = 'quarantined', quarantine_reason = ?, updated_at = ?
		WHERE id = ?`, Truncate(reason, MaxErrorLen), s.stamp(), id)
	return affected(res, err)
}

// BeginProcessing moves an uploaded, non-deleted record to processing in a
// single conditional update, bumping the attempt count. It reports false
// when the record was not startable, so concurrent callers cannot both win.
func (s *Store) BeginProcessing(ctx context.Context, id string) (bool, error) {
	now := s.stamp()
	res, err := dbopen.Exec(ctx, s.db, `
		UPDATE attachments SET status = 'processing', processing_started_at = ?,
			processing_completed_at = NULL, processing_time_seconds = NULL,
			processing_error = NULL,
			processing_attempt_count = processing_attempt_count + 1, updated_at = ?
		WHERE id = ? AND status = 'uploaded' AND is_deleted = 0`, now, now, id)
	return affected(res, err)
}

// Complete is the single terminal commit of a processing run. Every output
// column is written together, and only while the record is still processing.
// It reports false when the record left processing meanwhile (quarantine).
func (s *Store) Complete(ctx context.Context, id string, o Outcome) (bool, error) {
	if o.Status != StatusProcessed && o.Status != StatusFailed {
		return false, fmt.Errorf("attachment: complete with non-terminal status %q", o.Status)
	}
	var contentJSON *string
	if !o.Content.IsEmpty() {
		raw, err := json.Marshal(o.Content)
		if err != nil {
			return false, fmt.Errorf("attachment: marshal content: %w", err)
		}
		js := string(raw)
		contentJSON = &js
	}

	var done bool
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var started sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT processing_started_at FROM attachments WHERE id = ? AND status = 'processing'`, id,
		).Scan(&started)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		now := s.now().UTC()
		var elapsed *float64
		if t, ok := parseTime(started); ok {
			secs := now.Sub(t).Seconds()
			if secs < 0 {
				secs = 0
			}
			elapsed = &secs
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE attachments SET status = ?, extracted_content = ?, extraction_method = ?,
				content_summary = ?, language_code = ?, processing_error = ?,
				processing_completed_at = ?, processing_time_seconds = ?, updated_at = ?
			WHERE id = ? AND status = 'processing'`,
			string(o.Status), contentJSON, strPtr(o.Method), strPtr(o.Summary), strPtr(o.Language),
			strPtr(Truncate(o.Err, MaxErrorLen)), fmtTime(now), elapsed, fmtTime(now), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		done = n == 1
		return err
	})
	if err != nil {
		return false, fmt.Errorf("attachment: complete: %w", err)
	}
	return done, nil
}

// ResetForReprocess moves a processed or failed record back to uploaded and
// clears every output of the previous run, including the attempt count.
func (s *Store) ResetForReprocess(ctx context.Context, id string) (bool, error) {
	res, err := dbopen.Exec(ctx, s.db, `
		UPDATE attachments SET status = 'uploaded', extracted_content = NULL,
			extraction_method = NULL, content_summary = NULL, language_code = NULL,
			processing_error = NULL, processing_started_at = NULL,
			processing_completed_at = NULL, processing_time_seconds = NULL,
			processing_attempt_count = 0, updated_at = ?
		WHERE id = ? AND status IN ('processed', 'failed') AND is_deleted = 0`, s.stamp(), id)
	return affected(res, err)
}

// ResetStale moves a record stuck in processing since before cutoff back to
// uploaded so it can be picked up again.
func (s *Store) ResetStale(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	res, err := dbopen.Exec(ctx, s.db, `
		UPDATE attachments SET status = 'uploaded', updated_at = ?
		WHERE id = ? AND status = 'processing' AND processing_started_at < ?`,
		s.stamp(), id, fmtTime(cutoff))
	return affected(res, err)
}

// Release moves a record still in processing back to uploaded when its run
// was interrupted before a terminal commit. The attempt count is kept.
func (s *Store) Release(ctx context.Context, id string) (bool, error) {
	res, err := dbopen.Exec(ctx, s.db, `
		UPDATE attachments SET status = 'uploaded', processing_started_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing'`, s.stamp(), id)
	return affected(res, err)
}

// ListByStatus returns up to limit non-deleted records in status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	return s.list(ctx, `SELECT `+columns+` FROM attachments
		WHERE status = ? AND is_deleted = 0 ORDER BY created_at LIMIT ?`, string(status), limit)
}

// ListStale returns records in processing whose run started before cutoff.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time) ([]*Record, error) {
	return s.list(ctx, `SELECT `+columns+` FROM attachments
		WHERE status = 'processing' AND processing_started_at < ?
		ORDER BY processing_started_at`, fmtTime(cutoff))
}

// CountByStatus returns the number of non-deleted records per status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM attachments WHERE is_deleted = 0 GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		r                                      Record
		category, status                       string
		extracted, method, summary, lang, perr sql.NullString
		started, completed, deleted            sql.NullString
		created, updated                       string
		elapsed                                sql.NullFloat64
		isDeleted                              int
	)
	err := sc.Scan(&r.ID, &r.OrganizationID, &r.UploaderID, &r.Description, &r.Filename,
		&r.MIMEType, &r.ByteSize, &r.ContentHash, &r.StorageKey, &category, &status,
		&r.QuarantineReason, &extracted, &method, &summary, &lang, &started, &completed,
		&elapsed, &perr, &r.ProcessingAttemptCount, &isDeleted, &deleted, &created, &updated)
	if err != nil {
		return nil, err
	}
	r.Category = Category(category)
	r.Status = Status(status)
	r.IsDeleted = isDeleted != 0
	r.ExtractionMethod = nullStr(method)
	r.ContentSummary = nullStr(summary)
	r.LanguageCode = nullStr(lang)
	r.ProcessingError = nullStr(perr)
	r.ProcessingStartedAt = nullTime(started)
	r.ProcessingCompletedAt = nullTime(completed)
	r.DeletedAt = nullTime(deleted)
	if elapsed.Valid {
		v := elapsed.Float64
		r.ProcessingTimeSeconds = &v
	}
	r.CreatedAt, _ = time.Parse(timeLayout, created)
	r.UpdatedAt, _ = time.Parse(timeLayout, updated)
	if extracted.Valid && extracted.String != "" {
		var c content.Content
		if err := json.Unmarshal([]byte(extracted.String), &c); err != nil {
			return nil, fmt.Errorf("attachment: decode content of %s: %w", r.ID, err)
		}
		r.ExtractedContent = &c
	}
	return &r, nil
}

func nullStr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func parseTime(ns sql.NullString) (time.Time, bool) {
	if !ns.Valid {
		return time.Time{}, false
	}
	t, err := time.Parse(timeLayout, ns.String)
	return t, err == nil
}

func nullTime(ns sql.NullString) *time.Time {
	t, ok := parseTime(ns)
	if !ok {
		return nil
	}
	return &t
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
