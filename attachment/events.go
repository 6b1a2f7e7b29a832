package attachment

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"
)

// EventKind names a lifecycle transition.
type EventKind string

const (
	EventUploaded    EventKind = "uploaded"
	EventRestored    EventKind = "restored"
	EventDuplicate   EventKind = "duplicate"
	EventProcessing  EventKind = "processing"
	EventProcessed   EventKind = "processed"
	EventFailed      EventKind = "failed"
	EventQuarantined EventKind = "quarantined"
	EventDeleted     EventKind = "deleted"
	EventReprocess   EventKind = "reprocess"
	EventRecovered   EventKind = "recovered"
	EventInterrupted EventKind = "interrupted"
)

// Event is one row of the lifecycle log.
type Event struct {
	ID        int64          `json:"id"`
	FileID    string         `json:"fileId"`
	Kind      EventKind      `json:"kind"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// EventLog appends lifecycle events next to the records they describe.
// Write failures are logged and swallowed so the log never blocks the
// pipeline.
type EventLog struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEventLog uses the store's database. The table is created by NewStore.
func NewEventLog(s *Store, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{db: s.db, logger: logger}
}

// Log records kind for fileID with optional details.
func (l *EventLog) Log(ctx context.Context, fileID string, kind EventKind, details map[string]any) {
	if l == nil {
		return
	}
	var raw []byte
	if len(details) > 0 {
		var err error
		if raw, err = json.Marshal(details); err != nil {
			l.logger.Warn("attachment event details not encodable", "error", err, "kind", kind)
			raw = nil
		}
	}
	_, err := l.db.ExecContext(context.WithoutCancel(ctx),
		`INSERT INTO attachment_events (file_id, kind, details, created_at) VALUES (?,?,?,?)`,
		fileID, string(kind), nullBytes(raw), fmtTime(time.Now()))
	if err != nil {
		l.logger.Error("attachment event log failed", "error", err, "file_id", fileID, "kind", kind)
	}
}

// List returns the events of fileID in insertion order.
func (l *EventLog) List(ctx context.Context, fileID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, file_id, kind, details, created_at FROM attachment_events
		 WHERE file_id = ? ORDER BY id`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var (
			e       Event
			kind    string
			details sql.NullString
			created string
		)
		if err := rows.Scan(&e.ID, &e.FileID, &kind, &details, &created); err != nil {
			return nil, err
		}
		e.Kind = EventKind(kind)
		e.CreatedAt, _ = time.Parse(timeLayout, created)
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
