// Package attachment holds the file record model and its SQLite repository.
//
// A record has two independent axes: Status tracks the processing outcome,
// IsDeleted tracks visibility. Soft delete never touches Status.
package attachment

import (
	"errors"
	"time"

	"github.com/hazyhaar/attachd/content"
)

// Status is the processing lifecycle state of a record.
type Status string

const (
	StatusUploaded    Status = "uploaded"
	StatusProcessing  Status = "processing"
	StatusProcessed   Status = "processed"
	StatusFailed      Status = "failed"
	StatusQuarantined Status = "quarantined"
	// StatusDeleted is accepted when reading legacy rows. Nothing here
	// writes it: deletion is IsDeleted.
	StatusDeleted Status = "deleted"
)

// Terminal reports whether s ends a processing run.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed || s == StatusQuarantined
}

// MaxErrorLen bounds the stored processing error.
const MaxErrorLen = 500

var (
	// ErrNotFound is returned when no record matches an id.
	ErrNotFound = errors.New("attachment: not found")
	// ErrDuplicateHash is returned by Insert when an active record already
	// holds the same content hash for the organization and uploader.
	ErrDuplicateHash = errors.New("attachment: duplicate content hash")
)

// Record is one uploaded artifact.
type Record struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	UploaderID     string `json:"uploaderId"`
	Description    string `json:"description,omitempty"`

	Filename    string   `json:"filename"`
	MIMEType    string   `json:"mimeType"`
	ByteSize    int64    `json:"byteSize"`
	ContentHash string   `json:"contentHash"`
	StorageKey  string   `json:"storageKey"`
	Category    Category `json:"fileTypeCategory"`

	Status           Status           `json:"status"`
	QuarantineReason string           `json:"quarantineReason,omitempty"`
	ExtractedContent *content.Content `json:"extractedContent,omitempty"`
	ExtractionMethod *string          `json:"extractionMethod,omitempty"`
	ContentSummary   *string          `json:"contentSummary,omitempty"`
	LanguageCode     *string          `json:"languageCode,omitempty"`

	ProcessingStartedAt    *time.Time `json:"processingStartedAt,omitempty"`
	ProcessingCompletedAt  *time.Time `json:"processingCompletedAt,omitempty"`
	ProcessingTimeSeconds  *float64   `json:"processingTimeSeconds,omitempty"`
	ProcessingError        *string    `json:"processingError,omitempty"`
	ProcessingAttemptCount int        `json:"processingAttemptCount"`

	IsDeleted bool       `json:"isDeleted"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Outcome is what the orchestrator commits when a processing run ends.
type Outcome struct {
	Status   Status
	Content  *content.Content
	Method   string
	Summary  string
	Language string
	Err      string
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
