// Package blobstore is the key to bytes store holding uploaded attachments.
// Keys are chosen by the caller; Key builds the date-partitioned layout the
// ingester uses.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned by Download for an absent key.
var ErrNotFound = errors.New("blobstore: not found")

// Store is implemented by every backend.
type Store interface {
	Upload(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (string, error)
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	URL(key string) string
}

// Key returns attachments/{yyyy}/{mm}/{fileID}{ext} for t in UTC.
func Key(fileID, filename string, t time.Time) string {
	t = t.UTC()
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) > 16 || strings.ContainsAny(ext, `/\ `) {
		ext = ""
	}
	return path.Join("attachments", fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", int(t.Month())), fileID+ext)
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return fmt.Errorf("blobstore: invalid key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("blobstore: invalid key %q", key)
		}
	}
	return nil
}
