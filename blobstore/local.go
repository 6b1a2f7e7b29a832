package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Local stores blobs under a root directory. Writes go to a temp file that
// is fsynced then renamed into place.
type Local struct {
	root    string
	baseURL string
}

// NewLocal creates root if needed. baseURL, when set, prefixes URL results;
// otherwise URL returns a file:// URL.
func NewLocal(root, baseURL string) (*Local, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("blobstore: create root %s: %w", root, err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("blobstore: resolve root: %w", err)
	}
	return &Local{root: abs, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (l *Local) path(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(key)), nil
}

// Upload writes data at key, replacing any previous content.
func (l *Local) Upload(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, err := l.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("blobstore: mkdir: %w", err)
	}
	if err := writeAtomic(full, data); err != nil {
		return "", err
	}

	meta := map[string]string{"content-type": contentType}
	for k, v := range metadata {
		meta[k] = v
	}
	raw, _ := json.Marshal(meta)
	if err := writeAtomic(full+".meta.json", raw); err != nil {
		os.Remove(full)
		return "", err
	}
	return l.URL(key), nil
}

func writeAtomic(full string, data []byte) error {
	tmp := full + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("blobstore: create temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("blobstore: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("blobstore: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("blobstore: close: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("blobstore: rename: %w", err)
	}
	return nil
}

// Download returns the bytes at key, or ErrNotFound.
func (l *Local) Download(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %s: %w", key, err)
	}
	return data, nil
}

// Delete removes key. It reports false when nothing was there.
func (l *Local) Delete(ctx context.Context, key string) (bool, error) {
	full, err := l.path(key)
	if err != nil {
		return false, err
	}
	err = os.Remove(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blobstore: delete %s: %w", key, err)
	}
	os.Remove(full + ".meta.json")
	return true, nil
}

// Exists reports whether key holds a blob.
func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	full, err := l.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Metadata returns the content type and metadata stored with key.
func (l *Local) Metadata(key string) (map[string]string, error) {
	full, err := l.path(key)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(full + ".meta.json")
	if err != nil {
		return nil, err
	}
	var m map[string]string
	return m, json.Unmarshal(raw, &m)
}

// URL returns where key can be fetched from.
func (l *Local) URL(key string) string {
	if l.baseURL != "" {
		return l.baseURL + "/" + key
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(l.root, filepath.FromSlash(key)))}
	return u.String()
}
