package attachment

import (
	"bytes"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

// Category is the coarse file type used by the extraction router.
type Category string

const (
	CategoryDocument     Category = "document"
	CategoryImage        Category = "image"
	CategoryAudio        Category = "audio"
	CategoryVideo        Category = "video"
	CategorySpreadsheet  Category = "spreadsheet"
	CategoryPresentation Category = "presentation"
	CategoryArchive      Category = "archive"
	CategoryText         Category = "text"
	CategoryCode         Category = "code"
	CategoryOther        Category = "other"
)

var exactMIME = map[string]Category{
	"application/pdf":    CategoryDocument,
	"application/msword": CategoryDocument,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": CategoryDocument,
	"application/vnd.oasis.opendocument.text":                                 CategoryDocument,
	"application/rtf":          CategoryDocument,
	"application/vnd.ms-excel": CategorySpreadsheet,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": CategorySpreadsheet,
	"application/vnd.oasis.opendocument.spreadsheet":                    CategorySpreadsheet,
	"text/csv":                      CategorySpreadsheet,
	"text/tab-separated-values":     CategorySpreadsheet,
	"application/vnd.ms-powerpoint": CategoryPresentation,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": CategoryPresentation,
	"application/vnd.oasis.opendocument.presentation":                           CategoryPresentation,
	"application/zip":              CategoryArchive,
	"application/x-tar":            CategoryArchive,
	"application/gzip":             CategoryArchive,
	"application/x-gzip":           CategoryArchive,
	"application/x-7z-compressed":  CategoryArchive,
	"application/x-rar-compressed": CategoryArchive,
	"application/vnd.rar":          CategoryArchive,
	"application/json":             CategoryCode,
	"application/xml":              CategoryCode,
	"application/javascript":       CategoryCode,
	"application/x-yaml":           CategoryCode,
	"application/x-sh":             CategoryCode,
	"application/sql":              CategoryCode,
	"text/x-go":                    CategoryCode,
	"text/x-python":                CategoryCode,
	"text/x-java-source":           CategoryCode,
	"text/x-c":                     CategoryCode,
	"text/javascript":              CategoryCode,
	"text/css":                     CategoryCode,
	"text/xml":                     CategoryCode,
	"text/html":                    CategoryDocument,
	"text/markdown":                CategoryText,
}

var codeExt = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".tsx": true, ".jsx": true,
	".java": true, ".c": true, ".h": true, ".cpp": true, ".cs": true, ".rb": true,
	".rs": true, ".php": true, ".sh": true, ".sql": true, ".yaml": true, ".yml": true,
	".json": true, ".xml": true, ".toml": true, ".ini": true, ".kt": true, ".swift": true,
}

// CategoryFor derives the category from a MIME type, using the filename
// extension to tell source code apart from prose.
func CategoryFor(mimeType, filename string) Category {
	mt := baseMIME(mimeType)
	if c, ok := exactMIME[mt]; ok {
		return c
	}
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case strings.HasPrefix(mt, "image/"):
		return CategoryImage
	case strings.HasPrefix(mt, "audio/"):
		return CategoryAudio
	case strings.HasPrefix(mt, "video/"):
		return CategoryVideo
	case strings.HasPrefix(mt, "text/"):
		if codeExt[ext] {
			return CategoryCode
		}
		return CategoryText
	}
	if codeExt[ext] {
		return CategoryCode
	}
	return CategoryOther
}

func baseMIME(m string) string {
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	return strings.ToLower(strings.TrimSpace(m))
}

var extMIME = map[string]string{
	".md":   "text/markdown",
	".csv":  "text/csv",
	".tsv":  "text/tab-separated-values",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".odt":  "application/vnd.oasis.opendocument.text",
	".ods":  "application/vnd.oasis.opendocument.spreadsheet",
	".odp":  "application/vnd.oasis.opendocument.presentation",
	".go":   "text/x-go",
	".py":   "text/x-python",
	".yaml": "application/x-yaml",
	".yml":  "application/x-yaml",
	".log":  "text/plain",
	".svg":  "image/svg+xml",
	".m4a":  "audio/mp4",
	".webm": "video/webm",
}

// DetectMIME returns the MIME type for an upload. A specific declared type
// wins; generic or empty ones fall back to the extension and then to the
// magic bytes in header.
func DetectMIME(filename, declared string, header []byte) string {
	d := baseMIME(declared)
	if d != "" && d != "application/octet-stream" && d != "binary/octet-stream" {
		return d
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if m, ok := extMIME[ext]; ok {
		return m
	}
	if m := mime.TypeByExtension(ext); m != "" {
		return baseMIME(m)
	}
	if m := sniffMagic(header); m != "" {
		return m
	}
	return baseMIME(http.DetectContentType(header))
}

// sniffMagic recognises a handful of formats http.DetectContentType misses
// or reports too generically.
func sniffMagic(h []byte) string {
	switch {
	case bytes.HasPrefix(h, []byte("%PDF")):
		return "application/pdf"
	case bytes.HasPrefix(h, []byte("PK\x03\x04")):
		switch {
		case bytes.Contains(h, []byte("word/")):
			return extMIME[".docx"]
		case bytes.Contains(h, []byte("xl/")):
			return extMIME[".xlsx"]
		case bytes.Contains(h, []byte("ppt/")):
			return extMIME[".pptx"]
		}
		return "application/zip"
	case bytes.HasPrefix(h, []byte("ID3")):
		return "audio/mpeg"
	case len(h) >= 12 && string(h[4:8]) == "ftyp" && string(h[8:11]) == "M4A":
		return "audio/mp4"
	case len(h) >= 12 && string(h[:4]) == "RIFF" && string(h[8:12]) == "WAVE":
		return "audio/wav"
	case bytes.HasPrefix(h, []byte("OggS")):
		return "audio/ogg"
	case bytes.HasPrefix(h, []byte("fLaC")):
		return "audio/flac"
	case bytes.Contains(firstN(h, 256), []byte("<svg")):
		return "image/svg+xml"
	}
	return ""
}

func firstN(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
