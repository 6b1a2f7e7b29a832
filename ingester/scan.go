package ingester

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"time"
)

// scanHeaderSize is the prefix inspected by the structural checks: magic
// bytes, polyglots and OLE2 VBA markers.
const scanHeaderSize = 8 * 1024

// ScanResult is the outcome of the upload security scan.
type ScanResult struct {
	ClamAV   string   `json:"clamav"`
	Warnings []string `json:"warnings,omitempty"`
	Blocked  bool     `json:"blocked"`
}

// Reason joins the warnings, or the ClamAV verdict, for the quarantine reason.
func (r *ScanResult) Reason() string {
	parts := append([]string(nil), r.Warnings...)
	if r.ClamAV != "" && r.ClamAV != "OK" && r.ClamAV != "skipped" && !strings.HasPrefix(r.ClamAV, "error") {
		parts = append(parts, "clamav: "+r.ClamAV)
	}
	if len(parts) == 0 {
		return "blocked by security scan"
	}
	return strings.Join(parts, "; ")
}

// Scanner checks uploads before they are queued. Blocked files are
// quarantined instead of processed.
type Scanner struct {
	// ClamAVSocket is the clamd unix socket. Empty disables ClamAV.
	ClamAVSocket string
	DialTimeout  time.Duration
	ScanTimeout  time.Duration
}

// NewScanner returns a scanner. socket may be empty.
func NewScanner(socket string) *Scanner {
	return &Scanner{ClamAVSocket: socket, DialTimeout: 10 * time.Second, ScanTimeout: 60 * time.Second}
}

// Scan runs the structural checks and, when configured, ClamAV. A ClamAV
// connection failure is recorded in the result, not returned.
func (s *Scanner) Scan(ctx context.Context, data []byte, filename string) (*ScanResult, error) {
	result := &ScanResult{ClamAV: "skipped"}
	header := data[:min(len(data), scanHeaderSize)]

	if w := checkZipBomb(data); w != "" {
		result.Warnings = append(result.Warnings, w)
		result.Blocked = true
	}
	if w := checkPolyglot(header); w != "" {
		result.Warnings = append(result.Warnings, w)
		result.Blocked = true
	}
	// Macros are reported but never block.
	if w := checkMacro(header, filename); w != "" {
		result.Warnings = append(result.Warnings, w)
	}

	if s.ClamAVSocket != "" {
		status, err := s.scanClamAV(ctx, data)
		if err != nil {
			result.ClamAV = fmt.Sprintf("error: %v", err)
		} else {
			result.ClamAV = status
			if status != "OK" {
				result.Blocked = true
			}
		}
	}
	return result, nil
}

// Archive limits. Office documents are ZIP containers compressing around
// 10:1, far below these.
const (
	zipMaxEntries      = 10_000
	zipMaxUncompressed = 1 << 30
	zipMaxRatio        = 100
	zipRatioFloor      = 100 << 20
)

// checkZipBomb reads the central directory of a ZIP upload and flags entry
// counts, declared sizes or ratios no attachment needs. Archives whose
// directory cannot be read fall back to counting local headers, except
// OOXML/ODF containers.
func checkZipBomb(data []byte) string {
	if !bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		return ""
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		header := data[:min(len(data), scanHeaderSize)]
		count := bytes.Count(header, []byte("PK\x03\x04"))
		if count > 10 && len(data) < 1<<20 && !isOfficeContainer(header) {
			return fmt.Sprintf("zip_bomb_suspect: %d zip headers in first %d bytes, unreadable directory",
				count, len(header))
		}
		return ""
	}

	var total uint64
	for _, f := range zr.File {
		total += f.UncompressedSize64
	}
	switch {
	case len(zr.File) > zipMaxEntries:
		return fmt.Sprintf("zip_bomb_suspect: %d entries", len(zr.File))
	case total > zipMaxUncompressed:
		return fmt.Sprintf("zip_bomb_suspect: declares %d bytes uncompressed", total)
	case total > zipRatioFloor && total/uint64(len(data)) > zipMaxRatio:
		return fmt.Sprintf("zip_bomb_suspect: compression ratio %d:1", total/uint64(len(data)))
	}
	return ""
}

func isOfficeContainer(header []byte) bool {
	return bytes.Contains(header, []byte("[Content_Types].xml")) ||
		bytes.Contains(header, []byte("mimetypeapplication/vnd.oasis.opendocument"))
}

func checkPolyglot(header []byte) string {
	if len(header) < 16 {
		return ""
	}
	var detected []string
	if bytes.Contains(header[:min(1024, len(header))], []byte("%PDF")) {
		detected = append(detected, "PDF")
	}
	if bytes.HasPrefix(header, []byte("PK\x03\x04")) {
		detected = append(detected, "ZIP")
	}
	if bytes.HasPrefix(header, []byte("\x7fELF")) {
		detected = append(detected, "ELF")
	}
	if bytes.HasPrefix(header, []byte("MZ")) {
		detected = append(detected, "PE")
	}
	if bytes.HasPrefix(header, []byte("\xff\xd8\xff")) {
		detected = append(detected, "JPEG")
	}
	if len(detected) > 1 {
		return "polyglot_suspect: " + strings.Join(detected, "+")
	}
	return ""
}

func checkMacro(header []byte, filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == ".xlsm" || ext == ".docm" || ext == ".pptm" {
		return "macro_extension: " + ext
	}
	if bytes.HasPrefix(header, []byte("\xd0\xcf\x11\xe0\xa1\xb1\x1a\xe1")) &&
		(bytes.Contains(header, []byte("_VBA_PROJECT")) || bytes.Contains(header, []byte("VBAProject"))) {
		return "macro_detected: OLE2+VBA"
	}
	return ""
}

// scanClamAV streams data to clamd with INSTREAM:
// zINSTREAM\0, then [4-byte big-endian length + chunk]*, then four zero bytes.
func (s *Scanner) scanClamAV(ctx context.Context, data []byte) (string, error) {
	d := net.Dialer{Timeout: s.DialTimeout}
	conn, err := d.DialContext(ctx, "unix", s.ClamAVSocket)
	if err != nil {
		return "", fmt.Errorf("connect clamav: %w", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(s.ScanTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return "", fmt.Errorf("send instream cmd: %w", err)
	}
	var lenBuf [4]byte
	for off := 0; off < len(data); off += 8192 {
		chunk := data[off:min(off+8192, len(data))]
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(chunk)))
		if _, err := conn.Write(lenBuf[:]); err != nil {
			return "", fmt.Errorf("send chunk length: %w", err)
		}
		if _, err := conn.Write(chunk); err != nil {
			return "", fmt.Errorf("send chunk data: %w", err)
		}
	}
	if _, err := conn.Write([]byte{0, 0, 0, 0}); err != nil {
		return "", fmt.Errorf("send terminator: %w", err)
	}

	resp, err := io.ReadAll(io.LimitReader(conn, 4096))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	line := strings.TrimRight(strings.TrimSpace(string(resp)), "\x00")
	// "stream: OK" or "stream: <signature> FOUND"
	if strings.HasSuffix(line, "OK") {
		return "OK", nil
	}
	return strings.TrimPrefix(line, "stream: "), nil
}
