package ingester

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hazyhaar/attachd/attachment"
	"github.com/hazyhaar/attachd/content"
)

func TestScan_StructuralChecks(t *testing.T) {
	s := NewScanner("")
	tests := []struct {
		name        string
		data        []byte
		filename    string
		wantBlocked bool
		wantWarning string
	}{
		{"clean text", []byte("nothing to see in this file"), "a.txt", false, ""},
		{"pe+pdf polyglot", append([]byte("MZ\x90\x00\x03\x00\x00\x00%PDF-1.7 "), make([]byte, 32)...), "invoice.pdf", true, "polyglot_suspect: PDF+PE"},
		{"zip bomb", bytes.Repeat([]byte("PK\x03\x04xxxxxxxxxxxxxxxx"), 20), "a.zip", true, "zip_bomb_suspect"},
		{"macro extension", []byte("PK\x03\x04 spreadsheet body bytes"), "budget.xlsm", false, "macro_extension: .xlsm"},
		{"ole2 vba", append([]byte("\xd0\xcf\x11\xe0\xa1\xb1\x1a\xe1"), []byte("....._VBA_PROJECT....")...), "old.doc", false, "macro_detected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Scan(context.Background(), tt.data, tt.filename)
			if err != nil {
				t.Fatal(err)
			}
			if res.Blocked != tt.wantBlocked {
				t.Errorf("Blocked = %v, want %v (warnings %v)", res.Blocked, tt.wantBlocked, res.Warnings)
			}
			if res.ClamAV != "skipped" {
				t.Errorf("ClamAV = %q, want skipped", res.ClamAV)
			}
			joined := strings.Join(res.Warnings, "; ")
			if tt.wantWarning == "" && joined != "" {
				t.Errorf("Warnings = %q, want none", joined)
			}
			if tt.wantWarning != "" && !strings.Contains(joined, tt.wantWarning) {
				t.Errorf("Warnings = %q, want %q", joined, tt.wantWarning)
			}
		})
	}
}

// buildDocx writes a minimal Word document with the parts Word itself emits.
func buildDocx(t *testing.T, body string) []byte {
	t.Helper()
	parts := []struct{ name, data string }{
		{"[Content_Types].xml", `<?xml version="1.0" encoding="UTF-8"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"><Default Extension="xml" ContentType="application/xml"/></Types>`},
		{"_rels/.rels", `<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"/>`},
		{"word/document.xml", `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body><w:p><w:r><w:t>` + body + `</w:t></w:r></w:p></w:body></w:document>`},
		{"word/_rels/document.xml.rels", `<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"/>`},
		{"word/styles.xml", `<w:styles xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"/>`},
		{"word/settings.xml", `<w:settings xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"/>`},
		{"word/webSettings.xml", `<w:webSettings xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"/>`},
		{"word/fontTable.xml", `<w:fonts xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"/>`},
		{"word/theme/theme1.xml", `<a:theme xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" name="Office"/>`},
		{"docProps/core.xml", `<cp:coreProperties xmlns:cp="http://schemas.openxmlformats.org/package/2006/metadata/core-properties"/>`},
		{"docProps/app.xml", `<Properties xmlns="http://schemas.openxmlformats.org/officeDocument/2006/extended-properties"/>`},
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, p := range parts {
		w, err := zw.Create(p.name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(p.data)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// declaredBomb is a one-entry archive whose header claims 4 GiB.
func declaredBomb(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateRaw(&zip.FileHeader{
		Name:               "payload.bin",
		Method:             zip.Store,
		CompressedSize64:   4,
		UncompressedSize64: 4 << 30,
	})
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("zero"))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestScan_Archives(t *testing.T) {
	s := NewScanner("")
	tests := []struct {
		name        string
		data        []byte
		filename    string
		wantBlocked bool
		wantWarning string
	}{
		{"small docx", buildDocx(t, "Printer queue stuck since Monday"), "report.docx", false, ""},
		{"declared size", declaredBomb(t), "logs.zip", true, "declares 4294967296 bytes"},
		{"unreadable office header", append([]byte("PK\x03\x04\x14\x00[Content_Types].xml"), bytes.Repeat([]byte("PK\x03\x04xxxx"), 20)...), "broken.docx", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Scan(context.Background(), tt.data, tt.filename)
			if err != nil {
				t.Fatal(err)
			}
			if res.Blocked != tt.wantBlocked {
				t.Errorf("Blocked = %v, want %v (warnings %v)", res.Blocked, tt.wantBlocked, res.Warnings)
			}
			joined := strings.Join(res.Warnings, "; ")
			if tt.wantWarning == "" && joined != "" {
				t.Errorf("Warnings = %q, want none", joined)
			}
			if tt.wantWarning != "" && !strings.Contains(joined, tt.wantWarning) {
				t.Errorf("Warnings = %q, want %q", joined, tt.wantWarning)
			}
		})
	}
}

func TestUpload_OfficeDocumentNotQuarantined(t *testing.T) {
	env := newEnv(t, nil, WithScanner(NewScanner("")))
	res, err := env.ing.Upload(context.Background(), UploadRequest{
		OrganizationID: "org-1",
		UploaderID:     "user-1",
		Filename:       "report.docx",
		MIMEType:       "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		Data:           buildDocx(t, "VPN drops every ten minutes"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.Status != attachment.StatusUploaded {
		t.Fatalf("Status = %q, want uploaded (reason %q)", res.Record.Status, res.Record.QuarantineReason)
	}
	rec, err := env.ing.Process(context.Background(), res.Record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != attachment.StatusProcessed {
		t.Fatalf("Status = %q, want processed", rec.Status)
	}
	if text := content.TextView(rec.ExtractedContent); !strings.Contains(text, "VPN drops every ten minutes") {
		t.Errorf("TextView = %q", text)
	}
}

func TestScanResult_Reason(t *testing.T) {
	tests := []struct {
		res  ScanResult
		want string
	}{
		{ScanResult{Warnings: []string{"polyglot_suspect: PDF+PE"}}, "polyglot_suspect: PDF+PE"},
		{ScanResult{ClamAV: "Eicar-Test-Signature FOUND"}, "clamav: Eicar-Test-Signature FOUND"},
		{ScanResult{ClamAV: "OK", Warnings: []string{"a", "b"}}, "a; b"},
		{ScanResult{ClamAV: "error: connect clamav: refused"}, "blocked by security scan"},
	}
	for _, tt := range tests {
		if got := tt.res.Reason(); got != tt.want {
			t.Errorf("Reason(%+v) = %q, want %q", tt.res, got, tt.want)
		}
	}
}

// fakeClamd answers one INSTREAM session with reply and returns the bytes
// it received.
func fakeClamd(t *testing.T, reply string) (string, <-chan []byte) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "clamd.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Skipf("unix socket unavailable: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	got := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		cmd := make([]byte, len("zINSTREAM\x00"))
		if _, err := io.ReadFull(conn, cmd); err != nil || string(cmd) != "zINSTREAM\x00" {
			return
		}
		var body []byte
		var lenBuf [4]byte
		for {
			if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
				return
			}
			n := binary.BigEndian.Uint32(lenBuf[:])
			if n == 0 {
				break
			}
			chunk := make([]byte, n)
			if _, err := io.ReadFull(conn, chunk); err != nil {
				return
			}
			body = append(body, chunk...)
		}
		got <- body
		_, _ = conn.Write([]byte(reply + "\x00"))
	}()
	return sock, got
}

func TestScan_ClamAV(t *testing.T) {
	tests := []struct {
		reply       string
		wantStatus  string
		wantBlocked bool
	}{
		{"stream: OK", "OK", false},
		{"stream: Eicar-Test-Signature FOUND", "Eicar-Test-Signature FOUND", true},
	}
	for _, tt := range tests {
		t.Run(tt.wantStatus, func(t *testing.T) {
			sock, got := fakeClamd(t, tt.reply)
			data := bytes.Repeat([]byte("0123456789"), 2000)

			res, err := NewScanner(sock).Scan(context.Background(), data, "big.txt")
			if err != nil {
				t.Fatal(err)
			}
			if res.ClamAV != tt.wantStatus {
				t.Errorf("ClamAV = %q, want %q", res.ClamAV, tt.wantStatus)
			}
			if res.Blocked != tt.wantBlocked {
				t.Errorf("Blocked = %v, want %v", res.Blocked, tt.wantBlocked)
			}
			if body := <-got; !bytes.Equal(body, data) {
				t.Errorf("clamd received %d bytes, want %d", len(body), len(data))
			}
		})
	}
}

func TestScan_ClamAVUnreachable(t *testing.T) {
	s := NewScanner(filepath.Join(t.TempDir(), "absent.sock"))
	res, err := s.Scan(context.Background(), []byte("plain upload body"), "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.ClamAV, "error:") {
		t.Errorf("ClamAV = %q, want error status", res.ClamAV)
	}
	if res.Blocked {
		t.Error("unreachable clamd blocked the upload")
	}
}

func TestUpload_BlockedScanQuarantines(t *testing.T) {
	env := newEnv(t, nil, WithScanner(NewScanner("")))
	ctx := context.Background()
	q, err := NewQueue(ctx, env.store.DB(), QueueOptions{})
	if err != nil {
		t.Fatal(err)
	}
	env.ing.Queue = q

	data := append([]byte("MZ\x90\x00%PDF-1.4 trailing"), make([]byte, 32)...)
	res := upload(t, env, "user-1", "invoice.pdf", data)

	if res.Kind != Created {
		t.Errorf("Kind = %q, want created", res.Kind)
	}
	if res.Record.Status != attachment.StatusQuarantined {
		t.Fatalf("Status = %q, want quarantined", res.Record.Status)
	}
	if !strings.Contains(res.Record.QuarantineReason, "polyglot_suspect") {
		t.Errorf("QuarantineReason = %q", res.Record.QuarantineReason)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("queue Len = %d, want 0 for a quarantined upload", n)
	}
	rec, err := env.ing.Process(ctx, res.Record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != attachment.StatusQuarantined {
		t.Errorf("Process moved quarantined record to %q", rec.Status)
	}
}
