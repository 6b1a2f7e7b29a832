package attachment

import "testing"

func TestCategoryFor(t *testing.T) {
	tests := []struct {
		mime, name string
		want       Category
	}{
		{"application/pdf", "a.pdf", CategoryDocument},
		{"text/plain; charset=utf-8", "log.txt", CategoryText},
		{"text/plain", "main.go", CategoryCode},
		{"application/octet-stream", "script.py", CategoryCode},
		{"image/png", "shot.png", CategoryImage},
		{"image/svg+xml", "logo.svg", CategoryImage},
		{"audio/mpeg", "call.mp3", CategoryAudio},
		{"video/mp4", "screen.mp4", CategoryVideo},
		{"text/csv", "export.csv", CategorySpreadsheet},
		{"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "a.xlsx", CategorySpreadsheet},
		{"application/vnd.openxmlformats-officedocument.presentationml.presentation", "a.pptx", CategoryPresentation},
		{"application/zip", "logs.zip", CategoryArchive},
		{"application/x-msdownload", "setup.exe", CategoryOther},
	}
	for _, tt := range tests {
		if got := CategoryFor(tt.mime, tt.name); got != tt.want {
			t.Errorf("CategoryFor(%q, %q) = %q, want %q", tt.mime, tt.name, got, tt.want)
		}
	}
}

func TestDetectMIME(t *testing.T) {
	tests := []struct {
		name, filename, declared string
		header                   []byte
		want                     string
	}{
		{"declared wins", "x.bin", "image/png", nil, "image/png"},
		{"extension", "report.docx", "application/octet-stream", nil,
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
		{"pdf magic", "upload", "", []byte("%PDF-1.7\n"), "application/pdf"},
		{"wav magic", "upload", "", []byte("RIFF\x24\x00\x00\x00WAVEfmt "), "audio/wav"},
		{"svg sniff", "upload", "", []byte(`<?xml version="1.0"?><svg xmlns="http://www.w3.org/2000/svg">`), "image/svg+xml"},
		{"plain text", "upload", "", []byte("timeout error during authentication"), "text/plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectMIME(tt.filename, tt.declared, tt.header); got != tt.want {
				t.Errorf("DetectMIME = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo", 2); got != "hé" {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate("ok", 10); got != "ok" {
		t.Errorf("Truncate = %q", got)
	}
}
