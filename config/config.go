// Package config loads the attachd YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full attachd configuration.
type Config struct {
	Listen        string              `yaml:"listen"`
	DBPath        string              `yaml:"db_path"`
	Log           LogConfig           `yaml:"log"`
	Storage       StorageConfig       `yaml:"storage"`
	LLM           LLMConfig           `yaml:"llm"`
	OCR           OCRConfig           `yaml:"ocr"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Scan          ScanConfig          `yaml:"scan"`
}

// LogConfig selects the level and the optional JSON log file.
type LogConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
	File  string `yaml:"file"`
}

// StorageConfig selects the blob backend.
type StorageConfig struct {
	Backend       string `yaml:"backend"` // local | s3
	Root          string `yaml:"root"`
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	Endpoint      string `yaml:"endpoint"`
	PathStyle     bool   `yaml:"path_style"`
	PublicBaseURL string `yaml:"public_base_url"`
}

// LLMConfig selects the text and vision provider variant.
type LLMConfig struct {
	Provider          string        `yaml:"provider"` // openai | anthropic | googleai | ollama | bedrock
	Model             string        `yaml:"model"`
	VisionModel       string        `yaml:"vision_model"`
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	Region            string        `yaml:"region"`
	ContextWindow     int           `yaml:"context_window"`
	CompletionReserve int           `yaml:"completion_reserve"`
	PromptOverhead    int           `yaml:"prompt_overhead"`
	SafetyMargin      int           `yaml:"safety_margin"`
	Timeout           time.Duration `yaml:"timeout"`
	Retries           int           `yaml:"retries"`
	BreakerThreshold  int           `yaml:"breaker_threshold"`
}

// OCRConfig selects the OCR backend and the PDF page rasterizer.
type OCRConfig struct {
	Backend       string `yaml:"backend"` // tesseract | llm
	TesseractPath string `yaml:"tesseract_path"`
	Languages     string `yaml:"languages"`
	PdftoppmPath  string `yaml:"pdftoppm_path"`
	DPI           int    `yaml:"dpi"`
	RsvgPath      string `yaml:"rsvg_convert_path"`
}

// TranscriptionConfig points at an OpenAI-compatible transcription endpoint.
type TranscriptionConfig struct {
	BaseURL          string        `yaml:"base_url"`
	APIKey           string        `yaml:"api_key"`
	Model            string        `yaml:"model"`
	Timeout          time.Duration `yaml:"timeout"`
	Retries          int           `yaml:"retries"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
}

// PipelineConfig tunes processing.
type PipelineConfig struct {
	Workers         int           `yaml:"workers"`
	ProcessTimeout  time.Duration `yaml:"process_timeout"`
	Inline          bool          `yaml:"inline"`
	QueueVisibility time.Duration `yaml:"queue_visibility"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	MaxFileMB       int           `yaml:"max_file_mb"`
	RawPDF          RawPDFConfig  `yaml:"raw_pdf"`
}

// RawPDFConfig tunes the raw-PDF-source detector used by the document strategy.
type RawPDFConfig struct {
	MinTokens    int     `yaml:"min_tokens"`
	TokenDensity float64 `yaml:"token_density"`
}

// ScanConfig configures the upload security scan.
type ScanConfig struct {
	ClamAV ClamAVConfig `yaml:"clamav"`
}

// ClamAVConfig configures the clamd INSTREAM scanner.
type ClamAVConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// Default returns sane defaults.
func Default() *Config {
	return &Config{
		Listen: ":8090",
		DBPath: "attachd.db",
		Log:    LogConfig{Level: "info"},
		Storage: StorageConfig{
			Backend: "local",
			Root:    "data/blobs",
		},
		LLM: LLMConfig{
			Provider:          "openai",
			Model:             "gpt-4o-mini",
			VisionModel:       "gpt-4o-mini",
			CompletionReserve: 1024,
			PromptOverhead:    512,
			SafetyMargin:      256,
			Timeout:           60 * time.Second,
			Retries:           2,
			BreakerThreshold:  5,
		},
		OCR: OCRConfig{
			Backend:       "tesseract",
			TesseractPath: "tesseract",
			Languages:     "eng",
			PdftoppmPath:  "pdftoppm",
			DPI:           200,
			RsvgPath:      "rsvg-convert",
		},
		Transcription: TranscriptionConfig{
			BaseURL:          "https://api.openai.com/v1",
			Model:            "whisper-1",
			Timeout:          5 * time.Minute,
			Retries:          2,
			BreakerThreshold: 5,
		},
		Pipeline: PipelineConfig{
			Workers:         4,
			ProcessTimeout:  10 * time.Minute,
			Inline:          true,
			QueueVisibility: 15 * time.Minute,
			PollInterval:    2 * time.Second,
			MaxAttempts:     3,
			StaleAfter:      30 * time.Minute,
			MaxFileMB:       100,
			RawPDF: RawPDFConfig{
				MinTokens:    4,
				TokenDensity: 0.02,
			},
		},
		Scan: ScanConfig{
			ClamAV: ClamAVConfig{SocketPath: "/var/run/clamav/clamd.ctl"},
		},
	}
}

// Load reads a YAML file over Default and applies environment overrides for
// secrets. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if v := os.Getenv("ATTACHD_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("ATTACHD_TRANSCRIPTION_API_KEY"); v != "" {
		cfg.Transcription.APIKey = v
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.Root == "" {
			return fmt.Errorf("storage.root is required for the local backend")
		}
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend: unsupported %q (use local or s3)", c.Storage.Backend)
	}
	switch c.LLM.Provider {
	case "openai", "anthropic", "googleai", "ollama", "bedrock", "none":
	default:
		return fmt.Errorf("llm.provider: unsupported %q", c.LLM.Provider)
	}
	switch c.OCR.Backend {
	case "tesseract", "llm", "none":
	default:
		return fmt.Errorf("ocr.backend: unsupported %q (use tesseract, llm or none)", c.OCR.Backend)
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if c.Pipeline.MaxFileMB <= 0 {
		return fmt.Errorf("pipeline.max_file_mb must be > 0")
	}
	if c.Pipeline.RawPDF.TokenDensity <= 0 || c.Pipeline.RawPDF.TokenDensity > 1 {
		return fmt.Errorf("pipeline.raw_pdf.token_density must be in (0, 1]")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// MaxFileBytes returns the upload size limit in bytes.
func (c *Config) MaxFileBytes() int64 { return int64(c.Pipeline.MaxFileMB) * 1024 * 1024 }
