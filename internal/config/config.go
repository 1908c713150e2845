package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xiy/lmembed/internal/provider"
)

// Config contains runtime configuration for lmembed.
type Config struct {
	ServerName string          `yaml:"server_name"`
	LogLevel   string          `yaml:"log_level"`
	Model      ModelConfig     `yaml:"model"`
	Reference  ReferenceConfig `yaml:"reference"`
	LlamaCpp   LlamaCppConfig  `yaml:"llamacpp"`
	Journal    JournalConfig   `yaml:"journal"`
	Tracer     TracerConfig    `yaml:"tracer"`
}

// ModelConfig selects the provider and fixes how the model is loaded.
type ModelConfig struct {
	Provider  string `yaml:"provider"`
	ID        string `yaml:"id"`
	Precision string `yaml:"precision"`
	Device    string `yaml:"device"`
}

// ReferenceConfig shapes the in-process reference model.
type ReferenceConfig struct {
	HiddenSize    int    `yaml:"hidden_size"`
	Seed          int64  `yaml:"seed"`
	Encoding      string `yaml:"encoding"`
	BOSToken      int    `yaml:"bos_token"`
	MemoryLimitMB int    `yaml:"memory_limit_mb"`
}

// LlamaCppConfig points at a llama.cpp server.
type LlamaCppConfig struct {
	URL        string `yaml:"url"`
	APIKey     string `yaml:"api_key"`
	AddSpecial bool   `yaml:"add_special"`
}

// JournalConfig controls the SQLite run journal.
type JournalConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Path                 string `yaml:"path"`
	RetentionDays        int    `yaml:"retention_days"`
	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds"`
}

// TracerConfig controls OpenTelemetry tracing.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Provider names.
const (
	ProviderReference = "reference"
	ProviderLlamaCpp  = "llamacpp"
)

// Default returns a Config populated with safe defaults.
func Default() Config {
	return Config{
		ServerName: "lmembed",
		LogLevel:   "info",
		Model: ModelConfig{
			Provider:  ProviderReference,
			ID:        "tiiuae/falcon-7b",
			Precision: "half",
			Device:    "auto",
		},
		Reference: ReferenceConfig{
			HiddenSize:    4544,
			Seed:          1,
			Encoding:      "cl100k_base",
			BOSToken:      -1,
			MemoryLimitMB: 2048,
		},
		LlamaCpp: LlamaCppConfig{
			URL:        "http://127.0.0.1:8080",
			AddSpecial: true,
		},
		Journal: JournalConfig{
			Enabled:              false,
			Path:                 filepath.Join(userHomeDir(), ".lmembed", "runs.db"),
			RetentionDays:        30,
			SweepIntervalSeconds: 3600,
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "stdout",
		},
	}
}

// DefaultPath returns the config file location.
// Resolution order: $LMEMBED_CONFIG > $XDG_CONFIG_HOME/lmembed > ~/.config/lmembed
func DefaultPath() string {
	if p := os.Getenv("LMEMBED_CONFIG"); p != "" {
		return p
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "lmembed", "config.yaml")
	}
	return filepath.Join(userHomeDir(), ".config", "lmembed", "config.yaml")
}

// Load reads config like Read and validates the result.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Read loads config from disk and applies LMEMBED_* environment overrides
// without validating, so callers can layer further overrides first. A missing
// file yields defaults.
func Read(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config yaml: %w", err)
			}
		}
	}

	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// ApplyEnv overrides file values with non-empty LMEMBED_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Model.Provider, "LMEMBED_PROVIDER")
	set(&c.Model.ID, "LMEMBED_MODEL")
	set(&c.Model.Precision, "LMEMBED_PRECISION")
	set(&c.Model.Device, "LMEMBED_DEVICE")
	set(&c.LlamaCpp.URL, "LMEMBED_SERVER_URL")
	set(&c.LlamaCpp.APIKey, "LMEMBED_API_KEY")
	set(&c.LogLevel, "LMEMBED_LOG_LEVEL")
}

// Validate checks configuration sanity.
func (c *Config) Validate() error {
	if c.ServerName == "" {
		return errors.New("server_name must not be empty")
	}
	if strings.TrimSpace(c.Model.ID) == "" {
		return errors.New("model.id must not be empty")
	}
	if _, err := provider.ParsePrecision(c.Model.Precision); err != nil {
		return fmt.Errorf("model.precision: %w", err)
	}
	if strings.TrimSpace(c.Model.Device) == "" {
		return errors.New("model.device must not be empty (use auto)")
	}

	switch c.Model.Provider {
	case ProviderReference:
		if c.Reference.HiddenSize <= 0 {
			return errors.New("reference.hidden_size must be > 0")
		}
		if c.Reference.Encoding == "" {
			return errors.New("reference.encoding must not be empty")
		}
		if c.Reference.MemoryLimitMB < 0 {
			return errors.New("reference.memory_limit_mb must be >= 0")
		}
	case ProviderLlamaCpp:
		if !strings.HasPrefix(c.LlamaCpp.URL, "http://") && !strings.HasPrefix(c.LlamaCpp.URL, "https://") {
			return fmt.Errorf("llamacpp.url must be an http(s) URL, got %q", c.LlamaCpp.URL)
		}
	default:
		return fmt.Errorf("model.provider must be %s or %s, got %q", ProviderReference, ProviderLlamaCpp, c.Model.Provider)
	}

	if c.Journal.Enabled {
		if c.Journal.Path == "" {
			return errors.New("journal.path must not be empty")
		}
		if c.Journal.RetentionDays < 0 {
			return errors.New("journal.retention_days must be >= 0")
		}
		if c.Journal.SweepIntervalSeconds <= 0 {
			return errors.New("journal.sweep_interval_seconds must be > 0")
		}
	}

	switch c.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		return fmt.Errorf("tracer.exporter must be stdout or noop, got %q", c.Tracer.Exporter)
	}
	return nil
}

// EnsurePaths creates parent directories for config-managed paths.
func (c *Config) EnsurePaths() error {
	c.Journal.Path = ExpandPath(c.Journal.Path)
	if !c.Journal.Enabled {
		return nil
	}
	parent := filepath.Dir(c.Journal.Path)
	if parent == "." {
		return nil
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create journal parent dir: %w", err)
	}
	return nil
}

// ExpandPath expands "~/" to the current user's home directory.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" {
		return userHomeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(userHomeDir(), p[2:])
	}
	return p
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
