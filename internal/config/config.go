// Package config provides configuration loading and management for percept.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Storage backends.
const (
	StorageLocal    = "local"
	StorageRedis    = "redis"
	StorageExternal = "external"
)

// Output directory kinds under Output.Root.
const (
	DirRaw     = "raw"
	DirDyeVat  = "dye_vat"
	DirReports = "reports"
	DirLogs    = "logs"
)

// Config is the root configuration.
type Config struct {
	Storage     StorageConfig     `json:"storage"     mapstructure:"storage"`
	LLM         LLMConfig         `json:"llm"         mapstructure:"llm"`
	Concurrency ConcurrencyConfig `json:"concurrency" mapstructure:"concurrency"`
	Output      OutputConfig      `json:"output"      mapstructure:"output"`
	Defaults    DefaultsConfig    `json:"defaults"    mapstructure:"defaults"`
	Pipelines   PipelinesConfig   `json:"pipelines"   mapstructure:"pipelines"`
	Ledger      LedgerConfig      `json:"ledger"      mapstructure:"ledger"`
	Metrics     MetricsConfig     `json:"metrics"     mapstructure:"metrics"`
	Retention   RetentionConfig   `json:"retention"   mapstructure:"retention"`
}

// StorageConfig selects and tunes the step/run cache.
type StorageConfig struct {
	Backend string        `json:"backend"  mapstructure:"backend"`
	MaxSize int           `json:"max_size" mapstructure:"max_size"`
	TTL     time.Duration `json:"ttl"      mapstructure:"ttl"`
	Redis   RedisConfig   `json:"redis"    mapstructure:"redis"`
}

// RedisConfig describes the external key-value store.
type RedisConfig struct {
	Host     string        `json:"host"               mapstructure:"host"`
	Port     int           `json:"port"               mapstructure:"port"`
	DB       int           `json:"db"                 mapstructure:"db"`
	Password string        `json:"password,omitempty" mapstructure:"password"`
	Timeout  time.Duration `json:"timeout"            mapstructure:"timeout"`
	Prefix   string        `json:"prefix"             mapstructure:"prefix"`
}

// LLMConfig describes the backend used for every step.
type LLMConfig struct {
	Backend    string                    `json:"backend"               mapstructure:"backend"`
	Model      string                    `json:"model"                 mapstructure:"model"`
	BaseURL    string                    `json:"base_url,omitempty"    mapstructure:"base_url"`
	APIKey     string                    `json:"api_key,omitempty"     mapstructure:"api_key"`
	APIKeyEnv  string                    `json:"api_key_env,omitempty" mapstructure:"api_key_env"`
	Timeout    time.Duration             `json:"timeout"               mapstructure:"timeout"`
	MaxRetries int                       `json:"max_retries"           mapstructure:"max_retries"`
	Params     map[string]map[string]any `json:"params,omitempty"      mapstructure:"params"`
}

// Concurrency presets selectable with ConcurrencyConfig.Use.
const (
	PresetCurrent = "current"
	PresetMedium  = "medium"
	PresetMax     = "max"
)

// ConcurrencyConfig bounds the number of in-flight LLM calls per group.
// Current is the active width; Medium and Max are presets that Use switches to.
type ConcurrencyConfig struct {
	Current int `json:"current" mapstructure:"current"`
	Medium  int `json:"medium"  mapstructure:"medium"`
	Max     int `json:"max"     mapstructure:"max"`
}

// OutputConfig points at the artifact root.
type OutputConfig struct {
	Root string `json:"root" mapstructure:"root"`
}

// DefaultsConfig holds per-request fallbacks.
type DefaultsConfig struct {
	Template       string `json:"template"        mapstructure:"template"`
	ReportTitle    string `json:"report_title"    mapstructure:"report_title"`
	SuggestionType string `json:"suggestion_type" mapstructure:"suggestion_type"`
}

// PipelinesConfig optionally overrides the embedded pipeline definitions.
type PipelinesConfig struct {
	Dir string `json:"dir,omitempty" mapstructure:"dir"`
}

// LedgerConfig controls the sqlite run ledger.
type LedgerConfig struct {
	Path     string `json:"path"     mapstructure:"path"`
	Disabled bool   `json:"disabled" mapstructure:"disabled"`
}

// MetricsConfig controls metrics export.
type MetricsConfig struct {
	Textfile string `json:"textfile,omitempty" mapstructure:"textfile"`
}

// RetentionConfig is the default policy for pruning old runs.
type RetentionConfig struct {
	KeepLast int `json:"keep_last" mapstructure:"keep_last"`
	KeepDays int `json:"keep_days" mapstructure:"keep_days"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Backend: StorageLocal,
			MaxSize: 1024,
			TTL:     24 * time.Hour,
			Redis: RedisConfig{
				Host:    "127.0.0.1",
				Port:    6379,
				Timeout: 5 * time.Second,
				Prefix:  "percept:cache:",
			},
		},
		LLM: LLMConfig{
			Backend:    "dashscope",
			Model:      "qwen-plus",
			Timeout:    90 * time.Second,
			MaxRetries: 3,
		},
		Concurrency: ConcurrencyConfig{Current: 3, Medium: 5, Max: 8},
		Output:      OutputConfig{Root: "output"},
		Defaults: DefaultsConfig{
			Template:       "raw",
			ReportTitle:    "report",
			SuggestionType: "default",
		},
		Ledger: LedgerConfig{Path: filepath.Join(".percept", "percept.db")},
	}
}

// Normalize fills zero values with defaults and clamps concurrency limits.
func (c *Config) Normalize() {
	def := Default()
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = def.Storage.Backend
	}
	if c.Storage.Backend == StorageExternal {
		c.Storage.Backend = StorageRedis
	}
	if c.Storage.MaxSize <= 0 {
		c.Storage.MaxSize = def.Storage.MaxSize
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = def.Storage.Redis.Prefix
	}
	if c.Storage.Redis.Timeout <= 0 {
		c.Storage.Redis.Timeout = def.Storage.Redis.Timeout
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = def.LLM.Timeout
	}
	if c.LLM.MaxRetries < 0 {
		c.LLM.MaxRetries = 0
	}
	if c.Concurrency.Max <= 0 {
		c.Concurrency.Max = def.Concurrency.Max
	}
	if c.Concurrency.Current <= 0 {
		c.Concurrency.Current = def.Concurrency.Current
	}
	if c.Concurrency.Current > c.Concurrency.Max {
		c.Concurrency.Current = c.Concurrency.Max
	}
	if c.Concurrency.Medium <= 0 || c.Concurrency.Medium > c.Concurrency.Max {
		c.Concurrency.Medium = c.Concurrency.Max
	}
	if c.Output.Root == "" {
		c.Output.Root = def.Output.Root
	}
	if c.Defaults.Template == "" {
		c.Defaults.Template = def.Defaults.Template
	}
	if c.Defaults.ReportTitle == "" {
		c.Defaults.ReportTitle = def.Defaults.ReportTitle
	}
	if c.Defaults.SuggestionType == "" {
		c.Defaults.SuggestionType = def.Defaults.SuggestionType
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = def.Ledger.Path
	}
	if c.Retention.KeepLast < 0 {
		c.Retention.KeepLast = 0
	}
	if c.Retention.KeepDays < 0 {
		c.Retention.KeepDays = 0
	}
}

// Use makes the named preset the active width. An empty name keeps Current.
func (c *ConcurrencyConfig) Use(preset string) error {
	switch strings.ToLower(strings.TrimSpace(preset)) {
	case "", PresetCurrent:
	case PresetMedium:
		c.Current = c.Medium
	case PresetMax:
		c.Current = c.Max
	default:
		return fmt.Errorf("unknown concurrency preset %q (want current, medium or max)", preset)
	}
	return nil
}

// OutputDir returns the directory for the given artifact kind.
func (c Config) OutputDir(kind string) string {
	return filepath.Join(c.Output.Root, kind)
}

var defaultAPIKeyEnvs = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"dashscope": "DASHSCOPE_API_KEY",
	"gemini":    "GEMINI_API_KEY",
}

// ResolveAPIKey returns the configured key, falling back to the key env variable.
func (l LLMConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(l.APIKey); key != "" {
		return key
	}
	envKey := strings.TrimSpace(l.APIKeyEnv)
	if envKey == "" {
		envKey = defaultAPIKeyEnvs[l.Backend]
	}
	if envKey == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(envKey))
}
