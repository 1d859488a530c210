package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	defaultVersion           = 1
	defaultListenAddr        = "127.0.0.1:8787"
	defaultConcurrency       = 4
	defaultProgressBatch     = 8
	defaultFetchTimeoutSec   = 30
	defaultTTLSec            = 7 * 24 * 3600
	defaultMaxAssetMB        = 32
	defaultSweepIntervalMin  = 30
	defaultBreakerFailures   = 5
	defaultBreakerTimeoutSec = 60
)

var ErrConfigMissing = errors.New("cache config missing")

// ValidationError aggregates config validation issues.
type ValidationError struct {
	Issues []string
}

func (v ValidationError) Error() string {
	if len(v.Issues) == 0 {
		return "config validation failed"
	}
	if len(v.Issues) == 1 {
		return v.Issues[0]
	}
	return fmt.Sprintf("config validation failed: %s", v.Issues)
}

// Config describes the cache engine runtime.
type Config struct {
	Version      int           `yaml:"version"`
	ManifestURL  string        `yaml:"manifest_url"`
	AssetBaseURL string        `yaml:"asset_base_url"`
	StorePath    string        `yaml:"store_path"`
	ListenAddr   string        `yaml:"listen_addr"`
	Engine       EngineConfig  `yaml:"engine"`
	Sweep        SweepConfig   `yaml:"sweep"`
	Breaker      BreakerConfig `yaml:"breaker"`
}

// EngineConfig captures prefetch pipeline tuning.
type EngineConfig struct {
	Concurrency     int `yaml:"concurrency"`
	ProgressBatch   int `yaml:"progress_batch"`
	FetchTimeoutSec int `yaml:"fetch_timeout_sec"`
	FetchRatePerSec int `yaml:"fetch_rate_per_sec"`
	DefaultTTLSec   int `yaml:"default_ttl_sec"`
	MaxAssetMB      int `yaml:"max_asset_mb"`
}

// SweepConfig controls the expired-asset sweep.
type SweepConfig struct {
	IntervalMin int `yaml:"interval_min"`
}

// BreakerConfig tunes the manifest endpoint circuit breaker.
type BreakerConfig struct {
	MaxFailures    int `yaml:"max_failures"`
	OpenTimeoutSec int `yaml:"open_timeout_sec"`
}

// LoadConfig reads config from the provided path. When the file does not exist
// it writes a template and returns ErrConfigMissing to prompt the user to edit
// the newly created file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if writeErr := writeTemplate(path); writeErr != nil {
				return nil, writeErr
			}
			return nil, ErrConfigMissing
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse cache config: %w", err)
	}

	cfg.applyDefaults()
	if vErr := cfg.validate(); len(vErr.Issues) > 0 {
		return nil, vErr
	}

	return &cfg, nil
}

// EffectiveStorePath resolves the store file path, falling back to
// ~/.deckcache/cache.db when unset.
func (c Config) EffectiveStorePath(homeDir string) string {
	if c.StorePath != "" {
		return c.StorePath
	}
	return filepath.Join(homeDir, ".deckcache", "cache.db")
}

// EffectiveAssetBaseURL resolves the base URL assets are fetched against.
// When asset_base_url is unset it falls back to the manifest URL origin.
func (c Config) EffectiveAssetBaseURL() (string, error) {
	if c.AssetBaseURL != "" {
		return c.AssetBaseURL, nil
	}
	u, err := url.Parse(c.ManifestURL)
	if err != nil {
		return "", fmt.Errorf("parse manifest_url: %w", err)
	}
	return u.Scheme + "://" + u.Host, nil
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = defaultVersion
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.Engine.Concurrency == 0 {
		c.Engine.Concurrency = defaultConcurrency
	}
	if c.Engine.ProgressBatch == 0 {
		c.Engine.ProgressBatch = defaultProgressBatch
	}
	if c.Engine.FetchTimeoutSec == 0 {
		c.Engine.FetchTimeoutSec = defaultFetchTimeoutSec
	}
	if c.Engine.DefaultTTLSec == 0 {
		c.Engine.DefaultTTLSec = defaultTTLSec
	}
	if c.Engine.MaxAssetMB == 0 {
		c.Engine.MaxAssetMB = defaultMaxAssetMB
	}
	if c.Sweep.IntervalMin == 0 {
		c.Sweep.IntervalMin = defaultSweepIntervalMin
	}
	if c.Breaker.MaxFailures == 0 {
		c.Breaker.MaxFailures = defaultBreakerFailures
	}
	if c.Breaker.OpenTimeoutSec == 0 {
		c.Breaker.OpenTimeoutSec = defaultBreakerTimeoutSec
	}
}

func (c Config) validate() ValidationError {
	issues := make([]string, 0)

	if c.Version != defaultVersion {
		issues = append(issues, "version must be 1")
	}
	if c.ManifestURL == "" {
		issues = append(issues, "manifest_url is required")
	} else if u, err := url.Parse(c.ManifestURL); err != nil || u.Scheme == "" || u.Host == "" {
		issues = append(issues, "manifest_url must be an absolute URL")
	}
	if c.AssetBaseURL != "" {
		if u, err := url.Parse(c.AssetBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			issues = append(issues, "asset_base_url must be an absolute URL")
		}
	}
	if c.Engine.Concurrency <= 0 {
		issues = append(issues, "engine.concurrency must be > 0")
	}
	if c.Engine.ProgressBatch <= 0 {
		issues = append(issues, "engine.progress_batch must be > 0")
	}
	if c.Engine.FetchTimeoutSec <= 0 {
		issues = append(issues, "engine.fetch_timeout_sec must be > 0")
	}
	if c.Engine.FetchRatePerSec < 0 {
		issues = append(issues, "engine.fetch_rate_per_sec must be >= 0")
	}
	if c.Engine.DefaultTTLSec <= 0 {
		issues = append(issues, "engine.default_ttl_sec must be > 0")
	}
	if c.Engine.MaxAssetMB <= 0 {
		issues = append(issues, "engine.max_asset_mb must be > 0")
	}
	if c.Sweep.IntervalMin <= 0 {
		issues = append(issues, "sweep.interval_min must be > 0")
	}
	if c.Breaker.MaxFailures <= 0 {
		issues = append(issues, "breaker.max_failures must be > 0")
	}
	if c.Breaker.OpenTimeoutSec <= 0 {
		issues = append(issues, "breaker.open_timeout_sec must be > 0")
	}

	return ValidationError{Issues: issues}
}

func writeTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tpl := bytes.NewBufferString("# deckcache engine configuration\n")
	tpl.WriteString("version: 1\n")
	tpl.WriteString("# manifest_url: https://slides.example.com/api/slides.json\n")
	tpl.WriteString("# asset_base_url: \n")
	tpl.WriteString("# store_path: \n")
	tpl.WriteString("listen_addr: 127.0.0.1:8787\n")
	tpl.WriteString("engine:\n")
	tpl.WriteString("  concurrency: 4\n")
	tpl.WriteString("  progress_batch: 8\n")
	tpl.WriteString("  fetch_timeout_sec: 30\n")
	tpl.WriteString("  fetch_rate_per_sec: 0\n")
	tpl.WriteString("  default_ttl_sec: 604800\n")
	tpl.WriteString("  max_asset_mb: 32\n")
	tpl.WriteString("sweep:\n")
	tpl.WriteString("  interval_min: 30\n")
	tpl.WriteString("breaker:\n")
	tpl.WriteString("  max_failures: 5\n")
	tpl.WriteString("  open_timeout_sec: 60\n")

	if err := os.WriteFile(path, tpl.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config template: %w", err)
	}
	return nil
}
