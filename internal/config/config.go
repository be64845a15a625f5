package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultStaleCheckSeconds      = 60
	DefaultDeferredTimeoutSeconds = 120
	DefaultWorkers                = 2
	MaxWorkers                    = 4
)

// Config is the on-disk configuration for sitebridge. Authority tokens live in
// secrets.json next to it, never here.
type Config struct {
	// SiteURL is the site the server is logged in to.
	SiteURL string `json:"site_url"`
	// UserID is the authenticated user of SiteURL.
	UserID int64 `json:"user_id"`

	// Port of the websocket listener. 0 resolves it from the site preferences.
	Port int `json:"port,omitempty"`
	// StateDir holds the cache database, audit log, certificates and lock.
	// Defaults to the directory of the config file.
	StateDir string `json:"state_dir,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`

	// StaleCheckSeconds is the minimum delay between two configuration
	// staleness probes.
	StaleCheckSeconds *int `json:"stale_check_seconds,omitempty"`
	// DeferredTimeoutSeconds bounds how long a request waits for its
	// configuration sources. 0 disables the timeout.
	DeferredTimeoutSeconds *int `json:"deferred_timeout_seconds,omitempty"`
	// Workers bounds concurrent authority and manifest loads.
	Workers int `json:"workers,omitempty"`

	// TLSCertFile and TLSKeyFile override the certificates fetched from the site.
	TLSCertFile string `json:"tls_cert_file,omitempty"`
	TLSKeyFile  string `json:"tls_key_file,omitempty"`
	// InsecureNoTLS serves plain ws. Development only.
	InsecureNoTLS bool `json:"insecure_no_tls,omitempty"`

	// Launcher overrides the program used to open local files.
	Launcher string `json:"launcher,omitempty"`
	// DefaultManifest lists the commands of projects without a pipeline
	// configuration.
	DefaultManifest string `json:"default_manifest,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	site := strings.TrimSpace(c.SiteURL)
	if site == "" {
		return errors.New("missing site_url")
	}
	u, err := url.Parse(site)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("invalid site_url %q", site)
	}
	if c.UserID <= 0 {
		return errors.New("missing user_id")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.StaleCheckSeconds != nil && *c.StaleCheckSeconds <= 0 {
		return errors.New("stale_check_seconds must be positive")
	}
	if c.DeferredTimeoutSeconds != nil && *c.DeferredTimeoutSeconds < 0 {
		return errors.New("deferred_timeout_seconds must not be negative")
	}
	if c.Workers < 0 || c.Workers > MaxWorkers {
		return fmt.Errorf("workers must be between 1 and %d", MaxWorkers)
	}
	if (strings.TrimSpace(c.TLSCertFile) == "") != (strings.TrimSpace(c.TLSKeyFile) == "") {
		return errors.New("tls_cert_file and tls_key_file must be set together")
	}
	return nil
}

// StaleAfter returns the staleness probe interval.
func (c *Config) StaleAfter() time.Duration {
	if c == nil || c.StaleCheckSeconds == nil {
		return DefaultStaleCheckSeconds * time.Second
	}
	return time.Duration(*c.StaleCheckSeconds) * time.Second
}

// DeferredTimeout returns the context request timeout; 0 means none.
func (c *Config) DeferredTimeout() time.Duration {
	if c == nil || c.DeferredTimeoutSeconds == nil {
		return DefaultDeferredTimeoutSeconds * time.Second
	}
	return time.Duration(*c.DeferredTimeoutSeconds) * time.Second
}

func (c *Config) WorkerCount() int {
	if c == nil || c.Workers <= 0 {
		return DefaultWorkers
	}
	return c.Workers
}

// ResolveStateDir returns StateDir, or the directory holding configPath.
func (c *Config) ResolveStateDir(configPath string) string {
	if c != nil && strings.TrimSpace(c.StateDir) != "" {
		return filepath.Clean(c.StateDir)
	}
	return filepath.Dir(configPath)
}

// DefaultConfigPath returns the default config path:
//
//	~/.sitebridge/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "sitebridge.config.json"
	}
	return filepath.Join(home, ".sitebridge", "config.json")
}

// SecretsPath returns the secrets file kept next to configPath.
func SecretsPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "secrets.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
