// Package config holds the gitpush configuration: the core sections plus
// storage, GitHub, archive and session tuning.
package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	coreconfig "github.com/m3rciful/gitpush/core/config"
	coredatabase "github.com/m3rciful/gitpush/core/database"
)

const (
	// StoragePostgres keeps users and credentials in Postgres.
	StoragePostgres = "postgres"
	// StorageBolt keeps users and credentials in a local Bolt file.
	StorageBolt = "bolt"
)

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver   string `yaml:"driver" envconfig:"STORAGE_DRIVER"`
	BoltPath string `yaml:"bolt_path" envconfig:"STORAGE_BOLT_PATH"`
}

// GitHubConfig configures the REST client and the publish engine.
type GitHubConfig struct {
	APIURL          string `yaml:"api_url" envconfig:"GITHUB_API_URL"`
	UserAgent       string `yaml:"user_agent" envconfig:"GITHUB_USER_AGENT"`
	TimeoutSeconds  int    `yaml:"timeout_seconds" envconfig:"GITHUB_TIMEOUT_SECONDS"`
	BlobConcurrency int    `yaml:"blob_concurrency" envconfig:"GITHUB_BLOB_CONCURRENCY"`
}

// ArchiveConfig bounds uploaded archives.
type ArchiveConfig struct {
	ScratchDir     string `yaml:"scratch_dir" envconfig:"ARCHIVE_SCRATCH_DIR"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes" envconfig:"ARCHIVE_MAX_UPLOAD_BYTES"`
	MaxFiles       int    `yaml:"max_files" envconfig:"ARCHIVE_MAX_FILES"`
	MaxTotalBytes  int64  `yaml:"max_total_bytes" envconfig:"ARCHIVE_MAX_TOTAL_BYTES"`
}

// SessionConfig tunes conversation timeouts and publish retries.
type SessionConfig struct {
	IdleTimeoutSeconds   int `yaml:"idle_timeout_seconds" envconfig:"SESSION_IDLE_TIMEOUT_SECONDS"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds" envconfig:"SESSION_SWEEP_INTERVAL_SECONDS"`
	PublishRetries       int `yaml:"publish_retries" envconfig:"SESSION_PUBLISH_RETRIES"`
	RetryBackoffMS       int `yaml:"retry_backoff_ms" envconfig:"SESSION_RETRY_BACKOFF_MS"`
}

// IdleTimeout returns the idle limit as a duration.
func (s SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

// SweepInterval returns the sweeper period as a duration.
func (s SessionConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSeconds) * time.Second
}

// RetryBackoff returns the first retry delay as a duration.
func (s SessionConfig) RetryBackoff() time.Duration {
	return time.Duration(s.RetryBackoffMS) * time.Millisecond
}

// SecurityConfig holds the key sealing stored tokens. EncryptionKey is a
// base64 encoded 32 byte key; empty stores tokens unsealed.
type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key" envconfig:"ENCRYPTION_KEY"`
}

// HealthConfig enables the probe server when Listen is set.
type HealthConfig struct {
	Listen string `yaml:"listen" envconfig:"HEALTH_LISTEN"`
}

// Config is the full gitpush configuration.
type Config struct {
	coreconfig.Config `yaml:",inline"`

	Database coredatabase.Config `yaml:"database"`
	Storage  StorageConfig       `yaml:"storage"`
	GitHub   GitHubConfig        `yaml:"github"`
	Archive  ArchiveConfig       `yaml:"archive"`
	Session  SessionConfig       `yaml:"session"`
	Security SecurityConfig      `yaml:"security"`
	Health   HealthConfig        `yaml:"health"`
}

// CoreConfig exposes the embedded core configuration to the runner.
func (c *Config) CoreConfig() *coreconfig.Config { return &c.Config }

// UsesPostgres reports whether the Postgres backend is selected.
func (c *Config) UsesPostgres() bool { return c.Storage.Driver == StoragePostgres }

// Load reads path, overlays the environment and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := coreconfig.Decode(path, &cfg); err != nil {
		return nil, err
	}
	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize validates cfg and fills in defaults.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if err := coreconfig.Normalize(&cfg.Config); err != nil {
		return err
	}

	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch cfg.Storage.Driver {
	case "", StorageBolt:
		cfg.Storage.Driver = StorageBolt
		if cfg.Storage.BoltPath == "" {
			cfg.Storage.BoltPath = "data/gitpush.db"
		}
	case StoragePostgres, "postgresql":
		cfg.Storage.Driver = StoragePostgres
		if cfg.Database.Host == "" || cfg.Database.Name == "" {
			return fmt.Errorf("database.host and database.name are required when storage.driver is 'postgres'")
		}
		if cfg.Database.Port == "" {
			cfg.Database.Port = "5432"
		}
	default:
		return fmt.Errorf("invalid storage.driver %q; allowed: postgres, bolt", cfg.Storage.Driver)
	}

	if cfg.GitHub.APIURL == "" {
		cfg.GitHub.APIURL = "https://api.github.com"
	}
	if cfg.GitHub.TimeoutSeconds < 0 {
		return fmt.Errorf("github.timeout_seconds must be >= 0")
	}
	if cfg.GitHub.TimeoutSeconds == 0 {
		cfg.GitHub.TimeoutSeconds = 30
	}
	if cfg.GitHub.BlobConcurrency < 0 || cfg.GitHub.BlobConcurrency > 32 {
		return fmt.Errorf("github.blob_concurrency must be between 0 and 32")
	}
	if cfg.GitHub.BlobConcurrency == 0 {
		cfg.GitHub.BlobConcurrency = 4
	}

	if cfg.Archive.MaxUploadBytes < 0 || cfg.Archive.MaxFiles < 0 || cfg.Archive.MaxTotalBytes < 0 {
		return fmt.Errorf("archive limits must be >= 0")
	}
	if cfg.Archive.MaxUploadBytes == 0 {
		// Bot API download limit.
		cfg.Archive.MaxUploadBytes = 20 << 20
	}

	s := &cfg.Session
	if s.IdleTimeoutSeconds < 0 || s.SweepIntervalSeconds < 0 || s.PublishRetries < 0 || s.RetryBackoffMS < 0 {
		return fmt.Errorf("session values must be >= 0")
	}
	if s.IdleTimeoutSeconds == 0 {
		s.IdleTimeoutSeconds = 900
	}
	if s.SweepIntervalSeconds == 0 {
		s.SweepIntervalSeconds = 60
	}
	if s.RetryBackoffMS == 0 {
		s.RetryBackoffMS = 1000
	}

	if key := strings.TrimSpace(cfg.Security.EncryptionKey); key != "" {
		raw, err := base64.StdEncoding.DecodeString(key)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("security.encryption_key must be 32 bytes encoded as base64")
		}
		cfg.Security.EncryptionKey = key
	}
	return nil
}
