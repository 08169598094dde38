package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the ingest engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values. Secrets (passwords, keys)
// must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8090"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Application database (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Crawler behavior
	Crawler CrawlerConfig `yaml:"crawler"`

	// Sync engine behavior
	Sync SyncConfig `yaml:"sync"`

	// Background job scheduling
	Jobs JobsConfig `yaml:"jobs"`

	// Encryption key for datasource credentials.
	// A 32-byte key, base64 encoded. Generate with: openssl rand -base64 32
	// Server will fail to start if this is not set.
	CredentialsKey string `yaml:"-" env:"CREDENTIALS_KEY"` // Secret - not in YAML
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ingest"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ingest_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"PGMIGRATIONS_PATH" env-default:"migrations"`
}

// CrawlerConfig holds crawl tuning settings shared by all sources.
type CrawlerConfig struct {
	// UserAgent identifies the crawler to target sites.
	UserAgent string `yaml:"user_agent" env:"CRAWLER_USER_AGENT" env-default:"polidocs-ingest/1.0"`
	// FetchTimeoutSeconds bounds a single page or document fetch.
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds" env:"CRAWLER_FETCH_TIMEOUT_SECONDS" env-default:"30"`
	// MaxBodyBytes caps the size of a fetched document (default 32 MB).
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"CRAWLER_MAX_BODY_BYTES" env-default:"33554432"`
	// PageRetries is the per-page retry budget before the page is skipped.
	PageRetries int `yaml:"page_retries" env:"CRAWLER_PAGE_RETRIES" env-default:"3"`
	// DuplicateRatioThreshold triggers pagination auto-extension when the
	// duplicates-to-fetched ratio on completed pages exceeds it.
	DuplicateRatioThreshold float64 `yaml:"duplicate_ratio_threshold" env:"CRAWLER_DUP_RATIO_THRESHOLD" env-default:"0.8"`
	// ExtensionFactor multiplies the planned page count on each extension.
	ExtensionFactor int `yaml:"extension_factor" env:"CRAWLER_EXTENSION_FACTOR" env-default:"2"`
	// ExtensionCeilingFactor bounds total pages at ceiling_factor * max_pages.
	ExtensionCeilingFactor int `yaml:"extension_ceiling_factor" env:"CRAWLER_EXTENSION_CEILING_FACTOR" env-default:"5"`
}

// FetchTimeout returns the page fetch timeout as a duration.
func (c *CrawlerConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// SyncConfig holds sync engine settings.
type SyncConfig struct {
	// TestTimeoutSeconds is the hard timeout for connection tests,
	// independent of the caller's request lifetime.
	TestTimeoutSeconds int `yaml:"test_timeout_seconds" env:"SYNC_TEST_TIMEOUT_SECONDS" env-default:"5"`
	// BatchSize is the number of rows read from an external table per batch.
	BatchSize int `yaml:"batch_size" env:"SYNC_BATCH_SIZE" env-default:"100"`
}

// TestTimeout returns the connection test timeout as a duration.
func (c *SyncConfig) TestTimeout() time.Duration {
	return time.Duration(c.TestTimeoutSeconds) * time.Second
}

// JobsConfig holds background job pool settings.
type JobsConfig struct {
	// MaxConcurrent bounds the number of crawl/sync jobs running at once.
	MaxConcurrent int `yaml:"max_concurrent" env:"JOBS_MAX_CONCURRENT" env-default:"4"`
	// LeaseTTLMinutes is how long a job lease is valid before it can be
	// reclaimed after a crash.
	LeaseTTLMinutes int `yaml:"lease_ttl_minutes" env:"JOBS_LEASE_TTL_MINUTES" env-default:"30"`
}

// LeaseTTL returns the job lease TTL as a duration.
func (c *JobsConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLMinutes) * time.Minute
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.CredentialsKey == "" {
		return fmt.Errorf("CREDENTIALS_KEY must be set")
	}
	if c.Jobs.MaxConcurrent < 1 {
		return fmt.Errorf("jobs.max_concurrent must be at least 1")
	}
	if c.Crawler.ExtensionFactor < 1 || c.Crawler.ExtensionCeilingFactor < 1 {
		return fmt.Errorf("crawler extension factors must be at least 1")
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
