package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Telemetry TelemetryConfig
	Sync      SyncConfig
	Site      SiteConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	LogFile     string // empty = stdout only
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host          string
	Port          int
	Database      string
	User          string
	Password      string
	MaxConns      int
	MinConns      int
	MaxIdleTime   time.Duration
	MaxLifetime   time.Duration
	RunMigrations bool
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// CacheConfig holds cache settings
type CacheConfig struct {
	Enabled    bool
	SizeMB     int
	DefaultTTL time.Duration
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// SyncConfig holds sync protocol server settings
type SyncConfig struct {
	// Max records per queued/central response
	BatchSize int

	// Site id of this central server
	CentralSiteID string

	// CEL expression deciding whether a record may be sent to a site
	VisibilityRule string

	// How long a per-site acknowledgment lock may be held
	AckLockTTL time.Duration

	// Requests per site per minute on /sync/v5 (0 disables)
	SiteRateLimit int64

	// Maximum merge-and-retry rounds for document writes
	MaxMergeAttempts int

	// Bearer token for /api/v1 (empty leaves the admin API open)
	AdminToken string

	// Change log pruning; a zero interval disables the background pruner
	PruneInterval time.Duration
	Retention     time.Duration
}

// SiteConfig holds the settings of a remote site agent
type SiteConfig struct {
	SiteID              string
	HardwareID          string
	CentralServerSiteID string
	URL                 string
	Username            string
	Password            string
	Interval            time.Duration
	RequestTimeout      time.Duration
	DatabasePath        string
}

// Load loads configuration from defaults, an optional config file and
// environment variables, in increasing order of precedence.
func Load(serviceName string) (*Config, error) {
	v := newViper()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := fromViper(v, serviceName)
	return cfg, cfg.Validate()
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir := os.Getenv("CONFIG_PATH"); dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.AutomaticEnv()

	defaults := map[string]any{
		"PORT":        8080,
		"ENVIRONMENT": "development",
		"LOG_LEVEL":   "info",
		"LOG_FORMAT":  "text",
		"LOG_FILE":    "",

		"POSTGRES_HOST":           "localhost",
		"POSTGRES_PORT":           5432,
		"POSTGRES_DB":             "sitesync",
		"POSTGRES_USER":           "sitesync",
		"POSTGRES_PASSWORD":       "sitesync",
		"POSTGRES_MAX_CONNS":      50,
		"POSTGRES_MIN_CONNS":      10,
		"POSTGRES_MAX_IDLE_TIME":  30 * time.Minute,
		"POSTGRES_MAX_LIFETIME":   time.Hour,
		"POSTGRES_RUN_MIGRATIONS": true,

		"REDIS_ENABLED":  true,
		"REDIS_HOST":     "localhost",
		"REDIS_PORT":     6379,
		"REDIS_PASSWORD": "",
		"REDIS_DB":       0,

		"CACHE_ENABLED":     true,
		"CACHE_SIZE_MB":     512,
		"CACHE_DEFAULT_TTL": time.Hour,

		"ENABLE_PPROF": false,
		"PPROF_PORT":   6060,

		"SYNC_BATCH_SIZE":         500,
		"SYNC_CENTRAL_SITE_ID":    "central",
		"SYNC_VISIBILITY_RULE":    "true",
		"SYNC_ACK_LOCK_TTL":       10 * time.Second,
		"SYNC_SITE_RATE_LIMIT":    600,
		"SYNC_MAX_MERGE_ATTEMPTS": 3,
		"SYNC_ADMIN_TOKEN":        "",
		"SYNC_PRUNE_INTERVAL":     time.Hour,
		"SYNC_RETENTION":          7 * 24 * time.Hour,

		"SITE_ID":                     "",
		"SITE_HARDWARE_ID":            "",
		"SITE_CENTRAL_SERVER_SITE_ID": "central",
		"SITE_SYNC_URL":               "http://localhost:8080",
		"SITE_USERNAME":               "",
		"SITE_PASSWORD":               "",
		"SITE_SYNC_INTERVAL_SECONDS":  60,
		"SITE_REQUEST_TIMEOUT":        30 * time.Second,
		"SITE_DATABASE_PATH":          "site.db",
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	return v
}

func fromViper(v *viper.Viper, serviceName string) *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        v.GetInt("PORT"),
			Environment: v.GetString("ENVIRONMENT"),
			LogLevel:    v.GetString("LOG_LEVEL"),
			LogFormat:   v.GetString("LOG_FORMAT"),
			LogFile:     v.GetString("LOG_FILE"),
		},
		Database: DatabaseConfig{
			Host:          v.GetString("POSTGRES_HOST"),
			Port:          v.GetInt("POSTGRES_PORT"),
			Database:      v.GetString("POSTGRES_DB"),
			User:          v.GetString("POSTGRES_USER"),
			Password:      v.GetString("POSTGRES_PASSWORD"),
			MaxConns:      v.GetInt("POSTGRES_MAX_CONNS"),
			MinConns:      v.GetInt("POSTGRES_MIN_CONNS"),
			MaxIdleTime:   v.GetDuration("POSTGRES_MAX_IDLE_TIME"),
			MaxLifetime:   v.GetDuration("POSTGRES_MAX_LIFETIME"),
			RunMigrations: v.GetBool("POSTGRES_RUN_MIGRATIONS"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("REDIS_ENABLED"),
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetInt("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Cache: CacheConfig{
			Enabled:    v.GetBool("CACHE_ENABLED"),
			SizeMB:     v.GetInt("CACHE_SIZE_MB"),
			DefaultTTL: v.GetDuration("CACHE_DEFAULT_TTL"),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: v.GetBool("ENABLE_PPROF"),
			PprofPort:   v.GetInt("PPROF_PORT"),
		},
		Sync: SyncConfig{
			BatchSize:        v.GetInt("SYNC_BATCH_SIZE"),
			CentralSiteID:    v.GetString("SYNC_CENTRAL_SITE_ID"),
			VisibilityRule:   v.GetString("SYNC_VISIBILITY_RULE"),
			AckLockTTL:       v.GetDuration("SYNC_ACK_LOCK_TTL"),
			SiteRateLimit:    v.GetInt64("SYNC_SITE_RATE_LIMIT"),
			MaxMergeAttempts: v.GetInt("SYNC_MAX_MERGE_ATTEMPTS"),
			AdminToken:       v.GetString("SYNC_ADMIN_TOKEN"),
			PruneInterval:    v.GetDuration("SYNC_PRUNE_INTERVAL"),
			Retention:        v.GetDuration("SYNC_RETENTION"),
		},
		Site: SiteConfig{
			SiteID:              v.GetString("SITE_ID"),
			HardwareID:          v.GetString("SITE_HARDWARE_ID"),
			CentralServerSiteID: v.GetString("SITE_CENTRAL_SERVER_SITE_ID"),
			URL:                 strings.TrimRight(v.GetString("SITE_SYNC_URL"), "/"),
			Username:            v.GetString("SITE_USERNAME"),
			Password:            v.GetString("SITE_PASSWORD"),
			Interval:            time.Duration(v.GetInt("SITE_SYNC_INTERVAL_SECONDS")) * time.Second,
			RequestTimeout:      v.GetDuration("SITE_REQUEST_TIMEOUT"),
			DatabasePath:        v.GetString("SITE_DATABASE_PATH"),
		},
	}
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync batch size must be positive: %d", c.Sync.BatchSize)
	}

	if c.Sync.CentralSiteID == "" {
		return fmt.Errorf("central site id is required")
	}

	return nil
}

// ValidateSite checks the settings a site agent cannot run without
func (c *Config) ValidateSite() error {
	if c.Site.SiteID == "" {
		return fmt.Errorf("SITE_ID is required")
	}
	if c.Site.Username == "" {
		return fmt.Errorf("SITE_USERNAME is required")
	}
	if _, err := url.ParseRequestURI(c.Site.URL); err != nil {
		return fmt.Errorf("invalid SITE_SYNC_URL %q: %w", c.Site.URL, err)
	}
	if c.Site.Interval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}
	if c.Site.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.Site.CentralServerSiteID == c.Site.SiteID {
		return fmt.Errorf("site id %s collides with the central server site id", c.Site.SiteID)
	}
	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns the host:port of the Redis server
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
