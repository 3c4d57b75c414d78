package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for FleetLens
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Catalog    CatalogConfig
	Loader     LoaderConfig
	Query      QueryConfig
	Cache      CacheConfig
	Retention  RetentionConfig
	Scheduler  SchedulerConfig
	Enrichment EnrichmentConfig
	Log        LogConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     int // seconds
	WriteTimeout    int // seconds
	IdleTimeout     int // seconds
	ShutdownTimeout int // seconds
	BodyLimitMB     int // upload size cap
}

type DatabaseConfig struct {
	Path           string // DuckDB file path; empty for in-memory
	MaxConnections int
	MemoryLimit    string
	ThreadCount    int
}

type CatalogConfig struct {
	Path string // SQLite catalog path
}

type LoaderConfig struct {
	MaxRowErrors int // rejected rows kept per load report
}

type QueryConfig struct {
	MaxBuckets int // aggregate result truncation cap
	BatchSize  int // snapshot scan batch size
}

type CacheConfig struct {
	MaxEntries int
}

type RetentionConfig struct {
	KeepVersions int    // superseded versions retained per dataset
	Schedule     string // cron schedule for the eviction sweep
}

type SchedulerConfig struct {
	Enabled    bool
	ReloadJobs []string // "dataset|path|cron" entries
}

type EnrichmentConfig struct {
	Enabled        bool
	Endpoint       string
	APIKey         string
	Model          string
	TimeoutSeconds int
	MaxTokens      int
	Temperature    float64
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from defaults, an optional fleetlens.toml,
// and FLEETLENS_* environment variables, in increasing precedence.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FLEETLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("fleetlens")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fleetlens/")
	v.AddConfigPath("$HOME/.fleetlens/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			ReadTimeout:     v.GetInt("server.read_timeout"),
			WriteTimeout:    v.GetInt("server.write_timeout"),
			IdleTimeout:     v.GetInt("server.idle_timeout"),
			ShutdownTimeout: v.GetInt("server.shutdown_timeout"),
			BodyLimitMB:     v.GetInt("server.body_limit_mb"),
		},
		Database: DatabaseConfig{
			Path:           v.GetString("database.path"),
			MaxConnections: v.GetInt("database.max_connections"),
			MemoryLimit:    v.GetString("database.memory_limit"),
			ThreadCount:    v.GetInt("database.thread_count"),
		},
		Catalog: CatalogConfig{
			Path: v.GetString("catalog.path"),
		},
		Loader: LoaderConfig{
			MaxRowErrors: v.GetInt("loader.max_row_errors"),
		},
		Query: QueryConfig{
			MaxBuckets: v.GetInt("query.max_buckets"),
			BatchSize:  v.GetInt("query.batch_size"),
		},
		Cache: CacheConfig{
			MaxEntries: v.GetInt("cache.max_entries"),
		},
		Retention: RetentionConfig{
			KeepVersions: v.GetInt("retention.keep_versions"),
			Schedule:     v.GetString("retention.schedule"),
		},
		Scheduler: SchedulerConfig{
			Enabled:    v.GetBool("scheduler.enabled"),
			ReloadJobs: v.GetStringSlice("scheduler.reload_jobs"),
		},
		Enrichment: EnrichmentConfig{
			Enabled:        v.GetBool("enrichment.enabled"),
			Endpoint:       v.GetString("enrichment.endpoint"),
			APIKey:         v.GetString("enrichment.api_key"),
			Model:          v.GetString("enrichment.model"),
			TimeoutSeconds: v.GetInt("enrichment.timeout_seconds"),
			MaxTokens:      v.GetInt("enrichment.max_tokens"),
			Temperature:    v.GetFloat64("enrichment.temperature"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.Retention.KeepVersions < 0 {
		return fmt.Errorf("retention.keep_versions must be >= 0")
	}
	if c.Query.MaxBuckets < 0 {
		return fmt.Errorf("query.max_buckets must be >= 0")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 60)
	v.SetDefault("server.idle_timeout", 120)
	v.SetDefault("server.shutdown_timeout", 30)
	v.SetDefault("server.body_limit_mb", 256)

	// Database
	v.SetDefault("database.path", "./data/fleetlens.duckdb")
	v.SetDefault("database.max_connections", 16)
	v.SetDefault("database.memory_limit", "")
	v.SetDefault("database.thread_count", 0)

	// Catalog
	v.SetDefault("catalog.path", "./data/catalog.db")

	// Loader
	v.SetDefault("loader.max_row_errors", 100)

	// Query
	v.SetDefault("query.max_buckets", 10000)
	v.SetDefault("query.batch_size", 1000)

	// Cache
	v.SetDefault("cache.max_entries", 4096)

	// Retention
	v.SetDefault("retention.keep_versions", 2)
	v.SetDefault("retention.schedule", "10 * * * *")

	// Scheduler
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.reload_jobs", []string{})

	// Enrichment
	v.SetDefault("enrichment.enabled", false)
	v.SetDefault("enrichment.endpoint", "")
	v.SetDefault("enrichment.api_key", "")
	v.SetDefault("enrichment.model", "gpt-4o-mini")
	v.SetDefault("enrichment.timeout_seconds", 30)
	v.SetDefault("enrichment.max_tokens", 500)
	v.SetDefault("enrichment.temperature", 0.3)

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
