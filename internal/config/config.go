// Package config handles configuration loading for the risk graph daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"riskgraph/internal/autonomous"
	"riskgraph/internal/ingest"
	"riskgraph/internal/kafka"
	"riskgraph/internal/scoring"
	"riskgraph/internal/storage"
	"riskgraph/internal/storage/s3"
)

// Config holds the complete application configuration. Component sections
// reuse the owning package's config type so defaults and validation live
// next to the code they tune.
type Config struct {
	Logging    LoggingConfig                   `yaml:"logging"`
	Audit      AuditConfig                     `yaml:"audit"`
	Kafka      *kafka.Config                   `yaml:"kafka"`
	Storage    StorageConfig                   `yaml:"storage"`
	Archive    ArchiveConfig                   `yaml:"archive"`
	Cache      CacheConfig                     `yaml:"cache"`
	Ingest     ingest.Config                   `yaml:"ingest"`
	Pool       ingest.PoolConfig               `yaml:"pool"`
	Scoring    scoring.EngineConfig            `yaml:"scoring"`
	Autonomous autonomous.ManagerConfig        `yaml:"autonomous"`
	Response   autonomous.ResponseEngineConfig `yaml:"response"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// AuditConfig holds audit chain settings. The signing key is required; an
// unsigned audit trail defeats the point of keeping one.
type AuditConfig struct {
	SigningKey string `yaml:"signing_key" validate:"required,min=16"`
}

// StorageConfig holds the ClickHouse write-path settings.
type StorageConfig struct {
	Enabled     bool                      `yaml:"enabled"`
	ClickHouse  storage.ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter storage.BatchWriterConfig `yaml:"batch_writer"`
	Retention   storage.RetentionConfig   `yaml:"retention"`
}

// ArchiveConfig holds the S3 dead-letter archive settings.
type ArchiveConfig struct {
	Enabled  bool               `yaml:"enabled"`
	S3       *s3.Config         `yaml:"s3"`
	Archiver *s3.ArchiverConfig `yaml:"archiver"`
}

// CacheConfig holds the Redis score cache settings.
type CacheConfig struct {
	Enabled bool                     `yaml:"enabled"`
	Redis   scoring.RedisCacheConfig `yaml:"redis"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Audit: AuditConfig{
			// Placeholder rejected by Validate; set via file or env.
			SigningKey: "",
		},
		Kafka: kafka.DefaultConfig(),
		Storage: StorageConfig{
			Enabled:     false, // Development runs without ClickHouse
			ClickHouse:  storage.DefaultClickHouseConfig(),
			BatchWriter: storage.DefaultBatchWriterConfig(),
			Retention:   storage.DefaultRetentionConfig(),
		},
		Archive: ArchiveConfig{
			Enabled:  false,
			S3:       s3.DefaultConfig(),
			Archiver: s3.DefaultArchiverConfig(),
		},
		Cache: CacheConfig{
			Enabled: false,
			Redis:   scoring.DefaultRedisCacheConfig(),
		},
		Ingest:     ingest.DefaultConfig(),
		Pool:       ingest.DefaultPoolConfig(),
		Scoring:    scoring.DefaultEngineConfig(),
		Autonomous: autonomous.DefaultManagerConfig(),
		Response:   autonomous.DefaultResponseEngineConfig(),
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("RISKGRAPH_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides. Secrets come in
// this way so they stay out of the config file.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("RISKGRAPH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if key := os.Getenv("RISKGRAPH_AUDIT_KEY"); key != "" {
		c.Audit.SigningKey = key
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
	}

	if enabled := os.Getenv("RISKGRAPH_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Cache.Enabled = true
		c.Cache.Redis.Addr = addr
	}

	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Cache.Redis.Password = pass
	}
}

// splitAndTrim splits a string by separator and drops empty parts.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate checks the root fields with struct tags, then delegates to each
// component's own validation.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("config: field %s failed %q validation", f.Namespace(), f.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}

	if err := c.Kafka.Validate(); err != nil {
		return err
	}
	if c.Archive.Enabled {
		if err := c.Archive.S3.Validate(); err != nil {
			return err
		}
	}
	if err := c.Autonomous.Validate(); err != nil {
		return err
	}
	if c.Pool.Workers < 1 {
		return fmt.Errorf("config: pool workers must be at least 1")
	}

	return nil
}
