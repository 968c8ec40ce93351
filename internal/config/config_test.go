package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Audit.SigningKey = testSigningKey
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.Kafka.Topic != "riskgraph.events" {
		t.Errorf("unexpected kafka topic %q", cfg.Kafka.Topic)
	}
	if cfg.Storage.Enabled {
		t.Error("storage should be disabled by default")
	}
	if cfg.Cache.Enabled {
		t.Error("cache should be disabled by default")
	}
	if cfg.Autonomous.CheckInterval != 60*time.Second {
		t.Errorf("unexpected check interval %v", cfg.Autonomous.CheckInterval)
	}
}

func TestDefaultConfigRequiresSigningKey(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("default config must fail validation without an audit signing key")
	}

	cfg.Audit.SigningKey = testSigningKey
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config with signing key should validate: %v", err)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "short signing key",
			modify:  func(c *Config) { c.Audit.SigningKey = "short" },
			wantErr: true,
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "bad log format",
			modify:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: true,
		},
		{
			name:    "no kafka brokers",
			modify:  func(c *Config) { c.Kafka.Brokers = nil },
			wantErr: true,
		},
		{
			name: "inverted hysteresis boundary",
			modify: func(c *Config) {
				c.Autonomous.Thresholds.High.Down = c.Autonomous.Thresholds.High.Up + 0.1
			},
			wantErr: true,
		},
		{
			name:    "zero pool workers",
			modify:  func(c *Config) { c.Pool.Workers = 0 },
			wantErr: true,
		},
		{
			name: "archive enabled without bucket",
			modify: func(c *Config) {
				c.Archive.Enabled = true
				c.Archive.S3.Bucket = ""
			},
			wantErr: true,
		},
		{
			name: "archive disabled ignores bucket",
			modify: func(c *Config) {
				c.Archive.Enabled = false
				c.Archive.S3.Bucket = ""
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
logging:
  level: debug
kafka:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
  topic: riskgraph.events.staging
storage:
  enabled: true
  clickhouse:
    hosts: ["ch-1:9000"]
    database: riskgraph_staging
autonomous:
  max_auto_actions_per_hour: 3
  thresholds:
    high:
      up: 0.65
      down: 0.55
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RISKGRAPH_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Logging.Level)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Kafka.Topic != "riskgraph.events.staging" {
		t.Errorf("topic = %q", cfg.Kafka.Topic)
	}
	if !cfg.Storage.Enabled || cfg.Storage.ClickHouse.Database != "riskgraph_staging" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Autonomous.MaxAutoActionsPerHour != 3 {
		t.Errorf("max auto actions = %d", cfg.Autonomous.MaxAutoActionsPerHour)
	}
	if cfg.Autonomous.Thresholds.High.Up != 0.65 {
		t.Errorf("high up = %v", cfg.Autonomous.Thresholds.High.Up)
	}
	// Untouched sections keep their defaults.
	if cfg.Autonomous.Thresholds.Critical.Up != 0.80 {
		t.Errorf("critical up = %v, want default 0.80", cfg.Autonomous.Thresholds.Critical.Up)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("format = %q, want default json", cfg.Logging.Format)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("RISKGRAPH_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Kafka.Topic != "riskgraph.events" {
		t.Errorf("expected default topic, got %q", cfg.Kafka.Topic)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("kafka: ["), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RISKGRAPH_CONFIG_PATH", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RISKGRAPH_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("RISKGRAPH_LOG_LEVEL", "warn")
	t.Setenv("RISKGRAPH_AUDIT_KEY", testSigningKey)
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092 ,")
	t.Setenv("CLICKHOUSE_HOST", "ch-override:9000")
	t.Setenv("REDIS_ADDR", "redis-override:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Logging.Level != "warn" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
	if cfg.Audit.SigningKey != testSigningKey {
		t.Error("audit key override not applied")
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[0] != "a:9092" || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Storage.ClickHouse.Hosts[0] != "ch-override:9000" {
		t.Errorf("clickhouse hosts = %v", cfg.Storage.ClickHouse.Hosts)
	}
	if !cfg.Cache.Enabled || cfg.Cache.Redis.Addr != "redis-override:6379" {
		t.Errorf("cache = %+v", cfg.Cache)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("env-configured config should validate: %v", err)
	}
}
