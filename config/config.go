// Package config assembles process-level settings for the batch export
// service: an optional YAML file overlay layered under environment
// variables, then hardcoded defaults.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration: the service-level knobs the
// activity driver needs beyond the per-invocation PostgresInsertInputs.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Postgres PostgresConfig `yaml:"postgres"`
	Export   ExportConfig   `yaml:"export"`
}

// ServiceConfig contains process-wide settings: identity and the health
// server port.
type ServiceConfig struct {
	Name       string `yaml:"name"`
	Version    string `yaml:"version"`
	HealthPort int    `yaml:"health_port"`
}

// PostgresConfig contains the destination connection the process dials
// once at startup. The connection fields of an invocation's
// PostgresInsertInputs are not used to connect.
type PostgresConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Database          string `yaml:"database"`
	User              string `yaml:"user"`
	Password          string `yaml:"password"`
	HasSelfSignedCert bool   `yaml:"has_self_signed_cert"`
}

// ExportConfig contains the tunables of one activity attempt: queue
// sizing, flush chunking, and heartbeat cadence.
type ExportConfig struct {
	QueueMaxBytes        int64 `yaml:"queue_max_bytes"`
	UploadChunkSizeBytes int64 `yaml:"upload_chunk_size_bytes"`
	HeartbeatSeconds     int   `yaml:"heartbeat_seconds"`
}

// Load reads an optional YAML file at path (skipped if path is empty or
// the file doesn't exist), then applies environment variable overrides,
// then fills in documented defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVICE_NAME"); v != "" {
		cfg.Service.Name = v
	}
	if v := getEnvAsInt("HEALTH_PORT", 0); v != 0 {
		cfg.Service.HealthPort = v
	}
	if v := os.Getenv("PGHOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := getEnvAsInt("PGPORT", 0); v != 0 {
		cfg.Postgres.Port = v
	}
	if v := os.Getenv("PGDATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("PGUSER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("PGPASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := getEnvAsInt64("QUEUE_MAX_BYTES", 0); v != 0 {
		cfg.Export.QueueMaxBytes = v
	}
	if v := getEnvAsInt64("UPLOAD_CHUNK_SIZE_BYTES", 0); v != 0 {
		cfg.Export.UploadChunkSizeBytes = v
	}
	if v := getEnvAsInt("HEARTBEAT_SECONDS", 0); v != 0 {
		cfg.Export.HeartbeatSeconds = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "batchexport-postgres"
	}
	if cfg.Service.HealthPort == 0 {
		cfg.Service.HealthPort = 8089
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Export.QueueMaxBytes == 0 {
		cfg.Export.QueueMaxBytes = 256 << 20
	}
	if cfg.Export.UploadChunkSizeBytes == 0 {
		cfg.Export.UploadChunkSizeBytes = 50 << 20
	}
	if cfg.Export.HeartbeatSeconds == 0 {
		cfg.Export.HeartbeatSeconds = 30
	}
}

func getEnvAsInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}
