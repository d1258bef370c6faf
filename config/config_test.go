package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWhenNoFileOrEnv(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.Name != "batchexport-postgres" {
		t.Fatalf("expected default service name, got %q", cfg.Service.Name)
	}
	if cfg.Service.HealthPort != 8089 {
		t.Fatalf("expected default health port 8089, got %d", cfg.Service.HealthPort)
	}
	if cfg.Export.QueueMaxBytes != 256<<20 {
		t.Fatalf("expected default queue max bytes, got %d", cfg.Export.QueueMaxBytes)
	}
	if cfg.Export.HeartbeatSeconds != 30 {
		t.Fatalf("expected default heartbeat interval, got %d", cfg.Export.HeartbeatSeconds)
	}
}

func TestLoad_FileOverlayIsRespected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
service:
  name: custom-service
  health_port: 9999
postgres:
  host: db.internal
  port: 6543
export:
  queue_max_bytes: 1000
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.Name != "custom-service" {
		t.Fatalf("expected overlay service name, got %q", cfg.Service.Name)
	}
	if cfg.Service.HealthPort != 9999 {
		t.Fatalf("expected overlay health port, got %d", cfg.Service.HealthPort)
	}
	if cfg.Postgres.Host != "db.internal" || cfg.Postgres.Port != 6543 {
		t.Fatalf("expected overlay postgres settings, got %+v", cfg.Postgres)
	}
	if cfg.Export.QueueMaxBytes != 1000 {
		t.Fatalf("expected overlay queue max bytes, got %d", cfg.Export.QueueMaxBytes)
	}
	// unspecified-in-file fields still fall back to defaults.
	if cfg.Export.UploadChunkSizeBytes != 50<<20 {
		t.Fatalf("expected default chunk size when unset in the file, got %d", cfg.Export.UploadChunkSizeBytes)
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("expected a missing config file to be treated as absent, got error: %v", err)
	}
	if cfg.Service.Name != "batchexport-postgres" {
		t.Fatalf("expected defaults when the file is missing, got %q", cfg.Service.Name)
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("HEALTH_PORT", "7070")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.HealthPort != 7070 {
		t.Fatalf("expected env override to win, got %d", cfg.Service.HealthPort)
	}
}
