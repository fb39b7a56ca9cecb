package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("ETIMS_JWT_SECRET", "")

	if _, err := LoadFrom(""); err == nil {
		t.Fatal("expected error when jwt secret is missing")
	}
}

func TestLoadLayersFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := []byte(`
http:
  port: "9000"
token:
  safety_margin: 2m
queue:
  workers: 8
log:
  level: debug
`)
	if err := os.WriteFile(path, yaml, 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("ETIMS_JWT_SECRET", "test-secret")
	t.Setenv("ETIMS_QUEUE_WORKERS", "3")
	t.Setenv("ETIMS_DATABASE_DRIVER", "sqlite")
	t.Setenv("ETIMS_UNKNOWN_SETTING", "ignored")
	t.Setenv("ETIMS_HTTP_CORS_ORIGINS", "https://console.example, https://ops.example")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.HTTP.Port != "9000" {
		t.Errorf("Expected port from file, got %s", cfg.HTTP.Port)
	}
	if cfg.Token.SafetyMargin != 2*time.Minute {
		t.Errorf("Expected 2m safety margin, got %v", cfg.Token.SafetyMargin)
	}
	if cfg.Queue.Workers != 3 {
		t.Errorf("Expected env to override file workers, got %d", cfg.Queue.Workers)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Expected sqlite driver, got %s", cfg.Database.Driver)
	}
	if len(cfg.HTTP.CORSOrigins) != 2 || cfg.HTTP.CORSOrigins[1] != "https://ops.example" {
		t.Errorf("Expected two trimmed CORS origins, got %v", cfg.HTTP.CORSOrigins)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected debug level, got %s", cfg.Log.Level)
	}
	// untouched defaults survive
	if cfg.Dispatch.BackoffMax != time.Hour {
		t.Errorf("Expected default backoff max, got %v", cfg.Dispatch.BackoffMax)
	}
	if cfg.Scheduler.AllSpec != "@every 4m" {
		t.Errorf("Expected default all spec, got %s", cfg.Scheduler.AllSpec)
	}
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	cfg := Defaults()
	cfg.Auth.JWTSecret = "x"
	cfg.Queue.Driver = "kafka"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected unknown queue driver to be rejected")
	}

	cfg = Defaults()
	cfg.Auth.JWTSecret = "x"
	cfg.Database.Driver = "mysql"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected unknown database driver to be rejected")
	}
}
