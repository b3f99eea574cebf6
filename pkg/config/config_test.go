package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Write minimal config
	configContent := `
logging:
  level: "debug"

device:
  type: "memory"
  memory:
    sector_count: 4096
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected normalized level 'DEBUG', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Device.Type != "memory" {
		t.Errorf("Expected device type 'memory', got %q", cfg.Device.Type)
	}
	if cfg.Mount.CloseDelay != 500*time.Millisecond {
		t.Errorf("Expected default close_delay 500ms, got %v", cfg.Mount.CloseDelay)
	}
	if cfg.Mount.Umask != 0o022 {
		t.Errorf("Expected default umask 0o022, got %o", cfg.Mount.Umask)
	}
	if cfg.Format.NumFATs != 2 {
		t.Errorf("Expected default num_fats 2, got %d", cfg.Format.NumFATs)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// A missing explicit path falls back to defaults instead of reading the
	// user's own config
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Expected no error with missing config file, got: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Device.Type != "file" {
		t.Errorf("Expected default device type 'file', got %q", cfg.Device.Type)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")

	configContent := `
logging:
  level: INFO
  invalid yaml here [[[
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error with invalid YAML, got nil")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	configContent := `
device:
  type: "floppy"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected validation error for unknown device type")
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")

	configContent := `
[logging]
level = "WARN"
format = "json"

[device]
type = "badger"

[device.badger]
in_memory = true
sector_count = 2880

[mount]
read_only = true
close_delay = "2s"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load TOML config: %v", err)
	}

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected level 'WARN', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected format 'json', got %q", cfg.Logging.Format)
	}
	if !cfg.Mount.ReadOnly {
		t.Error("Expected read_only mount")
	}
	if cfg.Mount.CloseDelay != 2*time.Second {
		t.Errorf("Expected close_delay 2s, got %v", cfg.Mount.CloseDelay)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `
logging:
  level: INFO
mount:
  uid: 1
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("DITTOFAT_LOGGING_LEVEL", "ERROR")
	t.Setenv("DITTOFAT_MOUNT_UID", "1000")
	t.Setenv("DITTOFAT_METRICS_ENABLED", "true")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Expected level from environment 'ERROR', got %q", cfg.Logging.Level)
	}
	if cfg.Mount.UID != 1000 {
		t.Errorf("Expected uid from environment 1000, got %d", cfg.Mount.UID)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Expected metrics enabled from environment")
	}
}

func TestGetDefaultConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	path := GetDefaultConfigPath()

	if !filepath.IsAbs(path) {
		t.Errorf("Expected absolute path, got %q", path)
	}
	if filepath.Base(path) != "config.yaml" {
		t.Errorf("Expected filename 'config.yaml', got %q", filepath.Base(path))
	}
	if filepath.Base(GetConfigDir()) != "dittofat" {
		t.Errorf("Expected directory name 'dittofat', got %q", filepath.Base(GetConfigDir()))
	}
	if ConfigExists() {
		t.Error("Expected no config in a fresh XDG_CONFIG_HOME")
	}
}
