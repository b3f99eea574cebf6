package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInitConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	path, err := InitConfig(false)
	if err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}
	if path != GetDefaultConfigPath() {
		t.Errorf("Expected path %q, got %q", GetDefaultConfigPath(), path)
	}
	if !ConfigExists() {
		t.Fatal("Expected config file to exist after InitConfig")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read generated config: %v", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "# DittoFAT Configuration File") {
		t.Error("Generated config is missing its header")
	}
	for _, section := range []string{"logging:", "device:", "format:", "mount:", "metrics:"} {
		if !strings.Contains(content, section) {
			t.Errorf("Generated config is missing section %q", section)
		}
	}
	if !strings.Contains(content, "close_delay: 500ms") {
		t.Error("Expected close_delay rendered as a duration string")
	}

	// Load reads the generated file back
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load generated config: %v", err)
	}
	if cfg.Mount.CloseDelay != 500*time.Millisecond {
		t.Errorf("Expected close_delay 500ms after round trip, got %v", cfg.Mount.CloseDelay)
	}
	if cfg.Mount.Umask != 0o022 {
		t.Errorf("Expected umask 0o022 after round trip, got %o", cfg.Mount.Umask)
	}
	if cfg.Device.Type != "file" {
		t.Errorf("Expected device type 'file' after round trip, got %q", cfg.Device.Type)
	}
}

func TestInitConfig_ExistingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if _, err := InitConfig(false); err != nil {
		t.Fatalf("First InitConfig failed: %v", err)
	}

	_, err := InitConfig(false)
	if err == nil {
		t.Fatal("Expected error when config already exists")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("Expected 'already exists' error, got: %v", err)
	}

	if _, err := InitConfig(true); err != nil {
		t.Fatalf("InitConfig with force failed: %v", err)
	}
}

func TestInitConfigToPath_CreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "dittofat.yaml")

	if err := InitConfigToPath(path, false); err != nil {
		t.Fatalf("InitConfigToPath failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Expected config file at %s: %v", path, err)
	}
}

func TestGenerateConfigYAML_Comments(t *testing.T) {
	data, err := GenerateConfigYAML(GetDefaultConfig())
	if err != nil {
		t.Fatalf("GenerateConfigYAML failed: %v", err)
	}

	content := string(data)
	for _, comment := range sectionComments {
		if !strings.Contains(content, "# "+comment) {
			t.Errorf("Expected section comment %q in generated config", comment)
		}
	}
}
