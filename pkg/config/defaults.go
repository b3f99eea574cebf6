package config

import (
	"strings"

	"github.com/marmos91/dittofat/pkg/fatfs"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", nil) are replaced with defaults
//   - Explicit values are preserved
//   - Device-specific defaults are handled by the device constructors
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyDeviceDefaults(&cfg.Device)
	applyFormatDefaults(&cfg.Format)
	applyMountDefaults(&cfg.Mount)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyDeviceDefaults sets device defaults.
func applyDeviceDefaults(cfg *DeviceConfig) {
	if cfg.Type == "" {
		cfg.Type = "file"
	}

	// Initialize maps if nil
	if cfg.File == nil {
		cfg.File = make(map[string]any)
	}
	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}

	// Apply defaults for all device types (for config file generation)
	if _, ok := cfg.File["path"]; !ok {
		cfg.File["path"] = "dittofat.img"
	}
	if _, ok := cfg.Memory["sector_count"]; !ok {
		cfg.Memory["sector_count"] = int64(2880) // 1.44MB floppy
	}
	if _, ok := cfg.Badger["path"]; !ok {
		cfg.Badger["path"] = "/tmp/dittofat-badger"
	}
	if _, ok := cfg.S3["region"]; !ok {
		cfg.S3["region"] = "us-east-1"
	}
	if _, ok := cfg.S3["key_prefix"]; !ok {
		cfg.S3["key_prefix"] = "dittofat/"
	}
}

// applyFormatDefaults sets format defaults.
func applyFormatDefaults(cfg *FormatConfig) {
	cfg.Type = strings.ToUpper(cfg.Type)
	cfg.Label = strings.ToUpper(cfg.Label)
	if cfg.NumFATs == 0 {
		cfg.NumFATs = 2
	}
	// Label, SectorsPerCluster and RootEntries are picked by layout.Format
}

// applyMountDefaults sets mount defaults.
func applyMountDefaults(cfg *MountConfig) {
	if cfg.CloseDelay == 0 {
		cfg.CloseDelay = fatfs.DefaultCloseDelay
	}
	if cfg.Umask == 0 {
		cfg.Umask = 0o022
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
