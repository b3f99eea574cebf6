package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete DittoFAT configuration.
//
// This structure captures every configurable aspect of a mounted volume:
//   - Logging configuration
//   - Block device selection and configuration (device-specific)
//   - Format parameters used when creating a fresh volume
//   - Mount options of the filesystem layer
//   - Metrics exposure
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (DITTOFAT_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Device Configuration Pattern:
// Each device implementation defines its own configuration type. The Config
// struct keeps one option map per device type (device.file, device.memory,
// device.badger, device.s3) and only the section matching the selected type
// is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Device selects and configures the block device
	Device DeviceConfig `mapstructure:"device" yaml:"device"`

	// Format holds the parameters of the format command
	Format FormatConfig `mapstructure:"format" yaml:"format"`

	// Mount holds filesystem mount options
	Mount MountConfig `mapstructure:"mount" yaml:"mount"`

	// Metrics configures Prometheus metrics exposure
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// DeviceConfig specifies block device configuration.
//
// The Type field determines which device implementation is used.
// Only the corresponding type-specific configuration section is used.
type DeviceConfig struct {
	// Type specifies which device implementation to use
	// Valid values: file, memory, badger, s3
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=file memory badger s3"`

	// File contains image file configuration (device.FileConfig)
	// Only used when Type = "file"
	File map[string]any `mapstructure:"file" yaml:"file"`

	// Memory contains in-memory device configuration (device.MemoryConfig)
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory" yaml:"memory"`

	// Badger contains BadgerDB device configuration (device.BadgerConfig)
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger"`

	// S3 contains S3 bucket device configuration (device.S3Config)
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3" yaml:"s3"`

	// Throttle caps sector throughput. Zero disables throttling.
	Throttle ThrottleConfig `mapstructure:"throttle" yaml:"throttle"`
}

// ThrottleConfig mirrors device.ThrottleConfig.
type ThrottleConfig struct {
	SectorsPerSecond uint `mapstructure:"sectors_per_second" yaml:"sectors_per_second"`
	Burst            uint `mapstructure:"burst" yaml:"burst"`
}

// FormatConfig holds the parameters of a fresh volume.
type FormatConfig struct {
	// Type forces the FAT width. Empty picks one from the device size.
	// Valid values: FAT12, FAT16, FAT32
	Type string `mapstructure:"type" yaml:"type" validate:"omitempty,oneof=FAT12 FAT16 FAT32 fat12 fat16 fat32"`

	// Label is the volume label (at most 11 characters)
	Label string `mapstructure:"label" yaml:"label" validate:"max=11,fatlabel"`

	// SectorsPerCluster forces the cluster size. Zero picks one.
	SectorsPerCluster int `mapstructure:"sectors_per_cluster" yaml:"sectors_per_cluster" validate:"omitempty,oneof=1 2 4 8 16 32 64 128"`

	// NumFATs is the number of FAT copies
	NumFATs int `mapstructure:"num_fats" yaml:"num_fats" validate:"gte=1,lte=4"`

	// RootEntries sizes the FAT12/16 root directory. Zero picks one.
	RootEntries int `mapstructure:"root_entries" yaml:"root_entries" validate:"gte=0"`
}

// MountConfig mirrors fatfs.Options.
type MountConfig struct {
	// ReadOnly refuses every mutation
	ReadOnly bool `mapstructure:"read_only" yaml:"read_only"`

	// NoAtime disables access-date updates on read
	NoAtime bool `mapstructure:"noatime" yaml:"noatime"`

	// CloseDelay defers releasing closed files. Negative releases at once.
	CloseDelay time.Duration `mapstructure:"close_delay" yaml:"close_delay"`

	// UID and GID are reported as the owner of every file
	UID uint32 `mapstructure:"uid" yaml:"uid"`
	GID uint32 `mapstructure:"gid" yaml:"gid"`

	// Umask is cleared from reported permission bits
	Umask uint32 `mapstructure:"umask" yaml:"umask" validate:"lte=511"` // 511 = 0777 in decimal
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled turns metrics collection and the HTTP endpoint on
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the TCP port of the metrics endpoint
	Port int `mapstructure:"port" yaml:"port" validate:"omitempty,gte=1,lte=65535"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DITTOFAT_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Configure viper
	setupViper(v, configPath)

	// Read configuration file if it exists
	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	// Unmarshal into config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults for any missing values
	ApplyDefaults(&cfg)

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// envKeys are bound explicitly: AutomaticEnv only sees keys viper already
// knows about, and an empty config file knows none.
var envKeys = []string{
	"logging.level",
	"logging.format",
	"logging.output",
	"device.type",
	"device.throttle.sectors_per_second",
	"device.throttle.burst",
	"format.type",
	"format.label",
	"mount.read_only",
	"mount.noatime",
	"mount.close_delay",
	"mount.uid",
	"mount.gid",
	"mount.umask",
	"metrics.enabled",
	"metrics.port",
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use DITTOFAT_ prefix and underscores
	// Example: DITTOFAT_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DITTOFAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Configure config file search
	if configPath != "" {
		// Use explicitly specified config file
		v.SetConfigFile(configPath)
	} else {
		// Use default location: $XDG_CONFIG_HOME/dittofat/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml") // Primary format
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		// Config file not found is acceptable - use defaults
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittofat")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittofat")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
