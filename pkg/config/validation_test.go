package config

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "bad log level",
			mutate:  func(cfg *Config) { cfg.Logging.Level = "TRACE" },
			wantErr: "logging.level",
		},
		{
			name:    "bad log format",
			mutate:  func(cfg *Config) { cfg.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:    "unknown device type",
			mutate:  func(cfg *Config) { cfg.Device.Type = "floppy" },
			wantErr: "device.type",
		},
		{
			name:    "file device without path",
			mutate:  func(cfg *Config) { cfg.Device.File["path"] = "" },
			wantErr: "device.file",
		},
		{
			name: "badger device without path",
			mutate: func(cfg *Config) {
				cfg.Device.Type = "badger"
				cfg.Device.Badger["path"] = ""
			},
			wantErr: "device.badger",
		},
		{
			name: "in-memory badger needs no path",
			mutate: func(cfg *Config) {
				cfg.Device.Type = "badger"
				cfg.Device.Badger["path"] = ""
				cfg.Device.Badger["in_memory"] = true
			},
		},
		{
			name: "s3 device without bucket",
			mutate: func(cfg *Config) {
				cfg.Device.Type = "s3"
			},
			wantErr: "device.s3: bucket",
		},
		{
			name: "s3 device with bucket",
			mutate: func(cfg *Config) {
				cfg.Device.Type = "s3"
				cfg.Device.S3["bucket"] = "volumes"
			},
		},
		{
			name:    "burst without rate",
			mutate:  func(cfg *Config) { cfg.Device.Throttle.Burst = 64 },
			wantErr: "burst",
		},
		{
			name:    "label too long",
			mutate:  func(cfg *Config) { cfg.Format.Label = "ABCDEFGHIJKL" },
			wantErr: "format.label",
		},
		{
			name:    "label with invalid characters",
			mutate:  func(cfg *Config) { cfg.Format.Label = "A/B" },
			wantErr: "fatlabel",
		},
		{
			name:    "bad cluster size",
			mutate:  func(cfg *Config) { cfg.Format.SectorsPerCluster = 3 },
			wantErr: "format.sectors_per_cluster",
		},
		{
			name:    "too many FATs",
			mutate:  func(cfg *Config) { cfg.Format.NumFATs = 5 },
			wantErr: "format.num_fats",
		},
		{
			name: "FAT32 with root entries",
			mutate: func(cfg *Config) {
				cfg.Format.Type = "FAT32"
				cfg.Format.RootEntries = 512
			},
			wantErr: "root_entries",
		},
		{
			name:    "umask out of range",
			mutate:  func(cfg *Config) { cfg.Mount.Umask = 0o1000 },
			wantErr: "mount.umask",
		},
		{
			name:    "metrics port out of range",
			mutate:  func(cfg *Config) { cfg.Metrics.Port = 70000 },
			wantErr: "metrics.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Expected valid config, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}
