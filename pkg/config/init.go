package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configHeader = `# DittoFAT Configuration File
#
# Every key can be overridden with an environment variable named after its
# path, e.g. DITTOFAT_LOGGING_LEVEL=DEBUG or DITTOFAT_MOUNT_READ_ONLY=true.
`

// sectionComments are written above each top-level section.
var sectionComments = map[string]string{
	"logging": "Log level (DEBUG, INFO, WARN, ERROR), format (text, json) and output (stdout, stderr or a file path)",
	"device":  "Block device holding the volume: file, memory, badger or s3. Only the section matching type is used",
	"format":  "Parameters of 'dittofat format'. Empty or zero values are picked from the device size",
	"mount":   "Filesystem options. umask is decimal (18 = 0o022); close_delay < 0 releases closed files at once",
	"metrics": "Prometheus endpoint, served while a command runs",
}

// InitConfig writes the default configuration to the default location and
// returns its path. An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	return path, InitConfigToPath(path, force)
}

// InitConfigToPath writes the default configuration to path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	data, err := GenerateConfigYAML(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateConfigYAML renders cfg as commented YAML that Load reads back.
func GenerateConfigYAML(cfg *Config) ([]byte, error) {
	var doc yaml.Node
	if err := doc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	// doc is a mapping of section name to section mapping
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key, section := doc.Content[i], doc.Content[i+1]
		if comment, ok := sectionComments[key.Value]; ok {
			key.HeadComment = comment
		}
		if key.Value == "mount" {
			setScalar(section, "close_delay", cfg.Mount.CloseDelay.String())
		}
	}

	var buf bytes.Buffer
	buf.WriteString(configHeader)
	buf.WriteString("\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// setScalar replaces the value of key in a mapping node with a string.
// Durations encode as nanosecond integers otherwise.
func setScalar(mapping *yaml.Node, key, value string) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1] = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
			return
		}
	}
}
