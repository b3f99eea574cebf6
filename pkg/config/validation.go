package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// labelInvalidChars may not appear in a FAT volume label.
const labelInvalidChars = "\"*+,./:;<=>?[\\]|"

var validate = newValidator()

// newValidator builds a validator whose errors name configuration keys
// (device.type) instead of Go fields (Config.Device.Type).
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("fatlabel", func(fl validator.FieldLevel) bool {
		label := fl.Field().String()
		for i := 0; i < len(label); i++ {
			c := label[i]
			if c < 0x20 || c > 0x7E || strings.IndexByte(labelInvalidChars, c) >= 0 {
				return false
			}
		}
		return true
	})
	return v
}

// Validate checks struct tag constraints, then the rules that span several
// fields.
//
// Log levels are accepted in either case; ApplyDefaults normalizes them.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	switch cfg.Device.Type {
	case "file":
		if path, _ := cfg.Device.File["path"].(string); path == "" {
			return fmt.Errorf("device.file: path is required")
		}
	case "badger":
		inMemory, _ := cfg.Device.Badger["in_memory"].(bool)
		if path, _ := cfg.Device.Badger["path"].(string); path == "" && !inMemory {
			return fmt.Errorf("device.badger: path is required unless in_memory is set")
		}
	case "s3":
		if bucket, _ := cfg.Device.S3["bucket"].(string); bucket == "" {
			return fmt.Errorf("device.s3: bucket is required")
		}
		if region, _ := cfg.Device.S3["region"].(string); region == "" {
			return fmt.Errorf("device.s3: region is required")
		}
	}

	if cfg.Device.Throttle.Burst > 0 && cfg.Device.Throttle.SectorsPerSecond == 0 {
		return fmt.Errorf("device.throttle: burst is set but sectors_per_second is 0")
	}

	// FAT32 keeps no fixed root directory
	if strings.EqualFold(cfg.Format.Type, "FAT32") && cfg.Format.RootEntries != 0 {
		return fmt.Errorf("format: root_entries does not apply to FAT32")
	}

	return nil
}

// formatValidationError reports the first failed constraint as
// "key: rule (value: v)".
func formatValidationError(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return err
	}
	e := errs[0]
	key := strings.TrimPrefix(e.Namespace(), "Config.")
	rule := e.Tag()
	if e.Param() != "" {
		rule += "=" + e.Param()
	}
	return fmt.Errorf("%s: validation failed on '%s' (value: %v)", key, rule, e.Value())
}
