package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/dittofat/internal/logger"
	"github.com/marmos91/dittofat/pkg/device"
	"github.com/marmos91/dittofat/pkg/fatfs"
	"github.com/marmos91/dittofat/pkg/layout"
	"github.com/mitchellh/mapstructure"
)

// CreateDevice creates a block device based on configuration.
//
// This factory function uses the Type field to determine which device
// implementation to create, then decodes the type-specific configuration from
// the corresponding map and passes it to the device's constructor. The
// result is wrapped with throttling when configured, and with
// instrumentation when m is non-nil.
//
// Supported types:
//   - "file": device.FileDevice (disk image or block special file)
//   - "memory": device.MemoryDevice (scratch volume, lost on exit)
//   - "badger": device.BadgerDevice (sectors stored in BadgerDB)
//   - "s3": device.S3Device (sector blocks stored as S3 objects)
func CreateDevice(ctx context.Context, cfg *DeviceConfig, m device.Metrics) (device.BlockDevice, error) {
	var (
		dev device.BlockDevice
		err error
	)
	switch cfg.Type {
	case "file":
		dev, err = createFileDevice(cfg.File)
	case "memory":
		dev, err = createMemoryDevice(cfg.Memory)
	case "badger":
		dev, err = createBadgerDevice(ctx, cfg.Badger)
	case "s3":
		dev, err = createS3Device(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown device type: %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	logger.Debug("Created %s device: %d sectors of %d bytes", cfg.Type, dev.SectorCount(), dev.SectorSize())

	dev = device.NewThrottled(dev, device.ThrottleConfig{
		SectorsPerSecond: cfg.Throttle.SectorsPerSecond,
		Burst:            cfg.Throttle.Burst,
	})
	if m != nil {
		dev = device.NewInstrumented(dev, m)
	}
	return dev, nil
}

// decodeOptions decodes a device option map into its typed configuration.
// Weak typing lets values that arrived as strings (environment variables)
// fill numeric and boolean fields.
func decodeOptions(kind string, options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(options); err != nil {
		return fmt.Errorf("failed to decode %s device config: %w", kind, err)
	}
	return nil
}

// createFileDevice opens a disk image.
func createFileDevice(options map[string]any) (device.BlockDevice, error) {
	var cfg device.FileConfig
	if err := decodeOptions("file", options, &cfg); err != nil {
		return nil, err
	}

	if cfg.Path == "" {
		return nil, fmt.Errorf("file device: path is required")
	}

	dev, err := device.OpenFile(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open file device: %w", err)
	}
	return dev, nil
}

// createMemoryDevice creates an in-memory device.
func createMemoryDevice(options map[string]any) (device.BlockDevice, error) {
	var cfg device.MemoryConfig
	if err := decodeOptions("memory", options, &cfg); err != nil {
		return nil, err
	}

	dev, err := device.NewMemory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory device: %w", err)
	}
	return dev, nil
}

// createBadgerDevice opens or creates a BadgerDB-backed device.
func createBadgerDevice(ctx context.Context, options map[string]any) (device.BlockDevice, error) {
	var cfg device.BadgerConfig
	if err := decodeOptions("badger", options, &cfg); err != nil {
		return nil, err
	}

	if cfg.Path == "" && !cfg.InMemory {
		return nil, fmt.Errorf("badger device: path is required")
	}

	dev, err := device.OpenBadger(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger device: %w", err)
	}
	return dev, nil
}

// s3ClientFactory builds the client of an S3 device. Tests replace it.
var s3ClientFactory = newS3Client

// createS3Device opens or creates a device in an S3 bucket.
func createS3Device(ctx context.Context, options map[string]any) (device.BlockDevice, error) {
	var cfg device.S3Config
	if err := decodeOptions("s3", options, &cfg); err != nil {
		return nil, err
	}

	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 device: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 device: region is required")
	}

	client, err := s3ClientFactory(ctx, cfg)
	if err != nil {
		return nil, err
	}

	dev, err := device.OpenS3(ctx, client, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open s3 device: %w", err)
	}

	logger.Info("S3 device opened: bucket=%s, region=%s, prefix=%s", cfg.Bucket, cfg.Region, cfg.KeyPrefix)
	return dev, nil
}

// newS3Client builds an S3 client from the connection fields of cfg.
func newS3Client(ctx context.Context, cfg device.S3Config) (device.S3Client, error) {
	configOptions := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(cfg.Region),
	}

	// Static credentials when provided, otherwise the default chain
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// MinIO and Localstack need path-style addressing
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// FormatOptions converts the format section into layout options.
func FormatOptions(cfg *FormatConfig) layout.FormatOptions {
	opts := layout.FormatOptions{
		SectorsPerCluster: cfg.SectorsPerCluster,
		NumFATs:           cfg.NumFATs,
		RootEntries:       cfg.RootEntries,
		Label:             cfg.Label,
	}
	switch cfg.Type {
	case "FAT12":
		opts.Type = layout.FAT12
	case "FAT16":
		opts.Type = layout.FAT16
	case "FAT32":
		opts.Type = layout.FAT32
	}
	return opts
}

// MountOptions converts the mount section into filesystem options, attaching
// the metrics collectors of mr when it is non-nil.
func MountOptions(cfg *MountConfig, mr *MetricsResult) fatfs.Options {
	opts := fatfs.Options{
		ReadOnly:   cfg.ReadOnly,
		NoAtime:    cfg.NoAtime,
		CloseDelay: cfg.CloseDelay,
		UID:        cfg.UID,
		GID:        cfg.GID,
		Umask:      cfg.Umask,
	}
	if mr != nil {
		opts.QueueMetrics = mr.QueueMetrics
		opts.VolumeMetrics = mr.VolumeMetrics
	}
	return opts
}
