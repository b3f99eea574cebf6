package device_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/marmos91/dittofat/pkg/device"
	devtest "github.com/marmos91/dittofat/pkg/device/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS3Device(t *testing.T) {
	for _, blockSectors := range []int{0, 8, 7} {
		t.Run(fmt.Sprintf("block_sectors=%d", blockSectors), func(t *testing.T) {
			suite := &devtest.DeviceTestSuite{
				NewDevice: func(t *testing.T) device.BlockDevice {
					dev, err := device.OpenS3(context.Background(), devtest.NewFakeS3("vols"), device.S3Config{
						Bucket:       "vols",
						KeyPrefix:    "disk/",
						SectorCount:  devtest.SuiteSectors,
						BlockSectors: blockSectors,
					})
					require.NoError(t, err)
					return dev
				},
			}
			suite.Run(t)
		})
	}
}

func TestS3DeviceLayout(t *testing.T) {
	ctx := context.Background()
	client := devtest.NewFakeS3("vols")

	dev, err := device.OpenS3(ctx, client, device.S3Config{
		Bucket:       "vols",
		KeyPrefix:    "disk/",
		SectorCount:  32,
		BlockSectors: 8,
	})
	require.NoError(t, err)

	// Sectors 6..9 straddle blocks 0 and 1.
	data := bytes.Repeat([]byte{0xAB}, 4*512)
	require.NoError(t, dev.WriteSectors(ctx, 6, data))
	assert.Equal(t, []string{
		"disk/blocks/0000000000000000",
		"disk/blocks/0000000000000001",
		"disk/geometry.json",
	}, client.Keys("disk/"))

	// Zeroing block 0's part leaves only zeros there, so it is deleted.
	require.NoError(t, dev.WriteSectors(ctx, 6, make([]byte, 2*512)))
	assert.Equal(t, []string{
		"disk/blocks/0000000000000001",
		"disk/geometry.json",
	}, client.Keys("disk/"))

	got := make([]byte, 4*512)
	require.NoError(t, dev.ReadSectors(ctx, 6, got))
	assert.Equal(t, make([]byte, 2*512), got[:2*512])
	assert.Equal(t, data[:2*512], got[2*512:])

	// A whole-block write needs no read.
	client.Gets()
	require.NoError(t, dev.WriteSectors(ctx, 16, bytes.Repeat([]byte{1}, 8*512)))
	assert.Equal(t, 0, client.Gets())
}

func TestS3DeviceReopen(t *testing.T) {
	ctx := context.Background()
	client := devtest.NewFakeS3("vols")

	dev, err := device.OpenS3(ctx, client, device.S3Config{Bucket: "vols", SectorCount: 128})
	require.NoError(t, err)
	sector := bytes.Repeat([]byte{0x5A}, 512)
	require.NoError(t, dev.WriteSectors(ctx, 100, sector))
	require.NoError(t, dev.Close())

	// Geometry is remembered, so the size may be omitted.
	dev, err = device.OpenS3(ctx, client, device.S3Config{Bucket: "vols", ReadOnly: true})
	require.NoError(t, err)
	defer func() { _ = dev.Close() }()

	assert.Equal(t, int64(128), dev.SectorCount())
	assert.True(t, dev.ReadOnly())
	got := make([]byte, 512)
	require.NoError(t, dev.ReadSectors(ctx, 100, got))
	assert.Equal(t, sector, got)
	assert.ErrorIs(t, dev.WriteSectors(ctx, 0, got), device.ErrReadOnly)
}

func TestOpenS3Errors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		client  device.S3Client
		cfg     device.S3Config
		wantErr string
	}{
		{"no client", nil, device.S3Config{Bucket: "vols", SectorCount: 8}, "client is required"},
		{"no bucket", devtest.NewFakeS3("vols"), device.S3Config{SectorCount: 8}, "bucket name is required"},
		{"missing bucket", devtest.NewFakeS3("vols"), device.S3Config{Bucket: "other", SectorCount: 8}, "failed to access bucket"},
		{"new without size", devtest.NewFakeS3("vols"), device.S3Config{Bucket: "vols"}, "requires sector_count"},
		{"new read-only", devtest.NewFakeS3("vols"), device.S3Config{Bucket: "vols", SectorCount: 8, ReadOnly: true}, "read-only"},
		{"bad sector size", devtest.NewFakeS3("vols"), device.S3Config{Bucket: "vols", SectorCount: 8, SectorSize: 500}, "invalid sector size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := device.OpenS3(ctx, tt.client, tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("geometry mismatch", func(t *testing.T) {
		client := devtest.NewFakeS3("vols")
		_, err := device.OpenS3(ctx, client, device.S3Config{Bucket: "vols", SectorCount: 8})
		require.NoError(t, err)

		_, err = device.OpenS3(ctx, client, device.S3Config{Bucket: "vols", SectorCount: 16})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not match")

		_, err = device.OpenS3(ctx, client, device.S3Config{Bucket: "vols", BlockSectors: 16})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not match")
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := device.OpenS3(cctx, devtest.NewFakeS3("vols"), device.S3Config{Bucket: "vols", SectorCount: 8})
		assert.True(t, errors.Is(err, context.Canceled))
	})
}
