// Package device provides the raw sector storage a FAT volume lives on.
//
// A BlockDevice exposes fixed-size sectors and nothing else: every transfer
// starts on a sector boundary and covers a whole number of sectors. The FAT
// layers above translate byte-granular file I/O into these calls.
//
// Implementations:
//   - MemoryDevice: sparse in-process sectors, for tests and scratch volumes
//   - FileDevice: a disk image (or block special file) on the host
//   - BadgerDevice: sectors persisted as BadgerDB values
//   - S3Device: sectors grouped into objects in an S3 bucket
//
// Decorators:
//   - Throttled: caps sector throughput with a token bucket
//   - Instrumented: reports operation counts and latencies
package device

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is returned for transfers that extend past the last
	// sector of the device.
	ErrOutOfRange = errors.New("sector range out of bounds")

	// ErrReadOnly is returned for writes to a device opened read-only.
	ErrReadOnly = errors.New("device is read-only")

	// ErrMisaligned is returned when a buffer is not a whole number of
	// sectors.
	ErrMisaligned = errors.New("buffer is not a multiple of the sector size")

	// ErrClosed is returned for operations on a closed device.
	ErrClosed = errors.New("device is closed")
)

// BlockDevice is sector-granular storage.
//
// Thread Safety:
// Implementations must be safe for concurrent use. The filesystem serializes
// its own traffic, but deferred releases and metrics scrapes run on other
// goroutines.
type BlockDevice interface {
	// SectorSize returns the size of a sector in bytes.
	SectorSize() int

	// SectorCount returns the number of addressable sectors.
	SectorCount() int64

	// ReadSectors fills buf with len(buf)/SectorSize() sectors starting at
	// index.
	ReadSectors(ctx context.Context, index int64, buf []byte) error

	// WriteSectors stores buf as len(buf)/SectorSize() sectors starting at
	// index.
	WriteSectors(ctx context.Context, index int64, buf []byte) error

	// ReadOnly reports whether writes are refused.
	ReadOnly() bool

	// Sync flushes buffered writes to stable storage.
	Sync(ctx context.Context) error

	// Close releases the device. Further calls fail with ErrClosed.
	Close() error
}

// checkTransfer validates a transfer of buf at index against the geometry
// and returns the number of sectors it covers.
func checkTransfer(sectorSize int, sectorCount int64, index int64, buf []byte) (int64, error) {
	if len(buf)%sectorSize != 0 {
		return 0, fmt.Errorf("%w: %d bytes with %d-byte sectors", ErrMisaligned, len(buf), sectorSize)
	}
	n := int64(len(buf) / sectorSize)
	if index < 0 || index+n > sectorCount {
		return 0, fmt.Errorf("%w: sectors [%d, %d) of %d", ErrOutOfRange, index, index+n, sectorCount)
	}
	return n, nil
}

// validSectorSize reports whether size is a power of two in the range FAT
// supports.
func validSectorSize(size int) bool {
	return size >= 512 && size <= 4096 && size&(size-1) == 0
}
