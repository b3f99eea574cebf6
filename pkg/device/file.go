package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// FileConfig configures a FileDevice.
type FileConfig struct {
	// Path of the image file or block special file
	Path string `mapstructure:"path"`

	// SectorSize in bytes (default: 512)
	SectorSize int `mapstructure:"sector_size"`

	// ReadOnly opens the image without write access
	ReadOnly bool `mapstructure:"read_only"`

	// CreateSize, when non-zero, creates (or extends) the image to this many
	// bytes. Existing content is kept.
	CreateSize int64 `mapstructure:"create_size"`
}

// FileDevice is a disk image on the host filesystem.
//
// The image length must be a whole number of sectors; trailing bytes are
// ignored.
type FileDevice struct {
	mu          sync.RWMutex
	file        *os.File
	path        string
	sectorSize  int
	sectorCount int64
	readOnly    bool
}

// OpenFile opens (and optionally creates) an image file.
func OpenFile(cfg FileConfig) (*FileDevice, error) {
	if cfg.Path == "" {
		return nil, errors.New("file device requires a path")
	}
	if cfg.SectorSize == 0 {
		cfg.SectorSize = 512
	}
	if !validSectorSize(cfg.SectorSize) {
		return nil, fmt.Errorf("invalid sector size %d", cfg.SectorSize)
	}
	if cfg.ReadOnly && cfg.CreateSize > 0 {
		return nil, errors.New("cannot create a read-only image")
	}

	flags := os.O_RDWR
	if cfg.ReadOnly {
		flags = os.O_RDONLY
	}
	if cfg.CreateSize > 0 {
		flags |= os.O_CREATE
	}

	f, err := os.OpenFile(cfg.Path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", cfg.Path, err)
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to size image %s: %w", cfg.Path, err)
	}
	if cfg.CreateSize > size {
		if err := f.Truncate(cfg.CreateSize); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to extend image %s: %w", cfg.Path, err)
		}
		size = cfg.CreateSize
	}

	count := size / int64(cfg.SectorSize)
	if count == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("image %s is smaller than one sector", cfg.Path)
	}

	return &FileDevice{
		file:        f,
		path:        cfg.Path,
		sectorSize:  cfg.SectorSize,
		sectorCount: count,
		readOnly:    cfg.ReadOnly,
	}, nil
}

func (d *FileDevice) SectorSize() int    { return d.sectorSize }
func (d *FileDevice) SectorCount() int64 { return d.sectorCount }
func (d *FileDevice) ReadOnly() bool     { return d.readOnly }

// Path returns the image location.
func (d *FileDevice) Path() string { return d.path }

func (d *FileDevice) ReadSectors(ctx context.Context, index int64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := checkTransfer(d.sectorSize, d.sectorCount, index, buf); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.file == nil {
		return ErrClosed
	}
	if _, err := d.file.ReadAt(buf, index*int64(d.sectorSize)); err != nil {
		return fmt.Errorf("read sector %d: %w", index, err)
	}
	return nil
}

func (d *FileDevice) WriteSectors(ctx context.Context, index int64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.readOnly {
		return ErrReadOnly
	}
	if _, err := checkTransfer(d.sectorSize, d.sectorCount, index, buf); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.file == nil {
		return ErrClosed
	}
	if _, err := d.file.WriteAt(buf, index*int64(d.sectorSize)); err != nil {
		return fmt.Errorf("write sector %d: %w", index, err)
	}
	return nil
}

func (d *FileDevice) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.file == nil {
		return ErrClosed
	}
	if d.readOnly {
		return nil
	}
	return d.file.Sync()
}

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return ErrClosed
	}
	err := d.file.Close()
	d.file = nil
	return err
}
