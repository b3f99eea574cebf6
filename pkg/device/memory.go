package device

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// MemoryConfig configures a MemoryDevice.
type MemoryConfig struct {
	// SectorSize in bytes (default: 512)
	SectorSize int `mapstructure:"sector_size"`

	// SectorCount is the device capacity in sectors
	SectorCount int64 `mapstructure:"sector_count"`

	// ReadOnly refuses writes
	ReadOnly bool `mapstructure:"read_only"`
}

// MemoryDevice keeps sectors in a map. Sectors never written (or written
// with zeros) occupy no memory, so large sparse volumes are cheap.
//
// Thread Safety:
// All operations are protected by a read-write mutex.
type MemoryDevice struct {
	mu          sync.RWMutex
	sectorSize  int
	sectorCount int64
	readOnly    bool
	closed      bool
	sectors     map[int64][]byte
}

// NewMemory creates an all-zero in-memory device.
func NewMemory(cfg MemoryConfig) (*MemoryDevice, error) {
	if cfg.SectorSize == 0 {
		cfg.SectorSize = 512
	}
	if !validSectorSize(cfg.SectorSize) {
		return nil, fmt.Errorf("invalid sector size %d", cfg.SectorSize)
	}
	if cfg.SectorCount <= 0 {
		return nil, fmt.Errorf("invalid sector count %d", cfg.SectorCount)
	}
	return &MemoryDevice{
		sectorSize:  cfg.SectorSize,
		sectorCount: cfg.SectorCount,
		readOnly:    cfg.ReadOnly,
		sectors:     make(map[int64][]byte),
	}, nil
}

func (m *MemoryDevice) SectorSize() int    { return m.sectorSize }
func (m *MemoryDevice) SectorCount() int64 { return m.sectorCount }
func (m *MemoryDevice) ReadOnly() bool     { return m.readOnly }

func (m *MemoryDevice) ReadSectors(ctx context.Context, index int64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := checkTransfer(m.sectorSize, m.sectorCount, index, buf)
	if err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	for i := int64(0); i < n; i++ {
		dst := buf[i*int64(m.sectorSize) : (i+1)*int64(m.sectorSize)]
		if src, ok := m.sectors[index+i]; ok {
			copy(dst, src)
		} else {
			clear(dst)
		}
	}
	return nil
}

func (m *MemoryDevice) WriteSectors(ctx context.Context, index int64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.readOnly {
		return ErrReadOnly
	}
	n, err := checkTransfer(m.sectorSize, m.sectorCount, index, buf)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	zero := make([]byte, m.sectorSize)
	for i := int64(0); i < n; i++ {
		src := buf[i*int64(m.sectorSize) : (i+1)*int64(m.sectorSize)]
		if bytes.Equal(src, zero) {
			delete(m.sectors, index+i)
			continue
		}
		m.sectors[index+i] = bytes.Clone(src)
	}
	return nil
}

// Sync is a no-op for memory storage.
func (m *MemoryDevice) Sync(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	m.sectors = nil
	return nil
}

// Allocated returns the number of non-zero sectors held in memory.
func (m *MemoryDevice) Allocated() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sectors)
}
