package device

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// Key Namespace
// =============
//
// Data Type   Prefix   Key Format                 Value
// ======================================================================
// Sector      "s:"     s:<index as 8-byte BE>     raw sector bytes
// Geometry    "cfg:"   cfg:geometry               badgerGeometry (JSON)
//
// Big-endian indices keep sectors in device order, so a prefix scan walks
// the volume front to back. All-zero sectors are never stored: a missing
// key reads as zeros, which keeps freshly formatted volumes tiny.
const (
	prefixSector = "s:"
	keyGeometry  = "cfg:geometry"
)

func sectorKey(index int64) []byte {
	key := make([]byte, len(prefixSector)+8)
	copy(key, prefixSector)
	binary.BigEndian.PutUint64(key[len(prefixSector):], uint64(index))
	return key
}

type badgerGeometry struct {
	SectorSize  int   `json:"sector_size"`
	SectorCount int64 `json:"sector_count"`
}

// BadgerConfig configures a BadgerDevice.
type BadgerConfig struct {
	// Path is the BadgerDB directory. Ignored when InMemory is set.
	Path string `mapstructure:"path"`

	// InMemory keeps the database in RAM (tests, scratch volumes)
	InMemory bool `mapstructure:"in_memory"`

	// SectorSize in bytes (default: 512). Must match a stored geometry.
	SectorSize int `mapstructure:"sector_size"`

	// SectorCount is required when creating a new device. Must match a
	// stored geometry when non-zero.
	SectorCount int64 `mapstructure:"sector_count"`

	// ReadOnly refuses writes
	ReadOnly bool `mapstructure:"read_only"`

	// BlockCacheSizeMB is BadgerDB's block cache size in MB (default: 64)
	BlockCacheSizeMB int64 `mapstructure:"block_cache_size_mb"`
}

// BadgerDevice stores each sector as a BadgerDB value.
//
// The device geometry is recorded in the database on first open, so a
// volume can be reopened without repeating its size.
type BadgerDevice struct {
	mu          sync.RWMutex
	db          *badger.DB
	sectorSize  int
	sectorCount int64
	readOnly    bool
}

// OpenBadger opens or creates a BadgerDB-backed device.
func OpenBadger(ctx context.Context, cfg BadgerConfig) (*BadgerDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.SectorSize == 0 {
		cfg.SectorSize = 512
	}
	if !validSectorSize(cfg.SectorSize) {
		return nil, fmt.Errorf("invalid sector size %d", cfg.SectorSize)
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger device requires a path or in_memory")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	blockCacheMB := cfg.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 64
	}
	opts = opts.WithLoggingLevel(badger.WARNING).
		WithCompression(options.Snappy).
		WithBlockCacheSize(blockCacheMB << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.Path, err)
	}

	geom, err := loadOrStoreGeometry(db, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BadgerDevice{
		db:          db,
		sectorSize:  geom.SectorSize,
		sectorCount: geom.SectorCount,
		readOnly:    cfg.ReadOnly,
	}, nil
}

func loadOrStoreGeometry(db *badger.DB, cfg BadgerConfig) (badgerGeometry, error) {
	var geom badgerGeometry
	err := db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyGeometry))
		if errors.Is(err, badger.ErrKeyNotFound) {
			if cfg.SectorCount <= 0 {
				return errors.New("new badger device requires sector_count")
			}
			if cfg.ReadOnly {
				return errors.New("cannot initialise a read-only badger device")
			}
			geom = badgerGeometry{SectorSize: cfg.SectorSize, SectorCount: cfg.SectorCount}
			data, err := json.Marshal(geom)
			if err != nil {
				return err
			}
			return txn.Set([]byte(keyGeometry), data)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &geom)
		})
	})
	if err != nil {
		return badgerGeometry{}, fmt.Errorf("failed to load device geometry: %w", err)
	}

	if geom.SectorSize != cfg.SectorSize {
		return badgerGeometry{}, fmt.Errorf("stored sector size %d does not match configured %d", geom.SectorSize, cfg.SectorSize)
	}
	if cfg.SectorCount != 0 && geom.SectorCount != cfg.SectorCount {
		return badgerGeometry{}, fmt.Errorf("stored sector count %d does not match configured %d", geom.SectorCount, cfg.SectorCount)
	}
	return geom, nil
}

func (d *BadgerDevice) SectorSize() int    { return d.sectorSize }
func (d *BadgerDevice) SectorCount() int64 { return d.sectorCount }
func (d *BadgerDevice) ReadOnly() bool     { return d.readOnly }

func (d *BadgerDevice) ReadSectors(ctx context.Context, index int64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := checkTransfer(d.sectorSize, d.sectorCount, index, buf)
	if err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return ErrClosed
	}
	return d.db.View(func(txn *badger.Txn) error {
		for i := int64(0); i < n; i++ {
			dst := buf[i*int64(d.sectorSize) : (i+1)*int64(d.sectorSize)]
			item, err := txn.Get(sectorKey(index + i))
			if errors.Is(err, badger.ErrKeyNotFound) {
				clear(dst)
				continue
			}
			if err != nil {
				return fmt.Errorf("read sector %d: %w", index+i, err)
			}
			err = item.Value(func(val []byte) error {
				if len(val) != d.sectorSize {
					return fmt.Errorf("sector %d holds %d bytes", index+i, len(val))
				}
				copy(dst, val)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *BadgerDevice) WriteSectors(ctx context.Context, index int64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.readOnly {
		return ErrReadOnly
	}
	n, err := checkTransfer(d.sectorSize, d.sectorCount, index, buf)
	if err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return ErrClosed
	}

	// A write batch splits large transfers across transactions instead of
	// failing with ErrTxnTooBig.
	wb := d.db.NewWriteBatch()
	defer wb.Cancel()

	zero := make([]byte, d.sectorSize)
	for i := int64(0); i < n; i++ {
		src := buf[i*int64(d.sectorSize) : (i+1)*int64(d.sectorSize)]
		if bytes.Equal(src, zero) {
			err = wb.Delete(sectorKey(index + i))
		} else {
			err = wb.Set(sectorKey(index+i), bytes.Clone(src))
		}
		if err != nil {
			return fmt.Errorf("write sector %d: %w", index+i, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("write sectors %d-%d: %w", index, index+n-1, err)
	}
	return nil
}

func (d *BadgerDevice) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return ErrClosed
	}
	return d.db.Sync()
}

func (d *BadgerDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return ErrClosed
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// StoredSectors counts the non-zero sectors persisted in the database.
func (d *BadgerDevice) StoredSectors(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return 0, ErrClosed
	}
	var count int64
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixSector)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}
