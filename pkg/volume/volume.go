// Package volume mounts a FAT12/16/32 file system image from a block
// device and provides the FAT primitives chains are built on.
//
// The Volume implements chain.Volume:
//   - sector I/O relative to the start of the device
//   - FAT link fetch, store and allocation, applied to every mirrored FAT copy
//   - cluster to sector mapping
//
// FAT values cross the chain boundary as width-independent sentinels
// (chain.ClusterEOF, chain.ClusterFree, ...), so the rest of the driver never
// deals with FAT12 nibble packing or FAT32 reserved bits.
package volume

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittofat/internal/logger"
	"github.com/marmos91/dittofat/pkg/chain"
	"github.com/marmos91/dittofat/pkg/device"
	"github.com/marmos91/dittofat/pkg/fserr"
	"github.com/marmos91/dittofat/pkg/layout"
)

// Options configures Mount.
type Options struct {
	// ReadOnly refuses every mutation with ROFS. A read-only device forces
	// it on.
	ReadOnly bool

	// Metrics receives FAT operation observations (optional).
	Metrics Metrics
}

// Volume is a mounted FAT file system.
//
// Thread Safety:
// FAT access is serialized by an internal mutex. Higher layers still run
// every filesystem operation through the transaction queue.
type Volume struct {
	dev      device.BlockDevice
	boot     *layout.BootSector
	geom     layout.Geometry
	readOnly bool
	metrics  Metrics

	mu sync.Mutex

	// nextFree is where the next allocation scan starts when the caller has
	// no better hint.
	nextFree uint32

	// freeCount is the number of free clusters, or -1 when not yet counted.
	freeCount int64

	// fatSector/fatBuf cache the most recently read sector of the active FAT.
	fatSector int64
	fatBuf    []byte
}

// Mount reads the boot sector of dev and prepares the volume for use.
func Mount(ctx context.Context, dev device.BlockDevice, opts Options) (*Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ss := dev.SectorSize()
	buf := make([]byte, ss)
	if err := dev.ReadSectors(ctx, 0, buf); err != nil {
		return nil, fmt.Errorf("failed to read boot sector: %w", err)
	}
	boot, err := layout.ParseBootSector(buf)
	if err != nil {
		return nil, err
	}
	geom, err := boot.Geometry()
	if err != nil {
		return nil, err
	}
	if geom.SectorSize != ss {
		return nil, fmt.Errorf("%w: volume uses %d-byte sectors, device has %d", layout.ErrNotFAT, geom.SectorSize, ss)
	}
	if geom.TotalSectors > dev.SectorCount() {
		return nil, fmt.Errorf("%w: volume spans %d sectors, device has %d", layout.ErrNotFAT, geom.TotalSectors, dev.SectorCount())
	}

	m := opts.Metrics
	if m == nil {
		m = noopMetrics{}
	}
	v := &Volume{
		dev:       dev,
		boot:      boot,
		geom:      geom,
		readOnly:  opts.ReadOnly || dev.ReadOnly(),
		metrics:   m,
		nextFree:  2,
		freeCount: -1,
		fatSector: -1,
	}

	if geom.Type == layout.FAT32 && geom.FSInfoSector > 0 {
		if err := dev.ReadSectors(ctx, geom.FSInfoSector, buf); err == nil {
			if info, err := layout.ParseFSInfo(buf); err == nil {
				if geom.IsDataCluster(info.NextFree) {
					v.nextFree = info.NextFree
				}
			} else {
				logger.Warn("Ignoring FSInfo sector: %v", err)
			}
		}
	}

	mode := "read-write"
	if v.readOnly {
		mode = "read-only"
	}
	logger.Info("Mounted %s volume %q (%s): %d clusters of %d bytes",
		geom.Type, boot.Label(), mode, geom.ClusterCount, geom.ClusterSize())
	return v, nil
}

// Geometry returns the parsed layout.
func (v *Volume) Geometry() layout.Geometry { return v.geom }

// Type returns the FAT width.
func (v *Volume) Type() layout.FATType { return v.geom.Type }

// Label returns the boot sector volume label.
func (v *Volume) Label() string { return v.boot.Label() }

// VolumeID returns the serial number.
func (v *Volume) VolumeID() uint32 { return v.boot.VolumeID }

// ReadOnly reports whether mutations are refused.
func (v *Volume) ReadOnly() bool { return v.readOnly }

func (v *Volume) SectorSize() int        { return v.geom.SectorSize }
func (v *Volume) SectorsPerCluster() int { return v.geom.SectorsPerCluster }
func (v *Volume) ClusterCount() uint32   { return v.geom.ClusterCount }

func (v *Volume) FirstSectorOfCluster(c uint32) int64 {
	return v.geom.FirstSectorOfCluster(c)
}

// deviceError maps a device failure to IO, letting context errors through.
func deviceError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, device.ErrReadOnly) {
		return fserr.Wrap(fserr.ROFS, op, err)
	}
	return fserr.Wrap(fserr.IO, op, err)
}

func (v *Volume) ReadSectors(ctx context.Context, sector int64, buf []byte) error {
	if err := v.dev.ReadSectors(ctx, sector, buf); err != nil {
		return deviceError("readSectors", err)
	}
	return nil
}

func (v *Volume) WriteSectors(ctx context.Context, sector int64, buf []byte) error {
	if v.readOnly {
		return fserr.New(fserr.ROFS, "writeSectors")
	}
	if err := v.dev.WriteSectors(ctx, sector, buf); err != nil {
		return deviceError("writeSectors", err)
	}
	return nil
}

// RootDirectoryChain returns the chain holding the root directory: the fixed
// root region on FAT12/16, a cluster chain on FAT32.
func (v *Volume) RootDirectoryChain() chain.Chain {
	if v.geom.Type == layout.FAT32 {
		return chain.NewClusterChain(v, v.geom.RootCluster)
	}
	return chain.NewSectorChain(v, v.geom.RootDirSector, v.geom.RootDirSectors)
}

// ChainForCluster returns a cluster chain starting at firstCluster.
func (v *Volume) ChainForCluster(firstCluster uint32) chain.Chain {
	return chain.NewClusterChain(v, firstCluster)
}

// Sync records allocation hints (FAT32 FSInfo) and flushes the device.
func (v *Volume) Sync(ctx context.Context) error {
	if v.readOnly {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.geom.Type == layout.FAT32 && v.geom.FSInfoSector > 0 {
		info := layout.FSInfo{FreeCount: layout.FSInfoUnknown, NextFree: v.nextFree}
		if v.freeCount >= 0 {
			info.FreeCount = uint32(v.freeCount)
		}
		raw, _ := info.MarshalBinary()
		buf := make([]byte, v.geom.SectorSize)
		copy(buf, raw)
		if err := v.dev.WriteSectors(ctx, v.geom.FSInfoSector, buf); err != nil {
			return deviceError("sync", err)
		}
	}
	if err := v.dev.Sync(ctx); err != nil {
		return deviceError("sync", err)
	}
	return nil
}

func (v *Volume) observe(op string, start time.Time, err error) {
	v.metrics.ObserveFATOperation(op, time.Since(start), err)
}
