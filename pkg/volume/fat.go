package volume

import (
	"context"
	"fmt"
	"time"

	"github.com/marmos91/dittofat/pkg/chain"
	"github.com/marmos91/dittofat/pkg/fserr"
	"github.com/marmos91/dittofat/pkg/layout"
)

// entryLocation returns the first sector (relative to a FAT copy), the byte
// offset within it and the number of sectors holding cluster's entry.
func (v *Volume) entryLocation(cluster uint32) (sector int64, within int, nsec int) {
	ss := int64(v.geom.SectorSize)
	off := v.geom.Type.EntryOffset(cluster)
	sector, within = off/ss, int(off%ss)
	nsec = 1
	if within+v.geom.Type.EntrySpan() > int(ss) {
		nsec = 2 // FAT12 entry straddling a sector boundary
	}
	return sector, within, nsec
}

// activeFATSector returns a sector of the active FAT through the one-sector
// cache. Callers hold v.mu.
func (v *Volume) activeFATSector(ctx context.Context, rel int64) ([]byte, error) {
	abs := v.geom.FATStart(v.geom.ActiveFAT) + rel
	if v.fatSector == abs {
		return v.fatBuf, nil
	}
	buf := make([]byte, v.geom.SectorSize)
	if err := v.dev.ReadSectors(ctx, abs, buf); err != nil {
		v.fatSector = -1
		return nil, deviceError("fetchFromFAT", err)
	}
	v.fatSector, v.fatBuf = abs, buf
	return buf, nil
}

// rawEntry reads cluster's entry from the active FAT. Callers hold v.mu.
func (v *Volume) rawEntry(ctx context.Context, cluster uint32) (uint32, error) {
	sector, within, nsec := v.entryLocation(cluster)
	span := v.geom.Type.EntrySpan()

	var entry [4]byte
	first, err := v.activeFATSector(ctx, sector)
	if err != nil {
		return 0, err
	}
	n := copy(entry[:span], first[within:])
	if nsec == 2 {
		second, err := v.activeFATSector(ctx, sector+1)
		if err != nil {
			return 0, err
		}
		copy(entry[n:span], second)
	}
	return v.geom.Type.DecodeEntry(entry[:span], cluster), nil
}

// toSentinel maps a raw FAT value to the chain's width-independent values.
func (v *Volume) toSentinel(raw uint32) uint32 {
	switch v.geom.Type.Classify(raw) {
	case layout.StatusFree:
		return chain.ClusterFree
	case layout.StatusEOF:
		return chain.ClusterEOF
	case layout.StatusBad:
		return chain.ClusterBad
	case layout.StatusData:
		if v.geom.IsDataCluster(raw) {
			return raw
		}
	}
	return chain.ClusterReserved
}

func (v *Volume) fromSentinel(value uint32) (uint32, error) {
	switch {
	case value == chain.ClusterFree:
		return 0, nil
	case value == chain.ClusterEOF:
		return v.geom.Type.EOFMark(), nil
	case value == chain.ClusterBad:
		return v.geom.Type.BadMark(), nil
	case v.geom.IsDataCluster(value):
		return value, nil
	default:
		return 0, fserr.Wrap(fserr.INVAL, "storeToFAT", fmt.Errorf("cannot store %#x", value))
	}
}

func (v *Volume) checkCluster(op string, cluster uint32) error {
	if !v.geom.IsDataCluster(cluster) {
		return fserr.Wrap(fserr.IO, op, fmt.Errorf("cluster %d outside data region [2, %d]", cluster, v.geom.MaxCluster()))
	}
	return nil
}

// FetchFromFAT returns the link stored for cluster.
func (v *Volume) FetchFromFAT(ctx context.Context, cluster uint32) (next uint32, err error) {
	defer func(start time.Time) { v.observe("fetch", start, err) }(time.Now())

	if err := v.checkCluster("fetchFromFAT", cluster); err != nil {
		return 0, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	raw, err := v.rawEntry(ctx, cluster)
	if err != nil {
		return 0, err
	}
	return v.toSentinel(raw), nil
}

// StoreToFAT writes a link into every mirrored FAT copy.
func (v *Volume) StoreToFAT(ctx context.Context, cluster uint32, value uint32) (err error) {
	defer func(start time.Time) { v.observe("store", start, err) }(time.Now())

	if v.readOnly {
		return fserr.New(fserr.ROFS, "storeToFAT")
	}
	if err := v.checkCluster("storeToFAT", cluster); err != nil {
		return err
	}
	raw, err := v.fromSentinel(value)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	old, err := v.rawEntry(ctx, cluster)
	if err != nil {
		return err
	}
	if err := v.putEntry(ctx, cluster, raw); err != nil {
		return err
	}

	if v.freeCount >= 0 {
		wasFree := v.geom.Type.Classify(old) == layout.StatusFree
		switch {
		case wasFree && raw != 0:
			v.freeCount--
		case !wasFree && raw == 0:
			v.freeCount++
		}
	}
	if raw == 0 && cluster < v.nextFree {
		v.nextFree = cluster
	}
	return nil
}

// putEntry encodes raw into cluster's entry of each FAT copy being
// maintained. Callers hold v.mu.
func (v *Volume) putEntry(ctx context.Context, cluster uint32, raw uint32) error {
	sector, within, nsec := v.entryLocation(cluster)
	ss := v.geom.SectorSize

	copies := []int{v.geom.ActiveFAT}
	if v.geom.Mirrored {
		copies = copies[:0]
		for n := 0; n < v.geom.NumFATs; n++ {
			copies = append(copies, n)
		}
	}

	buf := make([]byte, nsec*ss)
	for _, n := range copies {
		abs := v.geom.FATStart(n) + sector
		if err := v.dev.ReadSectors(ctx, abs, buf); err != nil {
			return deviceError("storeToFAT", err)
		}
		v.geom.Type.EncodeEntry(buf[within:], cluster, raw)
		if err := v.dev.WriteSectors(ctx, abs, buf); err != nil {
			v.fatSector = -1
			return deviceError("storeToFAT", err)
		}
		if n == v.geom.ActiveFAT {
			// Refresh the read cache with what is now on disk.
			v.fatSector = -1
			if nsec == 1 {
				v.fatSector, v.fatBuf = abs, append([]byte(nil), buf...)
			}
		}
	}
	return nil
}

// AllocateInFAT claims the first free cluster after the given one (wrapping
// around the data region) and marks it end-of-chain.
func (v *Volume) AllocateInFAT(ctx context.Context, after uint32) (cluster uint32, err error) {
	defer func(start time.Time) { v.observe("allocate", start, err) }(time.Now())

	if v.readOnly {
		return 0, fserr.New(fserr.ROFS, "allocateInFAT")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	start := after + 1
	if !v.geom.IsDataCluster(start) {
		start = v.nextFree
	}
	if !v.geom.IsDataCluster(start) {
		start = 2
	}

	maxCluster := v.geom.MaxCluster()
	c := start
	for scanned := uint32(0); scanned < v.geom.ClusterCount; scanned++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		raw, err := v.rawEntry(ctx, c)
		if err != nil {
			return 0, err
		}
		if v.geom.Type.Classify(raw) == layout.StatusFree {
			if err := v.putEntry(ctx, c, v.geom.Type.EOFMark()); err != nil {
				return 0, err
			}
			if v.freeCount > 0 {
				v.freeCount--
			}
			v.nextFree = c + 1
			return c, nil
		}
		c++
		if c > maxCluster {
			c = 2
		}
	}
	v.freeCount = 0
	return 0, fserr.New(fserr.NOSPC, "allocateInFAT")
}

// FreeClusters counts free clusters, scanning the FAT on first use.
func (v *Volume) FreeClusters(ctx context.Context) (uint32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.freeCount >= 0 {
		return uint32(v.freeCount), nil
	}
	var free uint32
	for c := uint32(2); c <= v.geom.MaxCluster(); c++ {
		raw, err := v.rawEntry(ctx, c)
		if err != nil {
			return 0, err
		}
		if v.geom.Type.Classify(raw) == layout.StatusFree {
			free++
		}
	}
	v.freeCount = int64(free)
	return free, nil
}
