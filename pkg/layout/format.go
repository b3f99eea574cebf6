package layout

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dittofat/internal/logger"
	"github.com/marmos91/dittofat/pkg/fserr"
)

// Target is the sink Format writes a fresh volume to.
type Target interface {
	SectorSize() int
	SectorCount() int64
	WriteSectors(ctx context.Context, index int64, buf []byte) error
}

// FormatOptions controls the layout of a freshly formatted volume. Zero
// values select defaults.
type FormatOptions struct {
	// Type forces FAT12, FAT16 or FAT32. Zero picks one from the volume size.
	Type FATType

	// SectorsPerCluster forces the cluster size. Zero picks the smallest
	// power of two that keeps the cluster count legal for the type.
	SectorsPerCluster int

	// NumFATs is the number of FAT copies (default: 2).
	NumFATs int

	// RootEntries is the size of the FAT12/16 root directory (default: 512,
	// or 224 on floppy-sized volumes). Ignored for FAT32.
	RootEntries int

	// Label is the volume label (default: "NO NAME").
	Label string

	// OEMName is written to the boot sector (default: "DITTOFAT").
	OEMName string

	// VolumeID is the volume serial number. Zero derives one from a random
	// UUID.
	VolumeID uint32

	// Media is the media descriptor byte (default: 0xF8, fixed disk).
	Media uint8
}

const (
	defaultLabel      = "NO NAME"
	defaultOEMName    = "DITTOFAT"
	floppySectors     = 5760
	formatZeroChunk   = 64
	fat32ReservedSecs = 32
	fat32FSInfoSector = 1
	fat32BackupBoot   = 6
	fat32RootCluster  = 2
)

func (o *FormatOptions) applyDefaults(total int64) {
	if o.NumFATs == 0 {
		o.NumFATs = 2
	}
	if o.RootEntries == 0 {
		o.RootEntries = 512
		if total <= floppySectors {
			o.RootEntries = 224
		}
	}
	if o.Label == "" {
		o.Label = defaultLabel
	}
	if o.OEMName == "" {
		o.OEMName = defaultOEMName
	}
	if o.VolumeID == 0 {
		id := uuid.New()
		o.VolumeID = binary.LittleEndian.Uint32(id[:4])
	}
	if o.Media == 0 {
		o.Media = 0xF8
	}
}

// plan is a candidate layout.
type plan struct {
	fatType        FATType
	spc            int
	reserved       int64
	rootDirSectors int64
	rootEntries    int
	fatSectors     int64
	clusters       uint32
}

func autoType(bytes int64) FATType {
	switch {
	case bytes < 16<<20:
		return FAT12
	case bytes < 512<<20:
		return FAT16
	default:
		return FAT32
	}
}

func planFor(t FATType, spc int, ss int, total int64, opts *FormatOptions) (plan, bool) {
	p := plan{fatType: t, spc: spc, reserved: 1}
	if t == FAT32 {
		p.reserved = fat32ReservedSecs
	} else {
		entriesPerSector := ss / DirEntrySize
		p.rootDirSectors = int64((opts.RootEntries + entriesPerSector - 1) / entriesPerSector)
		p.rootEntries = int(p.rootDirSectors) * entriesPerSector
	}

	p.fatSectors = 1
	for {
		data := total - p.reserved - int64(opts.NumFATs)*p.fatSectors - p.rootDirSectors
		if data < int64(spc) {
			return plan{}, false
		}
		p.clusters = uint32(data / int64(spc))
		need := (t.FATBytes(p.clusters) + int64(ss) - 1) / int64(ss)
		if need <= p.fatSectors {
			break
		}
		p.fatSectors = need
	}
	return p, TypeForClusterCount(p.clusters) == t
}

func choosePlan(ss int, total int64, opts *FormatOptions) (plan, error) {
	t := opts.Type
	if t == 0 {
		t = autoType(total * int64(ss))
	}
	if !t.Valid() {
		return plan{}, fserr.New(fserr.INVAL, "format").WithPath(fmt.Sprintf("type %d", int(t)))
	}

	candidates := []int{opts.SectorsPerCluster}
	if opts.SectorsPerCluster == 0 {
		candidates = nil
		for spc := 1; spc <= 128 && spc*ss <= 64<<10; spc <<= 1 {
			candidates = append(candidates, spc)
		}
	}
	for _, spc := range candidates {
		if p, ok := planFor(t, spc, ss, total, opts); ok {
			return p, nil
		}
	}
	return plan{}, fserr.Wrap(fserr.INVAL, "format",
		fmt.Errorf("%d sectors of %d bytes cannot hold a legal %s volume", total, ss, t))
}

// Format writes an empty FAT volume spanning the whole target and returns
// the resulting geometry.
func Format(ctx context.Context, dev Target, opts FormatOptions) (Geometry, error) {
	if err := ctx.Err(); err != nil {
		return Geometry{}, err
	}

	ss := dev.SectorSize()
	total := dev.SectorCount()
	if total > 0xFFFFFFFF {
		total = 0xFFFFFFFF
	}
	opts.applyDefaults(total)

	p, err := choosePlan(ss, total, &opts)
	if err != nil {
		return Geometry{}, err
	}

	// Step 1: zero the metadata regions
	rootStart := p.reserved + int64(opts.NumFATs)*p.fatSectors
	metaEnd := rootStart + p.rootDirSectors
	if p.fatType == FAT32 {
		metaEnd = rootStart + int64(p.spc) // root directory cluster
	}
	if err := zeroSectors(ctx, dev, 0, metaEnd); err != nil {
		return Geometry{}, err
	}

	// Step 2: boot sector (and FAT32 backup + FSInfo)
	bs := p.bootSector(ss, total, &opts)
	raw, _ := bs.MarshalBinary()
	bootBuf := make([]byte, ss)
	copy(bootBuf, raw)
	if err := dev.WriteSectors(ctx, 0, bootBuf); err != nil {
		return Geometry{}, fmt.Errorf("write boot sector: %w", err)
	}
	if p.fatType == FAT32 {
		info := &FSInfo{FreeCount: p.clusters - 1, NextFree: fat32RootCluster + 1}
		rawInfo, _ := info.MarshalBinary()
		infoBuf := make([]byte, ss)
		copy(infoBuf, rawInfo)
		for _, w := range []struct {
			sector int64
			buf    []byte
		}{
			{fat32FSInfoSector, infoBuf},
			{fat32BackupBoot, bootBuf},
			{fat32BackupBoot + fat32FSInfoSector, infoBuf},
		} {
			if err := dev.WriteSectors(ctx, w.sector, w.buf); err != nil {
				return Geometry{}, fmt.Errorf("write FAT32 reserved sector %d: %w", w.sector, err)
			}
		}
	}

	// Step 3: reserved FAT entries in every copy
	fatHead := make([]byte, ss)
	p.fatType.EncodeEntry(fatHead[p.fatType.EntryOffset(0):], 0, p.fatType.MediaMark(opts.Media))
	p.fatType.EncodeEntry(fatHead[p.fatType.EntryOffset(1):], 1, p.fatType.EOFMark())
	if p.fatType == FAT32 {
		p.fatType.EncodeEntry(fatHead[p.fatType.EntryOffset(fat32RootCluster):], fat32RootCluster, p.fatType.EOFMark())
	}
	for n := 0; n < opts.NumFATs; n++ {
		if err := dev.WriteSectors(ctx, p.reserved+int64(n)*p.fatSectors, fatHead); err != nil {
			return Geometry{}, fmt.Errorf("write FAT %d: %w", n, err)
		}
	}

	// Step 4: volume label record
	if opts.Label != defaultLabel {
		rootBuf := make([]byte, ss)
		e := ShortEntry{Name: bs.VolumeLabel, Attr: AttrVolumeID}
		e.SetModTime(time.Now())
		e.Encode(rootBuf)
		if err := dev.WriteSectors(ctx, rootStart, rootBuf); err != nil {
			return Geometry{}, fmt.Errorf("write volume label: %w", err)
		}
	}

	g, err := bs.Geometry()
	if err != nil {
		return Geometry{}, fmt.Errorf("formatted geometry invalid: %w", err)
	}
	logger.Info("Formatted %s volume: %d sectors, %d clusters of %d bytes, label %q",
		g.Type, total, g.ClusterCount, g.ClusterSize(), bs.Label())
	return g, nil
}

func (p plan) bootSector(ss int, total int64, opts *FormatOptions) *BootSector {
	bs := &BootSector{
		BytesPerSector:    uint16(ss),
		SectorsPerCluster: uint8(p.spc),
		ReservedSectors:   uint16(p.reserved),
		NumFATs:           uint8(opts.NumFATs),
		Media:             opts.Media,
		SectorsPerTrack:   63,
		NumHeads:          255,
		DriveNumber:       0x80,
		BootSignature:     extendedBootSig,
		VolumeID:          opts.VolumeID,
	}
	padCopy(bs.OEMName[:], opts.OEMName)
	padCopy(bs.VolumeLabel[:], strings.ToUpper(opts.Label))
	padCopy(bs.FSTypeLabel[:], p.fatType.String())

	if p.fatType == FAT32 {
		bs.JmpBoot = [3]byte{0xEB, 0x58, 0x90}
		bs.TotalSectors32 = uint32(total)
		bs.FATSize32 = uint32(p.fatSectors)
		bs.RootCluster = fat32RootCluster
		bs.FSInfoSector = fat32FSInfoSector
		bs.BackupBootSector = fat32BackupBoot
		return bs
	}

	bs.JmpBoot = [3]byte{0xEB, 0x3C, 0x90}
	bs.RootEntryCount = uint16(p.rootEntries)
	bs.FATSize16 = uint16(p.fatSectors)
	if total < 0x10000 {
		bs.TotalSectors16 = uint16(total)
	} else {
		bs.TotalSectors32 = uint32(total)
	}
	return bs
}

func padCopy(dst []byte, s string) {
	for i := range dst {
		dst[i] = ' '
	}
	copy(dst, s)
}

func zeroSectors(ctx context.Context, dev Target, start, end int64) error {
	ss := int64(dev.SectorSize())
	zero := make([]byte, formatZeroChunk*ss)
	for s := start; s < end; s += formatZeroChunk {
		n := end - s
		if n > formatZeroChunk {
			n = formatZeroChunk
		}
		if err := dev.WriteSectors(ctx, s, zero[:n*ss]); err != nil {
			return fmt.Errorf("zero sectors %d-%d: %w", s, s+n-1, err)
		}
	}
	return nil
}
