package layout

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// BootSectorSize is the size of the BIOS Parameter Block area parsed here.
// Devices with larger sectors carry the same structure in their first
// 512 bytes.
const BootSectorSize = 512

const (
	bootSignatureOffset = 510
	extendedBootSig     = 0x29
)

var (
	// ErrNotFAT is returned when the boot sector lacks the 0x55AA signature or
	// describes an impossible geometry.
	ErrNotFAT = errors.New("not a FAT volume")
)

// BootSector is the decoded BIOS Parameter Block.
//
// Fields mirror the on-disk layout. FAT32 extension fields are zero on
// FAT12/16 volumes, where the drive/volume fields sit directly after the
// common block instead.
type BootSector struct {
	JmpBoot           [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	FATSize16         uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32

	// FAT32 only
	FATSize32        uint32
	ExtFlags         uint16
	FSVersion        uint16
	RootCluster      uint32
	FSInfoSector     uint16
	BackupBootSector uint16

	DriveNumber   uint8
	BootSignature uint8
	VolumeID      uint32
	VolumeLabel   [11]byte
	FSTypeLabel   [8]byte
}

// isFAT32Layout reports whether the extended fields follow the FAT32 layout.
// FAT12/16 volumes always have a non-zero 16-bit FAT size.
func (b *BootSector) isFAT32Layout() bool {
	return b.FATSize16 == 0
}

// ParseBootSector decodes the first sector of a volume.
func ParseBootSector(buf []byte) (*BootSector, error) {
	if len(buf) < BootSectorSize {
		return nil, fmt.Errorf("boot sector too short: %d bytes", len(buf))
	}
	if buf[bootSignatureOffset] != 0x55 || buf[bootSignatureOffset+1] != 0xAA {
		return nil, fmt.Errorf("%w: missing boot signature", ErrNotFAT)
	}

	le := binary.LittleEndian
	b := &BootSector{}
	copy(b.JmpBoot[:], buf[0:3])
	copy(b.OEMName[:], buf[3:11])
	b.BytesPerSector = le.Uint16(buf[11:])
	b.SectorsPerCluster = buf[13]
	b.ReservedSectors = le.Uint16(buf[14:])
	b.NumFATs = buf[16]
	b.RootEntryCount = le.Uint16(buf[17:])
	b.TotalSectors16 = le.Uint16(buf[19:])
	b.Media = buf[21]
	b.FATSize16 = le.Uint16(buf[22:])
	b.SectorsPerTrack = le.Uint16(buf[24:])
	b.NumHeads = le.Uint16(buf[26:])
	b.HiddenSectors = le.Uint32(buf[28:])
	b.TotalSectors32 = le.Uint32(buf[32:])

	info := 36
	if b.isFAT32Layout() {
		b.FATSize32 = le.Uint32(buf[36:])
		b.ExtFlags = le.Uint16(buf[40:])
		b.FSVersion = le.Uint16(buf[42:])
		b.RootCluster = le.Uint32(buf[44:])
		b.FSInfoSector = le.Uint16(buf[48:])
		b.BackupBootSector = le.Uint16(buf[50:])
		info = 64
	}
	b.DriveNumber = buf[info]
	b.BootSignature = buf[info+2]
	b.VolumeID = le.Uint32(buf[info+3:])
	copy(b.VolumeLabel[:], buf[info+7:info+18])
	copy(b.FSTypeLabel[:], buf[info+18:info+26])

	return b, nil
}

// MarshalBinary encodes the boot sector into a BootSectorSize buffer,
// including the trailing signature.
func (b *BootSector) MarshalBinary() ([]byte, error) {
	buf := make([]byte, BootSectorSize)
	le := binary.LittleEndian

	copy(buf[0:3], b.JmpBoot[:])
	copy(buf[3:11], b.OEMName[:])
	le.PutUint16(buf[11:], b.BytesPerSector)
	buf[13] = b.SectorsPerCluster
	le.PutUint16(buf[14:], b.ReservedSectors)
	buf[16] = b.NumFATs
	le.PutUint16(buf[17:], b.RootEntryCount)
	le.PutUint16(buf[19:], b.TotalSectors16)
	buf[21] = b.Media
	le.PutUint16(buf[22:], b.FATSize16)
	le.PutUint16(buf[24:], b.SectorsPerTrack)
	le.PutUint16(buf[26:], b.NumHeads)
	le.PutUint32(buf[28:], b.HiddenSectors)
	le.PutUint32(buf[32:], b.TotalSectors32)

	info := 36
	if b.isFAT32Layout() {
		le.PutUint32(buf[36:], b.FATSize32)
		le.PutUint16(buf[40:], b.ExtFlags)
		le.PutUint16(buf[42:], b.FSVersion)
		le.PutUint32(buf[44:], b.RootCluster)
		le.PutUint16(buf[48:], b.FSInfoSector)
		le.PutUint16(buf[50:], b.BackupBootSector)
		info = 64
	}
	buf[info] = b.DriveNumber
	buf[info+2] = b.BootSignature
	le.PutUint32(buf[info+3:], b.VolumeID)
	copy(buf[info+7:info+18], b.VolumeLabel[:])
	copy(buf[info+18:info+26], b.FSTypeLabel[:])

	buf[bootSignatureOffset] = 0x55
	buf[bootSignatureOffset+1] = 0xAA
	return buf, nil
}

// Label returns the volume label with padding removed.
func (b *BootSector) Label() string {
	return string(bytes.TrimRight(b.VolumeLabel[:], " \x00"))
}

// Geometry is the derived layout of a volume, in sectors.
type Geometry struct {
	Type              FATType
	SectorSize        int
	SectorsPerCluster int
	TotalSectors      int64

	ReservedSectors int64
	NumFATs         int
	FATSectors      int64

	// ActiveFAT is the FAT read from. When Mirrored, writes go to every copy.
	ActiveFAT int
	Mirrored  bool

	// RootDirSector and RootDirSectors locate the fixed root directory of
	// FAT12/16 volumes. Both are zero on FAT32.
	RootDirSector  int64
	RootDirSectors int64

	// RootCluster is the first cluster of the FAT32 root directory.
	RootCluster uint32

	FSInfoSector    int64
	FirstDataSector int64
	ClusterCount    uint32
}

// Geometry validates the boot sector and computes the volume layout using
// the formulas of the Microsoft FAT specification.
func (b *BootSector) Geometry() (Geometry, error) {
	switch b.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return Geometry{}, fmt.Errorf("%w: bytes per sector %d", ErrNotFAT, b.BytesPerSector)
	}
	spc := b.SectorsPerCluster
	if spc == 0 || spc&(spc-1) != 0 {
		return Geometry{}, fmt.Errorf("%w: sectors per cluster %d", ErrNotFAT, spc)
	}
	if b.NumFATs == 0 || b.ReservedSectors == 0 {
		return Geometry{}, fmt.Errorf("%w: no FAT or reserved region", ErrNotFAT)
	}

	ss := int64(b.BytesPerSector)
	rootDirSectors := (int64(b.RootEntryCount)*DirEntrySize + ss - 1) / ss

	fatSz := int64(b.FATSize16)
	if fatSz == 0 {
		fatSz = int64(b.FATSize32)
	}
	totSec := int64(b.TotalSectors16)
	if totSec == 0 {
		totSec = int64(b.TotalSectors32)
	}

	g := Geometry{
		SectorSize:        int(b.BytesPerSector),
		SectorsPerCluster: int(spc),
		TotalSectors:      totSec,
		ReservedSectors:   int64(b.ReservedSectors),
		NumFATs:           int(b.NumFATs),
		FATSectors:        fatSz,
		Mirrored:          true,
		RootDirSectors:    rootDirSectors,
	}
	g.RootDirSector = g.ReservedSectors + int64(g.NumFATs)*fatSz
	g.FirstDataSector = g.RootDirSector + rootDirSectors
	if g.FirstDataSector >= totSec {
		return Geometry{}, fmt.Errorf("%w: data region starts past end of volume", ErrNotFAT)
	}
	g.ClusterCount = uint32((totSec - g.FirstDataSector) / int64(spc))
	g.Type = TypeForClusterCount(g.ClusterCount)

	if g.Type == FAT32 {
		if !b.isFAT32Layout() {
			return Geometry{}, fmt.Errorf("%w: FAT32 cluster count with FAT16 boot sector", ErrNotFAT)
		}
		g.RootDirSector = 0
		g.RootDirSectors = 0
		g.RootCluster = b.RootCluster
		g.FSInfoSector = int64(b.FSInfoSector)
		// Bit 7 set disables mirroring; bits 0-3 then name the active FAT.
		if b.ExtFlags&0x80 != 0 {
			g.Mirrored = false
			g.ActiveFAT = int(b.ExtFlags & 0x0F)
			if g.ActiveFAT >= g.NumFATs {
				return Geometry{}, fmt.Errorf("%w: active FAT %d of %d", ErrNotFAT, g.ActiveFAT, g.NumFATs)
			}
		}
		if g.RootCluster < 2 || g.RootCluster > g.MaxCluster() {
			return Geometry{}, fmt.Errorf("%w: root cluster %d", ErrNotFAT, g.RootCluster)
		}
	}

	if g.Type.FATBytes(g.ClusterCount) > fatSz*ss {
		return Geometry{}, fmt.Errorf("%w: FAT too small for %d clusters", ErrNotFAT, g.ClusterCount)
	}
	return g, nil
}

// MaxCluster is the highest valid data cluster number.
func (g Geometry) MaxCluster() uint32 {
	return g.ClusterCount + 1
}

// IsDataCluster reports whether c addresses an existing data cluster.
func (g Geometry) IsDataCluster(c uint32) bool {
	return c >= 2 && c <= g.MaxCluster()
}

// FirstSectorOfCluster maps a data cluster number to its first sector.
func (g Geometry) FirstSectorOfCluster(c uint32) int64 {
	return g.FirstDataSector + int64(c-2)*int64(g.SectorsPerCluster)
}

// FATStart returns the first sector of FAT copy n.
func (g Geometry) FATStart(n int) int64 {
	return g.ReservedSectors + int64(n)*g.FATSectors
}

// ClusterSize is the size of a cluster in bytes.
func (g Geometry) ClusterSize() int {
	return g.SectorSize * g.SectorsPerCluster
}
