package layout

import (
	"encoding/binary"
	"fmt"
)

// FATType is the width of a File Allocation Table entry in bits.
type FATType int

const (
	FAT12 FATType = 12
	FAT16 FATType = 16
	FAT32 FATType = 32
)

// Cluster count thresholds from the Microsoft FAT specification. The FAT
// type of a volume is determined by its cluster count alone.
const (
	maxClustersFAT12 = 4084
	maxClustersFAT16 = 65524
)

// TypeForClusterCount returns the FAT type a volume with count data clusters
// must use.
func TypeForClusterCount(count uint32) FATType {
	switch {
	case count <= maxClustersFAT12:
		return FAT12
	case count <= maxClustersFAT16:
		return FAT16
	default:
		return FAT32
	}
}

func (t FATType) String() string {
	switch t {
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	case FAT32:
		return "FAT32"
	default:
		return fmt.Sprintf("FAT(%d)", int(t))
	}
}

// Valid reports whether t is one of the three supported widths.
func (t FATType) Valid() bool {
	return t == FAT12 || t == FAT16 || t == FAT32
}

// prefix is the all-ones high part of the entry that the status range
// constants are ORed onto.
func (t FATType) prefix() uint32 {
	switch t {
	case FAT12:
		return 0xF00
	case FAT16:
		return 0xFF00
	default:
		return 0x0FFFFF00
	}
}

// Mask is the set of significant bits of an entry. FAT32 entries carry four
// reserved high bits that must be preserved on write.
func (t FATType) Mask() uint32 {
	switch t {
	case FAT12:
		return 0xFFF
	case FAT16:
		return 0xFFFF
	default:
		return 0x0FFFFFFF
	}
}

// EOFMark is the canonical end-of-chain value written by this driver.
func (t FATType) EOFMark() uint32 { return t.prefix() | 0xFF }

// BadMark is the value flagging a defective cluster.
func (t FATType) BadMark() uint32 { return t.prefix() | 0xF7 }

// MediaMark returns the value of FAT[0] for the given media descriptor.
func (t FATType) MediaMark(media uint8) uint32 { return t.prefix() | uint32(media) }

// EntryStatus classifies a raw FAT entry.
type EntryStatus int

const (
	StatusFree EntryStatus = iota
	StatusData
	StatusReserved
	StatusBad
	StatusEOF
)

func (s EntryStatus) String() string {
	switch s {
	case StatusFree:
		return "free"
	case StatusData:
		return "data"
	case StatusReserved:
		return "reserved"
	case StatusBad:
		return "bad"
	case StatusEOF:
		return "eof"
	default:
		return "unknown"
	}
}

// Classify returns the status of a masked entry value. A StatusData result
// still has to be range-checked against the volume's cluster count.
func (t FATType) Classify(value uint32) EntryStatus {
	value &= t.Mask()
	p := t.prefix()
	switch {
	case value == 0x00:
		return StatusFree
	case value == 0x01:
		return StatusReserved
	case value >= p|0xF8:
		return StatusEOF
	case value == p|0xF7:
		return StatusBad
	case value >= p|0xF0:
		return StatusReserved
	default:
		return StatusData
	}
}

// EntryOffset returns the byte offset of cluster's entry from the start of a
// FAT copy.
func (t FATType) EntryOffset(cluster uint32) int64 {
	c := int64(cluster)
	switch t {
	case FAT12:
		return c + c/2
	case FAT16:
		return c * 2
	default:
		return c * 4
	}
}

// EntrySpan is the number of bytes starting at EntryOffset that contain the
// entry. A FAT12 entry spans two bytes and may straddle a sector boundary.
func (t FATType) EntrySpan() int {
	if t == FAT32 {
		return 4
	}
	return 2
}

// DecodeEntry extracts cluster's entry from buf, which must begin at
// EntryOffset(cluster) and hold at least EntrySpan bytes.
func (t FATType) DecodeEntry(buf []byte, cluster uint32) uint32 {
	switch t {
	case FAT12:
		v := uint32(binary.LittleEndian.Uint16(buf))
		if cluster&1 == 1 {
			return v >> 4
		}
		return v & 0xFFF
	case FAT16:
		return uint32(binary.LittleEndian.Uint16(buf))
	default:
		return binary.LittleEndian.Uint32(buf) & 0x0FFFFFFF
	}
}

// EncodeEntry stores value as cluster's entry in buf, which must begin at
// EntryOffset(cluster). Neighbouring FAT12 nibbles and the reserved FAT32
// high bits are preserved.
func (t FATType) EncodeEntry(buf []byte, cluster uint32, value uint32) {
	value &= t.Mask()
	switch t {
	case FAT12:
		old := binary.LittleEndian.Uint16(buf)
		var v uint16
		if cluster&1 == 1 {
			v = (old & 0x000F) | uint16(value<<4)
		} else {
			v = (old & 0xF000) | uint16(value)
		}
		binary.LittleEndian.PutUint16(buf, v)
	case FAT16:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	default:
		old := binary.LittleEndian.Uint32(buf)
		binary.LittleEndian.PutUint32(buf, (old&0xF0000000)|value)
	}
}

// FATBytes returns the number of bytes a FAT needs to describe clusters
// data clusters plus the two reserved leading entries.
func (t FATType) FATBytes(clusters uint32) int64 {
	n := int64(clusters) + 2
	switch t {
	case FAT12:
		return (n*3 + 1) / 2
	case FAT16:
		return n * 2
	default:
		return n * 4
	}
}
