// Package chain maps the logical sectors of a file or directory onto the
// physical sectors of a FAT volume.
//
// Two shapes exist:
//   - SectorChain: a fixed, contiguous extent (the FAT12/16 root directory)
//   - ClusterChain: a linked list of clusters threaded through the FAT,
//     grown and shrunk on demand
//
// Both expose whole-sector I/O plus byte-range helpers that split arbitrary
// ranges into a partial leading sector, a run of whole sectors and a partial
// trailing sector, so the volume only ever sees sector-aligned transfers.
//
// Chains are not safe for concurrent use. The filesystem runs every
// operation through its transaction queue.
package chain

import (
	"context"
	"fmt"
	"strings"
)

// Sentinel cluster values exchanged with the Volume. They are independent
// of the on-disk FAT width.
const (
	// ClusterFree marks an unallocated cluster.
	ClusterFree uint32 = 0

	// ClusterReserved is returned for reserved FAT values and for links that
	// point outside the data region.
	ClusterReserved uint32 = 0xFFFFFFF0

	// ClusterBad marks a defective cluster.
	ClusterBad uint32 = 0xFFFFFFF7

	// ClusterEOF terminates a chain.
	ClusterEOF uint32 = 0xFFFFFFFF
)

// IsDataCluster reports whether c can be a link in a chain.
func IsDataCluster(c uint32) bool {
	return c >= 2 && c < ClusterReserved
}

// Volume is the contract a chain needs from the mounted filesystem.
type Volume interface {
	// SectorSize returns the size of a sector in bytes.
	SectorSize() int

	// SectorsPerCluster returns the cluster size in sectors.
	SectorsPerCluster() int

	// ReadSectors fills buf, a whole number of sectors, starting at an
	// absolute sector.
	ReadSectors(ctx context.Context, sector int64, buf []byte) error

	// WriteSectors stores buf, a whole number of sectors, starting at an
	// absolute sector. Fails with ROFS on read-only mounts.
	WriteSectors(ctx context.Context, sector int64, buf []byte) error

	// FetchFromFAT returns the link stored for cluster: the next cluster,
	// ClusterEOF, or one of the other sentinels.
	FetchFromFAT(ctx context.Context, cluster uint32) (uint32, error)

	// AllocateInFAT claims a free cluster, searching after the given one,
	// and marks it ClusterEOF. Fails with NOSPC when the volume is full.
	AllocateInFAT(ctx context.Context, after uint32) (uint32, error)

	// StoreToFAT writes a link: ClusterFree frees, ClusterEOF terminates,
	// anything else links cluster to value.
	StoreToFAT(ctx context.Context, cluster uint32, value uint32) error

	// FirstSectorOfCluster maps a data cluster to its first absolute sector.
	FirstSectorOfCluster(cluster uint32) int64
}

// clusterCounter is implemented by volumes that know their cluster count.
// Chains use it to stop walking a FAT that loops.
type clusterCounter interface {
	ClusterCount() uint32
}

// Position addresses a byte within a chain.
type Position struct {
	Sector int64
	Offset int
}

// PositionFromOffset splits a byte offset into sector and intra-sector
// offset.
func PositionFromOffset(off int64, sectorSize int) Position {
	return Position{
		Sector: off / int64(sectorSize),
		Offset: int(off % int64(sectorSize)),
	}
}

// ByteOffset converts the position back to a byte offset.
func (p Position) ByteOffset(sectorSize int) int64 {
	return p.Sector*int64(sectorSize) + int64(p.Offset)
}

// CacheAdvice is the access pattern hint attached to a chain.
type CacheAdvice int

const (
	AdviceNormal CacheAdvice = iota
	AdviceSequential
	AdviceRandom
	AdviceWillNeed
	AdviceDontNeed
	AdviceNoReuse
)

var adviceNames = []string{"NORMAL", "SEQUENTIAL", "RANDOM", "WILLNEED", "DONTNEED", "NOREUSE"}

func (a CacheAdvice) String() string {
	if a >= 0 && int(a) < len(adviceNames) {
		return adviceNames[a]
	}
	return fmt.Sprintf("CacheAdvice(%d)", int(a))
}

// ParseCacheAdvice accepts the advice names case-insensitively.
func ParseCacheAdvice(s string) (CacheAdvice, error) {
	for i, name := range adviceNames {
		if strings.EqualFold(s, name) {
			return CacheAdvice(i), nil
		}
	}
	return AdviceNormal, fmt.Errorf("unknown cache advice %q", s)
}

// Chain is a sequence of sectors addressed from zero.
type Chain interface {
	// SectorSize returns the size of a sector in bytes.
	SectorSize() int

	// CacheAdvice returns the stored access hint.
	CacheAdvice() CacheAdvice

	// SetCacheAdvice stores an access hint.
	SetCacheAdvice(CacheAdvice)

	// ReadSectors fills buf starting at chain sector i. It returns buf, or
	// nil with a nil error when the range extends past the end of the chain.
	ReadSectors(ctx context.Context, i int64, buf []byte) ([]byte, error)

	// WriteSectors stores data starting at chain sector i, growing the chain
	// when it supports growth.
	WriteSectors(ctx context.Context, i int64, data []byte) error

	// Truncate resizes the chain to hold numSectors sectors.
	Truncate(ctx context.Context, numSectors int64) error

	// ReadFromPosition reads len(buf) bytes at pos. A short count with a nil
	// error means the chain ended.
	ReadFromPosition(ctx context.Context, pos Position, buf []byte) (int, error)

	// WriteToPosition writes data at pos.
	WriteToPosition(ctx context.Context, pos Position, data []byte) error

	// ReadAt is ReadFromPosition addressed by byte offset.
	ReadAt(ctx context.Context, buf []byte, off int64) (int, error)

	// WriteAt is WriteToPosition addressed by byte offset.
	WriteAt(ctx context.Context, data []byte, off int64) error
}
