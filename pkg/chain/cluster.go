package chain

import (
	"context"
	"fmt"
	"math"

	"github.com/marmos91/dittofat/pkg/fserr"
)

// SectorGroup is a maximal run of physically consecutive sectors.
type SectorGroup struct {
	FirstSector int64
	NumSectors  int64
}

// ClusterChain is a file or directory body threaded through the FAT.
//
// The chain memoizes the clusters it has walked. cache[0] is the first
// cluster; once the walk reaches the end of the chain ClusterEOF is appended
// and stays last. Each FAT link is fetched at most once per instance. The
// FAT remains the source of truth: two ClusterChain values over the same
// first cluster do not see each other's growth.
type ClusterChain struct {
	base
	firstCluster uint32
	cache        []uint32
}

// NewClusterChain creates a chain starting at firstCluster, which must be a
// data cluster.
func NewClusterChain(vol Volume, firstCluster uint32) *ClusterChain {
	c := &ClusterChain{
		firstCluster: firstCluster,
		cache:        []uint32{firstCluster},
	}
	c.base = base{vol: vol, sectorSize: vol.SectorSize(), self: c}
	return c
}

// FirstCluster returns the cluster the chain starts at.
func (c *ClusterChain) FirstCluster() uint32 { return c.firstCluster }

func (c *ClusterChain) String() string {
	return fmt.Sprintf("cluster chain @%d", c.firstCluster)
}

func (c *ClusterChain) cacheIsComplete() bool {
	return c.cache[len(c.cache)-1] == ClusterEOF
}

// maxLinks bounds a walk so a FAT containing a loop fails instead of
// growing the cache forever.
func (c *ClusterChain) maxLinks() int {
	if cc, ok := c.vol.(clusterCounter); ok {
		return int(cc.ClusterCount()) + 1
	}
	return math.MaxInt
}

// extendCacheToInclude walks the FAT until cache index i is known and
// returns it, or ClusterEOF when the chain is shorter.
func (c *ClusterChain) extendCacheToInclude(ctx context.Context, i int) (uint32, error) {
	limit := c.maxLinks()
	for {
		if i < len(c.cache) {
			return c.cache[i], nil
		}
		if c.cacheIsComplete() {
			return ClusterEOF, nil
		}
		if len(c.cache) > limit {
			return 0, fserr.Wrap(fserr.IO, "fetchFromFAT", fmt.Errorf("%s loops", c))
		}

		tail := c.cache[len(c.cache)-1]
		next, err := c.vol.FetchFromFAT(ctx, tail)
		if err != nil {
			return 0, err
		}
		if next != ClusterEOF && !IsDataCluster(next) {
			return 0, fserr.Wrap(fserr.IO, "fetchFromFAT",
				fmt.Errorf("cluster %d links to invalid value %#x", tail, next))
		}
		c.cache = append(c.cache, next)
	}
}

// expandChainToLength allocates clusters until the chain holds n. The cache
// must be complete.
//
// On failure the EOF marker is left off the cache, so the next walk
// re-reads the tail link from the FAT and picks up whatever was linked.
func (c *ClusterChain) expandChainToLength(ctx context.Context, n int) error {
	if !c.cacheIsComplete() {
		panic("chain: expandChainToLength requires a complete cache")
	}
	c.cache = c.cache[:len(c.cache)-1]

	for len(c.cache) < n {
		tail := c.cache[len(c.cache)-1]
		next, err := c.vol.AllocateInFAT(ctx, tail)
		if err != nil {
			return err
		}
		if err := c.vol.StoreToFAT(ctx, tail, next); err != nil {
			return err
		}
		c.cache = append(c.cache, next)
	}
	c.cache = append(c.cache, ClusterEOF)
	return nil
}

// shrinkChainToLength releases clusters past the first max(n, 1). The first
// cluster is owned by the directory entry and is never freed here. The cache
// must be complete.
func (c *ClusterChain) shrinkChainToLength(ctx context.Context, n int) error {
	if !c.cacheIsComplete() {
		panic("chain: shrinkChainToLength requires a complete cache")
	}
	keep := max(n, 1)
	links := c.cache[:len(c.cache)-1]
	if keep >= len(links) {
		return nil
	}

	// Terminate first so a failure part way leaves a valid, shorter chain
	// plus leaked clusters rather than a chain into free space.
	if err := c.vol.StoreToFAT(ctx, links[keep-1], ClusterEOF); err != nil {
		return err
	}
	for len(links) > keep {
		last := links[len(links)-1]
		if err := c.vol.StoreToFAT(ctx, last, ClusterFree); err != nil {
			c.cache = append(links[:keep:keep], ClusterEOF)
			return err
		}
		links = links[:len(links)-1]
	}
	c.cache = append(links, ClusterEOF)
	return nil
}

// determineSectorGroups resolves chain sectors [sectorIdx, sectorIdx+numSectors)
// into physical runs, growing the chain first when allowGrow is set. complete
// reports whether the chain covered the whole range.
func (c *ClusterChain) determineSectorGroups(ctx context.Context, sectorIdx, numSectors int64, allowGrow bool) (groups []SectorGroup, complete bool, err error) {
	if numSectors <= 0 {
		return nil, true, nil
	}
	spc := int64(c.vol.SectorsPerCluster())
	sectorOffset := sectorIdx % spc
	clusterIdx := sectorIdx / spc
	numClusters := (numSectors + sectorOffset + spc - 1) / spc
	chainLength := clusterIdx + numClusters

	last, err := c.extendCacheToInclude(ctx, int(chainLength-1))
	if err != nil {
		return nil, false, err
	}
	if last == ClusterEOF && allowGrow {
		if err := c.expandChainToLength(ctx, int(chainLength)); err != nil {
			return nil, false, err
		}
	}

	remaining := numSectors
	var (
		cur  *SectorGroup
		next uint32
		i    int64
	)
	for i = clusterIdx; i < chainLength; i++ {
		cl := ClusterEOF
		if i < int64(len(c.cache)) {
			cl = c.cache[i]
		}
		if cl == ClusterEOF {
			break
		}
		if cur != nil && cl != next {
			groups = append(groups, *cur)
			cur = nil
		}
		take := min(spc-sectorOffset, remaining)
		if cur == nil {
			cur = &SectorGroup{
				FirstSector: c.vol.FirstSectorOfCluster(cl) + sectorOffset,
				NumSectors:  take,
			}
		} else {
			cur.NumSectors += take
		}
		next = cl + 1
		remaining -= take
		sectorOffset = 0 // only the first group starts mid-cluster
	}
	if cur != nil {
		groups = append(groups, *cur)
	}
	return groups, i == chainLength, nil
}

// ReadSectors reads whole sectors, one volume call per contiguous group.
func (c *ClusterChain) ReadSectors(ctx context.Context, i int64, buf []byte) ([]byte, error) {
	if len(buf) == 0 {
		return buf, nil
	}
	groups, complete, err := c.determineSectorGroups(ctx, i, int64(len(buf)/c.sectorSize), false)
	if err != nil {
		return nil, err
	}
	if !complete {
		return nil, nil
	}

	off := 0
	for _, g := range groups {
		n := int(g.NumSectors) * c.sectorSize
		if err := c.vol.ReadSectors(ctx, g.FirstSector, buf[off:off+n]); err != nil {
			return nil, err
		}
		off += n
	}
	return buf, nil
}

// WriteSectors writes whole sectors, extending the chain as needed.
func (c *ClusterChain) WriteSectors(ctx context.Context, i int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	groups, complete, err := c.determineSectorGroups(ctx, i, int64(len(data)/c.sectorSize), true)
	if err != nil {
		return err
	}
	if !complete {
		return fserr.New(fserr.NOSPC, "writeSectors")
	}

	off := 0
	for _, g := range groups {
		n := int(g.NumSectors) * c.sectorSize
		if err := c.vol.WriteSectors(ctx, g.FirstSector, data[off:off+n]); err != nil {
			return err
		}
		off += n
	}
	return nil
}

// Truncate resizes the chain to the clusters needed for numSectors. A
// chain never drops below its first cluster.
func (c *ClusterChain) Truncate(ctx context.Context, numSectors int64) error {
	if _, err := c.extendCacheToInclude(ctx, math.MaxInt); err != nil {
		return err
	}

	spc := int64(c.vol.SectorsPerCluster())
	current := len(c.cache) - 1
	needed := int((numSectors + spc - 1) / spc)
	switch {
	case needed < current:
		return c.shrinkChainToLength(ctx, needed)
	case needed > current:
		return c.expandChainToLength(ctx, needed)
	default:
		return nil
	}
}

// Clusters returns the clusters walked so far, without the EOF marker.
func (c *ClusterChain) Clusters() []uint32 {
	n := len(c.cache)
	if c.cacheIsComplete() {
		n--
	}
	return append([]uint32(nil), c.cache[:n]...)
}
