package chain

import (
	"context"
	"fmt"

	"github.com/marmos91/dittofat/pkg/fserr"
)

// SectorChain is a fixed run of consecutive sectors. It cannot grow: writes
// past the extent fail with NOSPC and Truncate always fails.
type SectorChain struct {
	base
	firstSector int64
	numSectors  int64
}

// NewSectorChain creates a chain over [firstSector, firstSector+numSectors).
func NewSectorChain(vol Volume, firstSector, numSectors int64) *SectorChain {
	c := &SectorChain{firstSector: firstSector, numSectors: numSectors}
	c.base = base{vol: vol, sectorSize: vol.SectorSize(), self: c}
	return c
}

// FirstSector returns the absolute sector the extent starts at.
func (c *SectorChain) FirstSector() int64 { return c.firstSector }

// NumSectors returns the length of the extent.
func (c *SectorChain) NumSectors() int64 { return c.numSectors }

func (c *SectorChain) String() string {
	return fmt.Sprintf("sector chain [%d+%d]", c.firstSector, c.numSectors)
}

// ReadSectors returns nil when any part of the range lies past the extent.
func (c *SectorChain) ReadSectors(ctx context.Context, i int64, buf []byte) ([]byte, error) {
	if len(buf) == 0 {
		return buf, nil
	}
	n := int64(len(buf) / c.sectorSize)
	if i < 0 || i+n > c.numSectors {
		return nil, nil
	}
	if err := c.vol.ReadSectors(ctx, c.firstSector+i, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *SectorChain) WriteSectors(ctx context.Context, i int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	n := int64(len(data) / c.sectorSize)
	if i < 0 || i+n > c.numSectors {
		return fserr.New(fserr.NOSPC, "writeSectors")
	}
	return c.vol.WriteSectors(ctx, c.firstSector+i, data)
}

// Truncate fails with INVAL: a fixed extent cannot be resized.
func (c *SectorChain) Truncate(ctx context.Context, numSectors int64) error {
	return fserr.New(fserr.INVAL, "truncate")
}
