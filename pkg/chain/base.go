package chain

import (
	"context"
	"fmt"

	"github.com/marmos91/dittofat/internal/logger"
)

// sectorIO is the whole-sector half of a chain, supplied by the concrete
// chain type.
type sectorIO interface {
	ReadSectors(ctx context.Context, i int64, buf []byte) ([]byte, error)
	WriteSectors(ctx context.Context, i int64, data []byte) error
	fmt.Stringer
}

// base implements the byte-range half of Chain on top of sectorIO.
//
// Unaligned ranges are split into up to three parts:
//
//	preface  - tail of the first sector, when the position has an offset
//	main     - whole sectors, transferred straight from/to the caller buffer
//	trailer  - head of the last sector, when the range ends mid-sector
//
// Preface and trailer writes read the sector first and write it back whole.
type base struct {
	vol        Volume
	sectorSize int
	advice     CacheAdvice
	self       sectorIO
}

func (b *base) SectorSize() int {
	return b.sectorSize
}

func (b *base) CacheAdvice() CacheAdvice {
	return b.advice
}

func (b *base) SetCacheAdvice(a CacheAdvice) {
	b.advice = a
}

func (b *base) ReadAt(ctx context.Context, buf []byte, off int64) (int, error) {
	return b.ReadFromPosition(ctx, PositionFromOffset(off, b.sectorSize), buf)
}

func (b *base) WriteAt(ctx context.Context, data []byte, off int64) error {
	return b.WriteToPosition(ctx, PositionFromOffset(off, b.sectorSize), data)
}

func (b *base) ReadFromPosition(ctx context.Context, pos Position, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	ss := b.sectorSize

	// Step 1: preface
	prefaceLen := 0
	if pos.Offset != 0 {
		d, err := b.self.ReadSectors(ctx, pos.Sector, make([]byte, ss))
		if err != nil || d == nil {
			return 0, err
		}
		prefaceLen = copy(buf, d[pos.Offset:])
		if prefaceLen == len(buf) {
			return len(buf), nil
		}
	}

	// Step 2: main run
	trailerLen := (len(buf) - prefaceLen) % ss
	mainSector := pos.Sector
	if prefaceLen > 0 {
		mainSector++
	}
	mainBuf := buf[prefaceLen : len(buf)-trailerLen]
	if len(mainBuf) > 0 {
		d, err := b.self.ReadSectors(ctx, mainSector, mainBuf)
		if err != nil || d == nil {
			return prefaceLen, err
		}
	}
	if trailerLen == 0 {
		return len(buf), nil
	}

	// Step 3: trailer
	trailerSector := mainSector + int64(len(mainBuf)/ss)
	d, err := b.self.ReadSectors(ctx, trailerSector, make([]byte, ss))
	if err != nil || d == nil {
		return len(buf) - trailerLen, err
	}
	copy(buf[len(buf)-trailerLen:], d[:trailerLen])
	return len(buf), nil
}

func (b *base) WriteToPosition(ctx context.Context, pos Position, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	logger.Debug("Writing %d bytes at sector %d+%d in %s", len(data), pos.Sector, pos.Offset, b.self)
	ss := b.sectorSize

	// Step 1: preface
	prefaceLen := 0
	if pos.Offset != 0 {
		prefaceLen = min(ss-pos.Offset, len(data))
		if err := b.modifySector(ctx, pos.Sector, pos.Offset, data[:prefaceLen]); err != nil {
			return err
		}
		if prefaceLen == len(data) {
			return nil
		}
	}

	// Step 2: main run
	trailerLen := (len(data) - prefaceLen) % ss
	mainSector := pos.Sector
	if prefaceLen > 0 {
		mainSector++
	}
	mainData := data[prefaceLen : len(data)-trailerLen]
	if len(mainData) > 0 {
		if err := b.self.WriteSectors(ctx, mainSector, mainData); err != nil {
			return err
		}
	}
	if trailerLen == 0 {
		return nil
	}

	// Step 3: trailer
	trailerSector := mainSector + int64(len(mainData)/ss)
	return b.modifySector(ctx, trailerSector, 0, data[len(data)-trailerLen:])
}

// modifySector overlays data at off within sector sec. A sector past the
// end of the chain starts out zero-filled.
func (b *base) modifySector(ctx context.Context, sec int64, off int, data []byte) error {
	buf := make([]byte, b.sectorSize)
	d, err := b.self.ReadSectors(ctx, sec, buf)
	if err != nil {
		return err
	}
	if d == nil {
		clear(buf)
	}
	copy(buf[off:], data)
	return b.self.WriteSectors(ctx, sec, buf)
}
