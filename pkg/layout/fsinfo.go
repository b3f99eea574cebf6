package layout

import (
	"encoding/binary"
	"fmt"
)

const (
	fsInfoLeadSig   = 0x41615252
	fsInfoStructSig = 0x61417272
	fsInfoTrailSig  = 0xAA550000

	// FSInfoUnknown marks a free count or next-free hint as not maintained.
	FSInfoUnknown = 0xFFFFFFFF
)

// FSInfo is the FAT32 allocation hint sector. Its values are advisory; the
// FAT itself is authoritative.
type FSInfo struct {
	FreeCount uint32
	NextFree  uint32
}

// ParseFSInfo decodes an FSInfo sector, verifying its three signatures.
func ParseFSInfo(buf []byte) (*FSInfo, error) {
	if len(buf) < BootSectorSize {
		return nil, fmt.Errorf("fsinfo sector too short: %d bytes", len(buf))
	}
	le := binary.LittleEndian
	if le.Uint32(buf[0:]) != fsInfoLeadSig ||
		le.Uint32(buf[484:]) != fsInfoStructSig ||
		le.Uint32(buf[508:]) != fsInfoTrailSig {
		return nil, fmt.Errorf("%w: bad FSInfo signature", ErrNotFAT)
	}
	return &FSInfo{
		FreeCount: le.Uint32(buf[488:]),
		NextFree:  le.Uint32(buf[492:]),
	}, nil
}

// MarshalBinary encodes the sector with its signatures.
func (f *FSInfo) MarshalBinary() ([]byte, error) {
	buf := make([]byte, BootSectorSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], fsInfoLeadSig)
	le.PutUint32(buf[484:], fsInfoStructSig)
	le.PutUint32(buf[488:], f.FreeCount)
	le.PutUint32(buf[492:], f.NextFree)
	le.PutUint32(buf[508:], fsInfoTrailSig)
	return buf, nil
}
