package fatfs

import (
	"io/fs"
	"time"

	"github.com/marmos91/dittofat/pkg/chain"
	"github.com/marmos91/dittofat/pkg/layout"
)

// POSIX file type and permission bits reported in Stat.Mode.
const (
	ModeDir     uint32 = 0o040000
	ModeRegular uint32 = 0o100000

	modePerm       uint32 = 0o777
	modeSpecial    uint32 = 0o7000
	modeChmoddable        = modePerm | modeSpecial
	modeWriteBits  uint32 = 0o222
)

// Stat describes a file.
type Stat struct {
	Name string

	// Mode holds POSIX type and permission bits derived from the
	// attributes: directories are 0777, files 0666, both less the umask and
	// less the write bits when the readonly attribute is set.
	Mode uint32

	Size  int64
	Ino   uint64
	Nlink uint32
	UID   uint32
	GID   uint32

	// BlockSize is the cluster size; Blocks counts 512-byte units.
	BlockSize int64
	Blocks    int64

	// Attr is the raw attribute byte.
	Attr layout.Attr

	ATime time.Time
	MTime time.Time
	// CTime is the creation time: FAT keeps no change time.
	CTime time.Time
}

// IsDir reports whether the entry is a directory.
func (s *Stat) IsDir() bool { return s.Mode&ModeDir != 0 }

// FileMode converts Mode to an io/fs mode.
func (s *Stat) FileMode() fs.FileMode {
	m := fs.FileMode(s.Mode & modePerm)
	if s.IsDir() {
		m |= fs.ModeDir
	}
	return m
}

func (fsys *FileSystem) makeStat(se *sharedEntry) *Stat {
	e := se.entry
	st := &Stat{
		Name:      e.name,
		Size:      e.size(),
		Ino:       uint64(e.firstCluster()),
		Nlink:     1,
		UID:       fsys.opts.UID,
		GID:       fsys.opts.GID,
		BlockSize: int64(fsys.vol.Geometry().ClusterSize()),
		Attr:      e.short.Attr,
		ATime:     e.short.AccessedAt(),
		MTime:     e.short.ModTime(),
		CTime:     e.short.CreatedAt(),
	}
	st.Blocks = (st.Size + 511) / 512

	if e.isDir() {
		st.Mode = ModeDir | modePerm
	} else {
		st.Mode = ModeRegular | 0o666
	}
	st.Mode &^= fsys.opts.Umask & modePerm
	if e.readOnly() {
		st.Mode &^= modeWriteBits
	}

	if e.isRoot() {
		st.Ino = 1
		if cc, ok := se.chain.(*chain.ClusterChain); ok {
			st.Ino = uint64(cc.FirstCluster())
		}
	}
	return st
}
