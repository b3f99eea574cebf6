package fatfs

import (
	"context"
	"os"
	"path"
	"sort"
	"time"

	"github.com/marmos91/dittofat/internal/logger"
	"github.com/marmos91/dittofat/pkg/chain"
	"github.com/marmos91/dittofat/pkg/fserr"
	"github.com/marmos91/dittofat/pkg/layout"
)

// firstDescriptor keeps 0, 1 and 2 free so descriptors never look like the
// standard streams.
const firstDescriptor = 3

// maxFileSize is the largest size a directory record can hold.
const maxFileSize = 0xFFFFFFFF

// CurrentPosition makes Read and Write use (and advance) the descriptor's
// own position.
const CurrentPosition = -1

// Flags are decoded open flags.
type Flags struct {
	Read      bool
	Write     bool
	Append    bool
	Create    bool
	Exclusive bool
	Truncate  bool

	// directory allows opening directories.
	directory bool

	// attrOnly skips the readonly attribute check for metadata updates.
	attrOnly bool
}

// ParseFlags decodes os.O_* flags.
func ParseFlags(flag int) Flags {
	var f Flags
	switch flag & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_WRONLY:
		f.Write = true
	case os.O_RDWR:
		f.Read, f.Write = true, true
	default:
		f.Read = true
	}
	f.Append = flag&os.O_APPEND != 0
	f.Create = flag&os.O_CREATE != 0
	f.Exclusive = flag&os.O_EXCL != 0
	f.Truncate = flag&os.O_TRUNC != 0
	return f
}

// descriptor is one slot of the descriptor table.
type descriptor struct {
	flags  Flags
	shared handle
	pos    int64
}

// allocFD stores d in the lowest free slot.
func (fsys *FileSystem) allocFD(d *descriptor) int {
	for fd := firstDescriptor; fd < len(fsys.fds); fd++ {
		if fsys.fds[fd] == nil {
			fsys.fds[fd] = d
			return fd
		}
	}
	fsys.fds = append(fsys.fds, d)
	return len(fsys.fds) - 1
}

// descriptorFor returns the open descriptor fd and its shared entry, or
// BADF when fd is not open or lacks the access need asks for.
func (fsys *FileSystem) descriptorFor(op string, fd int, need func(Flags) bool) (*descriptor, *sharedEntry, error) {
	if fd < firstDescriptor || fd >= len(fsys.fds) || fsys.fds[fd] == nil {
		return nil, nil, fserr.New(fserr.BADF, op)
	}
	d := fsys.fds[fd]
	if need != nil && !need(d.flags) {
		return nil, nil, fserr.New(fserr.BADF, op)
	}
	return d, fsys.reg.get(d.shared), nil
}

func canRead(f Flags) bool  { return f.Read }
func canWrite(f Flags) bool { return f.Write }

// Open resolves name and returns a descriptor. flag takes os.O_* values.
func (t *Tx) Open(ctx context.Context, name string, flag int, perm os.FileMode) (int, error) {
	return t.open(ctx, name, ParseFlags(flag), perm)
}

func (t *Tx) open(ctx context.Context, name string, f Flags, perm os.FileMode) (fd int, err error) {
	fd = -1
	err = t.run(ctx, func(ctx context.Context) error {
		fsys := t.fs
		if fsys.opts.ReadOnly && (f.Write || f.Create || f.Truncate) {
			return fserr.New(fserr.ROFS, "open").WithPath(name)
		}

		h, missing, err := fsys.resolve(ctx, splitPath(name), f.Create)
		created := false
		switch {
		case err != nil && missing == nil:
			return err
		case err != nil:
			created = true
			h, err = fsys.createChild(ctx, missing, f.directory, perm)
			if rerr := fsys.release(ctx, missing.parent); err == nil {
				err = rerr
			}
			if err != nil {
				return err
			}
		case f.Exclusive:
			return joinRelease(ctx, fsys, h, fserr.New(fserr.EXIST, "open").WithPath(name))
		}

		se := fsys.reg.get(h)
		if se.entry.isDir() && !f.directory {
			return joinRelease(ctx, fsys, h, fserr.New(fserr.ISDIR, "open").WithPath(name))
		}
		// A file created readonly may still be written through this open.
		if f.Write && se.entry.readOnly() && !f.attrOnly && !created {
			return joinRelease(ctx, fsys, h, fserr.New(fserr.ACCES, "open").WithPath(name))
		}

		d := &descriptor{flags: f, shared: h}
		fd = fsys.allocFD(d)
		if f.Append {
			d.pos = se.entry.size()
		}
		if f.directory && se.chain != nil {
			se.chain.SetCacheAdvice(chain.AdviceWillNeed)
		}
		logger.Debug("Opened %s as fd %d", se.path, fd)

		if f.Truncate && se.entry.size() > 0 {
			in := fsys.nested()
			if err := in.Ftruncate(ctx, fd, 0); err != nil {
				_ = in.Close(ctx, fd)
				fd = -1
				return err
			}
		}
		return nil
	})
	return fd, err
}

func joinRelease(ctx context.Context, fsys *FileSystem, h handle, err error) error {
	if rerr := fsys.release(ctx, h); rerr != nil {
		logger.Warn("Release after failed open: %v", rerr)
	}
	return err
}

// createChild adds the missing entry to its parent directory and returns a
// retained handle to it.
func (fsys *FileSystem) createChild(ctx context.Context, m *missingChild, dir bool, perm os.FileMode) (handle, error) {
	parent := fsys.reg.get(m.parent)
	now := time.Now()
	clusterSize := fsys.vol.Geometry().ClusterSize()

	short := layout.ShortEntry{Attr: layout.AttrArchive}
	if perm&0o200 == 0 {
		short.Attr |= layout.AttrReadOnly
	}
	short.SetCreatedAt(now)
	short.SetModTime(now)
	short.SetAccessedAt(now)

	var dirCluster uint32
	if dir {
		short.Attr = layout.AttrDirectory | short.Attr&layout.AttrReadOnly
		c, err := fsys.vol.AllocateInFAT(ctx, 0)
		if err != nil {
			return noHandle, err
		}
		var parentCluster uint32
		if !parent.entry.isRoot() {
			parentCluster = parent.entry.firstCluster()
		}
		if err := initDirectory(ctx, fsys.vol.ChainForCluster(c), clusterSize, c, parentCluster, now); err != nil {
			return noHandle, fsys.abandonCluster(ctx, c, err)
		}
		short.SetFirstCluster(c)
		dirCluster = c
	}

	e, err := addEntry(ctx, parent.chain, clusterSize, m.name, short)
	if err != nil {
		if dir {
			return noHandle, fsys.abandonCluster(ctx, dirCluster, err)
		}
		return noHandle, err
	}
	logger.Debug("Created %s in %s", e.name, parent.path)
	return fsys.reg.create(path.Join(parent.path, e.name), e, fsys.chainFor(e), m.parent), nil
}

// abandonCluster frees a cluster allocated for an entry that could not be
// created, keeping the original error.
func (fsys *FileSystem) abandonCluster(ctx context.Context, c uint32, cause error) error {
	if err := fsys.vol.StoreToFAT(ctx, c, chain.ClusterFree); err != nil {
		logger.Warn("Leaked cluster %d: %v", c, err)
	}
	return cause
}

// Close invalidates fd. Its shared entry is released after the close delay.
func (t *Tx) Close(ctx context.Context, fd int) error {
	return t.run(ctx, func(ctx context.Context) error {
		d, _, err := t.fs.descriptorFor("close", fd, nil)
		if err != nil {
			return err
		}
		t.fs.fds[fd] = nil
		return t.fs.scheduleRelease(ctx, d.shared)
	})
}

// Read reads up to len(buf) bytes at pos, or at the descriptor position
// when pos is CurrentPosition. It returns 0 at end of file.
func (t *Tx) Read(ctx context.Context, fd int, buf []byte, pos int64) (n int, err error) {
	err = t.run(ctx, func(ctx context.Context) error {
		d, se, err := t.fs.descriptorFor("read", fd, canRead)
		if err != nil {
			return err
		}
		p := pos
		if p < 0 {
			p = d.pos
		}
		want := min(int64(len(buf)), se.entry.size()-p)
		if want <= 0 {
			d.pos = p
			return nil
		}
		if se.chain == nil {
			return fserr.New(fserr.IO, "read").WithPath(se.path)
		}

		n, err = se.chain.ReadAt(ctx, buf[:want], p)
		d.pos = p + int64(n)
		if err != nil || t.fs.opts.NoAtime {
			return err
		}
		se.entry.short.SetAccessedAt(time.Now())
		return se.entry.persist(ctx)
	})
	return n, err
}

// Write writes data at pos, or at the descriptor position when pos is
// CurrentPosition. Append descriptors always write at the end. Writing past
// the end fills the gap with zeros.
func (t *Tx) Write(ctx context.Context, fd int, data []byte, pos int64) (n int, err error) {
	err = t.run(ctx, func(ctx context.Context) error {
		fsys := t.fs
		d, se, err := fsys.descriptorFor("write", fd, canWrite)
		if err != nil {
			return err
		}
		if se.entry.isDir() {
			return fserr.New(fserr.ISDIR, "write").WithPath(se.path)
		}

		size := se.entry.size()
		p := pos
		switch {
		case d.flags.Append:
			p = size
		case p < 0:
			p = d.pos
		}
		if len(data) == 0 {
			d.pos = p
			return nil
		}
		if p+int64(len(data)) > maxFileSize {
			return fserr.New(fserr.NOSPC, "write").WithPath(se.path)
		}

		if p > size {
			if err := fsys.growFile(ctx, se, p); err != nil {
				return err
			}
		}
		if err := fsys.ensureChain(ctx, se); err != nil {
			return err
		}
		if err := se.chain.WriteAt(ctx, data, p); err != nil {
			return err
		}

		d.pos = p + int64(len(data))
		n = len(data)
		touch(se.entry, max(size, d.pos))
		return se.entry.persist(ctx)
	})
	return n, err
}

// touch records a content change.
func touch(e *dirEntry, size int64) {
	e.short.Size = uint32(size)
	e.short.SetModTime(time.Now())
	e.short.Attr |= layout.AttrArchive
}

// growFile zero-fills the file of se from its recorded size up to size.
// The chain is grown before anything is written, so a volume without room
// fails with NOSPC up front and the clusters taken so far are given back.
// Zeros go out one cluster at a time.
func (fsys *FileSystem) growFile(ctx context.Context, se *sharedEntry, size int64) error {
	cur := se.entry.size()
	if err := fsys.ensureChain(ctx, se); err != nil {
		return err
	}

	ss := int64(se.chain.SectorSize())
	if err := se.chain.Truncate(ctx, (size+ss-1)/ss); err != nil {
		if rerr := se.chain.Truncate(ctx, (cur+ss-1)/ss); rerr != nil {
			logger.Warn("Failed to release clusters of %s after failed growth: %v", se.path, rerr)
		}
		return err
	}

	zeros := make([]byte, min(size-cur, int64(fsys.vol.Geometry().ClusterSize())))
	for off := cur; off < size; {
		n := min(size-off, int64(len(zeros)))
		if err := se.chain.WriteAt(ctx, zeros[:n], off); err != nil {
			return err
		}
		off += n
	}
	return nil
}

// Ftruncate resizes the file open as fd.
func (t *Tx) Ftruncate(ctx context.Context, fd int, size int64) error {
	return t.run(ctx, func(ctx context.Context) error {
		fsys := t.fs
		_, se, err := fsys.descriptorFor("ftruncate", fd, canWrite)
		if err != nil {
			return err
		}
		if se.entry.isDir() {
			return fserr.New(fserr.ISDIR, "ftruncate").WithPath(se.path)
		}
		if size < 0 || size > maxFileSize {
			return fserr.New(fserr.INVAL, "ftruncate").WithPath(se.path)
		}

		cur := se.entry.size()
		switch {
		case size == cur:
			return nil
		case size < cur:
			// Shrink the record first so a failure part way leaves leaked
			// clusters rather than a size beyond the chain.
			touch(se.entry, size)
			if err := se.entry.persist(ctx); err != nil {
				return err
			}
			if se.chain == nil {
				return nil
			}
			ss := int64(se.chain.SectorSize())
			return se.chain.Truncate(ctx, (size+ss-1)/ss)
		default:
			if err := fsys.growFile(ctx, se, size); err != nil {
				return err
			}
			touch(se.entry, size)
			return se.entry.persist(ctx)
		}
	})
}

// Fstat describes the file open as fd.
func (t *Tx) Fstat(ctx context.Context, fd int) (st *Stat, err error) {
	err = t.run(ctx, func(ctx context.Context) error {
		_, se, err := t.fs.descriptorFor("fstat", fd, canRead)
		if err != nil {
			return err
		}
		st = t.fs.makeStat(se)
		return nil
	})
	return st, err
}

// Futimes sets the access and modification times. A zero time means now.
func (t *Tx) Futimes(ctx context.Context, fd int, atime, mtime time.Time) error {
	return t.run(ctx, func(ctx context.Context) error {
		_, se, err := t.fs.descriptorFor("futimes", fd, canWrite)
		if err != nil {
			return err
		}
		now := time.Now()
		if atime.IsZero() {
			atime = now
		}
		if mtime.IsZero() {
			mtime = now
		}
		se.entry.short.SetAccessedAt(atime)
		se.entry.short.SetModTime(mtime)
		return se.entry.persist(ctx)
	})
}

// Fchmod maps the owner write bit of mode onto the readonly attribute.
func (t *Tx) Fchmod(ctx context.Context, fd int, mode uint32) error {
	return t.run(ctx, func(ctx context.Context) error {
		_, se, err := t.fs.descriptorFor("fchmod", fd, canWrite)
		if err != nil {
			return err
		}
		mode &= modeChmoddable
		if mode&0o200 == 0 {
			se.entry.short.Attr |= layout.AttrReadOnly
		} else {
			se.entry.short.Attr &^= layout.AttrReadOnly
		}
		return se.entry.persist(ctx)
	})
}

// Fchown always fails with NOSYS: FAT records no owners.
func (t *Tx) Fchown(ctx context.Context, fd int, uid, gid int) error {
	return t.run(ctx, func(ctx context.Context) error {
		if _, _, err := t.fs.descriptorFor("fchown", fd, canWrite); err != nil {
			return err
		}
		return fserr.New(fserr.NOSYS, "fchown")
	})
}

// Fsync flushes the volume.
func (t *Tx) Fsync(ctx context.Context, fd int) error {
	return t.run(ctx, func(ctx context.Context) error {
		if _, _, err := t.fs.descriptorFor("fsync", fd, nil); err != nil {
			return err
		}
		return t.fs.vol.Sync(ctx)
	})
}

// Fadvise records a caching hint for the whole file; off and length must
// both be zero.
func (t *Tx) Fadvise(ctx context.Context, fd int, off, length int64, advice chain.CacheAdvice) error {
	return t.run(ctx, func(ctx context.Context) error {
		_, se, err := t.fs.descriptorFor("fadvise", fd, nil)
		if err != nil {
			return err
		}
		if off != 0 || length != 0 {
			return fserr.New(fserr.INVAL, "fadvise").WithPath(se.path)
		}
		se.advice = advice
		if se.chain != nil {
			se.chain.SetCacheAdvice(advice)
		}
		return nil
	})
}

// readdir lists the directory open as fd, sorted.
func (t *Tx) readdir(ctx context.Context, fd int) (names []string, err error) {
	err = t.run(ctx, func(ctx context.Context) error {
		_, se, err := t.fs.descriptorFor("readdir", fd, canRead)
		if err != nil {
			return err
		}
		if !se.entry.isDir() {
			return fserr.New(fserr.NOTDIR, "readdir").WithPath(se.path)
		}
		if se.chain == nil {
			return fserr.New(fserr.IO, "readdir").WithPath(se.path)
		}
		if names, err = listDirectory(ctx, se.chain); err != nil {
			return err
		}
		sort.Strings(names)
		if names == nil {
			names = []string{}
		}
		return nil
	})
	return names, err
}

// unlink removes the record of the file open as fd. Its clusters are freed
// once the last descriptor on it is released.
func (t *Tx) unlink(ctx context.Context, fd int) error {
	return t.run(ctx, func(ctx context.Context) error {
		d, se, err := t.fs.descriptorFor("unlink", fd, canWrite)
		if err != nil {
			return err
		}
		if err := se.entry.remove(ctx); err != nil {
			return err
		}
		t.fs.reg.unindex(d.shared)
		logger.Debug("Unlinked %s", se.path)
		return nil
	})
}
