// Package fatfs is a POSIX-style filesystem API over a FAT volume.
//
// Every operation runs through a single transaction queue, so the whole
// filesystem observes a strict linear history. Group bundles several
// operations into one queue slot:
//
//	err := fsys.Group(ctx, func(tx *fatfs.Tx) error {
//	    fd, err := tx.Open(ctx, "/log.txt", os.O_WRONLY|os.O_CREATE, 0o644)
//	    if err != nil {
//	        return err
//	    }
//	    defer tx.Close(ctx, fd)
//	    _, err = tx.Write(ctx, fd, data, -1)
//	    return err
//	})
//
// Open paths resolve through a reference-counted registry of shared entries,
// so descriptors open on the same path see the same size and timestamps.
package fatfs

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/dittofat/internal/logger"
	"github.com/marmos91/dittofat/pkg/chain"
	"github.com/marmos91/dittofat/pkg/device"
	"github.com/marmos91/dittofat/pkg/fserr"
	"github.com/marmos91/dittofat/pkg/txn"
	"github.com/marmos91/dittofat/pkg/volume"
)

// DefaultCloseDelay is how long a closed file stays resolved in case it is
// reopened.
const DefaultCloseDelay = 500 * time.Millisecond

// Options configures Mount.
type Options struct {
	// ReadOnly refuses every mutation with ROFS.
	ReadOnly bool

	// NoAtime disables access-date updates on read. Forced on read-only
	// mounts.
	NoAtime bool

	// CloseDelay defers releasing a closed file's shared entry. Zero uses
	// DefaultCloseDelay; a negative value releases at once.
	CloseDelay time.Duration

	// UID and GID are reported as the owner of every file.
	UID uint32
	GID uint32

	// Umask is cleared from the permission bits Stat reports.
	Umask uint32

	// QueueMetrics and VolumeMetrics are optional observers.
	QueueMetrics  txn.Metrics
	VolumeMetrics volume.Metrics
}

// FileSystem is a mounted FAT filesystem.
//
// The embedded Tx runs each call as its own transaction.
type FileSystem struct {
	Tx

	vol  *volume.Volume
	q    *txn.Queue
	opts Options

	// State below is only touched inside the queue.
	reg     *registry
	fds     []*descriptor
	mounted bool

	pendingMu sync.Mutex
	pending   map[*pendingRelease]struct{}
}

// Mount opens the FAT volume on dev.
func Mount(ctx context.Context, dev device.BlockDevice, opts Options) (*FileSystem, error) {
	vol, err := volume.Mount(ctx, dev, volume.Options{
		ReadOnly: opts.ReadOnly,
		Metrics:  opts.VolumeMetrics,
	})
	if err != nil {
		return nil, err
	}
	if vol.ReadOnly() {
		opts.ReadOnly = true
	}
	if opts.ReadOnly {
		opts.NoAtime = true
	}
	if opts.CloseDelay == 0 {
		opts.CloseDelay = DefaultCloseDelay
	}

	fsys := &FileSystem{
		vol:     vol,
		q:       txn.New(opts.QueueMetrics),
		opts:    opts,
		reg:     newRegistry(),
		fds:     make([]*descriptor, firstDescriptor),
		mounted: true,
		pending: make(map[*pendingRelease]struct{}),
	}
	fsys.Tx = Tx{fs: fsys}
	fsys.reg.create("/", newRootEntry(), vol.RootDirectoryChain(), noHandle)
	return fsys, nil
}

// Volume returns the mounted volume.
func (fsys *FileSystem) Volume() *volume.Volume { return fsys.vol }

// Group runs fn as a single transaction. Every call made through tx joins
// it instead of queueing behind later arrivals.
func (fsys *FileSystem) Group(ctx context.Context, fn func(tx *Tx) error) error {
	return fsys.q.Do(ctx, false, func(ctx context.Context) error {
		if !fsys.mounted {
			return errUnmounted
		}
		return fn(fsys.nested())
	})
}

// Unmount closes leftover descriptors, releases deferred entries and flushes
// the volume. The filesystem refuses every later call.
func (fsys *FileSystem) Unmount(ctx context.Context) error {
	return fsys.q.Do(ctx, false, func(ctx context.Context) error {
		if !fsys.mounted {
			return errUnmounted
		}
		var errs []error
		open := 0
		for fd, d := range fsys.fds {
			if d == nil {
				continue
			}
			open++
			fsys.fds[fd] = nil
			errs = append(errs, fsys.release(ctx, d.shared))
		}
		if open > 0 {
			logger.Warn("Unmount closed %d open descriptors", open)
		}
		errs = append(errs, fsys.flushPending(ctx))
		errs = append(errs, fsys.vol.Sync(ctx))
		fsys.mounted = false
		logger.Info("Unmounted %s volume %q", fsys.vol.Type(), fsys.vol.Label())
		return errors.Join(errs...)
	})
}

var errUnmounted = fserr.Wrap(fserr.INVAL, "fatfs", errors.New("filesystem is not mounted"))

// Tx issues filesystem operations. The FileSystem's own Tx queues every
// call; the one handed to a Group callback runs calls inside the group.
type Tx struct {
	fs     *FileSystem
	nested bool
}

func (fsys *FileSystem) nested() *Tx {
	return &Tx{fs: fsys, nested: true}
}

func (t *Tx) run(ctx context.Context, fn txn.Func) error {
	return t.fs.q.Do(ctx, t.nested, func(ctx context.Context) error {
		if !t.fs.mounted {
			return errUnmounted
		}
		return fn(ctx)
	})
}

// splitPath turns a path into its components, relative to root.
func splitPath(name string) []string {
	clean := path.Clean("/" + name)
	if clean == "/" {
		return nil
	}
	return strings.Split(clean[1:], "/")
}

func absolutePath(name string) string {
	return path.Clean("/" + name)
}

// missingChild is the result of resolving a path whose last component does
// not exist but whose parent does. The parent reference is held by the
// caller.
type missingChild struct {
	name   string
	parent handle
}

// resolve returns a retained handle for the path made of steps. With
// prepareForCreate, a missing final component yields a missingChild along
// with the NOENT error.
func (fsys *FileSystem) resolve(ctx context.Context, steps []string, prepareForCreate bool) (handle, *missingChild, error) {
	p := "/" + strings.Join(steps, "/")
	if h, ok := fsys.reg.lookup(p); ok {
		fsys.reg.retain(h)
		return h, nil, nil
	}

	name := steps[len(steps)-1]
	ph, _, err := fsys.resolve(ctx, steps[:len(steps)-1], false)
	if err != nil {
		return noHandle, nil, err
	}
	parent := fsys.reg.get(ph)
	if !parent.entry.isDir() {
		return noHandle, nil, errors.Join(fserr.New(fserr.NOTDIR, "lookup").WithPath(parent.path), fsys.release(ctx, ph))
	}
	if parent.chain == nil {
		return noHandle, nil, errors.Join(fserr.New(fserr.IO, "lookup").WithPath(parent.path), fsys.release(ctx, ph))
	}

	e, err := findInDirectory(ctx, parent.chain, name)
	if err != nil {
		if prepareForCreate && errors.Is(err, fserr.NOENT) {
			return noHandle, &missingChild{name: name, parent: ph}, err
		}
		return noHandle, nil, errors.Join(err, fsys.release(ctx, ph))
	}

	// Index by the stored name so differently cased lookups share an entry.
	canonical := path.Join(parent.path, e.name)
	h, ok := fsys.reg.lookup(canonical)
	if ok {
		fsys.reg.retain(h)
	} else {
		h = fsys.reg.create(canonical, e, fsys.chainFor(e), ph)
	}
	// The child now holds the parent; drop the lookup's own reference.
	return h, nil, fsys.release(ctx, ph)
}

func (fsys *FileSystem) chainFor(e *dirEntry) chain.Chain {
	c := e.firstCluster()
	if !chain.IsDataCluster(c) {
		return nil
	}
	return fsys.vol.ChainForCluster(c)
}

// ensureChain gives a file without clusters its first one, so it can be
// written to.
func (fsys *FileSystem) ensureChain(ctx context.Context, se *sharedEntry) error {
	if se.chain != nil {
		return nil
	}
	c, err := fsys.vol.AllocateInFAT(ctx, 0)
	if err != nil {
		return err
	}
	se.entry.short.SetFirstCluster(c)
	se.chain = fsys.vol.ChainForCluster(c)
	se.chain.SetCacheAdvice(se.advice)
	return se.entry.persist(ctx)
}

// release drops a reference and frees the clusters of unlinked entries
// that are no longer referenced.
func (fsys *FileSystem) release(ctx context.Context, h handle) error {
	var errs []error
	for _, se := range fsys.reg.release(h) {
		if se.unlinked {
			errs = append(errs, fsys.freeClusters(ctx, se))
		}
	}
	return errors.Join(errs...)
}

func (fsys *FileSystem) freeClusters(ctx context.Context, se *sharedEntry) error {
	first := se.entry.firstCluster()
	if !chain.IsDataCluster(first) {
		return nil
	}
	ch := se.chain
	if ch == nil {
		ch = fsys.vol.ChainForCluster(first)
	}
	// Truncate keeps the first cluster; it belongs to the removed record.
	if err := ch.Truncate(ctx, 0); err != nil {
		return err
	}
	logger.Debug("Freed clusters of %s", se.path)
	return fsys.vol.StoreToFAT(ctx, first, chain.ClusterFree)
}

type pendingRelease struct {
	h     handle
	timer *time.Timer
	done  bool // guarded by the queue
}

// scheduleRelease releases h after the close delay. Called inside the
// queue.
func (fsys *FileSystem) scheduleRelease(ctx context.Context, h handle) error {
	if fsys.opts.CloseDelay < 0 {
		return fsys.release(ctx, h)
	}

	p := &pendingRelease{h: h}
	fsys.pendingMu.Lock()
	defer fsys.pendingMu.Unlock()
	fsys.pending[p] = struct{}{}
	p.timer = time.AfterFunc(fsys.opts.CloseDelay, func() {
		err := fsys.q.Do(context.Background(), false, func(ctx context.Context) error {
			return fsys.runPending(ctx, p)
		})
		if err != nil {
			logger.Warn("Deferred release failed: %v", err)
		}
	})
	return nil
}

func (fsys *FileSystem) runPending(ctx context.Context, p *pendingRelease) error {
	if p.done {
		return nil
	}
	p.done = true
	fsys.pendingMu.Lock()
	delete(fsys.pending, p)
	fsys.pendingMu.Unlock()
	return fsys.release(ctx, p.h)
}

// flushPending runs every deferred release now. Called inside the queue.
func (fsys *FileSystem) flushPending(ctx context.Context) error {
	fsys.pendingMu.Lock()
	list := make([]*pendingRelease, 0, len(fsys.pending))
	for p := range fsys.pending {
		list = append(list, p)
	}
	fsys.pendingMu.Unlock()

	var errs []error
	for _, p := range list {
		p.timer.Stop()
		errs = append(errs, fsys.runPending(ctx, p))
	}
	return errors.Join(errs...)
}
