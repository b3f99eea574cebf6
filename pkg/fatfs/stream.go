package fatfs

import (
	"context"
	"io"
	"os"

	"github.com/marmos91/dittofat/pkg/chain"
	"github.com/marmos91/dittofat/pkg/fserr"
)

// ReaderOptions bounds a Reader.
type ReaderOptions struct {
	// Start is the offset of the first byte read.
	Start int64

	// End is the offset one past the last byte read. Zero reads to EOF.
	End int64
}

// Reader streams a file sequentially. Each Read is its own transaction.
type Reader struct {
	fsys   *FileSystem
	ctx    context.Context
	fd     int
	pos    int64
	end    int64
	closed bool
}

var (
	_ io.ReadCloser  = (*Reader)(nil)
	_ io.WriteCloser = (*Writer)(nil)
)

// OpenReader opens name for sequential reading.
func (fsys *FileSystem) OpenReader(ctx context.Context, name string, opts ReaderOptions) (*Reader, error) {
	if opts.Start < 0 || (opts.End != 0 && opts.End < opts.Start) {
		return nil, fserr.New(fserr.INVAL, "openReader").WithPath(name)
	}
	fd, err := fsys.openStream(ctx, name, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return &Reader{fsys: fsys, ctx: ctx, fd: fd, pos: opts.Start, end: opts.End}, nil
}

// openStream opens name and marks it for sequential access in one
// transaction.
func (fsys *FileSystem) openStream(ctx context.Context, name string, flag int, perm os.FileMode) (fd int, err error) {
	err = fsys.Group(ctx, func(tx *Tx) error {
		if fd, err = tx.Open(ctx, name, flag, perm); err != nil {
			return err
		}
		return tx.Fadvise(ctx, fd, 0, 0, chain.AdviceSequential)
	})
	return fd, err
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, fserr.New(fserr.BADF, "read")
	}
	if r.end > 0 {
		if r.pos >= r.end {
			return 0, io.EOF
		}
		if rest := r.end - r.pos; int64(len(p)) > rest {
			p = p[:rest]
		}
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := r.fsys.Read(r.ctx, r.fd, p, r.pos)
	r.pos += int64(n)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Close closes the underlying descriptor. Closing twice is a no-op.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.fsys.Close(r.ctx, r.fd)
}

// Writer streams data into a file sequentially. Each Write is its own
// transaction.
type Writer struct {
	fsys    *FileSystem
	ctx     context.Context
	fd      int
	pos     int64
	written int64
	closed  bool
}

// OpenWriter opens name for sequential writing. flag takes os.O_* values;
// zero means os.O_WRONLY|os.O_CREATE|os.O_TRUNC.
func (fsys *FileSystem) OpenWriter(ctx context.Context, name string, flag int, perm os.FileMode) (*Writer, error) {
	if flag == 0 {
		flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	fd, err := fsys.openStream(ctx, name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &Writer{fsys: fsys, ctx: ctx, fd: fd}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fserr.New(fserr.BADF, "write")
	}
	n, err := w.fsys.Write(w.ctx, w.fd, p, w.pos)
	w.pos += int64(n)
	w.written += int64(n)
	return n, err
}

// BytesWritten returns the total accepted by Write.
func (w *Writer) BytesWritten() int64 { return w.written }

// Close closes the underlying descriptor. Closing twice is a no-op.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.fsys.Close(w.ctx, w.fd)
}
