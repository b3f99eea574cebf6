package fatfs

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/marmos91/dittofat/pkg/chain"
	"github.com/marmos91/dittofat/pkg/fserr"
)

// Path operations open the path, run descriptor operations in the same
// transaction and close it again.

var (
	statFlags  = Flags{Read: true, directory: true}
	attrFlags  = Flags{Read: true, Write: true, directory: true, attrOnly: true}
	mkdirFlags = Flags{Read: true, Write: true, Create: true, Exclusive: true, directory: true}
)

// withFile runs fn on a descriptor for name inside one transaction.
func (t *Tx) withFile(ctx context.Context, name string, f Flags, perm os.FileMode, advice chain.CacheAdvice, fn func(ctx context.Context, in *Tx, fd int) error) error {
	return t.run(ctx, func(ctx context.Context) error {
		in := t.fs.nested()
		fd, err := in.open(ctx, name, f, perm)
		if err != nil {
			return err
		}
		if err := in.Fadvise(ctx, fd, 0, 0, advice); err != nil {
			return errors.Join(err, in.Close(ctx, fd))
		}
		err = fn(ctx, in, fd)
		if cerr := in.Close(ctx, fd); err == nil {
			err = cerr
		}
		return err
	})
}

// Stat describes the file or directory at name.
func (t *Tx) Stat(ctx context.Context, name string) (st *Stat, err error) {
	err = t.withFile(ctx, name, statFlags, 0, chain.AdviceNormal, func(ctx context.Context, in *Tx, fd int) error {
		st, err = in.Fstat(ctx, fd)
		return err
	})
	return st, err
}

// Lstat is Stat: FAT has no symbolic links.
func (t *Tx) Lstat(ctx context.Context, name string) (*Stat, error) {
	return t.Stat(ctx, name)
}

// Exists reports whether name resolves.
func (t *Tx) Exists(ctx context.Context, name string) bool {
	_, err := t.Stat(ctx, name)
	return err == nil
}

// ReadFile returns the whole content of name.
func (t *Tx) ReadFile(ctx context.Context, name string) (data []byte, err error) {
	err = t.withFile(ctx, name, ParseFlags(os.O_RDONLY), 0, chain.AdviceNoReuse, func(ctx context.Context, in *Tx, fd int) error {
		st, err := in.Fstat(ctx, fd)
		if err != nil {
			return err
		}
		data = make([]byte, st.Size)
		n, err := in.Read(ctx, fd, data, CurrentPosition)
		data = data[:n]
		return err
	})
	return data, err
}

// WriteFile replaces the content of name, creating it with perm if needed.
func (t *Tx) WriteFile(ctx context.Context, name string, data []byte, perm os.FileMode) error {
	return t.writeFile(ctx, name, data, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
}

// AppendFile appends data to name, creating it with perm if needed.
func (t *Tx) AppendFile(ctx context.Context, name string, data []byte, perm os.FileMode) error {
	return t.writeFile(ctx, name, data, os.O_WRONLY|os.O_CREATE|os.O_APPEND, perm)
}

func (t *Tx) writeFile(ctx context.Context, name string, data []byte, flag int, perm os.FileMode) error {
	return t.withFile(ctx, name, ParseFlags(flag), perm, chain.AdviceNoReuse, func(ctx context.Context, in *Tx, fd int) error {
		_, err := in.Write(ctx, fd, data, CurrentPosition)
		return err
	})
}

// Truncate resizes name.
func (t *Tx) Truncate(ctx context.Context, name string, size int64) error {
	return t.withFile(ctx, name, ParseFlags(os.O_RDWR), 0, chain.AdviceNormal, func(ctx context.Context, in *Tx, fd int) error {
		return in.Ftruncate(ctx, fd, size)
	})
}

// ReadDir returns the sorted names in directory name, without "." and "..".
func (t *Tx) ReadDir(ctx context.Context, name string) (names []string, err error) {
	err = t.withFile(ctx, name, statFlags, 0, chain.AdviceNormal, func(ctx context.Context, in *Tx, fd int) error {
		names, err = in.readdir(ctx, fd)
		return err
	})
	return names, err
}

// Mkdir creates directory name. perm without the owner write bit makes it
// readonly.
func (t *Tx) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	return t.withFile(ctx, name, mkdirFlags, perm, chain.AdviceNormal, func(context.Context, *Tx, int) error {
		return nil
	})
}

// Utimes sets access and modification times of name. A zero time means now.
func (t *Tx) Utimes(ctx context.Context, name string, atime, mtime time.Time) error {
	return t.withFile(ctx, name, attrFlags, 0, chain.AdviceNormal, func(ctx context.Context, in *Tx, fd int) error {
		return in.Futimes(ctx, fd, atime, mtime)
	})
}

// Chmod maps the owner write bit of mode onto the readonly attribute.
func (t *Tx) Chmod(ctx context.Context, name string, mode uint32) error {
	return t.withFile(ctx, name, attrFlags, 0, chain.AdviceNormal, func(ctx context.Context, in *Tx, fd int) error {
		return in.Fchmod(ctx, fd, mode)
	})
}

// Chown resolves name and fails with NOSYS.
func (t *Tx) Chown(ctx context.Context, name string, uid, gid int) error {
	return t.withFile(ctx, name, attrFlags, 0, chain.AdviceNormal, func(ctx context.Context, in *Tx, fd int) error {
		return in.Fchown(ctx, fd, uid, gid)
	})
}

// Readlink resolves name and fails with INVAL: nothing is a symbolic link.
func (t *Tx) Readlink(ctx context.Context, name string) (string, error) {
	err := t.withFile(ctx, name, statFlags, 0, chain.AdviceNormal, func(context.Context, *Tx, int) error {
		return fserr.New(fserr.INVAL, "readlink").WithPath(name)
	})
	return "", err
}

// Realpath resolves name and returns its cleaned absolute form.
func (t *Tx) Realpath(ctx context.Context, name string) (string, error) {
	err := t.withFile(ctx, name, statFlags, 0, chain.AdviceNormal, func(context.Context, *Tx, int) error {
		return nil
	})
	if err != nil {
		return "", err
	}
	return absolutePath(name), nil
}

// Link fails with NOSYS.
func (t *Tx) Link(ctx context.Context, oldname, newname string) error {
	return fserr.New(fserr.NOSYS, "link").WithPath(newname)
}

// Symlink fails with NOSYS.
func (t *Tx) Symlink(ctx context.Context, oldname, newname string) error {
	return fserr.New(fserr.NOSYS, "symlink").WithPath(newname)
}

// Unlink removes file name. Directories are refused with ISDIR. Descriptors
// already open on the file keep working until closed.
func (t *Tx) Unlink(ctx context.Context, name string) error {
	f := Flags{Read: true, Write: true, attrOnly: true}
	return t.withFile(ctx, name, f, 0, chain.AdviceNormal, func(ctx context.Context, in *Tx, fd int) error {
		return in.unlink(ctx, fd)
	})
}
