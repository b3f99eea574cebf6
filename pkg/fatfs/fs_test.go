package fatfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dittofat/pkg/device"
	"github.com/marmos91/dittofat/pkg/fserr"
	"github.com/marmos91/dittofat/pkg/layout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const floppySectors = 2880

func formatDevice(t *testing.T, sectors int64, fmtOpts layout.FormatOptions) *device.MemoryDevice {
	t.Helper()
	dev, err := device.NewMemory(device.MemoryConfig{SectorCount: sectors})
	require.NoError(t, err)
	_, err = layout.Format(context.Background(), dev, fmtOpts)
	require.NoError(t, err)
	return dev
}

// mountDevice mounts dev, releasing closed entries at once unless opts says
// otherwise.
func mountDevice(t *testing.T, dev device.BlockDevice, opts Options) *FileSystem {
	t.Helper()
	if opts.CloseDelay == 0 {
		opts.CloseDelay = -1
	}
	fsys, err := Mount(context.Background(), dev, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsys.Unmount(context.Background()) })
	return fsys
}

func newFS(t *testing.T) *FileSystem {
	t.Helper()
	return mountDevice(t, formatDevice(t, floppySectors, layout.FormatOptions{}), Options{})
}

// liveEntries counts indexed shared entries from inside the queue.
func liveEntries(t *testing.T, fsys *FileSystem) int {
	t.Helper()
	var n int
	require.NoError(t, fsys.q.Do(context.Background(), false, func(context.Context) error {
		n = fsys.reg.live()
		return nil
	}))
	return n
}

func freeClusters(t *testing.T, fsys *FileSystem) uint32 {
	t.Helper()
	var n uint32
	require.NoError(t, fsys.Group(context.Background(), func(*Tx) error {
		var err error
		n, err = fsys.vol.FreeClusters(context.Background())
		return err
	}))
	return n
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func TestWriteReadFile(t *testing.T) {
	tests := []struct {
		name    string
		sectors int64
		opts    layout.FormatOptions
	}{
		{"FAT12", floppySectors, layout.FormatOptions{}},
		{"FAT16", 65536, layout.FormatOptions{}},
		{"FAT32", 70000, layout.FormatOptions{Type: layout.FAT32}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			fsys := mountDevice(t, formatDevice(t, tt.sectors, tt.opts), Options{})

			data := pattern(5000)
			require.NoError(t, fsys.WriteFile(ctx, "/data.bin", data, 0o644))

			got, err := fsys.ReadFile(ctx, "/data.bin")
			require.NoError(t, err)
			assert.Equal(t, data, got)

			st, err := fsys.Stat(ctx, "/data.bin")
			require.NoError(t, err)
			assert.Equal(t, int64(5000), st.Size)
			assert.False(t, st.IsDir())
			assert.Equal(t, "data.bin", st.Name)
		})
	}
}

func TestContentSurvivesRemount(t *testing.T) {
	ctx := context.Background()
	dev := formatDevice(t, floppySectors, layout.FormatOptions{})

	fsys, err := Mount(ctx, dev, Options{CloseDelay: -1})
	require.NoError(t, err)
	require.NoError(t, fsys.Mkdir(ctx, "/docs", 0o755))
	require.NoError(t, fsys.WriteFile(ctx, "/docs/Quarterly Report.txt", []byte("numbers"), 0o644))
	require.NoError(t, fsys.Unmount(ctx))

	again := mountDevice(t, dev, Options{})
	got, err := again.ReadFile(ctx, "/docs/Quarterly Report.txt")
	require.NoError(t, err)
	assert.Equal(t, "numbers", string(got))

	names, err := again.ReadDir(ctx, "/docs")
	require.NoError(t, err)
	assert.Equal(t, []string{"Quarterly Report.txt"}, names)
}

func TestOpenErrors(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t)
	require.NoError(t, fsys.WriteFile(ctx, "/file", []byte("x"), 0o644))
	require.NoError(t, fsys.WriteFile(ctx, "/locked", []byte("x"), 0o444))
	require.NoError(t, fsys.Mkdir(ctx, "/dir", 0o755))

	tests := []struct {
		name string
		path string
		flag int
		want fserr.Code
	}{
		{"missing", "/nope", os.O_RDONLY, fserr.NOENT},
		{"missing parent", "/nope/child", os.O_RDWR | os.O_CREATE, fserr.NOENT},
		{"exclusive on existing", "/file", os.O_RDWR | os.O_CREATE | os.O_EXCL, fserr.EXIST},
		{"directory", "/dir", os.O_RDONLY, fserr.ISDIR},
		{"through a file", "/file/child", os.O_RDONLY, fserr.NOTDIR},
		{"write readonly", "/locked", os.O_WRONLY, fserr.ACCES},
		{"invalid name", "/bad?name", os.O_RDWR | os.O_CREATE, fserr.INVAL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fd, err := fsys.Open(ctx, tt.path, tt.flag, 0o644)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, -1, fd)
		})
	}

	// Failed opens must not leave anything referenced.
	assert.Equal(t, 1, liveEntries(t, fsys))
}

func TestDescriptorNumbering(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t)

	a, err := fsys.Open(ctx, "/a", os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	b, err := fsys.Open(ctx, "/b", os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	assert.Equal(t, 3, a)
	assert.Equal(t, 4, b)

	require.NoError(t, fsys.Close(ctx, a))
	c, err := fsys.Open(ctx, "/c", os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	assert.Equal(t, 3, c, "lowest free slot is reused")

	require.NoError(t, fsys.Close(ctx, b))
	require.NoError(t, fsys.Close(ctx, c))
}

func TestBadDescriptors(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t)
	require.NoError(t, fsys.WriteFile(ctx, "/f", []byte("hello"), 0o644))

	ro, err := fsys.Open(ctx, "/f", os.O_RDONLY, 0)
	require.NoError(t, err)
	wo, err := fsys.Open(ctx, "/f", os.O_WRONLY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsys.Close(ctx, wo) })

	_, err = fsys.Write(ctx, ro, []byte("x"), 0)
	assert.ErrorIs(t, err, fserr.BADF)
	_, err = fsys.Read(ctx, wo, make([]byte, 1), 0)
	assert.ErrorIs(t, err, fserr.BADF)
	_, err = fsys.Fstat(ctx, wo)
	assert.ErrorIs(t, err, fserr.BADF)
	assert.ErrorIs(t, fsys.Ftruncate(ctx, ro, 0), fserr.BADF)

	for _, fd := range []int{-1, 0, 1, 2, 99} {
		assert.ErrorIs(t, fsys.Close(ctx, fd), fserr.BADF, "fd %d", fd)
	}

	require.NoError(t, fsys.Close(ctx, ro))
	assert.ErrorIs(t, fsys.Close(ctx, ro), fserr.BADF, "double close")
}

func TestReadWritePositions(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t)

	fd, err := fsys.Open(ctx, "/pos", os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer fsys.Close(ctx, fd)

	n, err := fsys.Write(ctx, fd, []byte("hello "), CurrentPosition)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, err = fsys.Write(ctx, fd, []byte("world"), CurrentPosition)
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err = fsys.Read(ctx, fd, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf[:n]))

	// The descriptor position now sits at the end.
	n, err = fsys.Read(ctx, fd, buf, CurrentPosition)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = fsys.Read(ctx, fd, buf[:3], 6)
	require.NoError(t, err)
	assert.Equal(t, "wor", string(buf[:n]))
	n, err = fsys.Read(ctx, fd, buf[:5], CurrentPosition)
	require.NoError(t, err)
	assert.Equal(t, "ld", string(buf[:n]))
}

func TestWritePastEndZeroFills(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t)
	require.NoError(t, fsys.WriteFile(ctx, "/gap", []byte("abc"), 0o644))

	// Cross a cluster boundary with the gap.
	err := fsys.Group(ctx, func(tx *Tx) error {
		fd, err := tx.Open(ctx, "/gap", os.O_RDWR, 0)
		if err != nil {
			return err
		}
		defer tx.Close(ctx, fd)
		_, err = tx.Write(ctx, fd, []byte("xyz"), 1000)
		return err
	})
	require.NoError(t, err)

	got, err := fsys.ReadFile(ctx, "/gap")
	require.NoError(t, err)
	require.Len(t, got, 1003)
	assert.Equal(t, "abc", string(got[:3]))
	assert.Equal(t, make([]byte, 997), got[3:1000])
	assert.Equal(t, "xyz", string(got[1000:]))
}

func TestZeroLengthWriteChangesNothing(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t)
	require.NoError(t, fsys.WriteFile(ctx, "/a.txt", []byte("hello"), 0o644))
	require.NoError(t, fsys.WriteFile(ctx, "/empty", nil, 0o644))
	before := freeClusters(t, fsys)

	tests := []struct {
		name string
		path string
		size int64
	}{
		{"past end of data", "/a.txt", 5},
		{"file without clusters", "/empty", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fd, err := fsys.Open(ctx, tt.path, os.O_RDWR, 0)
			require.NoError(t, err)
			defer func() { require.NoError(t, fsys.Close(ctx, fd)) }()

			n, err := fsys.Write(ctx, fd, nil, 4000)
			require.NoError(t, err)
			assert.Zero(t, n)

			st, err := fsys.Fstat(ctx, fd)
			require.NoError(t, err)
			assert.Equal(t, tt.size, st.Size)

			// The position still moves.
			n, err = fsys.Read(ctx, fd, make([]byte, 8), CurrentPosition)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}

	assert.Equal(t, before, freeClusters(t, fsys))
	got, err := fsys.ReadFile(ctx, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestGrowBeyondVolumeFails(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t)
	require.NoError(t, fsys.WriteFile(ctx, "/big", []byte("hello"), 0o644))
	before := freeClusters(t, fsys)

	assert.ErrorIs(t, fsys.Truncate(ctx, "/big", 1<<30), fserr.NOSPC)
	assert.Equal(t, before, freeClusters(t, fsys), "clusters of a failed truncate are given back")

	fd, err := fsys.Open(ctx, "/big", os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = fsys.Write(ctx, fd, []byte("x"), maxFileSize-1)
	assert.ErrorIs(t, err, fserr.NOSPC)
	require.NoError(t, fsys.Close(ctx, fd))
	assert.Equal(t, before, freeClusters(t, fsys), "clusters of a failed write are given back")

	got, err := fsys.ReadFile(ctx, "/big")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	// Growth that fits still works afterwards and reads back as zeros.
	require.NoError(t, fsys.Truncate(ctx, "/big", 5000))
	got, err = fsys.ReadFile(ctx, "/big")
	require.NoError(t, err)
	require.Len(t, got, 5000)
	assert.Equal(t, make([]byte, 4995), got[5:])
}

func TestAppend(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t)

	require.NoError(t, fsys.AppendFile(ctx, "/log", []byte("one\n"), 0o644))
	require.NoError(t, fsys.AppendFile(ctx, "/log", []byte("two\n"), 0o644))

	// Append descriptors ignore the requested position.
	fd, err := fsys.Open(ctx, "/log", os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = fsys.Write(ctx, fd, []byte("three\n"), 0)
	require.NoError(t, err)
	require.NoError(t, fsys.Close(ctx, fd))

	got, err := fsys.ReadFile(ctx, "/log")
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\n", string(got))
}

func TestTruncate(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t)
	before := freeClusters(t, fsys)

	data := pattern(2000)
	require.NoError(t, fsys.WriteFile(ctx, "/t", data, 0o644))
	assert.Equal(t, before-4, freeClusters(t, fsys), "2000 bytes take four 512-byte clusters")

	require.NoError(t, fsys.Truncate(ctx, "/t", 100))
	assert.Equal(t, before-1, freeClusters(t, fsys))
	got, err := fsys.ReadFile(ctx, "/t")
	require.NoError(t, err)
	assert.Equal(t, data[:100], got)

	require.NoError(t, fsys.Truncate(ctx, "/t", 1000))
	got, err = fsys.ReadFile(ctx, "/t")
	require.NoError(t, err)
	require.Len(t, got, 1000)
	assert.Equal(t, data[:100], got[:100])
	assert.Equal(t, make([]byte, 900), got[100:], "growth reads back as zeros")

	// O_TRUNC empties the file.
	require.NoError(t, fsys.WriteFile(ctx, "/t", nil, 0o644))
	st, err := fsys.Stat(ctx, "/t")
	require.NoError(t, err)
	assert.Zero(t, st.Size)

	assert.ErrorIs(t, fsys.Truncate(ctx, "/t", -1), fserr.INVAL)
}

func TestMkdirAndReadDir(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t)

	require.NoError(t, fsys.Mkdir(ctx, "/a", 0o755))
	require.NoError(t, fsys.Mkdir(ctx, "/a/b", 0o755))
	require.NoError(t, fsys.WriteFile(ctx, "/a/b/c.txt", []byte("deep"), 0o644))
	require.NoError(t, fsys.WriteFile(ctx, "/a/z.txt", nil, 0o644))

	assert.ErrorIs(t, fsys.Mkdir(ctx, "/a", 0o755), fserr.EXIST)
	assert.ErrorIs(t, fsys.Mkdir(ctx, "/missing/x", 0o755), fserr.NOENT)

	names, err := fsys.ReadDir(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, names)

	names, err = fsys.ReadDir(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "z.txt"}, names)

	_, err = fsys.ReadDir(ctx, "/a/z.txt")
	assert.ErrorIs(t, err, fserr.NOTDIR)

	st, err := fsys.Stat(ctx, "/a/b")
	require.NoError(t, err)
	assert.True(t, st.IsDir())
	assert.Equal(t, ModeDir|0o777, st.Mode)

	got, err := fsys.ReadFile(ctx, "/a/b/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "deep", string(got))

	names, err = fsys.ReadDir(ctx, "/a/b/..")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "z.txt"}, names, "paths are cleaned before lookup")
}

func TestDirectoryGrows(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t)
	require.NoError(t, fsys.Mkdir(ctx, "/many", 0o755))

	// A 512-byte cluster holds 16 records, two of them "." and "..".
	var want []string
	for i := 0; i < 40; i++ {
		name := fmt.Sprintf("file%02d.txt", i)
		want = append(want, name)
		require.NoError(t, fsys.WriteFile(ctx, "/many/"+name, []byte(name), 0o644))
	}

	names, err := fsys.ReadDir(ctx, "/many")
	require.NoError(t, err)
	assert.Equal(t, want, names)

	got, err := fsys.ReadFile(ctx, "/many/file39.txt")
	require.NoError(t, err)
	assert.Equal(t, "file39.txt", string(got))
}

func TestFixedRootDirectoryFills(t *testing.T) {
	ctx := context.Background()
	fsys := mountDevice(t, formatDevice(t, floppySectors, layout.FormatOptions{RootEntries: 16}), Options{})

	for i := 0; i < 16; i++ {
		require.NoError(t, fsys.WriteFile(ctx, fmt.Sprintf("/F%d", i), nil, 0o644))
	}
	err := fsys.WriteFile(ctx, "/ONEMORE", nil, 0o644)
	assert.ErrorIs(t, err, fserr.NOSPC)
}

func TestLongAndShortNames(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t)

	require.NoError(t, fsys.WriteFile(ctx, "/Long Name One.txt", []byte("1"), 0o644))
	require.NoError(t, fsys.WriteFile(ctx, "/Long Name Two.txt", []byte("2"), 0o644))
	require.NoError(t, fsys.WriteFile(ctx, "/readme.txt", []byte("r"), 0o644))

	names, err := fsys.ReadDir(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"Long Name One.txt", "Long Name Two.txt", "readme.txt"}, names)

	tests := []struct {
		lookup string
		name   string
	}{
		{"/long name one.TXT", "Long Name One.txt"},
		{"/LONGNA~1.TXT", "Long Name One.txt"},
		{"/LONGNA~2.TXT", "Long Name Two.txt"},
		{"/README.TXT", "readme.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.lookup, func(t *testing.T) {
			st, err := fsys.Stat(ctx, tt.lookup)
			require.NoError(t, err)
			assert.Equal(t, tt.name, st.Name)
		})
	}

	// Differently cased opens share one entry.
	require.NoError(t, fsys.Group(ctx, func(tx *Tx) error {
		a, err := tx.Open(ctx, "/README.TXT", os.O_RDONLY, 0)
		if err != nil {
			return err
		}
		b, err := tx.Open(ctx, "/readme.txt", os.O_RDONLY, 0)
		if err != nil {
			return err
		}
		assert.Equal(t, fsys.fds[a].shared, fsys.fds[b].shared)
		return errors.Join(tx.Close(ctx, a), tx.Close(ctx, b))
	}))
}

func TestUnlink(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t)
	before := freeClusters(t, fsys)

	require.NoError(t, fsys.WriteFile(ctx, "/gone.txt", pattern(1500), 0o644))
	require.NoError(t, fsys.Unlink(ctx, "/gone.txt"))
	assert.False(t, fsys.Exists(ctx, "/gone.txt"))
	assert.Equal(t, before, freeClusters(t, fsys))

	require.NoError(t, fsys.Mkdir(ctx, "/d", 0o755))
	assert.ErrorIs(t, fsys.Unlink(ctx, "/d"), fserr.ISDIR)
	assert.ErrorIs(t, fsys.Unlink(ctx, "/nope"), fserr.NOENT)

	// Readonly files can still be removed.
	require.NoError(t, fsys.WriteFile(ctx, "/ro", []byte("x"), 0o444))
	require.NoError(t, fsys.Unlink(ctx, "/ro"))
}

func TestUnlinkWhileOpen(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t)
	require.NoError(t, fsys.WriteFile(ctx, "/held", []byte("still here"), 0o644))
	free := freeClusters(t, fsys)

	fd, err := fsys.Open(ctx, "/held", os.O_RDONLY, 0)
	require.NoError(t, err)
	require.NoError(t, fsys.Unlink(ctx, "/held"))
	assert.False(t, fsys.Exists(ctx, "/held"))

	// A new file can take the name while the old one is open.
	require.NoError(t, fsys.WriteFile(ctx, "/held", []byte("new"), 0o644))

	buf := make([]byte, 32)
	n, err := fsys.Read(ctx, fd, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(buf[:n]))
	assert.Equal(t, free-1, freeClusters(t, fsys), "only the new file's cluster is taken")

	require.NoError(t, fsys.Close(ctx, fd))
	assert.Equal(t, free, freeClusters(t, fsys), "the old clusters are freed on last close")

	got, err := fsys.ReadFile(ctx, "/held")
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestStatModes(t *testing.T) {
	ctx := context.Background()
	fsys := mountDevice(t, formatDevice(t, floppySectors, layout.FormatOptions{}), Options{
		UID:   1000,
		GID:   100,
		Umask: 0o022,
	})
	require.NoError(t, fsys.WriteFile(ctx, "/f", []byte("abc"), 0o644))

	st, err := fsys.Stat(ctx, "/f")
	require.NoError(t, err)
	assert.Equal(t, ModeRegular|0o644, st.Mode)
	assert.Equal(t, uint32(1000), st.UID)
	assert.Equal(t, uint32(100), st.GID)
	assert.Equal(t, int64(512), st.BlockSize)
	assert.Equal(t, int64(1), st.Blocks)
	assert.Equal(t, uint32(1), st.Nlink)

	require.NoError(t, fsys.Chmod(ctx, "/f", 0o444))
	st, err = fsys.Stat(ctx, "/f")
	require.NoError(t, err)
	assert.Equal(t, ModeRegular|0o444, st.Mode)
	assert.True(t, st.Attr.ReadOnly())

	_, err = fsys.Open(ctx, "/f", os.O_WRONLY, 0)
	assert.ErrorIs(t, err, fserr.ACCES)

	require.NoError(t, fsys.Chmod(ctx, "/f", 0o644))
	fd, err := fsys.Open(ctx, "/f", os.O_WRONLY, 0)
	require.NoError(t, err)
	require.NoError(t, fsys.Close(ctx, fd))

	root, err := fsys.Stat(ctx, "/")
	require.NoError(t, err)
	assert.True(t, root.IsDir())
	assert.Equal(t, uint64(1), root.Ino)
}

func TestUtimes(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t)
	require.NoError(t, fsys.WriteFile(ctx, "/f", nil, 0o644))

	atime := time.Date(2021, 3, 4, 15, 16, 17, 0, time.Local)
	mtime := time.Date(2020, 5, 17, 10, 30, 42, 0, time.Local)
	require.NoError(t, fsys.Utimes(ctx, "/f", atime, mtime))

	st, err := fsys.Stat(ctx, "/f")
	require.NoError(t, err)
	assert.True(t, mtime.Equal(st.MTime), "mtime %v", st.MTime)
	assert.True(t, time.Date(2021, 3, 4, 0, 0, 0, 0, time.Local).Equal(st.ATime), "atime keeps the date only")
}

func TestUnsupportedOperations(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t)
	require.NoError(t, fsys.WriteFile(ctx, "/f", nil, 0o644))

	assert.ErrorIs(t, fsys.Link(ctx, "/f", "/g"), fserr.NOSYS)
	assert.ErrorIs(t, fsys.Symlink(ctx, "/f", "/g"), fserr.NOSYS)
	assert.ErrorIs(t, fsys.Chown(ctx, "/f", 0, 0), fserr.NOSYS)
	assert.ErrorIs(t, fsys.Chown(ctx, "/missing", 0, 0), fserr.NOENT)

	_, err := fsys.Readlink(ctx, "/f")
	assert.ErrorIs(t, err, fserr.INVAL)

	p, err := fsys.Realpath(ctx, "f/../f")
	require.NoError(t, err)
	assert.Equal(t, "/f", p)

	st, err := fsys.Lstat(ctx, "/f")
	require.NoError(t, err)
	assert.Equal(t, "f", st.Name)

	fd, err := fsys.Open(ctx, "/f", os.O_RDONLY, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, fsys.Fadvise(ctx, fd, 1, 0, 0), fserr.INVAL)
	require.NoError(t, fsys.Fsync(ctx, fd))
	require.NoError(t, fsys.Close(ctx, fd))
}

func TestReadOnlyMount(t *testing.T) {
	ctx := context.Background()
	dev := formatDevice(t, floppySectors, layout.FormatOptions{})
	rw := mountDevice(t, dev, Options{})
	require.NoError(t, rw.WriteFile(ctx, "/f", []byte("kept"), 0o644))
	require.NoError(t, rw.Unmount(ctx))

	fsys := mountDevice(t, dev, Options{ReadOnly: true})
	got, err := fsys.ReadFile(ctx, "/f")
	require.NoError(t, err)
	assert.Equal(t, "kept", string(got))

	assert.ErrorIs(t, fsys.WriteFile(ctx, "/f", nil, 0o644), fserr.ROFS)
	assert.ErrorIs(t, fsys.Mkdir(ctx, "/d", 0o755), fserr.ROFS)
	assert.ErrorIs(t, fsys.Unlink(ctx, "/f"), fserr.ROFS)
}

func TestDeferredRelease(t *testing.T) {
	ctx := context.Background()
	fsys := mountDevice(t, formatDevice(t, floppySectors, layout.FormatOptions{}), Options{
		CloseDelay: 200 * time.Millisecond,
	})

	require.NoError(t, fsys.WriteFile(ctx, "/f", []byte("x"), 0o644))
	assert.Equal(t, 2, liveEntries(t, fsys), "closed entry stays resolved")

	require.Eventually(t, func() bool {
		return liveEntries(t, fsys) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnmountFlushesPendingReleases(t *testing.T) {
	ctx := context.Background()
	dev := formatDevice(t, floppySectors, layout.FormatOptions{})
	fsys, err := Mount(ctx, dev, Options{CloseDelay: time.Hour})
	require.NoError(t, err)

	require.NoError(t, fsys.WriteFile(ctx, "/a", []byte("a"), 0o644))
	fd, err := fsys.Open(ctx, "/b", os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	_, err = fsys.Write(ctx, fd, []byte("b"), 0)
	require.NoError(t, err)

	require.NoError(t, fsys.Unmount(ctx))
	assert.Equal(t, 1, fsys.reg.live())
	assert.Empty(t, fsys.pending)

	_, err = fsys.ReadFile(ctx, "/a")
	assert.ErrorIs(t, err, fserr.INVAL)
	assert.ErrorIs(t, fsys.Unmount(ctx), fserr.INVAL)

	again := mountDevice(t, dev, Options{})
	got, err := again.ReadFile(ctx, "/b")
	require.NoError(t, err)
	assert.Equal(t, "b", string(got))
}

func TestGroupIsAtomic(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t)

	halfway := make(chan struct{})
	finish := make(chan struct{})
	groupErr := make(chan error, 1)
	go func() {
		groupErr <- fsys.Group(ctx, func(tx *Tx) error {
			fd, err := tx.Open(ctx, "/atomic", os.O_WRONLY|os.O_CREATE, 0o644)
			if err != nil {
				return err
			}
			defer tx.Close(ctx, fd)
			if _, err := tx.Write(ctx, fd, []byte("first "), CurrentPosition); err != nil {
				return err
			}
			close(halfway)
			<-finish
			_, err = tx.Write(ctx, fd, []byte("second"), CurrentPosition)
			return err
		})
	}()

	<-halfway
	readErr := make(chan error, 1)
	var got []byte
	go func() {
		var err error
		got, err = fsys.ReadFile(ctx, "/atomic")
		readErr <- err
	}()
	require.Eventually(t, func() bool { return fsys.q.Pending() == 1 }, time.Second, time.Millisecond)

	close(finish)
	require.NoError(t, <-groupErr)
	require.NoError(t, <-readErr)
	assert.Equal(t, "first second", string(got), "reader never observes half a group")
}

func TestConcurrentWritesAreLinearizable(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t)

	fd, err := fsys.Open(ctx, "/shared", os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer fsys.Close(ctx, fd)

	const writers = 16
	const chunk = 100
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := bytes.Repeat([]byte{byte('a' + i)}, chunk)
			off := int64(i * chunk)
			if _, err := fsys.Write(ctx, fd, data, off); err != nil {
				errs <- err
				return
			}
			back := make([]byte, chunk)
			n, err := fsys.Read(ctx, fd, back, off)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(data, back[:n]) {
				errs <- fmt.Errorf("writer %d read back %q", i, back[:n])
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	st, err := fsys.Fstat(ctx, fd)
	require.NoError(t, err)
	assert.Equal(t, int64(writers*chunk), st.Size)
}

func TestReadDirOfDamagedDirectory(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t)
	require.NoError(t, fsys.Mkdir(ctx, "/sub", 0o755))

	// A directory record pointing at cluster 0 has no chain to list.
	require.NoError(t, fsys.q.Do(ctx, false, func(ctx context.Context) error {
		e, err := findInDirectory(ctx, fsys.vol.RootDirectoryChain(), "sub")
		if err != nil {
			return err
		}
		e.short.SetFirstCluster(0)
		return e.persist(ctx)
	}))

	_, err := fsys.ReadDir(ctx, "/sub")
	assert.ErrorIs(t, err, fserr.IO)
}

func TestFAT32RootAndSubdirectories(t *testing.T) {
	ctx := context.Background()
	fsys := mountDevice(t, formatDevice(t, 70000, layout.FormatOptions{Type: layout.FAT32}), Options{})

	root, err := fsys.Stat(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), root.Ino, "FAT32 root reports its cluster")

	// The FAT32 root is a cluster chain and grows like any directory.
	for i := 0; i < 40; i++ {
		require.NoError(t, fsys.WriteFile(ctx, fmt.Sprintf("/Some Longer Name %02d.dat", i), nil, 0o644))
	}
	names, err := fsys.ReadDir(ctx, "/")
	require.NoError(t, err)
	assert.Len(t, names, 40)

	require.NoError(t, fsys.Mkdir(ctx, "/sub", 0o755))
	require.NoError(t, fsys.WriteFile(ctx, "/sub/inner", []byte("in"), 0o644))
	got, err := fsys.ReadFile(ctx, "/sub/inner")
	require.NoError(t, err)
	assert.Equal(t, "in", string(got))
}
