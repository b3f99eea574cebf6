package fatfs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/marmos91/dittofat/pkg/chain"
	"github.com/marmos91/dittofat/pkg/fserr"
	"github.com/marmos91/dittofat/pkg/layout"
)

// dirEntry is a directory record as seen by open files: the short entry plus
// where it lives.
//
// The record is rewritten in place (at offset within dir) whenever size,
// times or attributes change. The root directory has no record.
type dirEntry struct {
	name  string
	short layout.ShortEntry

	// dir is the chain of the directory holding the record, nil for root.
	dir chain.Chain

	// offset is the byte offset of the short record; lfnStart that of the
	// first long-name record (equal to offset when there is none).
	offset   int64
	lfnStart int64

	// deleted is set once the record has been freed on disk; later updates
	// must not resurrect it.
	deleted bool
}

func newRootEntry() *dirEntry {
	return &dirEntry{
		name:  "/",
		short: layout.ShortEntry{Attr: layout.AttrDirectory},
	}
}

func (e *dirEntry) isRoot() bool         { return e.dir == nil }
func (e *dirEntry) isDir() bool          { return e.short.Attr.Directory() }
func (e *dirEntry) readOnly() bool       { return e.short.Attr.ReadOnly() }
func (e *dirEntry) size() int64          { return int64(e.short.Size) }
func (e *dirEntry) firstCluster() uint32 { return e.short.FirstCluster() }

// matches compares against both the visible and the 8.3 alias of the entry.
func (e *dirEntry) matches(name string) bool {
	return layout.EqualFold(e.name, name) ||
		layout.EqualFold(layout.ParseShortName(e.short.Name, 0), name)
}

// walkRecords visits every 32-byte record of a directory chain in order
// until fn asks to stop or the chain ends. It returns the byte length of
// the chain when the walk ran off its end, or -1 when fn stopped it.
func walkRecords(ctx context.Context, dir chain.Chain, fn func(off int64, raw []byte) (stop bool, err error)) (int64, error) {
	ss := dir.SectorSize()
	buf := make([]byte, ss)
	for sector := int64(0); ; sector++ {
		d, err := dir.ReadSectors(ctx, sector, buf)
		if err != nil {
			return 0, err
		}
		if d == nil {
			return sector * int64(ss), nil
		}
		for i := 0; i < ss; i += layout.DirEntrySize {
			off := sector*int64(ss) + int64(i)
			stop, err := fn(off, d[i:i+layout.DirEntrySize])
			if err != nil {
				return 0, err
			}
			if stop {
				return -1, nil
			}
		}
	}
}

// longNameState accumulates long-name fragments preceding a short record.
type longNameState struct {
	entries  []layout.LongEntry
	start    int64
	checksum uint8
	next     int
}

func (s *longNameState) reset() {
	s.entries = s.entries[:0]
	s.next = 0
}

func (s *longNameState) add(off int64, e layout.LongEntry) {
	switch {
	case e.IsLast():
		s.entries = append(s.entries[:0], e)
		s.start = off
		s.checksum = e.Checksum
		s.next = e.Sequence() - 1
	case s.next > 0 && e.Sequence() == s.next && e.Checksum == s.checksum:
		s.entries = append(s.entries, e)
		s.next--
	default:
		s.reset()
	}
}

// take returns the long name if the fragments form a complete chain for
// short.
func (s *longNameState) take(short *layout.ShortEntry) (string, int64, bool) {
	defer s.reset()
	if len(s.entries) == 0 || s.next != 0 || s.checksum != short.Checksum() {
		return "", 0, false
	}
	return layout.JoinLongName(s.entries), s.start, true
}

// scanDirectory calls fn for every live entry of dir, dot entries included
// and volume labels excluded. fn returns true to stop.
func scanDirectory(ctx context.Context, dir chain.Chain, fn func(e *dirEntry) bool) error {
	var lfn longNameState
	_, err := walkRecords(ctx, dir, func(off int64, raw []byte) (bool, error) {
		switch raw[0] {
		case layout.EntryEnd:
			return true, nil
		case layout.EntryFree:
			lfn.reset()
			return false, nil
		}

		if layout.Attr(raw[11]).LongName() {
			lfn.add(off, layout.DecodeLongEntry(raw))
			return false, nil
		}

		short := layout.DecodeShortEntry(raw)
		if short.Attr.VolumeID() {
			lfn.reset()
			return false, nil
		}
		e := &dirEntry{short: short, dir: dir, offset: off, lfnStart: off}
		if name, start, ok := lfn.take(&short); ok {
			e.name, e.lfnStart = name, start
		} else {
			e.name = layout.ParseShortName(short.Name, short.NTRes)
		}
		return fn(e), nil
	})
	return err
}

// findInDirectory looks name up in dir. NOENT when absent.
func findInDirectory(ctx context.Context, dir chain.Chain, name string) (*dirEntry, error) {
	var found *dirEntry
	err := scanDirectory(ctx, dir, func(e *dirEntry) bool {
		if e.matches(name) {
			found = e
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fserr.New(fserr.NOENT, "lookup").WithPath(name)
	}
	return found, nil
}

// listDirectory returns every visible entry name except "." and "..".
func listDirectory(ctx context.Context, dir chain.Chain) ([]string, error) {
	var names []string
	err := scanDirectory(ctx, dir, func(e *dirEntry) bool {
		if e.name != "." && e.name != ".." {
			names = append(names, e.name)
		}
		return false
	})
	return names, err
}

const invalidNameChars = "\"*/:<>?\\|"

// validateName checks a single path component before it is created.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fserr.New(fserr.INVAL, "create").WithPath(name)
	}
	if len([]rune(name)) > layout.MaxLongNameLength {
		return fserr.New(fserr.NAMETOOLONG, "create").WithPath(name)
	}
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(invalidNameChars, r) {
			return fserr.New(fserr.INVAL, "create").WithPath(name)
		}
	}
	if strings.Trim(name, ". ") == "" {
		return fserr.New(fserr.INVAL, "create").WithPath(name)
	}
	return nil
}

// slotPlan is where a new entry's records go.
type slotPlan struct {
	start    int64 // byte offset of the first record
	chainEnd int64 // byte length of the directory, when it must grow
	grow     bool
}

// planSlots finds n consecutive free records in dir and collects the
// short names already in use.
func planSlots(ctx context.Context, dir chain.Chain, n int) (slotPlan, map[[11]byte]bool, error) {
	used := make(map[[11]byte]bool)
	var (
		runStart = int64(-1)
		runLen   int
		found    = int64(-1)
		ended    bool
	)
	end, err := walkRecords(ctx, dir, func(off int64, raw []byte) (bool, error) {
		if raw[0] == layout.EntryEnd {
			ended = true
		}
		if !ended && raw[0] != layout.EntryFree {
			if !layout.Attr(raw[11]).LongName() {
				var name [11]byte
				copy(name[:], raw[:11])
				used[name] = true
			}
			runStart, runLen = -1, 0
			return false, nil
		}
		if runStart < 0 {
			runStart = off
		}
		runLen++
		if found < 0 && runLen >= n {
			found = runStart
		}
		// Past the end marker there are no more names to collect.
		return ended && found >= 0, nil
	})
	if err != nil {
		return slotPlan{}, nil, err
	}
	if found >= 0 {
		return slotPlan{start: found}, used, nil
	}

	// Not enough room: the run continues into space appended to the chain.
	if runStart < 0 {
		runStart = end
	}
	return slotPlan{start: runStart, chainEnd: end, grow: true}, used, nil
}

// chooseShortName returns the 8.3 record name for name, and whether long
// name records are needed.
func chooseShortName(name string, used map[[11]byte]bool) ([11]byte, uint8, bool, error) {
	if raw, ntres, ok := layout.ExactShortName(name); ok && !used[raw] {
		return raw, ntres, false, nil
	}
	basis := layout.ShortNameBasis(name)
	for n := 1; n < 1000000; n++ {
		candidate := layout.WithNumericTail(basis, n)
		if !used[candidate] {
			return candidate, 0, true, nil
		}
	}
	return [11]byte{}, 0, false, fserr.Wrap(fserr.NOSPC, "create", fmt.Errorf("no free short name for %q", name))
}

// addEntry writes a new record named name into dir.
func addEntry(ctx context.Context, dir chain.Chain, clusterSize int, name string, short layout.ShortEntry) (*dirEntry, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	// Worst case record count, refined once the short name is known.
	maxRecords := 1 + (len([]rune(name))+12)/13
	plan, used, err := planSlots(ctx, dir, maxRecords)
	if err != nil {
		return nil, err
	}

	raw, ntres, needLong, err := chooseShortName(name, used)
	if err != nil {
		return nil, err
	}
	short.Name = raw
	short.NTRes = ntres

	var longs []layout.LongEntry
	if needLong {
		if longs, err = layout.LongEntriesFor(name, short.Checksum()); err != nil {
			return nil, err
		}
	}

	records := make([]byte, (len(longs)+1)*layout.DirEntrySize)
	for i := range longs {
		longs[i].Encode(records[i*layout.DirEntrySize:])
	}
	short.Encode(records[len(longs)*layout.DirEntrySize:])

	if plan.grow {
		// New directory space must read as end-of-directory.
		need := plan.start + int64(len(records)) - plan.chainEnd
		clusters := (need + int64(clusterSize) - 1) / int64(clusterSize)
		if err := dir.WriteAt(ctx, make([]byte, clusters*int64(clusterSize)), plan.chainEnd); err != nil {
			return nil, err
		}
	}
	if err := dir.WriteAt(ctx, records, plan.start); err != nil {
		return nil, err
	}

	shortOff := plan.start + int64(len(longs)*layout.DirEntrySize)
	return &dirEntry{
		name:     name,
		short:    short,
		dir:      dir,
		offset:   shortOff,
		lfnStart: plan.start,
	}, nil
}

// persist rewrites the short record of e.
func (e *dirEntry) persist(ctx context.Context) error {
	if e.isRoot() || e.deleted {
		return nil
	}
	buf := make([]byte, layout.DirEntrySize)
	e.short.Encode(buf)
	return e.dir.WriteAt(ctx, buf, e.offset)
}

// remove marks the records of e free.
func (e *dirEntry) remove(ctx context.Context) error {
	if e.isRoot() {
		return fserr.New(fserr.INVAL, "unlink").WithPath("/")
	}
	n := int((e.offset-e.lfnStart)/layout.DirEntrySize) + 1
	buf := make([]byte, n*layout.DirEntrySize)
	for i := 0; i < n; i++ {
		rec := buf[i*layout.DirEntrySize : (i+1)*layout.DirEntrySize]
		if _, err := e.dir.ReadAt(ctx, rec, e.lfnStart+int64(i*layout.DirEntrySize)); err != nil {
			return err
		}
		rec[0] = layout.EntryFree
	}
	if err := e.dir.WriteAt(ctx, buf, e.lfnStart); err != nil {
		return err
	}
	e.deleted = true
	return nil
}

// initDirectory writes the "." and ".." records at the start of a freshly
// allocated directory cluster, zero-filling the rest of it.
func initDirectory(ctx context.Context, ch chain.Chain, clusterSize int, self, parent uint32, now time.Time) error {
	buf := make([]byte, clusterSize)
	for i, rec := range []struct {
		name    [11]byte
		cluster uint32
	}{
		{layout.DotName, self},
		{layout.DotDotName, parent},
	} {
		e := layout.ShortEntry{Name: rec.name, Attr: layout.AttrDirectory}
		e.SetFirstCluster(rec.cluster)
		e.SetCreatedAt(now)
		e.SetModTime(now)
		e.SetAccessedAt(now)
		e.Encode(buf[i*layout.DirEntrySize:])
	}
	return ch.WriteAt(ctx, buf, 0)
}
