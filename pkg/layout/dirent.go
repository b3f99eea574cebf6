package layout

import (
	"encoding/binary"
	"time"
	"unicode/utf16"
)

// DirEntrySize is the size of every directory record, short or long.
const DirEntrySize = 32

// Markers found in the first name byte of a directory record.
const (
	// EntryEnd terminates a directory: it and every later record are free.
	EntryEnd = 0x00

	// EntryFree marks a deleted record.
	EntryFree = 0xE5

	// EntryKanji stands in for a real leading 0xE5 name byte.
	EntryKanji = 0x05
)

// Attr is the attribute byte of a short entry.
type Attr uint8

const (
	AttrReadOnly  Attr = 0x01
	AttrHidden    Attr = 0x02
	AttrSystem    Attr = 0x04
	AttrVolumeID  Attr = 0x08
	AttrDirectory Attr = 0x10
	AttrArchive   Attr = 0x20

	// AttrLongName identifies long-name fragments.
	AttrLongName = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID
)

func (a Attr) ReadOnly() bool  { return a&AttrReadOnly != 0 }
func (a Attr) Hidden() bool    { return a&AttrHidden != 0 }
func (a Attr) System() bool    { return a&AttrSystem != 0 }
func (a Attr) VolumeID() bool  { return a&AttrVolumeID != 0 && !a.LongName() }
func (a Attr) Directory() bool { return a&AttrDirectory != 0 }
func (a Attr) Archive() bool   { return a&AttrArchive != 0 }
func (a Attr) LongName() bool  { return a&0x3F == AttrLongName }

// NTRes case flags: the stored 8.3 name is upper case, these record that the
// visible base or extension is entirely lower case.
const (
	NTResLowerBase = 0x08
	NTResLowerExt  = 0x10
)

// ShortEntry is the 32-byte 8.3 directory record.
type ShortEntry struct {
	Name            [11]byte
	Attr            Attr
	NTRes           uint8
	CreateTimeTenth uint8
	CreateTime      uint16
	CreateDate      uint16
	AccessDate      uint16
	FirstClusterHI  uint16
	WriteTime       uint16
	WriteDate       uint16
	FirstClusterLO  uint16
	Size            uint32
}

// DecodeShortEntry parses a record. buf must hold DirEntrySize bytes.
func DecodeShortEntry(buf []byte) ShortEntry {
	le := binary.LittleEndian
	var e ShortEntry
	copy(e.Name[:], buf[0:11])
	e.Attr = Attr(buf[11])
	e.NTRes = buf[12]
	e.CreateTimeTenth = buf[13]
	e.CreateTime = le.Uint16(buf[14:])
	e.CreateDate = le.Uint16(buf[16:])
	e.AccessDate = le.Uint16(buf[18:])
	e.FirstClusterHI = le.Uint16(buf[20:])
	e.WriteTime = le.Uint16(buf[22:])
	e.WriteDate = le.Uint16(buf[24:])
	e.FirstClusterLO = le.Uint16(buf[26:])
	e.Size = le.Uint32(buf[28:])
	return e
}

// Encode writes the record into buf[:DirEntrySize].
func (e *ShortEntry) Encode(buf []byte) {
	le := binary.LittleEndian
	copy(buf[0:11], e.Name[:])
	buf[11] = byte(e.Attr)
	buf[12] = e.NTRes
	buf[13] = e.CreateTimeTenth
	le.PutUint16(buf[14:], e.CreateTime)
	le.PutUint16(buf[16:], e.CreateDate)
	le.PutUint16(buf[18:], e.AccessDate)
	le.PutUint16(buf[20:], e.FirstClusterHI)
	le.PutUint16(buf[22:], e.WriteTime)
	le.PutUint16(buf[24:], e.WriteDate)
	le.PutUint16(buf[26:], e.FirstClusterLO)
	le.PutUint32(buf[28:], e.Size)
}

// FirstCluster joins the split cluster fields. FAT12/16 volumes leave the
// high half zero.
func (e *ShortEntry) FirstCluster() uint32 {
	return uint32(e.FirstClusterHI)<<16 | uint32(e.FirstClusterLO)
}

// SetFirstCluster splits c across the two cluster fields.
func (e *ShortEntry) SetFirstCluster(c uint32) {
	e.FirstClusterHI = uint16(c >> 16)
	e.FirstClusterLO = uint16(c)
}

// Checksum is the 8.3 name checksum stored in every long-name fragment that
// belongs to this entry.
func (e *ShortEntry) Checksum() uint8 {
	var sum uint8
	for _, c := range e.Name {
		sum = (sum>>1 | sum<<7) + c
	}
	return sum
}

// ModTime returns the last write time in local time.
func (e *ShortEntry) ModTime() time.Time {
	return UnpackDateTime(e.WriteDate, e.WriteTime, 0)
}

// CreatedAt returns the creation time, including the 10ms field.
func (e *ShortEntry) CreatedAt() time.Time {
	return UnpackDateTime(e.CreateDate, e.CreateTime, e.CreateTimeTenth)
}

// AccessedAt returns the last access date (FAT records no access time).
func (e *ShortEntry) AccessedAt() time.Time {
	return UnpackDateTime(e.AccessDate, 0, 0)
}

// SetModTime updates the write date and time.
func (e *ShortEntry) SetModTime(t time.Time) {
	e.WriteDate, e.WriteTime, _ = PackDateTime(t)
}

// SetCreatedAt updates the creation fields.
func (e *ShortEntry) SetCreatedAt(t time.Time) {
	e.CreateDate, e.CreateTime, e.CreateTimeTenth = PackDateTime(t)
}

// SetAccessedAt updates the access date.
func (e *ShortEntry) SetAccessedAt(t time.Time) {
	e.AccessDate, _, _ = PackDateTime(t)
}

// The FAT epoch is 1980-01-01; dates store a 7-bit year offset.
const (
	fatEpochYear = 1980
	fatMaxYear   = fatEpochYear + 127
)

// PackDateTime encodes t into FAT date, time and 10ms-unit fields. Times
// outside 1980..2107 clamp to the nearest representable instant.
func PackDateTime(t time.Time) (date, tm uint16, tenth uint8) {
	switch {
	case t.Year() < fatEpochYear:
		return 0x21, 0, 0 // 1980-01-01 00:00:00
	case t.Year() > fatMaxYear:
		t = time.Date(fatMaxYear, 12, 31, 23, 59, 59, 0, t.Location())
	}
	date = uint16(t.Year()-fatEpochYear)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	tm = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	tenth = uint8((t.Second()%2)*100 + t.Nanosecond()/int(10*time.Millisecond))
	return date, tm, tenth
}

// UnpackDateTime decodes FAT date and time fields. A zero date yields the
// zero time.
func UnpackDateTime(date, tm uint16, tenth uint8) time.Time {
	if date == 0 {
		return time.Time{}
	}
	year := int(date>>9) + fatEpochYear
	month := time.Month((date >> 5) & 0x0F)
	day := int(date & 0x1F)
	hour := int(tm >> 11)
	minute := int((tm >> 5) & 0x3F)
	sec := int(tm&0x1F) * 2
	ms := int(tenth) * 10
	return time.Date(year, month, day, hour, minute, sec, 0, time.Local).
		Add(time.Duration(ms) * time.Millisecond)
}

// LongEntry is one fragment of a long file name.
type LongEntry struct {
	Ord      uint8
	Name     [13]uint16
	Checksum uint8
}

// LastLongEntry flags the fragment with the highest ordinal, which is
// stored first on disk.
const LastLongEntry = 0x40

// MaxLongNameLength is the longest name, in UTF-16 code units, a chain of
// long entries can carry.
const MaxLongNameLength = 255

var longNameOffsets = [13]int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}

// DecodeLongEntry parses a long-name record.
func DecodeLongEntry(buf []byte) LongEntry {
	le := binary.LittleEndian
	e := LongEntry{Ord: buf[0], Checksum: buf[13]}
	for i, off := range longNameOffsets {
		e.Name[i] = le.Uint16(buf[off:])
	}
	return e
}

// Encode writes the record into buf[:DirEntrySize].
func (e *LongEntry) Encode(buf []byte) {
	le := binary.LittleEndian
	buf[0] = e.Ord
	buf[11] = byte(AttrLongName)
	buf[12] = 0
	buf[13] = e.Checksum
	le.PutUint16(buf[26:], 0)
	for i, off := range longNameOffsets {
		le.PutUint16(buf[off:], e.Name[i])
	}
}

// Sequence returns the fragment's 1-based position within the name.
func (e *LongEntry) Sequence() int {
	return int(e.Ord &^ LastLongEntry)
}

// IsLast reports whether this is the final (first stored) fragment.
func (e *LongEntry) IsLast() bool {
	return e.Ord&LastLongEntry != 0
}

// fragment returns the code units up to the NUL terminator.
func (e *LongEntry) fragment() []uint16 {
	for i, u := range e.Name {
		if u == 0x0000 {
			return e.Name[:i]
		}
	}
	return e.Name[:]
}

// LongEntriesFor splits name into fragments in on-disk order (highest
// ordinal first). It fails when the name exceeds MaxLongNameLength.
func LongEntriesFor(name string, checksum uint8) ([]LongEntry, error) {
	units := utf16.Encode([]rune(name))
	if len(units) == 0 || len(units) > MaxLongNameLength {
		return nil, errNameTooLong(name)
	}

	count := (len(units) + 12) / 13
	entries := make([]LongEntry, count)
	for seq := 1; seq <= count; seq++ {
		e := LongEntry{Ord: uint8(seq), Checksum: checksum}
		for i := range e.Name {
			pos := (seq-1)*13 + i
			switch {
			case pos < len(units):
				e.Name[i] = units[pos]
			case pos == len(units):
				e.Name[i] = 0x0000
			default:
				e.Name[i] = 0xFFFF
			}
		}
		if seq == count {
			e.Ord |= LastLongEntry
		}
		entries[count-seq] = e
	}
	return entries, nil
}

// JoinLongName reassembles fragments collected in on-disk order.
func JoinLongName(entries []LongEntry) string {
	var units []uint16
	for i := len(entries) - 1; i >= 0; i-- {
		units = append(units, entries[i].fragment()...)
	}
	return string(utf16.Decode(units))
}
