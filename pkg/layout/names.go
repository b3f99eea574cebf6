package layout

import (
	"bytes"
	"strconv"
	"strings"
	"unicode"

	"github.com/marmos91/dittofat/pkg/fserr"
	"golang.org/x/text/encoding/charmap"
)

// Short names are stored in the OEM code page. CP437 is what DOS, Windows
// and Linux (codepage=437) assume by default.
var oem = charmap.CodePage437

// DotName and DotDotName are the self and parent records of a subdirectory.
var (
	DotName    = [11]byte{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	DotDotName = [11]byte{'.', '.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
)

const shortNameSpecials = "$%'-_@~`!(){}^#&"

func errNameTooLong(name string) error {
	return fserr.New(fserr.NAMETOOLONG, "encodeName").WithPath(name)
}

// ParseShortName renders a stored 8.3 name, honouring the NTRes lower-case
// flags.
func ParseShortName(raw [11]byte, ntres uint8) string {
	if raw[0] == EntryKanji {
		raw[0] = EntryFree
	}
	base := decodeOEM(bytes.TrimRight(raw[0:8], " "))
	ext := decodeOEM(bytes.TrimRight(raw[8:11], " "))
	if ntres&NTResLowerBase != 0 {
		base = strings.ToLower(base)
	}
	if ntres&NTResLowerExt != 0 {
		ext = strings.ToLower(ext)
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}

func decodeOEM(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		sb.WriteRune(oem.DecodeByte(c))
	}
	return sb.String()
}

func isShortNameChar(r rune) bool {
	if r < 0x20 || r == ' ' {
		return false
	}
	if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
		return true
	}
	if r > 0x7F {
		_, ok := oem.EncodeRune(r)
		return ok
	}
	return strings.ContainsRune(shortNameSpecials, r)
}

// caseOf reports whether s has any lower-case and any upper-case letters.
func caseOf(s string) (lower, upper bool) {
	for _, r := range s {
		if unicode.IsLower(r) {
			lower = true
		} else if unicode.IsUpper(r) {
			upper = true
		}
	}
	return lower, upper
}

// ExactShortName encodes name as an 8.3 record name when it can be stored
// without a long-name chain: the base and extension fit, every character is
// legal and each part is in a single case. ok is false otherwise.
func ExactShortName(name string) (raw [11]byte, ntres uint8, ok bool) {
	if name == "." || name == ".." || name == "" {
		return raw, 0, false
	}
	base, ext := name, ""
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		base, ext = name[:i], name[i+1:]
		if ext == "" {
			return raw, 0, false
		}
	}
	if base == "" || len([]rune(base)) > 8 || len([]rune(ext)) > 3 || strings.Contains(base, ".") {
		return raw, 0, false
	}

	bl, bu := caseOf(base)
	el, eu := caseOf(ext)
	if bl && bu || el && eu {
		return raw, 0, false
	}
	if bl {
		ntres |= NTResLowerBase
	}
	if el {
		ntres |= NTResLowerExt
	}

	for i := range raw {
		raw[i] = ' '
	}
	if !encodeField(raw[0:8], strings.ToUpper(base)) || !encodeField(raw[8:11], strings.ToUpper(ext)) {
		return raw, 0, false
	}
	if raw[0] == EntryFree {
		raw[0] = EntryKanji
	}
	return raw, ntres, true
}

func encodeField(dst []byte, s string) bool {
	i := 0
	for _, r := range s {
		if !isShortNameChar(r) || i >= len(dst) {
			return false
		}
		b, _ := oem.EncodeRune(r)
		dst[i] = b
		i++
	}
	return true
}

// ShortNameBasis derives the lossy upper-case 8.3 name that a numeric tail
// is later applied to.
func ShortNameBasis(name string) [11]byte {
	var raw [11]byte
	for i := range raw {
		raw[i] = ' '
	}

	upper := strings.ToUpper(strings.ReplaceAll(name, " ", ""))
	upper = strings.TrimLeft(upper, ".")
	base, ext := upper, ""
	if i := strings.LastIndexByte(upper, '.'); i >= 0 {
		base, ext = upper[:i], upper[i+1:]
	}
	base = strings.ReplaceAll(base, ".", "")

	fill := func(dst []byte, s string) {
		i := 0
		for _, r := range s {
			if i >= len(dst) {
				return
			}
			if !isShortNameChar(r) {
				r = '_'
			}
			b, _ := oem.EncodeRune(r)
			dst[i] = b
			i++
		}
	}
	fill(raw[0:8], base)
	fill(raw[8:11], ext)
	if raw[0] == ' ' {
		raw[0] = '_'
	}
	if raw[0] == EntryFree {
		raw[0] = EntryKanji
	}
	return raw
}

// WithNumericTail applies a "~n" suffix to a basis name, shortening the base
// so that the result still fits in eight characters.
func WithNumericTail(basis [11]byte, n int) [11]byte {
	tail := "~" + strconv.Itoa(n)
	baseLen := bytes.IndexByte(basis[0:8], ' ')
	if baseLen < 0 {
		baseLen = 8
	}
	if keep := 8 - len(tail); baseLen > keep {
		baseLen = keep
	}
	out := basis
	copy(out[baseLen:8], tail)
	for i := baseLen + len(tail); i < 8; i++ {
		out[i] = ' '
	}
	return out
}

// EqualFold compares two visible names the way FAT lookups do.
func EqualFold(a, b string) bool {
	return strings.EqualFold(a, b)
}
