package wire

import (
	"encoding/binary"
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru"

	"github.com/getsentry/ktrace/internal/errorutil"
)

// Kind is the closed set of field encodings a specifier can describe.
type Kind int

const (
	KindPad Kind = iota
	KindChar
	KindInt
	KindUint
	KindBool
	KindFloat
	KindBytes
	KindPascal
	KindBlob
)

// BlobCode is the specifier code of a length-prefixed byte blob.
const BlobCode = '*'

type (
	// Field is one element of a split format specifier: a type code and its
	// optional leading count.
	Field struct {
		Code  byte
		Count int
		Kind  Kind
		// Size is the width in bytes of one element of the field. Byte
		// blocks (s, p) and padding (x) have a size of 1.
		Size int
	}

	codeInfo struct {
		kind Kind
		size int
	}
)

var codes = map[byte]codeInfo{
	'x': {KindPad, 1},
	'c': {KindChar, 1},
	'b': {KindInt, 1},
	'B': {KindUint, 1},
	'?': {KindBool, 1},
	'h': {KindInt, 2},
	'H': {KindUint, 2},
	'i': {KindInt, 4},
	'I': {KindUint, 4},
	'l': {KindInt, 8},
	'L': {KindUint, 8},
	'q': {KindInt, 8},
	'Q': {KindUint, 8},
	'n': {KindInt, 8},
	'N': {KindUint, 8},
	'P': {KindUint, 8},
	'f': {KindFloat, 4},
	'd': {KindFloat, 8},
	's': {KindBytes, 1},
	'p': {KindPascal, 1},
	'*': {KindBlob, 2},
}

// Alignment returns the boundary, relative to the start of the payload, the
// field has to start on.
func (f Field) Alignment() int {
	return f.Size
}

// Width returns the number of bytes a fixed field occupies. Blobs have a
// variable width and report the size of their length prefix.
func (f Field) Width() int {
	return f.Count * f.Size
}

// Values returns how many decoded values the field yields.
func (f Field) Values() int {
	switch f.Kind {
	case KindPad:
		return 0
	case KindBytes, KindPascal, KindBlob:
		return 1
	default:
		return f.Count
	}
}

func (f Field) String() string {
	if f.Count == 1 && f.Kind != KindBytes && f.Kind != KindPascal {
		return string(f.Code)
	}
	return strconv.Itoa(f.Count) + string(f.Code)
}

// Split parses a format specifier into its fields.
func Split(spec string) ([]Field, error) {
	fields := make([]Field, 0, len(spec))
	for i := 0; i < len(spec); {
		c := spec[i]
		if c == ' ' || c == '\t' {
			i++
			continue
		}
		count, hasCount := 1, false
		if c >= '0' && c <= '9' {
			j := i
			for j < len(spec) && spec[j] >= '0' && spec[j] <= '9' {
				j++
			}
			n, err := strconv.Atoi(spec[i:j])
			if err != nil {
				return nil, fmt.Errorf("wire: %w: bad count in specifier %q: %v", errorutil.ErrFormat, spec, err)
			}
			if j == len(spec) {
				return nil, fmt.Errorf("wire: %w: specifier %q ends with a count", errorutil.ErrFormat, spec)
			}
			count, hasCount, i = n, true, j
			c = spec[i]
		}
		info, ok := codes[c]
		if !ok {
			return nil, fmt.Errorf("wire: %w: unsupported code %q in specifier %q", errorutil.ErrFormat, c, spec)
		}
		if c == BlobCode && hasCount {
			return nil, fmt.Errorf("wire: %w: blob can't take a count in specifier %q", errorutil.ErrFormat, spec)
		}
		fields = append(fields, Field{Code: c, Count: count, Kind: info.kind, Size: info.size})
		i++
	}
	return fields, nil
}

// SpecCache memoizes specifier splits. It is owned by a reader or writer
// session; a nil *SpecCache splits on every call.
type SpecCache struct {
	cache *lru.Cache
}

// DefaultSpecCacheSize covers the distinct signatures of a typical dictionary.
const DefaultSpecCacheSize = 1024

func NewSpecCache(size int) (*SpecCache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &SpecCache{cache: cache}, nil
}

// Fields returns the split of spec, parsing it on first use.
func (c *SpecCache) Fields(spec string) ([]Field, error) {
	if c == nil {
		return Split(spec)
	}
	if v, ok := c.cache.Get(spec); ok {
		return v.([]Field), nil
	}
	fields, err := Split(spec)
	if err != nil {
		return nil, err
	}
	c.cache.Add(spec, fields)
	return fields, nil
}

// Len returns the number of cached specifiers.
func (c *SpecCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}

func alignUp(v, alignment int) int {
	if alignment <= 1 {
		return v
	}
	if r := v % alignment; r != 0 {
		return v + alignment - r
	}
	return v
}

// ByteOrder is implemented by binary.LittleEndian, binary.BigEndian and
// binary.NativeEndian.
type ByteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}
