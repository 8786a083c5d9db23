package dump

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/getsentry/ktrace/internal/errorutil"
	"github.com/getsentry/ktrace/internal/storageutil"
	"github.com/getsentry/ktrace/internal/trace"
	"github.com/getsentry/ktrace/internal/wire"
)

const (
	// Version is the container format version this package reads and writes.
	Version = 1

	// MagicBigEndian and MagicLittleEndian select the byte order of every
	// integer following the magic.
	MagicBigEndian    = "OSVT"
	MagicLittleEndian = "TVSO"

	headerSize = 20
	checkValue = 1
	// Smallest dictionary entries: empty strings and no arguments.
	minTracepointSize = 20
	minArgSize        = 3
	// Chunks and segment records start on this boundary.
	chunkAlignment = 8
	// PointerArgSpec is how a 'p' argument is laid out in a record.
	PointerArgSpec = "50p"
)

var (
	TagDictionary = Tag("TRCD")
	TagSegment    = Tag("TRCS")
)

// Tag packs a four letter chunk tag.
func Tag(name string) uint32 {
	return binary.BigEndian.Uint32([]byte(name))
}

// TagName renders a tag back to its letters, for logs.
func TagName(tag uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], tag)
	return strings.ToValidUTF8(string(b[:]), "?")
}

type Dump struct {
	Order   wire.ByteOrder
	Version uint32
	// Size is the total size declared by the producer. It isn't checked.
	Size              uint64
	BacktraceCapacity uint32
	Tracepoints       []*trace.TracePoint
	// Segments borrow from the buffer given to Parse.
	Segments [][]byte

	byKey map[uint64]*trace.TracePoint
	specs *wire.SpecCache
}

// Parse reads the container header and its chunks. Segments are kept as is
// and only decoded while iterating Traces.
func Parse(buf []byte, specs *wire.SpecCache) (*Dump, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("dump: %w: %d bytes is too short for a header", errorutil.ErrFormat, len(buf))
	}
	d := &Dump{specs: specs}
	switch string(buf[:4]) {
	case MagicBigEndian:
		d.Order = binary.BigEndian
	case MagicLittleEndian:
		d.Order = binary.LittleEndian
	default:
		return nil, fmt.Errorf("dump: %w: bad magic %q", errorutil.ErrFormat, buf[:4])
	}

	u := wire.NewUnpacker(buf, d.Order, specs)
	if err := u.Seek(4); err != nil {
		return nil, fmt.Errorf("dump: header: %w", err)
	}
	var err error
	if d.Size, err = u.Uint64(); err != nil {
		return nil, fmt.Errorf("dump: header size: %w", err)
	}
	check, err := u.Uint32()
	if err != nil {
		return nil, fmt.Errorf("dump: header check: %w", err)
	}
	if check != checkValue {
		return nil, fmt.Errorf("dump: %w: byte order check is %#x", errorutil.ErrFormat, check)
	}
	if d.Version, err = u.Uint32(); err != nil {
		return nil, fmt.Errorf("dump: header version: %w", err)
	}
	if d.Version != Version {
		return nil, fmt.Errorf(
			"dump: %w: %w: current is %d got %d",
			errorutil.ErrFormat,
			errorutil.ErrVersionMismatch,
			Version,
			d.Version,
		)
	}

	for {
		u.Align(chunkAlignment)
		if !u.More() {
			break
		}
		offset := u.Offset()
		tag, err := u.Uint32()
		if err != nil {
			return nil, fmt.Errorf("dump: chunk at offset %d: %w", offset, err)
		}
		size, err := u.Uint64()
		if err != nil {
			return nil, fmt.Errorf("dump: chunk at offset %d: %w", offset, err)
		}
		if size > uint64(u.Remaining()) {
			return nil, fmt.Errorf(
				"dump: %w: chunk %s at offset %d declares %d bytes, %d left",
				errorutil.ErrFormat,
				TagName(tag),
				offset,
				size,
				u.Remaining(),
			)
		}
		payload, err := u.Bytes(int(size))
		if err != nil {
			return nil, fmt.Errorf("dump: chunk at offset %d: %w", offset, err)
		}

		switch tag {
		case TagDictionary:
			if err := d.parseDictionary(payload); err != nil {
				return nil, fmt.Errorf("dump: dictionary at offset %d: %w", offset, err)
			}
		case TagSegment:
			if d.byKey == nil {
				return nil, fmt.Errorf("dump: %w: segment at offset %d precedes the dictionary", errorutil.ErrFormat, offset)
			}
			d.Segments = append(d.Segments, payload)
		default:
			log.Debug().
				Str("tag", TagName(tag)).
				Int("offset", offset).
				Uint64("size", size).
				Msg("skipping unknown chunk")
		}
	}
	if d.byKey == nil {
		return nil, fmt.Errorf("dump: %w: no dictionary", errorutil.ErrFormat)
	}
	return d, nil
}

func (d *Dump) parseDictionary(payload []byte) error {
	u := wire.NewUnpacker(payload, d.Order, d.specs)
	capacity, err := u.Uint32()
	if err != nil {
		return err
	}
	count, err := u.Uint32()
	if err != nil {
		return err
	}
	if uint64(count) > uint64(u.Remaining())/minTracepointSize {
		return fmt.Errorf("%w: %d tracepoints don't fit in %d bytes", errorutil.ErrFormat, count, u.Remaining())
	}
	d.BacktraceCapacity = capacity
	d.Tracepoints = make([]*trace.TracePoint, 0, count)
	d.byKey = make(map[uint64]*trace.TracePoint, count)
	for i := uint32(0); i < count; i++ {
		tp, err := readTracepoint(u)
		if err != nil {
			return fmt.Errorf("tracepoint %d: %w", i, err)
		}
		d.Tracepoints = append(d.Tracepoints, tp)
		d.byKey[tp.Key] = tp
	}
	return nil
}

func readTracepoint(u *wire.Unpacker) (*trace.TracePoint, error) {
	key, err := u.Uint64()
	if err != nil {
		return nil, err
	}
	var strs [4]string
	for i := range strs {
		if strs[i], err = u.UnpackStr(); err != nil {
			return nil, err
		}
	}
	nargs, err := u.Uint32()
	if err != nil {
		return nil, err
	}
	if uint64(nargs) > uint64(u.Remaining())/minArgSize {
		return nil, fmt.Errorf("%w: %d arguments don't fit in %d bytes", errorutil.ErrFormat, nargs, u.Remaining())
	}
	args := make([]trace.Arg, 0, nargs)
	for i := uint32(0); i < nargs; i++ {
		name, err := u.UnpackStr()
		if err != nil {
			return nil, err
		}
		typ, err := u.Bytes(1)
		if err != nil {
			return nil, err
		}
		args = append(args, trace.Arg{Name: name, Type: typ[0]})
	}
	return &trace.TracePoint{
		Key:        key,
		ID:         strs[0],
		Name:       strs[1],
		Provenance: strs[2],
		Format:     strs[3],
		Args:       args,
		Signature:  Signature(args),
	}, nil
}

// Signature builds the argument specifier of a tracepoint from its argument
// types.
func Signature(args []trace.Arg) string {
	var b strings.Builder
	for _, arg := range args {
		if arg.Type == 'p' {
			b.WriteString(PointerArgSpec)
			continue
		}
		b.WriteByte(arg.Type)
	}
	return b.String()
}

// Tracepoint looks up a dictionary entry by key.
func (d *Dump) Tracepoint(key uint64) (*trace.TracePoint, bool) {
	tp, ok := d.byKey[key]
	return tp, ok
}

// Traces starts a merged pass over every segment. Each call starts over.
func (d *Dump) Traces() *Reader {
	return newReader(d)
}

// File is a dump over a mapped capture file.
type File struct {
	*Dump
	capture *storageutil.Capture
}

// Open maps path and parses it. The mapping is released by Close, or before
// returning when parsing fails.
func Open(path string, specs *wire.SpecCache) (*File, error) {
	capture, err := storageutil.MapFile(path)
	if err != nil {
		return nil, err
	}
	d, err := Parse(capture.Bytes(), specs)
	if err != nil {
		capture.Close()
		return nil, err
	}
	return &File{Dump: d, capture: capture}, nil
}

func (f *File) Close() error {
	return f.capture.Close()
}

// IsDump reports whether buf starts with a container magic.
func IsDump(buf []byte) bool {
	if len(buf) < 4 {
		return false
	}
	magic := string(buf[:4])
	return magic == MagicBigEndian || magic == MagicLittleEndian
}
