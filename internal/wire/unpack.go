package wire

import (
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/getsentry/ktrace/internal/errorutil"
)

// Unpacker decodes values from a byte buffer, advancing a cursor. Fields are
// aligned relative to the offset at which each Unpack call starts.
type Unpacker struct {
	buf   []byte
	off   int
	order ByteOrder
	specs *SpecCache
}

func NewUnpacker(buf []byte, order ByteOrder, specs *SpecCache) *Unpacker {
	return &Unpacker{buf: buf, order: order, specs: specs}
}

// More reports whether there are bytes left to decode.
func (u *Unpacker) More() bool {
	return u.off < len(u.buf)
}

func (u *Unpacker) Offset() int {
	return u.off
}

func (u *Unpacker) Remaining() int {
	return len(u.buf) - u.off
}

// Seek moves the cursor to an absolute offset in the buffer.
func (u *Unpacker) Seek(off int) error {
	if off < 0 || off > len(u.buf) {
		return u.eof(off - u.off)
	}
	u.off = off
	return nil
}

// Align moves the cursor to the next multiple of alignment, counted from the
// start of the buffer. Aligning past the end leaves the cursor at the end.
func (u *Unpacker) Align(alignment int) {
	u.off = alignUp(u.off, alignment)
	if u.off > len(u.buf) {
		u.off = len(u.buf)
	}
}

func (u *Unpacker) eof(need int) error {
	return fmt.Errorf(
		"wire: %w: need %d bytes at offset %d, %d left: %w",
		errorutil.ErrFormat,
		need,
		u.off,
		len(u.buf)-u.off,
		io.ErrUnexpectedEOF,
	)
}

// Bytes returns the next n bytes without copying them.
func (u *Unpacker) Bytes(n int) ([]byte, error) {
	if n < 0 || n > len(u.buf)-u.off {
		return nil, u.eof(n)
	}
	b := u.buf[u.off : u.off+n]
	u.off += n
	return b, nil
}

func (u *Unpacker) Uint16() (uint16, error) {
	b, err := u.Bytes(2)
	if err != nil {
		return 0, err
	}
	return u.order.Uint16(b), nil
}

func (u *Unpacker) Uint32() (uint32, error) {
	b, err := u.Bytes(4)
	if err != nil {
		return 0, err
	}
	return u.order.Uint32(b), nil
}

func (u *Unpacker) Uint64() (uint64, error) {
	b, err := u.Bytes(8)
	if err != nil {
		return 0, err
	}
	return u.order.Uint64(b), nil
}

// UnpackStr reads a uint16 length followed by that many bytes of text.
func (u *Unpacker) UnpackStr() (string, error) {
	n, err := u.Uint16()
	if err != nil {
		return "", err
	}
	b, err := u.Bytes(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("wire: %w: string at offset %d is not valid text", errorutil.ErrFormat, u.off-int(n))
	}
	return string(b), nil
}

// Unpack decodes the fields of spec and returns their values in order.
func (u *Unpacker) Unpack(spec string) ([]interface{}, error) {
	fields, err := u.specs.Fields(spec)
	if err != nil {
		return nil, err
	}
	return u.UnpackFields(fields)
}

// UnpackFields decodes an already split specifier.
func (u *Unpacker) UnpackFields(fields []Field) ([]interface{}, error) {
	start := u.off
	values := make([]interface{}, 0, len(fields))
	for _, f := range fields {
		u.off = start + alignUp(u.off-start, f.Alignment())
		if u.off > len(u.buf) {
			return nil, u.eof(u.off - len(u.buf))
		}
		if f.Kind == KindBlob {
			n, err := u.Uint16()
			if err != nil {
				return nil, err
			}
			b, err := u.Bytes(int(n))
			if err != nil {
				return nil, err
			}
			values = append(values, copyBytes(b))
			continue
		}
		b, err := u.Bytes(f.Width())
		if err != nil {
			return nil, err
		}
		values = u.decodeFixed(values, f, b)
	}
	return values, nil
}

func (u *Unpacker) decodeFixed(values []interface{}, f Field, b []byte) []interface{} {
	switch f.Kind {
	case KindPad:
	case KindBytes:
		values = append(values, copyBytes(b))
	case KindPascal:
		if len(b) == 0 {
			return append(values, []byte{})
		}
		n := int(b[0])
		if n > len(b)-1 {
			n = len(b) - 1
		}
		values = append(values, copyBytes(b[1:1+n]))
	default:
		for i := 0; i < f.Count; i++ {
			values = append(values, u.decodeElement(f, b[i*f.Size:(i+1)*f.Size]))
		}
	}
	return values
}

func (u *Unpacker) decodeElement(f Field, b []byte) interface{} {
	switch f.Kind {
	case KindChar:
		return b[0]
	case KindBool:
		return b[0] != 0
	case KindFloat:
		if f.Size == 4 {
			return math.Float32frombits(u.order.Uint32(b))
		}
		return math.Float64frombits(u.order.Uint64(b))
	case KindInt:
		switch f.Size {
		case 1:
			return int8(b[0])
		case 2:
			return int16(u.order.Uint16(b))
		case 4:
			return int32(u.order.Uint32(b))
		default:
			return int64(u.order.Uint64(b))
		}
	default:
		switch f.Size {
		case 1:
			return b[0]
		case 2:
			return u.order.Uint16(b)
		case 4:
			return u.order.Uint32(b)
		default:
			return u.order.Uint64(b)
		}
	}
}

// Decoded values outlive the buffer, which may be an unmapped file.
func copyBytes(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
