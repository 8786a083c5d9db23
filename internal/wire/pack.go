package wire

import (
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/getsentry/ktrace/internal/errorutil"
)

// MaxBlobLen is the largest blob or string a uint16 length prefix can carry.
const MaxBlobLen = math.MaxUint16

// Packer encodes values to a writer. It is the inverse of Unpacker: the same
// specifier and values produce the bytes Unpacker consumes.
type Packer struct {
	w       io.Writer
	written int64
	order   ByteOrder
	specs   *SpecCache
	scratch []byte
}

func NewPacker(w io.Writer, order ByteOrder, specs *SpecCache) *Packer {
	return &Packer{w: w, order: order, specs: specs}
}

// Written returns the number of bytes written so far.
func (p *Packer) Written() int64 {
	return p.written
}

func (p *Packer) flush() error {
	n, err := p.w.Write(p.scratch)
	p.written += int64(n)
	p.scratch = p.scratch[:0]
	return err
}

// Align pads with zero bytes up to the next multiple of alignment, counted
// from the first byte this packer wrote.
func (p *Packer) Align(alignment int) error {
	pad := alignUp(int(p.written), alignment) - int(p.written)
	if pad == 0 {
		return nil
	}
	p.scratch = append(p.scratch, make([]byte, pad)...)
	return p.flush()
}

// Raw writes b as is.
func (p *Packer) Raw(b []byte) error {
	p.scratch = append(p.scratch, b...)
	return p.flush()
}

func (p *Packer) Uint16(v uint16) error {
	p.scratch = p.order.AppendUint16(p.scratch, v)
	return p.flush()
}

func (p *Packer) Uint32(v uint32) error {
	p.scratch = p.order.AppendUint32(p.scratch, v)
	return p.flush()
}

func (p *Packer) Uint64(v uint64) error {
	p.scratch = p.order.AppendUint64(p.scratch, v)
	return p.flush()
}

// PackStr writes each string as a uint16 length followed by its bytes.
func (p *Packer) PackStr(strs ...string) error {
	for _, s := range strs {
		if !utf8.ValidString(s) {
			p.scratch = p.scratch[:0]
			return fmt.Errorf("wire: %w: %q is not valid text", errorutil.ErrFormat, s)
		}
		if len(s) > MaxBlobLen {
			p.scratch = p.scratch[:0]
			return fmt.Errorf("wire: %w: string of %d bytes is too long", errorutil.ErrFormat, len(s))
		}
		p.scratch = p.order.AppendUint16(p.scratch, uint16(len(s)))
		p.scratch = append(p.scratch, s...)
	}
	return p.flush()
}

// Pack encodes values following spec.
func (p *Packer) Pack(spec string, values ...interface{}) error {
	fields, err := p.specs.Fields(spec)
	if err != nil {
		return err
	}
	return p.PackFields(fields, values...)
}

// PackFields encodes values following an already split specifier.
func (p *Packer) PackFields(fields []Field, values ...interface{}) error {
	want := 0
	for _, f := range fields {
		want += f.Values()
	}
	if want != len(values) {
		return fmt.Errorf("wire: %w: specifier expects %d values, got %d", errorutil.ErrFormat, want, len(values))
	}
	p.scratch = p.scratch[:0]
	var err error
	for _, f := range fields {
		pad := alignUp(len(p.scratch), f.Alignment()) - len(p.scratch)
		p.scratch = append(p.scratch, make([]byte, pad)...)
		switch f.Kind {
		case KindPad:
			p.scratch = append(p.scratch, make([]byte, f.Count)...)
		case KindBlob:
			err = p.appendBlob(values[0])
			values = values[1:]
		case KindBytes, KindPascal:
			err = p.appendBlock(f, values[0])
			values = values[1:]
		default:
			for i := 0; i < f.Count && err == nil; i++ {
				err = p.appendElement(f, values[i])
			}
			values = values[f.Count:]
		}
		if err != nil {
			p.scratch = p.scratch[:0]
			return err
		}
	}
	return p.flush()
}

func (p *Packer) appendBlob(v interface{}) error {
	b, err := bytesValue(v)
	if err != nil {
		return err
	}
	if len(b) > MaxBlobLen {
		return fmt.Errorf("wire: %w: blob of %d bytes is too long", errorutil.ErrFormat, len(b))
	}
	p.scratch = p.order.AppendUint16(p.scratch, uint16(len(b)))
	p.scratch = append(p.scratch, b...)
	return nil
}

func (p *Packer) appendBlock(f Field, v interface{}) error {
	b, err := bytesValue(v)
	if err != nil {
		return err
	}
	block := make([]byte, f.Count)
	if f.Kind == KindBytes {
		copy(block, b)
	} else if f.Count > 0 {
		n := len(b)
		if n > f.Count-1 {
			n = f.Count - 1
		}
		if n > math.MaxUint8 {
			n = math.MaxUint8
		}
		block[0] = byte(n)
		copy(block[1:], b[:n])
	}
	p.scratch = append(p.scratch, block...)
	return nil
}

func (p *Packer) appendElement(f Field, v interface{}) error {
	switch f.Kind {
	case KindChar:
		switch c := v.(type) {
		case byte:
			p.scratch = append(p.scratch, c)
		case []byte:
			if len(c) != 1 {
				return fmt.Errorf("wire: %w: char needs exactly one byte, got %d", errorutil.ErrFormat, len(c))
			}
			p.scratch = append(p.scratch, c[0])
		case string:
			if len(c) != 1 {
				return fmt.Errorf("wire: %w: char needs exactly one byte, got %d", errorutil.ErrFormat, len(c))
			}
			p.scratch = append(p.scratch, c[0])
		default:
			return fmt.Errorf("wire: %w: char can't be encoded from %T", errorutil.ErrFormat, v)
		}
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("wire: %w: bool can't be encoded from %T", errorutil.ErrFormat, v)
		}
		if b {
			p.scratch = append(p.scratch, 1)
		} else {
			p.scratch = append(p.scratch, 0)
		}
	case KindFloat:
		x, ok := floatValue(v)
		if !ok {
			return fmt.Errorf("wire: %w: float can't be encoded from %T", errorutil.ErrFormat, v)
		}
		if f.Size == 4 {
			p.scratch = p.order.AppendUint32(p.scratch, math.Float32bits(float32(x)))
		} else {
			p.scratch = p.order.AppendUint64(p.scratch, math.Float64bits(x))
		}
	case KindInt:
		x, ok := intValue(v)
		if !ok {
			return fmt.Errorf("wire: %w: %c can't be encoded from %T", errorutil.ErrFormat, f.Code, v)
		}
		bits := uint(f.Size * 8)
		if bits < 64 && (x < -(1<<(bits-1)) || x >= 1<<(bits-1)) {
			return fmt.Errorf("wire: %w: %d out of range for %c", errorutil.ErrFormat, x, f.Code)
		}
		p.appendUint(f.Size, uint64(x))
	case KindUint:
		x, ok := uintValue(v)
		if !ok {
			return fmt.Errorf("wire: %w: %c can't be encoded from %T", errorutil.ErrFormat, f.Code, v)
		}
		bits := uint(f.Size * 8)
		if bits < 64 && x >= 1<<bits {
			return fmt.Errorf("wire: %w: %d out of range for %c", errorutil.ErrFormat, x, f.Code)
		}
		p.appendUint(f.Size, x)
	}
	return nil
}

func (p *Packer) appendUint(size int, x uint64) {
	switch size {
	case 1:
		p.scratch = append(p.scratch, byte(x))
	case 2:
		p.scratch = p.order.AppendUint16(p.scratch, uint16(x))
	case 4:
		p.scratch = p.order.AppendUint32(p.scratch, uint32(x))
	default:
		p.scratch = p.order.AppendUint64(p.scratch, x)
	}
}

func bytesValue(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		if !utf8.ValidString(b) {
			return nil, fmt.Errorf("wire: %w: %q is not valid text", errorutil.ErrFormat, b)
		}
		return []byte(b), nil
	}
	return nil, fmt.Errorf("wire: %w: bytes can't be encoded from %T", errorutil.ErrFormat, v)
}

func floatValue(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func intValue(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	}
	return 0, false
}

func uintValue(v interface{}) (uint64, bool) {
	switch x := v.(type) {
	case uint:
		return uint64(x), true
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case uint64:
		return x, true
	}
	x, ok := intValue(v)
	if !ok || x < 0 {
		return 0, false
	}
	return uint64(x), true
}
