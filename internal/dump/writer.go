package dump

import (
	"bytes"
	"fmt"
	"io"

	"github.com/getsentry/ktrace/internal/errorutil"
	"github.com/getsentry/ktrace/internal/trace"
	"github.com/getsentry/ktrace/internal/wire"
)

// Writer builds a container in memory. The declared total size is filled in
// by Bytes and WriteTo.
type Writer struct {
	order    wire.ByteOrder
	specs    *wire.SpecCache
	buf      bytes.Buffer
	p        *wire.Packer
	capacity uint32
	// signatures of the dictionary written so far, by key.
	signatures map[uint64]string
}

func NewWriter(order wire.ByteOrder, specs *wire.SpecCache) *Writer {
	w := &Writer{order: order, specs: specs}
	w.p = wire.NewPacker(&w.buf, order, specs)
	magic := MagicLittleEndian
	if order.Uint16([]byte{0, 1}) == 1 {
		magic = MagicBigEndian
	}
	_ = w.p.Raw([]byte(magic))
	_ = w.p.Uint64(0)
	_ = w.p.Uint32(checkValue)
	_ = w.p.Uint32(Version)
	return w
}

// WriteChunk appends a raw chunk.
func (w *Writer) WriteChunk(tag uint32, payload []byte) error {
	if err := w.p.Align(chunkAlignment); err != nil {
		return err
	}
	if err := w.p.Uint32(tag); err != nil {
		return err
	}
	if err := w.p.Uint64(uint64(len(payload))); err != nil {
		return err
	}
	return w.p.Raw(payload)
}

// WriteDictionary appends the tracepoint dictionary. Tracepoints without
// Args get them from their signature.
func (w *Writer) WriteDictionary(capacity uint32, tps []*trace.TracePoint) error {
	var payload bytes.Buffer
	p := wire.NewPacker(&payload, w.order, w.specs)
	_ = p.Uint32(capacity)
	_ = p.Uint32(uint32(len(tps)))
	signatures := make(map[uint64]string, len(tps))
	for _, tp := range tps {
		args := tp.Args
		if args == nil {
			var err error
			args, err = ArgsOf(tp.Signature)
			if err != nil {
				return fmt.Errorf("dump: tracepoint %s: %w", tp.Name, err)
			}
		}
		_ = p.Uint64(tp.Key)
		if err := p.PackStr(tp.ID, tp.Name, tp.Provenance, tp.Format); err != nil {
			return fmt.Errorf("dump: tracepoint %s: %w", tp.Name, err)
		}
		_ = p.Uint32(uint32(len(args)))
		for _, arg := range args {
			if err := p.PackStr(arg.Name); err != nil {
				return fmt.Errorf("dump: tracepoint %s: %w", tp.Name, err)
			}
			_ = p.Raw([]byte{arg.Type})
		}
		signatures[tp.Key] = Signature(args)
	}
	w.capacity = capacity
	w.signatures = signatures
	return w.WriteChunk(TagDictionary, payload.Bytes())
}

// WriteSegment appends the records of one producer. Traces must be sorted by
// time and reference tracepoints of the dictionary.
func (w *Writer) WriteSegment(traces []*trace.Trace) error {
	if w.signatures == nil {
		return fmt.Errorf("dump: %w: segment written before the dictionary", errorutil.ErrFormat)
	}
	var payload bytes.Buffer
	p := wire.NewPacker(&payload, w.order, w.specs)
	for _, t := range traces {
		if err := w.writeRecord(p, t); err != nil {
			return fmt.Errorf("dump: trace %s at %d: %w", t.Name(), t.Time, err)
		}
	}
	return w.WriteChunk(TagSegment, payload.Bytes())
}

func (w *Writer) writeRecord(p *wire.Packer, t *trace.Trace) error {
	signature, ok := w.signatures[t.TracePoint.Key]
	if !ok {
		return fmt.Errorf("%w: tracepoint key %d is missing from the dictionary", errorutil.ErrFormat, t.TracePoint.Key)
	}
	var frames []uint64
	for _, addr := range t.Backtrace {
		if addr != 0 {
			frames = append(frames, addr)
		}
	}
	if uint32(len(frames)) > w.capacity {
		return fmt.Errorf("%w: %d frames exceed the backtrace capacity of %d", errorutil.ErrFormat, len(frames), w.capacity)
	}
	var flags uint32
	if t.Backtrace != nil {
		flags |= flagBacktrace
	}

	if err := p.Align(chunkAlignment); err != nil {
		return err
	}
	if err := p.Uint64(t.TracePoint.Key); err != nil {
		return err
	}
	err := p.Pack(recordHeader, t.Thread.Ptr, trace.ThreadNameBytes(t.Thread.Name), t.Time, t.CPU, flags)
	if err != nil {
		return err
	}
	if flags&flagBacktrace != 0 {
		for i := uint32(0); i < w.capacity; i++ {
			var addr uint64
			if int(i) < len(frames) {
				addr = frames[i]
			}
			if err := p.Uint64(addr); err != nil {
				return err
			}
		}
	}
	return p.Pack(signature, t.Data...)
}

// Bytes returns the container with its total size filled in.
func (w *Writer) Bytes() []byte {
	b := w.buf.Bytes()
	w.order.PutUint64(b[4:12], uint64(len(b)))
	return b
}

func (w *Writer) WriteTo(dst io.Writer) (int64, error) {
	n, err := dst.Write(w.Bytes())
	return int64(n), err
}

// ArgsOf derives dictionary argument types from a signature. Only single
// element codes and pointer strings have a dictionary form.
func ArgsOf(signature string) ([]trace.Arg, error) {
	fields, err := wire.Split(signature)
	if err != nil {
		return nil, err
	}
	args := make([]trace.Arg, 0, len(fields))
	for _, f := range fields {
		switch {
		case f.Kind == wire.KindPascal && f.String() == PointerArgSpec:
			args = append(args, trace.Arg{Type: 'p'})
		case f.Kind == wire.KindBytes, f.Kind == wire.KindPascal, f.Kind == wire.KindPad:
			return nil, fmt.Errorf("%w: %s has no dictionary form", errorutil.ErrFormat, f)
		default:
			for i := 0; i < f.Count; i++ {
				args = append(args, trace.Arg{Type: f.Code})
			}
		}
	}
	return args, nil
}
