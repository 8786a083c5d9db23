package tracefile

import (
	"fmt"
	"io"

	"github.com/getsentry/ktrace/internal/trace"
	"github.com/getsentry/ktrace/internal/wire"
)

// Write encodes the dictionary tps followed by traces. Every trace must
// reference a tracepoint of tps.
func Write(w io.Writer, tps []*trace.TracePoint, traces trace.Stream, specs *wire.SpecCache) error {
	p := wire.NewPacker(w, Order, specs)
	if err := p.Pack("i", int32(Version)); err != nil {
		return err
	}
	if err := p.Uint64(uint64(len(tps))); err != nil {
		return err
	}
	keys := make(map[uint64]struct{}, len(tps))
	for _, tp := range tps {
		if err := p.Uint64(tp.Key); err != nil {
			return err
		}
		if err := p.PackStr(tp.Name, tp.Signature, tp.Format); err != nil {
			return fmt.Errorf("tracefile: tracepoint %s: %w", tp.Name, err)
		}
		keys[tp.Key] = struct{}{}
	}
	for traces.Next() {
		t := traces.Trace()
		if _, ok := keys[t.TracePoint.Key]; !ok {
			return fmt.Errorf("tracefile: tracepoint %s is missing from the dictionary", t.Name())
		}
		if err := writeRecord(p, t); err != nil {
			return fmt.Errorf("tracefile: trace %s at %d: %w", t.Name(), t.Time, err)
		}
	}
	return traces.Err()
}

// WriteTraces encodes traces with a dictionary made of the tracepoints they
// reference, in order of first appearance.
func WriteTraces(w io.Writer, traces []*trace.Trace, specs *wire.SpecCache) error {
	return Write(w, trace.Tracepoints(traces), trace.NewSliceStream(traces), specs)
}

func writeRecord(p *wire.Packer, t *trace.Trace) error {
	err := p.Pack(
		recordHeader,
		t.TracePoint.Key,
		t.Thread.Ptr,
		trace.ThreadNameBytes(t.Thread.Name),
		t.Time,
		t.CPU,
	)
	if err != nil {
		return err
	}
	for _, frame := range t.Backtrace {
		if frame == 0 {
			continue
		}
		if err := p.Uint64(frame); err != nil {
			return err
		}
	}
	if err := p.Uint64(0); err != nil {
		return err
	}
	return p.Pack(t.Signature(), t.Data...)
}
