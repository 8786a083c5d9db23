package dump

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/getsentry/ktrace/internal/errorutil"
	"github.com/getsentry/ktrace/internal/testutil"
	"github.com/getsentry/ktrace/internal/trace"
	"github.com/getsentry/ktrace/internal/wire"
)

var (
	openTP = &trace.TracePoint{
		Key:        1,
		ID:         "vfs_open",
		Name:       "vfs_open",
		Provenance: "fs/vfs/main.cc",
		Format:     "\"%s\" fd=%d",
		Args:       []trace.Arg{{Name: "path", Type: 'p'}, {Name: "fd", Type: 'i'}},
		Signature:  "50pi",
	}
	openRetTP = &trace.TracePoint{
		Key:       2,
		ID:        "vfs_open_ret",
		Name:      "vfs_open_ret",
		Format:    "ret=%d",
		Args:      []trace.Arg{{Name: "ret", Type: 'i'}},
		Signature: "i",
	}
	tickTP = &trace.TracePoint{
		Key:    3,
		ID:     "timer_tick",
		Name:   "timer_tick",
		Format: "",
	}
	tracepoints = []*trace.TracePoint{openTP, openRetTP, tickTP}
)

const capacity = 4

func newTrace(tp *trace.TracePoint, cpu uint32, time uint64, data ...interface{}) *trace.Trace {
	t := &trace.Trace{
		TracePoint: tp,
		Thread:     trace.Thread{Ptr: 0xffff800000000000 + uint64(cpu), Name: "worker"},
		Time:       time,
		CPU:        cpu,
		Data:       data,
	}
	if tp == openTP {
		t.Backtrace = []uint64{0x40001001, 0x40002001}
	}
	return t
}

func writeDump(t *testing.T, order wire.ByteOrder, segments ...[]*trace.Trace) []byte {
	t.Helper()
	w := NewWriter(order, nil)
	if err := w.WriteDictionary(capacity, tracepoints); err != nil {
		t.Fatalf("we should be able to write the dictionary: %v", err)
	}
	for _, segment := range segments {
		if err := w.WriteSegment(segment); err != nil {
			t.Fatalf("we should be able to write a segment: %v", err)
		}
	}
	return w.Bytes()
}

func readAll(t *testing.T, buf []byte) ([]*trace.Trace, error) {
	t.Helper()
	d, err := Parse(buf, nil)
	if err != nil {
		t.Fatalf("we should be able to parse: %v", err)
	}
	return trace.Collect(d.Traces())
}

func TestMerge(t *testing.T) {
	seg0 := []*trace.Trace{
		newTrace(openTP, 0, 10, []byte("/etc/hosts"), int32(3)),
		newTrace(openRetTP, 0, 30, int32(3)),
		newTrace(tickTP, 0, 50),
	}
	seg1 := []*trace.Trace{
		newTrace(tickTP, 1, 10),
		newTrace(openTP, 1, 20, []byte("/dev/null"), int32(4)),
		newTrace(openRetTP, 1, 60, int32(-2)),
	}
	seg2 := []*trace.Trace{
		newTrace(tickTP, 2, 5),
	}

	tests := []struct {
		name     string
		segments [][]*trace.Trace
		output   []*trace.Trace
	}{
		{
			name:   "no segments",
			output: nil,
		},
		{
			name:     "one segment",
			segments: [][]*trace.Trace{seg0},
			output:   seg0,
		},
		{
			name:     "empty segment",
			segments: [][]*trace.Trace{{}, seg2},
			output:   seg2,
		},
		{
			name:     "several segments",
			segments: [][]*trace.Trace{seg0, seg1, seg2},
			output: []*trace.Trace{
				seg2[0],
				seg0[0],
				seg1[0],
				seg1[1],
				seg0[1],
				seg0[2],
				seg1[2],
			},
		},
	}

	for _, test := range tests {
		for _, order := range []wire.ByteOrder{binary.LittleEndian, binary.BigEndian} {
			t.Run(test.name+"/"+order.String(), func(t *testing.T) {
				traces, err := readAll(t, writeDump(t, order, test.segments...))
				if err != nil {
					t.Fatalf("we should be able to read every segment: %v", err)
				}
				if diff := testutil.Diff(traces, test.output); diff != "" {
					t.Fatalf("Result mismatch: got - want +\n%s", diff)
				}
			})
		}
	}
}

func TestParseDictionary(t *testing.T) {
	d, err := Parse(writeDump(t, binary.LittleEndian), nil)
	if err != nil {
		t.Fatalf("we should be able to parse: %v", err)
	}
	if d.BacktraceCapacity != capacity {
		t.Fatalf("expected a capacity of %d, got %d", capacity, d.BacktraceCapacity)
	}
	if diff := testutil.Diff(d.Tracepoints, tracepoints); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	tp, ok := d.Tracepoint(2)
	if !ok || tp.Name != "vfs_open_ret" {
		t.Fatalf("unexpected tracepoint for key 2: %v", tp)
	}
	if len(d.Segments) != 0 {
		t.Fatalf("expected no segments, got %d", len(d.Segments))
	}
}

func TestUnknownChunkIsSkipped(t *testing.T) {
	w := NewWriter(binary.LittleEndian, nil)
	if err := w.WriteChunk(Tag("NOTE"), []byte("produced by a newer kernel")); err != nil {
		t.Fatalf("we should be able to write a chunk: %v", err)
	}
	if err := w.WriteDictionary(capacity, tracepoints); err != nil {
		t.Fatalf("we should be able to write the dictionary: %v", err)
	}
	if err := w.WriteChunk(Tag("XTRA"), []byte{1, 2, 3}); err != nil {
		t.Fatalf("we should be able to write a chunk: %v", err)
	}
	segment := []*trace.Trace{newTrace(tickTP, 0, 1), newTrace(tickTP, 0, 2)}
	if err := w.WriteSegment(segment); err != nil {
		t.Fatalf("we should be able to write a segment: %v", err)
	}

	traces, err := readAll(t, w.Bytes())
	if err != nil {
		t.Fatalf("we should be able to read: %v", err)
	}
	if diff := testutil.Diff(traces, segment); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	valid := writeDump(t, binary.LittleEndian)

	withByte := func(offset int, value byte) []byte {
		b := append([]byte(nil), valid...)
		b[offset] = value
		return b
	}

	segmentFirst := NewWriter(binary.LittleEndian, nil)
	_ = segmentFirst.WriteChunk(TagSegment, nil)
	_ = segmentFirst.WriteDictionary(capacity, tracepoints)

	noDictionary := NewWriter(binary.LittleEndian, nil)
	_ = noDictionary.WriteChunk(Tag("XTRA"), nil)

	// Counts far beyond what the chunk holds.
	dictionary := func(write func(p *wire.Packer)) []byte {
		var payload bytes.Buffer
		write(wire.NewPacker(&payload, binary.LittleEndian, nil))
		w := NewWriter(binary.LittleEndian, nil)
		_ = w.WriteChunk(TagDictionary, payload.Bytes())
		return w.Bytes()
	}
	hugeCount := dictionary(func(p *wire.Packer) {
		_ = p.Uint32(capacity)
		_ = p.Uint32(0xffffffff)
	})
	hugeArgs := dictionary(func(p *wire.Packer) {
		_ = p.Uint32(capacity)
		_ = p.Uint32(1)
		_ = p.Uint64(5)
		_ = p.PackStr("", "", "", "")
		_ = p.Uint32(0xffffffff)
	})

	tests := []struct {
		name     string
		buf      []byte
		mismatch bool
	}{
		{name: "too short", buf: valid[:10]},
		{name: "bad magic", buf: withByte(0, 'X')},
		{name: "bad check", buf: withByte(12, 2)},
		{name: "version mismatch", buf: withByte(16, 9), mismatch: true},
		{name: "truncated chunk", buf: valid[:len(valid)-1]},
		{name: "segment before dictionary", buf: segmentFirst.Bytes()},
		{name: "no dictionary", buf: noDictionary.Bytes()},
		{name: "huge tracepoint count", buf: hugeCount},
		{name: "huge argument count", buf: hugeArgs},
		{name: "header only", buf: valid[:headerSize]},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse(test.buf, nil)
			if !errors.Is(err, errorutil.ErrFormat) {
				t.Fatalf("expected a format error, got %v", err)
			}
			if errors.Is(err, errorutil.ErrVersionMismatch) != test.mismatch {
				t.Fatalf("unexpected version mismatch classification: %v", err)
			}
		})
	}
}

func TestFailingSegmentIsIsolated(t *testing.T) {
	// A producer that knows one more tracepoint than the dictionary.
	extraTP := &trace.TracePoint{Key: 99, ID: "extra", Name: "extra"}
	other := NewWriter(binary.LittleEndian, nil)
	if err := other.WriteDictionary(capacity, append([]*trace.TracePoint{extraTP}, tracepoints...)); err != nil {
		t.Fatalf("we should be able to write the dictionary: %v", err)
	}
	bad := []*trace.Trace{newTrace(tickTP, 1, 15), newTrace(extraTP, 1, 25), newTrace(tickTP, 1, 35)}
	if err := other.WriteSegment(bad); err != nil {
		t.Fatalf("we should be able to write a segment: %v", err)
	}
	parsed, err := Parse(other.Bytes(), nil)
	if err != nil {
		t.Fatalf("we should be able to parse: %v", err)
	}

	good := []*trace.Trace{newTrace(tickTP, 0, 10), newTrace(tickTP, 0, 20), newTrace(tickTP, 0, 30)}
	w := NewWriter(binary.LittleEndian, nil)
	if err := w.WriteDictionary(capacity, tracepoints); err != nil {
		t.Fatalf("we should be able to write the dictionary: %v", err)
	}
	if err := w.WriteSegment(good); err != nil {
		t.Fatalf("we should be able to write a segment: %v", err)
	}
	if err := w.WriteChunk(TagSegment, parsed.Segments[0]); err != nil {
		t.Fatalf("we should be able to write a chunk: %v", err)
	}

	traces, err := readAll(t, w.Bytes())
	if !errors.Is(err, errorutil.ErrFormat) {
		t.Fatalf("expected a format error, got %v", err)
	}
	want := []*trace.Trace{good[0], bad[0], good[1], good[2]}
	if diff := testutil.Diff(traces, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestBacktraceCapacityBeyondSegment(t *testing.T) {
	ticks := []*trace.Trace{newTrace(tickTP, 0, 10), newTrace(tickTP, 0, 30)}
	opens := []*trace.Trace{newTrace(openTP, 1, 20, []byte("/"), int32(0))}
	buf := writeDump(t, binary.LittleEndian, ticks, opens)
	// The dictionary payload follows the header and the chunk tag and size.
	const capacityOffset = 24 + 4 + 8
	binary.LittleEndian.PutUint32(buf[capacityOffset:], 0xffffffff)

	traces, err := readAll(t, buf)
	if !errors.Is(err, errorutil.ErrFormat) {
		t.Fatalf("expected a format error, got %v", err)
	}
	if diff := testutil.Diff(traces, ticks); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestSegmentTerminators(t *testing.T) {
	segment := []*trace.Trace{newTrace(tickTP, 0, 1)}
	parsed, err := Parse(writeDump(t, binary.LittleEndian, segment), nil)
	if err != nil {
		t.Fatalf("we should be able to parse: %v", err)
	}
	record := parsed.Segments[0]

	tests := []struct {
		name    string
		trailer []byte
	}{
		{name: "end of bytes", trailer: nil},
		{name: "zero key", trailer: []byte{0, 0, 0, 0, 0, 0, 0, 0, 0xde, 0xad}},
		{name: "all ones key", trailer: []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 1, 2, 3}},
		{name: "short tail", trailer: []byte{1, 2, 3}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			w := NewWriter(binary.LittleEndian, nil)
			if err := w.WriteDictionary(capacity, tracepoints); err != nil {
				t.Fatalf("we should be able to write the dictionary: %v", err)
			}
			payload := append(append([]byte(nil), record...), test.trailer...)
			if err := w.WriteChunk(TagSegment, payload); err != nil {
				t.Fatalf("we should be able to write a chunk: %v", err)
			}
			traces, err := readAll(t, w.Bytes())
			if err != nil {
				t.Fatalf("we should be able to read: %v", err)
			}
			if diff := testutil.Diff(traces, segment); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

func TestTracesStartsOver(t *testing.T) {
	segment := []*trace.Trace{newTrace(tickTP, 0, 1), newTrace(tickTP, 0, 2)}
	d, err := Parse(writeDump(t, binary.LittleEndian, segment), nil)
	if err != nil {
		t.Fatalf("we should be able to parse: %v", err)
	}
	for i := 0; i < 2; i++ {
		traces, err := trace.Collect(d.Traces())
		if err != nil {
			t.Fatalf("we should be able to read: %v", err)
		}
		if len(traces) != 2 {
			t.Fatalf("pass %d: expected 2 traces, got %d", i, len(traces))
		}
	}
}

func TestWriterErrors(t *testing.T) {
	w := NewWriter(binary.LittleEndian, nil)
	if err := w.WriteSegment(nil); !errors.Is(err, errorutil.ErrFormat) {
		t.Fatalf("expected a format error, got %v", err)
	}
	if err := w.WriteDictionary(1, tracepoints); err != nil {
		t.Fatalf("we should be able to write the dictionary: %v", err)
	}
	deep := newTrace(openTP, 0, 1, []byte("/"), int32(0))
	if err := w.WriteSegment([]*trace.Trace{deep}); !errors.Is(err, errorutil.ErrFormat) {
		t.Fatalf("expected a format error for a deep backtrace, got %v", err)
	}
	unknown := &trace.Trace{TracePoint: &trace.TracePoint{Key: 42}}
	if err := w.WriteSegment([]*trace.Trace{unknown}); !errors.Is(err, errorutil.ErrFormat) {
		t.Fatalf("expected a format error for an unknown key, got %v", err)
	}
}

func TestArgsOf(t *testing.T) {
	args, err := ArgsOf("50p2iQ*")
	if err != nil {
		t.Fatalf("we should be able to derive arguments: %v", err)
	}
	want := []trace.Arg{{Type: 'p'}, {Type: 'i'}, {Type: 'i'}, {Type: 'Q'}, {Type: '*'}}
	if diff := testutil.Diff(args, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if Signature(args) != "50piiQ*" {
		t.Fatalf("unexpected signature %q", Signature(args))
	}
	if _, err := ArgsOf("16s"); !errors.Is(err, errorutil.ErrFormat) {
		t.Fatalf("expected a format error, got %v", err)
	}
}

func TestOpen(t *testing.T) {
	segment := []*trace.Trace{newTrace(openTP, 3, 7, []byte("/tmp"), int32(5))}
	path := filepath.Join(t.TempDir(), "capture.dump")
	if err := os.WriteFile(path, writeDump(t, binary.BigEndian, segment), 0o644); err != nil {
		t.Fatalf("we should be able to write the capture: %v", err)
	}

	f, err := Open(path, nil)
	if err != nil {
		t.Fatalf("we should be able to open the capture: %v", err)
	}
	defer f.Close()
	traces, err := trace.Collect(f.Traces())
	if err != nil {
		t.Fatalf("we should be able to read: %v", err)
	}
	if diff := testutil.Diff(traces, segment); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	garbage := filepath.Join(t.TempDir(), "garbage")
	if err := os.WriteFile(garbage, []byte("definitely not a trace dump"), 0o644); err != nil {
		t.Fatalf("we should be able to write the file: %v", err)
	}
	if _, err := Open(garbage, nil); !errors.Is(err, errorutil.ErrFormat) {
		t.Fatalf("expected a format error, got %v", err)
	}
}
