package tracefile

import (
	"encoding/binary"
	"fmt"

	"github.com/getsentry/ktrace/internal/errorutil"
	"github.com/getsentry/ktrace/internal/storageutil"
	"github.com/getsentry/ktrace/internal/trace"
	"github.com/getsentry/ktrace/internal/wire"
)

// Version 2 added thread names to records.
const Version = 2

const recordHeader = "QQ16sQI"

// Order is the byte order of the stream, the one of the producing machine.
var Order wire.ByteOrder = binary.NativeEndian

type Reader struct {
	unpacker    *wire.Unpacker
	tracepoints []*trace.TracePoint
	byKey       map[uint64]*trace.TracePoint
	cur         *trace.Trace
	err         error
}

// NewReader reads the stream header and its tracepoint dictionary from buf.
// Records are decoded lazily by Next. buf must stay valid until the reader
// is done.
func NewReader(buf []byte, specs *wire.SpecCache) (*Reader, error) {
	u := wire.NewUnpacker(buf, Order, specs)
	values, err := u.Unpack("i")
	if err != nil {
		return nil, fmt.Errorf("tracefile: reading version: %w", err)
	}
	if version := values[0].(int32); version != Version {
		return nil, fmt.Errorf(
			"tracefile: %w: %w: current is %d got %d",
			errorutil.ErrFormat,
			errorutil.ErrVersionMismatch,
			Version,
			version,
		)
	}
	count, err := u.Uint64()
	if err != nil {
		return nil, fmt.Errorf("tracefile: reading tracepoint count: %w", err)
	}
	r := &Reader{
		unpacker: u,
		byKey:    make(map[uint64]*trace.TracePoint),
	}
	for i := uint64(0); i < count; i++ {
		tp, err := readTracepoint(u)
		if err != nil {
			return nil, fmt.Errorf("tracefile: reading tracepoint %d: %w", i, err)
		}
		r.tracepoints = append(r.tracepoints, tp)
		r.byKey[tp.Key] = tp
	}
	return r, nil
}

func readTracepoint(u *wire.Unpacker) (*trace.TracePoint, error) {
	key, err := u.Uint64()
	if err != nil {
		return nil, err
	}
	var strs [3]string
	for i := range strs {
		strs[i], err = u.UnpackStr()
		if err != nil {
			return nil, err
		}
	}
	return &trace.TracePoint{
		Key:       key,
		Name:      strs[0],
		Signature: strs[1],
		Format:    strs[2],
	}, nil
}

// Tracepoints returns the dictionary in stream order.
func (r *Reader) Tracepoints() []*trace.TracePoint {
	return r.tracepoints
}

func (r *Reader) Next() bool {
	r.cur = nil
	if r.err != nil || !r.unpacker.More() {
		return false
	}
	t, err := r.readRecord()
	if err != nil {
		r.err = fmt.Errorf("tracefile: record at offset %d: %w", r.unpacker.Offset(), err)
		return false
	}
	r.cur = t
	return true
}

func (r *Reader) Trace() *trace.Trace {
	return r.cur
}

func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) readRecord() (*trace.Trace, error) {
	u := r.unpacker
	header, err := u.Unpack(recordHeader)
	if err != nil {
		return nil, err
	}
	key := header[0].(uint64)
	tp, ok := r.byKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: unknown tracepoint key %d", errorutil.ErrFormat, key)
	}
	t := &trace.Trace{
		TracePoint: tp,
		Thread: trace.Thread{
			Ptr:  header[1].(uint64),
			Name: trace.ThreadName(header[2].([]byte)),
		},
		Time: header[3].(uint64),
		CPU:  header[4].(uint32),
	}
	for {
		frame, err := u.Uint64()
		if err != nil {
			return nil, err
		}
		if frame == 0 {
			break
		}
		t.Backtrace = append(t.Backtrace, frame)
	}
	t.Data, err = u.Unpack(tp.Signature)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// File is a Reader over a mapped capture file.
type File struct {
	*Reader
	capture *storageutil.Capture
}

// Open maps path read-only and reads its dictionary. The mapping is released
// by Close, or before returning when the header can't be parsed.
func Open(path string, specs *wire.SpecCache) (*File, error) {
	capture, err := storageutil.MapFile(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(capture.Bytes(), specs)
	if err != nil {
		capture.Close()
		return nil, err
	}
	return &File{Reader: r, capture: capture}, nil
}

func (f *File) Close() error {
	return f.capture.Close()
}
