package dump

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/getsentry/ktrace/internal/errorutil"
	"github.com/getsentry/ktrace/internal/trace"
	"github.com/getsentry/ktrace/internal/wire"
)

const (
	recordHeader  = "Q16sQII"
	flagBacktrace = 1
)

// segmentCursor decodes one segment and holds its next record.
type segmentCursor struct {
	index int
	u     *wire.Unpacker
	next  *trace.Trace
}

// advance decodes the following record of the segment. It returns false at
// the end of the segment or on error.
func (c *segmentCursor) advance(d *Dump) (bool, error) {
	c.next = nil
	u := c.u
	u.Align(chunkAlignment)
	if u.Remaining() < 8 {
		return false, nil
	}
	offset := u.Offset()
	key, _ := u.Uint64()
	if key == 0 || key == math.MaxUint64 {
		return false, nil
	}
	tp, ok := d.byKey[key]
	if !ok {
		return false, fmt.Errorf("dump: %w: segment %d: unknown tracepoint key %d at offset %d", errorutil.ErrFormat, c.index, key, offset)
	}
	header, err := u.Unpack(recordHeader)
	if err != nil {
		return false, fmt.Errorf("dump: segment %d: record at offset %d: %w", c.index, offset, err)
	}
	t := &trace.Trace{
		TracePoint: tp,
		Thread: trace.Thread{
			Ptr:  header[0].(uint64),
			Name: trace.ThreadName(header[1].([]byte)),
		},
		Time: header[2].(uint64),
		CPU:  header[3].(uint32),
	}
	if header[4].(uint32)&flagBacktrace != 0 {
		if uint64(d.BacktraceCapacity)*8 > uint64(u.Remaining()) {
			return false, fmt.Errorf(
				"dump: %w: segment %d: backtrace of %d frames at offset %d, %d bytes left",
				errorutil.ErrFormat,
				c.index,
				d.BacktraceCapacity,
				offset,
				u.Remaining(),
			)
		}
		t.Backtrace = make([]uint64, 0, d.BacktraceCapacity)
		for i := uint32(0); i < d.BacktraceCapacity; i++ {
			addr, err := u.Uint64()
			if err != nil {
				return false, fmt.Errorf("dump: segment %d: backtrace at offset %d: %w", c.index, offset, err)
			}
			if addr != 0 {
				t.Backtrace = append(t.Backtrace, addr)
			}
		}
	}
	t.Data, err = u.Unpack(tp.Signature)
	if err != nil {
		return false, fmt.Errorf("dump: segment %d: %s arguments at offset %d: %w", c.index, tp.Name, offset, err)
	}
	c.next = t
	return true, nil
}

// Reader merges the segments of a dump into one stream ordered by time.
// Records with the same timestamp come out in segment order.
type Reader struct {
	dump *Dump
	heap []*segmentCursor
	cur  *trace.Trace
	errs []error
}

func newReader(d *Dump) *Reader {
	r := &Reader{dump: d, heap: make([]*segmentCursor, 0, len(d.Segments))}
	for i, segment := range d.Segments {
		c := &segmentCursor{index: i, u: wire.NewUnpacker(segment, d.Order, d.specs)}
		if r.advance(c) {
			r.heap = heapInsert(r.heap, c)
		}
	}
	return r
}

// advance moves a cursor forward, recording its error if it failed.
func (r *Reader) advance(c *segmentCursor) bool {
	ok, err := c.advance(r.dump)
	if err != nil {
		log.Warn().Err(err).Int("segment", c.index).Msg("dropping segment from merge")
		r.errs = append(r.errs, err)
	}
	return ok
}

func (r *Reader) Next() bool {
	r.cur = nil
	if len(r.heap) == 0 {
		return false
	}
	top := r.heap[0]
	r.cur = top.next
	if r.advance(top) {
		heapSiftDown(r.heap, 0)
	} else {
		r.heap = heapRemove(r.heap, 0)
	}
	return true
}

func (r *Reader) Trace() *trace.Trace {
	return r.cur
}

// Err returns the errors of every segment dropped so far. Records of the
// other segments are still delivered.
func (r *Reader) Err() error {
	return errors.Join(r.errs...)
}

func (c *segmentCursor) before(o *segmentCursor) bool {
	if c.next.Time != o.next.Time {
		return c.next.Time < o.next.Time
	}
	return c.index < o.index
}

func heapInsert(heap []*segmentCursor, c *segmentCursor) []*segmentCursor {
	heap = append(heap, c)
	heapSiftUp(heap, len(heap)-1)
	return heap
}

func heapRemove(heap []*segmentCursor, i int) []*segmentCursor {
	last := len(heap) - 1
	heap[i], heap[last] = heap[last], heap[i]
	heap = heap[:last]
	if i < len(heap) {
		if heapSiftUp(heap, i) == i {
			heapSiftDown(heap, i)
		}
	}
	return heap
}

func heapSiftUp(heap []*segmentCursor, i int) int {
	for i > 0 && heap[i].before(heap[(i-1)/2]) {
		heap[(i-1)/2], heap[i] = heap[i], heap[(i-1)/2]
		i = (i - 1) / 2
	}
	return i
}

func heapSiftDown(heap []*segmentCursor, i int) int {
	for {
		m := i
		for _, child := range [2]int{2*i + 1, 2*i + 2} {
			if child < len(heap) && heap[child].before(heap[m]) {
				m = child
			}
		}
		if m == i {
			break
		}
		heap[i], heap[m] = heap[m], heap[i]
		i = m
	}
	return i
}
