package trace

import (
	"bytes"
	"sort"
)

// ThreadNameLen is the fixed width of a thread name on the wire.
const ThreadNameLen = 16

type (
	Arg struct {
		Name string `json:"name"`
		Type byte   `json:"type"`
	}

	// TracePoint describes one kind of event. Every Trace recorded for it
	// shares the same instance.
	TracePoint struct {
		Key        uint64 `json:"key"`
		ID         string `json:"id,omitempty"`
		Name       string `json:"name"`
		Provenance string `json:"provenance,omitempty"`
		Signature  string `json:"signature"`
		Format     string `json:"format"`
		Args       []Arg  `json:"args,omitempty"`
	}

	Thread struct {
		Ptr  uint64 `json:"ptr"`
		Name string `json:"name"`
	}

	Trace struct {
		TracePoint *TracePoint
		Thread     Thread
		Time       uint64
		CPU        uint32
		Data       []interface{}
		// Backtrace lists return addresses, innermost first. It is nil when
		// the producer did not capture one.
		Backtrace []uint64
	}

	// TimedTrace is the begin event of a matched pair. Duration is nil for a
	// begin that never saw its end.
	TimedTrace struct {
		Trace    *Trace
		Duration *uint64
	}
)

func (t Thread) Equal(o Thread) bool {
	return t.Ptr == o.Ptr
}

// ThreadName decodes a NUL padded thread name. Only trailing NULs are
// padding.
func ThreadName(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}

// ThreadNameBytes renders a thread name in its fixed wire width, truncating
// longer names.
func ThreadNameBytes(name string) []byte {
	b := make([]byte, ThreadNameLen)
	copy(b, name)
	return b
}

func (t *Trace) Name() string {
	return t.TracePoint.Name
}

// Signature returns the argument specifier, an empty one when the tracepoint
// takes no arguments.
func (t *Trace) Signature() string {
	return t.TracePoint.Signature
}

func (t TimedTrace) Time() uint64 {
	return t.Trace.Time
}

// TimeRange spans the traced operation. An unmatched begin yields a range
// open to the right.
func (t TimedTrace) TimeRange() TimeRange {
	begin := t.Trace.Time
	if t.Duration == nil {
		return TimeRange{Begin: &begin}
	}
	end := begin + *t.Duration
	return TimeRange{Begin: &begin, End: &end}
}

// SortByTime sorts traces by timestamp, keeping the relative order of equal
// timestamps.
func SortByTime(traces []*Trace) {
	sort.SliceStable(traces, func(i, j int) bool {
		return traces[i].Time < traces[j].Time
	})
}
