package interval

import (
	"github.com/getsentry/ktrace/internal/trace"
)

type filterStream struct {
	trace.Stream
	keep func(*trace.Trace) bool
}

func (f *filterStream) Next() bool {
	for f.Stream.Next() {
		if f.keep(f.Stream.Trace()) {
			return true
		}
	}
	return false
}

// FilterNames keeps the traces of the named tracepoints, along with the end
// events closing them.
func FilterNames(s trace.Stream, names []string) trace.Stream {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return &filterStream{Stream: s, keep: func(t *trace.Trace) bool {
		if _, ok := set[t.Name()]; ok {
			return true
		}
		if name, ok := EndedName(t.Name()); ok {
			_, ok = set[name]
			return ok
		}
		return false
	}}
}

// FilterRange keeps the traces recorded within r.
func FilterRange(s trace.Stream, r trace.TimeRange) trace.Stream {
	return &filterStream{Stream: s, keep: func(t *trace.Trace) bool {
		return r.Contains(t.Time)
	}}
}
