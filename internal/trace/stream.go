package trace

// Stream is a single pass, pull based sequence of traces. Next advances to
// the following trace and reports false once the stream is exhausted or
// failed; Err tells the two apart.
type Stream interface {
	Next() bool
	Trace() *Trace
	Err() error
}

type SliceStream struct {
	traces []*Trace
	cur    *Trace
}

func NewSliceStream(traces []*Trace) *SliceStream {
	return &SliceStream{traces: traces}
}

func (s *SliceStream) Next() bool {
	if len(s.traces) == 0 {
		s.cur = nil
		return false
	}
	s.cur, s.traces = s.traces[0], s.traces[1:]
	return true
}

func (s *SliceStream) Trace() *Trace {
	return s.cur
}

func (s *SliceStream) Err() error {
	return nil
}

// Collect drains s. The traces read before a failure are returned along with
// the error.
func Collect(s Stream) ([]*Trace, error) {
	var traces []*Trace
	for s.Next() {
		traces = append(traces, s.Trace())
	}
	return traces, s.Err()
}

// Tracepoints lists the distinct tracepoints of traces in order of first
// appearance.
func Tracepoints(traces []*Trace) []*TracePoint {
	seen := make(map[*TracePoint]struct{})
	var tps []*TracePoint
	for _, t := range traces {
		if _, exists := seen[t.TracePoint]; exists {
			continue
		}
		seen[t.TracePoint] = struct{}{}
		tps = append(tps, t.TracePoint)
	}
	return tps
}
