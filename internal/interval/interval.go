package interval

import (
	"fmt"
	"sort"
	"strings"

	"github.com/getsentry/ktrace/internal/errorutil"
	"github.com/getsentry/ktrace/internal/trace"
)

var endSuffixes = []string{"_ret", "_err"}

// EndedName returns the name of the tracepoint an end tracepoint closes.
func EndedName(name string) (string, bool) {
	for _, suffix := range endSuffixes {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix), true
		}
	}
	return "", false
}

// BlockTracepoints returns the names of the tracepoints opening a block: the
// ones with a _ret or _err sibling.
func BlockTracepoints(tps []*trace.TracePoint) map[string]struct{} {
	blocks := make(map[string]struct{})
	for _, tp := range tps {
		if name, ok := EndedName(tp.Name); ok {
			blocks[name] = struct{}{}
		}
	}
	return blocks
}

// Reconstructor pairs begin and end events of the same thread into timed
// traces.
type Reconstructor struct {
	traces trace.Stream
	blocks map[string]struct{}
	// pending begins by thread pointer then block name.
	pending map[uint64]map[string]*trace.Trace
	cur     trace.TimedTrace
	err     error
}

func NewReconstructor(traces trace.Stream, blocks map[string]struct{}) *Reconstructor {
	return &Reconstructor{
		traces:  traces,
		blocks:  blocks,
		pending: make(map[uint64]map[string]*trace.Trace),
	}
}

// Next advances to the following matched pair. End events without a pending
// begin are skipped.
func (r *Reconstructor) Next() bool {
	r.cur = trace.TimedTrace{}
	if r.err != nil {
		return false
	}
	for r.traces.Next() {
		t := r.traces.Trace()
		if name, ok := EndedName(t.Name()); ok {
			begin, found := r.pending[t.Thread.Ptr][name]
			if !found {
				continue
			}
			delete(r.pending[t.Thread.Ptr], name)
			var duration uint64
			if t.Time > begin.Time {
				duration = t.Time - begin.Time
			}
			r.cur = trace.TimedTrace{Trace: begin, Duration: &duration}
			return true
		}
		if _, ok := r.blocks[t.Name()]; !ok {
			continue
		}
		open := r.pending[t.Thread.Ptr]
		if open == nil {
			open = make(map[string]*trace.Trace)
			r.pending[t.Thread.Ptr] = open
		}
		if _, nested := open[t.Name()]; nested {
			r.err = fmt.Errorf("interval: %w: %s on thread 0x%x at %d", errorutil.ErrNesting, t.Name(), t.Thread.Ptr, t.Time)
			return false
		}
		open[t.Name()] = t
	}
	r.err = r.traces.Err()
	return false
}

func (r *Reconstructor) TimedTrace() trace.TimedTrace {
	return r.cur
}

func (r *Reconstructor) Err() error {
	return r.err
}

// Unmatched returns the begins still waiting for their end, by time. They
// have no duration.
func (r *Reconstructor) Unmatched() []trace.TimedTrace {
	var timed []trace.TimedTrace
	for _, open := range r.pending {
		for _, t := range open {
			timed = append(timed, trace.TimedTrace{Trace: t})
		}
	}
	sort.Slice(timed, func(i, j int) bool {
		a, b := timed[i].Trace, timed[j].Trace
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		if a.Thread.Ptr != b.Thread.Ptr {
			return a.Thread.Ptr < b.Thread.Ptr
		}
		return a.Name() < b.Name()
	})
	return timed
}

// Collect drains r.
func Collect(r *Reconstructor) ([]trace.TimedTrace, error) {
	var timed []trace.TimedTrace
	for r.Next() {
		timed = append(timed, r.TimedTrace())
	}
	return timed, r.Err()
}

// SortByDuration sorts timed traces from the longest to the shortest.
func SortByDuration(timed []trace.TimedTrace) {
	sort.SliceStable(timed, func(i, j int) bool {
		return durationOf(timed[i]) > durationOf(timed[j])
	})
}

func durationOf(t trace.TimedTrace) uint64 {
	if t.Duration == nil {
		return 0
	}
	return *t.Duration
}

// ByFunction groups timed traces by tracepoint name.
func ByFunction(timed []trace.TimedTrace) map[string][]trace.TimedTrace {
	groups := make(map[string][]trace.TimedTrace)
	for _, t := range timed {
		groups[t.Trace.Name()] = append(groups[t.Trace.Name()], t)
	}
	return groups
}

// Format renders a timed trace as one line of a duration listing.
func Format(t trace.TimedTrace, bt trace.BacktraceFormatter) (string, error) {
	var backtrace string
	if bt != nil {
		var err error
		if backtrace, err = bt.FormatBacktrace(t.Trace.Backtrace); err != nil {
			return "", err
		}
	}
	duration := "-"
	if t.Duration != nil {
		duration = trace.FormatDuration(*t.Duration)
	}
	return fmt.Sprintf(
		"0x%016x %2d %20s %7s %-20s %s%s",
		t.Trace.Thread.Ptr,
		t.Trace.CPU,
		trace.FormatTime(t.Trace.Time),
		duration,
		t.Trace.Name(),
		t.Trace.FormatData(),
		backtrace,
	), nil
}
