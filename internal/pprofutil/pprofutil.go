package pprofutil

import (
	"fmt"

	"github.com/google/pprof/profile"

	"github.com/getsentry/ktrace/internal/symbol"
	"github.com/getsentry/ktrace/internal/trace"
)

type functionKey struct {
	name, file string
}

type builder struct {
	p           *profile.Profile
	frames      *symbol.BacktraceFormatter
	locations   map[uint64]*profile.Location
	tracepoints map[*trace.TracePoint]*profile.Location
	functions   map[functionKey]*profile.Function
}

// FromTraces builds a profile with one sample per trace carrying a backtrace.
// Each stack ends with a frame named after the tracepoint, so a flame graph
// shows which code paths hit which tracepoints.
func FromTraces(traces []*trace.Trace, frames *symbol.BacktraceFormatter) (*profile.Profile, error) {
	b := &builder{
		p: &profile.Profile{
			SampleType: []*profile.ValueType{{Type: "events", Unit: "count"}},
			PeriodType: &profile.ValueType{Type: "events", Unit: "count"},
			Period:     1,
		},
		frames:      frames,
		locations:   make(map[uint64]*profile.Location),
		tracepoints: make(map[*trace.TracePoint]*profile.Location),
		functions:   make(map[functionKey]*profile.Function),
	}
	var first, last uint64
	for i, t := range traces {
		if i == 0 || t.Time < first {
			first = t.Time
		}
		if t.Time > last {
			last = t.Time
		}
		if len(t.Backtrace) == 0 {
			continue
		}
		srcs, err := frames.Frames(t.Backtrace)
		if err != nil {
			return nil, fmt.Errorf("pprofutil: %w", err)
		}
		locations := []*profile.Location{b.tracepointLocation(t.TracePoint)}
		for _, src := range srcs {
			locations = append(locations, b.location(src))
		}
		b.p.Sample = append(b.p.Sample, &profile.Sample{
			Location: locations,
			Value:    []int64{1},
			Label: map[string][]string{
				"thread": {t.Thread.Name},
			},
			NumLabel: map[string][]int64{
				"cpu": {int64(t.CPU)},
			},
		})
	}
	if len(traces) > 0 {
		b.p.DurationNanos = int64(last - first)
	}
	if err := b.p.CheckValid(); err != nil {
		return nil, fmt.Errorf("pprofutil: %w", err)
	}
	return b.p, nil
}

func (b *builder) function(name, file string) *profile.Function {
	key := functionKey{name: name, file: file}
	if fn, ok := b.functions[key]; ok {
		return fn
	}
	fn := &profile.Function{
		ID:         uint64(len(b.p.Function) + 1),
		Name:       name,
		SystemName: name,
		Filename:   file,
	}
	b.functions[key] = fn
	b.p.Function = append(b.p.Function, fn)
	return fn
}

func (b *builder) newLocation(addr uint64, fn *profile.Function, line uint32) *profile.Location {
	loc := &profile.Location{
		ID:      uint64(len(b.p.Location) + 1),
		Address: addr,
		Line:    []profile.Line{{Function: fn, Line: int64(line)}},
	}
	b.p.Location = append(b.p.Location, loc)
	return loc
}

func (b *builder) location(src symbol.SourceAddress) *profile.Location {
	if loc, ok := b.locations[src.Addr]; ok {
		return loc
	}
	loc := b.newLocation(src.Addr, b.function(src.String(), src.File), src.Line)
	b.locations[src.Addr] = loc
	return loc
}

func (b *builder) tracepointLocation(tp *trace.TracePoint) *profile.Location {
	if loc, ok := b.tracepoints[tp]; ok {
		return loc
	}
	loc := b.newLocation(0, b.function(tp.Name, tp.Provenance), 0)
	b.tracepoints[tp] = loc
	return loc
}
