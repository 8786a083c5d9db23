package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/ktrace/internal/interval"
	"github.com/getsentry/ktrace/internal/pprofutil"
	"github.com/getsentry/ktrace/internal/speedscope"
	"github.com/getsentry/ktrace/internal/symbol"
	"github.com/getsentry/ktrace/internal/trace"
	"github.com/getsentry/ktrace/internal/tracefile"
)

type timedTrace struct {
	Name       string  `json:"name"`
	Thread     uint64  `json:"thread"`
	ThreadName string  `json:"thread_name,omitempty"`
	CPU        uint32  `json:"cpu"`
	Time       uint64  `json:"time"`
	Duration   *uint64 `json:"duration"`
	Data       string  `json:"data,omitempty"`
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// parseArgs parses the command flags and returns the capture location.
func parseArgs(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", fmt.Errorf("%w: %s: %v", errUsage, fs.Name(), err)
	}
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%w: %s expects one capture, got %d arguments", errUsage, fs.Name(), fs.NArg())
	}
	return fs.Arg(0), nil
}

func (e *environment) list(ctx context.Context, args []string) error {
	fs := newFlagSet("list")
	withBacktrace := fs.Bool("backtrace", false, "print backtraces")
	symbols := fs.String("symbols", "", "binary to resolve backtraces against")
	since := fs.Uint64("since", 0, "skip traces recorded before this time, in ns")
	until := fs.Uint64("until", 0, "skip traces recorded from this time on, in ns")
	location, err := parseArgs(fs, args)
	if err != nil {
		return err
	}

	c, err := e.openCapture(ctx, location)
	if err != nil {
		return err
	}
	defer c.Close()

	traces := c.traces
	var r trace.TimeRange
	if *since > 0 {
		r.Begin = since
	}
	if *until > 0 {
		r.End = until
	}
	if r.Begin != nil || r.End != nil {
		traces = interval.FilterRange(traces, r)
	}

	var bt trace.BacktraceFormatter
	if *withBacktrace || *symbols != "" {
		resolver, closer, err := e.resolver(ctx, *symbols)
		if err != nil {
			return err
		}
		defer closer.Close()
		bt = symbol.NewBacktraceFormatter(resolver)
	}

	w := bufio.NewWriter(e.stdout)
	for traces.Next() {
		line, err := traces.Trace().Format(bt)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	// Lines read before a failing segment are still printed.
	if err := w.Flush(); err != nil {
		return err
	}
	return traces.Err()
}

// reconstruct pairs the block tracepoints of a capture. Begins still pending
// at the end are returned too, without a duration.
func reconstruct(c *capture, traces trace.Stream) ([]trace.TimedTrace, error) {
	r := interval.NewReconstructor(traces, interval.BlockTracepoints(c.tracepoints))
	timed, err := interval.Collect(r)
	if err != nil {
		return nil, err
	}
	unmatched := r.Unmatched()
	if len(unmatched) > 0 {
		log.Debug().Int("count", len(unmatched)).Msg("begins without an end")
	}
	return append(timed, unmatched...), nil
}

func (e *environment) summary(ctx context.Context, args []string) error {
	fs := newFlagSet("summary")
	asJSON := fs.Bool("json", false, "print JSON")
	location, err := parseArgs(fs, args)
	if err != nil {
		return err
	}

	c, err := e.openCapture(ctx, location)
	if err != nil {
		return err
	}
	defer c.Close()

	timed, err := reconstruct(c, c.traces)
	if err != nil {
		return err
	}
	summaries := interval.Summarize(interval.ByFunction(timed))
	if *asJSON {
		return json.NewEncoder(e.stdout).Encode(summaries)
	}
	return interval.WriteSummary(e.stdout, summaries)
}

func (e *environment) duration(ctx context.Context, args []string) error {
	fs := newFlagSet("duration")
	byDuration := fs.Bool("sort", false, "sort from the longest to the shortest")
	names := fs.String("names", "", "comma separated block tracepoints to keep")
	asJSON := fs.Bool("json", false, "print JSON")
	location, err := parseArgs(fs, args)
	if err != nil {
		return err
	}

	c, err := e.openCapture(ctx, location)
	if err != nil {
		return err
	}
	defer c.Close()

	traces := c.traces
	if *names != "" {
		traces = interval.FilterNames(traces, strings.Split(*names, ","))
	}
	timed, err := reconstruct(c, traces)
	if err != nil {
		return err
	}
	sort.SliceStable(timed, func(i, j int) bool {
		return timed[i].Time() < timed[j].Time()
	})
	if *byDuration {
		interval.SortByDuration(timed)
	}

	if *asJSON {
		out := make([]timedTrace, 0, len(timed))
		for _, t := range timed {
			out = append(out, timedTrace{
				Name:       t.Trace.Name(),
				Thread:     t.Trace.Thread.Ptr,
				ThreadName: t.Trace.Thread.Name,
				CPU:        t.Trace.CPU,
				Time:       t.Trace.Time,
				Duration:   t.Duration,
				Data:       t.Trace.FormatData(),
			})
		}
		return json.NewEncoder(e.stdout).Encode(out)
	}
	w := bufio.NewWriter(e.stdout)
	for _, t := range timed {
		line, err := interval.Format(t, nil)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return w.Flush()
}

func (e *environment) convert(ctx context.Context, args []string) error {
	fs := newFlagSet("convert")
	out := fs.String("o", "", "output path or blob URL")
	location, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if *out == "" {
		return fmt.Errorf("%w: convert needs an output", errUsage)
	}

	c, err := e.openCapture(ctx, location)
	if err != nil {
		return err
	}
	defer c.Close()

	return e.writeOutput(ctx, *out, func(w io.Writer) error {
		return tracefile.Write(w, c.tracepoints, c.traces, e.specs)
	})
}

func (e *environment) speedscope(ctx context.Context, args []string) error {
	fs := newFlagSet("speedscope")
	out := fs.String("o", "", "output path or blob URL, stdout by default")
	location, err := parseArgs(fs, args)
	if err != nil {
		return err
	}

	c, err := e.openCapture(ctx, location)
	if err != nil {
		return err
	}
	defer c.Close()

	timed, err := reconstruct(c, c.traces)
	if err != nil {
		return err
	}
	output := speedscope.FromTimedTraces(path.Base(location), timed)
	return e.writeOutput(ctx, *out, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(output)
	})
}

func (e *environment) pprof(ctx context.Context, args []string) error {
	fs := newFlagSet("pprof")
	out := fs.String("o", "", "output path or blob URL")
	symbols := fs.String("symbols", "", "binary to resolve backtraces against")
	location, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if *out == "" {
		return fmt.Errorf("%w: pprof needs an output", errUsage)
	}

	c, err := e.openCapture(ctx, location)
	if err != nil {
		return err
	}
	defer c.Close()

	traces, err := trace.Collect(c.traces)
	if err != nil {
		return err
	}
	resolver, closer, err := e.resolver(ctx, *symbols)
	if err != nil {
		return err
	}
	defer closer.Close()
	p, err := pprofutil.FromTraces(traces, symbol.NewBacktraceFormatter(resolver))
	if err != nil {
		return err
	}
	return e.writeOutput(ctx, *out, p.Write)
}
