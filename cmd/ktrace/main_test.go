package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/pprof/profile"

	"github.com/getsentry/ktrace/internal/dump"
	"github.com/getsentry/ktrace/internal/errorutil"
	"github.com/getsentry/ktrace/internal/interval"
	"github.com/getsentry/ktrace/internal/speedscope"
	"github.com/getsentry/ktrace/internal/testutil"
	"github.com/getsentry/ktrace/internal/trace"
	"github.com/getsentry/ktrace/internal/tracefile"
)

var (
	readTP    = &trace.TracePoint{Key: 1, ID: "vfs_read", Name: "vfs_read", Signature: "i", Format: "fd=%d"}
	readRetTP = &trace.TracePoint{Key: 2, ID: "vfs_read_ret", Name: "vfs_read_ret", Signature: "q", Format: "ret=%d"}
	tickTP    = &trace.TracePoint{Key: 3, ID: "timer_tick", Name: "timer_tick"}
)

func captureTraces() []*trace.Trace {
	thread := trace.Thread{Ptr: 0x10, Name: "shell"}
	return []*trace.Trace{
		{TracePoint: readTP, Thread: thread, Time: 1000, CPU: 1, Data: []interface{}{int32(3)}, Backtrace: []uint64{0x1001}},
		{TracePoint: tickTP, Thread: thread, Time: 1500, CPU: 1},
		{TracePoint: readRetTP, Thread: thread, Time: 3000, CPU: 1, Data: []interface{}{int64(12)}},
		{TracePoint: readTP, Thread: thread, Time: 4000, CPU: 1, Data: []interface{}{int32(4)}},
	}
}

func writeCapture(t *testing.T) string {
	t.Helper()
	var b bytes.Buffer
	if err := tracefile.WriteTraces(&b, captureTraces(), nil); err != nil {
		t.Fatalf("we should be able to write the capture: %v", err)
	}
	path := filepath.Join(t.TempDir(), "capture.trace")
	if err := os.WriteFile(path, b.Bytes(), 0o600); err != nil {
		t.Fatalf("we should be able to write the capture: %v", err)
	}
	return path
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runCommandWith(t, ServiceConfig{}, args...)
}

func runCommandWith(t *testing.T, config ServiceConfig, args ...string) (string, error) {
	t.Helper()
	var stdout bytes.Buffer
	env, err := newEnvironment(config, &stdout)
	if err != nil {
		t.Fatalf("we should be able to set up the environment: %v", err)
	}
	err = env.run(context.Background(), args)
	return stdout.String(), err
}

func TestList(t *testing.T) {
	path := writeCapture(t)

	out, err := runCommand(t, "list", path)
	if err != nil {
		t.Fatalf("we should be able to list the capture: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 traces, got:\n%s", out)
	}
	if !strings.HasSuffix(lines[0], "vfs_read             fd=3") {
		t.Fatalf("unexpected line %q", lines[0])
	}

	out, err = runCommand(t, "list", "-backtrace", "-since", "1500", "-until", "4000", path)
	if err != nil {
		t.Fatalf("we should be able to list the capture: %v", err)
	}
	if n := strings.Count(out, "\n"); n != 2 {
		t.Fatalf("expected 2 traces in range, got:\n%s", out)
	}

	out, err = runCommand(t, "list", "-backtrace", path)
	if err != nil {
		t.Fatalf("we should be able to list the capture: %v", err)
	}
	if !strings.Contains(out, "fd=3   [0x1000]") {
		t.Fatalf("expected the backtrace, got:\n%s", out)
	}
}

func TestListSymbolsResolutionError(t *testing.T) {
	path := writeCapture(t)
	// Answers every request with a line addr2line never prints.
	addr2line := filepath.Join(t.TempDir(), "addr2line")
	script := "#!/bin/sh\nwhile read addr; do echo garbage; done\n"
	if err := os.WriteFile(addr2line, []byte(script), 0o755); err != nil {
		t.Fatalf("we should be able to write the script: %v", err)
	}

	for _, command := range []string{"list", "pprof"} {
		t.Run(command, func(t *testing.T) {
			args := []string{command, "-symbols", path}
			if command == "pprof" {
				args = append(args, "-o", filepath.Join(t.TempDir(), "capture.pb.gz"))
			}
			args = append(args, path)
			if _, err := runCommandWith(t, ServiceConfig{Addr2LinePath: addr2line}, args...); !errors.Is(err, errorutil.ErrResolution) {
				t.Fatalf("expected a resolution error, got %v", err)
			}
		})
	}
}

func TestListFailingSegment(t *testing.T) {
	w := dump.NewWriter(binary.BigEndian, nil)
	if err := w.WriteDictionary(4, []*trace.TracePoint{readTP, readRetTP, tickTP}); err != nil {
		t.Fatalf("we should be able to write the dictionary: %v", err)
	}
	if err := w.WriteSegment(captureTraces()); err != nil {
		t.Fatalf("we should be able to write a segment: %v", err)
	}
	// A record of a tracepoint missing from the dictionary.
	record := binary.BigEndian.AppendUint64(nil, 99)
	record = append(record, make([]byte, 40)...)
	if err := w.WriteChunk(dump.TagSegment, record); err != nil {
		t.Fatalf("we should be able to write a chunk: %v", err)
	}
	in := filepath.Join(t.TempDir(), "capture.dump")
	if err := os.WriteFile(in, w.Bytes(), 0o600); err != nil {
		t.Fatalf("we should be able to write the capture: %v", err)
	}

	out, err := runCommand(t, "list", in)
	if !errors.Is(err, errorutil.ErrFormat) {
		t.Fatalf("expected a format error, got %v", err)
	}
	if n := strings.Count(out, "\n"); n != len(captureTraces()) {
		t.Fatalf("expected the %d traces of the good segment, got:\n%s", len(captureTraces()), out)
	}
}

func TestSummary(t *testing.T) {
	out, err := runCommand(t, "summary", "-json", writeCapture(t))
	if err != nil {
		t.Fatalf("we should be able to summarize the capture: %v", err)
	}
	var summaries []interval.Summary
	if err := json.Unmarshal([]byte(out), &summaries); err != nil {
		t.Fatalf("we should be able to decode the summary: %v", err)
	}
	want := []interval.Summary{
		{Name: "vfs_read", Count: 1, Min: 2000, P50: 2000, P90: 2000, P99: 2000, P999: 2000, Max: 2000, Total: 2000},
	}
	if diff := testutil.Diff(summaries, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestDuration(t *testing.T) {
	out, err := runCommand(t, "duration", "-json", "-names", "vfs_read", writeCapture(t))
	if err != nil {
		t.Fatalf("we should be able to list durations: %v", err)
	}
	var timed []timedTrace
	if err := json.Unmarshal([]byte(out), &timed); err != nil {
		t.Fatalf("we should be able to decode durations: %v", err)
	}
	want := []timedTrace{
		{Name: "vfs_read", Thread: 0x10, ThreadName: "shell", CPU: 1, Time: 1000, Duration: testutil.Uint64(2000), Data: "fd=3"},
		{Name: "vfs_read", Thread: 0x10, ThreadName: "shell", CPU: 1, Time: 4000, Data: "fd=4"},
	}
	if diff := testutil.Diff(timed, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestConvertDump(t *testing.T) {
	w := dump.NewWriter(binary.BigEndian, nil)
	if err := w.WriteDictionary(4, []*trace.TracePoint{readTP, readRetTP, tickTP}); err != nil {
		t.Fatalf("we should be able to write the dictionary: %v", err)
	}
	if err := w.WriteSegment(captureTraces()); err != nil {
		t.Fatalf("we should be able to write a segment: %v", err)
	}
	dir := t.TempDir()
	in := filepath.Join(dir, "capture.dump")
	if err := os.WriteFile(in, w.Bytes(), 0o600); err != nil {
		t.Fatalf("we should be able to write the capture: %v", err)
	}

	out := filepath.Join(dir, "converted.trace.lz4")
	if _, err := runCommand(t, "convert", "-o", out, in); err != nil {
		t.Fatalf("we should be able to convert the capture: %v", err)
	}
	converted, err := runCommand(t, "list", out)
	if err != nil {
		t.Fatalf("we should be able to list the converted capture: %v", err)
	}
	original, err := runCommand(t, "list", in)
	if err != nil {
		t.Fatalf("we should be able to list the original capture: %v", err)
	}
	if diff := testutil.Diff(converted, original); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestSpeedscope(t *testing.T) {
	out, err := runCommand(t, "speedscope", writeCapture(t))
	if err != nil {
		t.Fatalf("we should be able to export the capture: %v", err)
	}
	var output speedscope.Output
	if err := json.Unmarshal([]byte(out), &output); err != nil {
		t.Fatalf("we should be able to decode the export: %v", err)
	}
	if output.Name != "capture.trace" || len(output.Profiles) != 1 || len(output.Profiles[0].Events) != 2 {
		t.Fatalf("unexpected export %+v", output)
	}
}

func TestPprof(t *testing.T) {
	out := filepath.Join(t.TempDir(), "capture.pb.gz")
	if _, err := runCommand(t, "pprof", "-o", out, writeCapture(t)); err != nil {
		t.Fatalf("we should be able to export the capture: %v", err)
	}
	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("we should be able to open the export: %v", err)
	}
	defer f.Close()
	p, err := profile.Parse(f)
	if err != nil {
		t.Fatalf("we should be able to parse the export: %v", err)
	}
	if len(p.Sample) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(p.Sample))
	}
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "no command"},
		{name: "unknown command", args: []string{"frobnicate", "capture"}},
		{name: "no capture", args: []string{"list"}},
		{name: "unknown flag", args: []string{"summary", "-verbose", "capture"}},
		{name: "convert without output", args: []string{"convert", "capture"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := runCommand(t, test.args...); !errors.Is(err, errUsage) {
				t.Fatalf("expected a usage error, got %v", err)
			}
		})
	}
}

func TestMissingCapture(t *testing.T) {
	_, err := runCommand(t, "list", filepath.Join(t.TempDir(), "missing.trace"))
	if err == nil || errors.Is(err, errUsage) {
		t.Fatalf("expected a read error, got %v", err)
	}
}
