package symbol

import (
	"fmt"
	"strings"

	"github.com/getsentry/ktrace/internal/trace"
)

type (
	// SourceAddress is what is known about a code address. Empty strings and
	// a zero line mean unknown.
	SourceAddress struct {
		Addr uint64 `json:"addr"`
		Name string `json:"name,omitempty"`
		File string `json:"file,omitempty"`
		Line uint32 `json:"line,omitempty"`
	}

	// Resolver maps an address to its source location. Implementations own
	// their caches.
	Resolver interface {
		Resolve(addr uint64) (SourceAddress, error)
	}

	// NoopResolver leaves every address unresolved. Like every resolver it
	// answers each address once and then from its cache.
	NoopResolver struct {
		cache map[uint64]SourceAddress
	}
)

func (s SourceAddress) Resolved() bool {
	return s.Name != ""
}

func (s SourceAddress) String() string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("0x%x", s.Addr)
}

// Location renders file:line, or only the file when the line is unknown.
func (s SourceAddress) Location() string {
	if s.File == "" {
		return ""
	}
	if s.Line == 0 {
		return s.File
	}
	return fmt.Sprintf("%s:%d", s.File, s.Line)
}

func NewNoopResolver() *NoopResolver {
	return &NoopResolver{cache: make(map[uint64]SourceAddress)}
}

func (r *NoopResolver) Resolve(addr uint64) (SourceAddress, error) {
	if src, ok := r.cache[addr]; ok {
		return src, nil
	}
	src := SourceAddress{Addr: addr}
	if r.cache == nil {
		r.cache = make(map[uint64]SourceAddress)
	}
	r.cache[addr] = src
	return src, nil
}

// Len returns the number of addresses answered so far.
func (r *NoopResolver) Len() int {
	return len(r.cache)
}

const tracepointPrefix = "tracepoint"

// BacktraceFormatter renders backtraces with symbol names. Frames of the
// tracing machinery itself, at the top of the stack, are left out. The first
// resolution error stops formatting.
type BacktraceFormatter struct {
	Resolver Resolver
}

var _ trace.BacktraceFormatter = (*BacktraceFormatter)(nil)

func NewBacktraceFormatter(r Resolver) *BacktraceFormatter {
	return &BacktraceFormatter{Resolver: r}
}

// Frames resolves the call sites of a backtrace, innermost first.
func (f *BacktraceFormatter) Frames(backtrace []uint64) ([]SourceAddress, error) {
	frames := make([]SourceAddress, 0, len(backtrace))
	trimming := true
	for _, addr := range backtrace {
		if addr == 0 {
			continue
		}
		// Return addresses point past the call instruction.
		src, err := f.Resolver.Resolve(addr - 1)
		if err != nil {
			return nil, err
		}
		if trimming && strings.HasPrefix(src.String(), tracepointPrefix) {
			continue
		}
		trimming = false
		frames = append(frames, src)
	}
	return frames, nil
}

func (f *BacktraceFormatter) FormatBacktrace(backtrace []uint64) (string, error) {
	frames, err := f.Frames(backtrace)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(frames))
	for _, src := range frames {
		names = append(names, src.String())
	}
	return trace.JoinFrames(names), nil
}
