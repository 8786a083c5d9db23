package symbol

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/getsentry/ktrace/internal/errorutil"
)

const (
	DefaultAddr2LinePath = "addr2line"
	DefaultCacheSize     = 16384
)

var (
	// Older binutils answer an unknown address on two lines.
	unknownName     = regexp.MustCompile(`^\?\?$`)
	unknownLocation = regexp.MustCompile(`^\?\?:0$`)
	unknownAddress  = regexp.MustCompile(`^\?\? \?\?:0$`)
	knownAddress    = regexp.MustCompile(`^(?P<name>.*) at (?:(?P<file>.*?)|\?+):(?:(?P<line>\d+)|\?+)`)
)

type Options struct {
	// Path of the addr2line executable. Defaults to DefaultAddr2LinePath.
	Path string
	// CacheSize bounds the number of resolved addresses kept. Defaults to
	// DefaultCacheSize.
	CacheSize int
}

// Addr2Line resolves addresses of one binary through a long running
// addr2line process. Requests are serialized.
type Addr2Line struct {
	mu     sync.Mutex
	stdin  io.WriteCloser
	stdout *bufio.Reader
	wait   func() error
	cache  *lru.Cache
}

var _ Resolver = (*Addr2Line)(nil)

// NewAddr2Line starts addr2line on binary. Canceling ctx kills the process.
func NewAddr2Line(ctx context.Context, binary string, opts Options) (*Addr2Line, error) {
	if _, err := os.Stat(binary); err != nil {
		return nil, fmt.Errorf("symbol: %w: %v", errorutil.ErrResolution, err)
	}
	path := opts.Path
	if path == "" {
		path = DefaultAddr2LinePath
	}
	cmd := exec.CommandContext(ctx, path, "-e", binary, "-Cfp")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("symbol: %w: starting %s: %v", errorutil.ErrResolution, path, err)
	}
	return newAddr2Line(stdin, stdout, cmd.Wait, opts.CacheSize)
}

func newAddr2Line(stdin io.WriteCloser, stdout io.Reader, wait func() error, cacheSize int) (*Addr2Line, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Addr2Line{
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		wait:   wait,
		cache:  cache,
	}, nil
}

func (a *Addr2Line) Resolve(addr uint64) (SourceAddress, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if v, ok := a.cache.Get(addr); ok {
		return v.(SourceAddress), nil
	}
	src, err := a.query(addr)
	if err != nil {
		return SourceAddress{Addr: addr}, err
	}
	a.cache.Add(addr, src)
	return src, nil
}

func (a *Addr2Line) query(addr uint64) (SourceAddress, error) {
	if _, err := fmt.Fprintf(a.stdin, "0x%x\n", addr); err != nil {
		return SourceAddress{}, fmt.Errorf("symbol: %w: writing request: %v", errorutil.ErrResolution, err)
	}
	response, err := a.readLine()
	if err != nil {
		return SourceAddress{}, err
	}
	unresolved := SourceAddress{Addr: addr}

	if unknownName.MatchString(response) {
		location, err := a.readLine()
		if err != nil {
			return SourceAddress{}, err
		}
		if !unknownLocation.MatchString(location) {
			return SourceAddress{}, fmt.Errorf("symbol: %w: unexpected response %q", errorutil.ErrResolution, location)
		}
		return unresolved, nil
	}
	if unknownAddress.MatchString(response) {
		return unresolved, nil
	}
	return parseResponse(addr, response)
}

func parseResponse(addr uint64, response string) (SourceAddress, error) {
	m := knownAddress.FindStringSubmatch(response)
	if m == nil {
		return SourceAddress{}, fmt.Errorf("symbol: %w: response not matched %q", errorutil.ErrResolution, response)
	}
	src := SourceAddress{Addr: addr, Name: m[knownAddress.SubexpIndex("name")]}
	if file := m[knownAddress.SubexpIndex("file")]; strings.Trim(file, "?") != "" {
		src.File = file
	}
	if line := m[knownAddress.SubexpIndex("line")]; line != "" {
		n, err := strconv.ParseUint(line, 10, 32)
		if err != nil {
			return SourceAddress{}, fmt.Errorf("symbol: %w: bad line in %q", errorutil.ErrResolution, response)
		}
		src.Line = uint32(n)
	}
	return src, nil
}

func (a *Addr2Line) readLine() (string, error) {
	line, err := a.stdout.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("symbol: %w: reading response: %v", errorutil.ErrResolution, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Close ends the addr2line process and waits for it.
func (a *Addr2Line) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.stdin.Close(); err != nil {
		return err
	}
	return a.wait()
}
