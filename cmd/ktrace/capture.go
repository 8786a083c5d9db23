package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/getsentry/ktrace/internal/dump"
	"github.com/getsentry/ktrace/internal/storageutil"
	"github.com/getsentry/ktrace/internal/symbol"
	"github.com/getsentry/ktrace/internal/trace"
	"github.com/getsentry/ktrace/internal/tracefile"
	"github.com/getsentry/ktrace/internal/wire"
)

// capture is a decoded capture of either format.
type capture struct {
	data        *storageutil.Capture
	tracepoints []*trace.TracePoint
	traces      trace.Stream
}

func (e *environment) openCapture(ctx context.Context, location string) (*capture, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.StorageTimeout)
	defer cancel()

	data, err := storageutil.ReadCapture(ctx, location)
	if err != nil {
		return nil, err
	}
	c, err := decodeCapture(data.Bytes(), e.specs)
	if err != nil {
		data.Close()
		return nil, fmt.Errorf("%s: %w", location, err)
	}
	c.data = data
	log.Debug().
		Str("location", location).
		Int("size", len(data.Bytes())).
		Int("tracepoints", len(c.tracepoints)).
		Msg("capture opened")
	return c, nil
}

func decodeCapture(buf []byte, specs *wire.SpecCache) (*capture, error) {
	if dump.IsDump(buf) {
		d, err := dump.Parse(buf, specs)
		if err != nil {
			return nil, err
		}
		return &capture{tracepoints: d.Tracepoints, traces: d.Traces()}, nil
	}
	r, err := tracefile.NewReader(buf, specs)
	if err != nil {
		return nil, err
	}
	return &capture{tracepoints: r.Tracepoints(), traces: r}, nil
}

func (c *capture) Close() error {
	if c.data == nil {
		return nil
	}
	return c.data.Close()
}

// resolver returns the symbol resolver for binary, or one leaving addresses
// unresolved when no binary is given. The returned closer stops it.
func (e *environment) resolver(ctx context.Context, binary string) (symbol.Resolver, io.Closer, error) {
	if binary == "" {
		binary = e.config.SymbolBinary
	}
	if binary == "" {
		return symbol.NewNoopResolver(), io.NopCloser(nil), nil
	}
	a, err := symbol.NewAddr2Line(ctx, binary, e.config.addr2LineOptions())
	if err != nil {
		return nil, nil, err
	}
	return a, a, nil
}

// writeOutput writes to stdout, or to a local path or blob URL when out is
// set.
func (e *environment) writeOutput(ctx context.Context, out string, write func(io.Writer) error) error {
	if out == "" || out == "-" {
		return write(e.stdout)
	}
	ctx, cancel := context.WithTimeout(ctx, e.config.StorageTimeout)
	defer cancel()
	if err := storageutil.Write(ctx, out, write); err != nil {
		return err
	}
	log.Info().Str("location", out).Msg("output written")
	return nil
}
