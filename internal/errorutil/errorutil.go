package errorutil

import "errors"

// ErrFormat is a base error type for captures that can't be decoded: a bad
// magic, version or endianness marker, a truncated buffer, a record
// referencing an unknown tracepoint or an unsupported format specifier.
var ErrFormat = errors.New("format error")

// ErrVersionMismatch is returned alongside ErrFormat when a stream was written
// with a version we don't support.
var ErrVersionMismatch = errors.New("version mismatch")

// ErrNesting is returned when a block tracepoint begins again on a thread
// while a previous begin for the same name is still pending.
var ErrNesting = errors.New("nested traces not supported")

// ErrResolution is returned when an address can't be symbolized because the
// resolver tooling misbehaved or the target binary is missing.
var ErrResolution = errors.New("symbol resolution error")
