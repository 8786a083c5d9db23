package trace

import (
	"fmt"
	"strings"
)

// FormatTime renders a nanosecond timestamp as seconds.
func FormatTime(ns uint64) string {
	return fmt.Sprintf("%12.9f", float64(ns)/1e9)
}

// FormatDuration renders a nanosecond duration as milliseconds.
func FormatDuration(ns uint64) string {
	return fmt.Sprintf("%4.3f", float64(ns)/1e6)
}

// BacktraceFormatter renders the backtrace suffix of a formatted trace. An
// empty backtrace renders as an empty string.
type BacktraceFormatter interface {
	FormatBacktrace(backtrace []uint64) (string, error)
}

// HexBacktrace prints call sites as raw addresses.
type HexBacktrace struct{}

func (HexBacktrace) FormatBacktrace(backtrace []uint64) (string, error) {
	frames := make([]string, 0, len(backtrace))
	for _, addr := range backtrace {
		if addr == 0 {
			continue
		}
		// Return addresses point past the call instruction.
		frames = append(frames, fmt.Sprintf("0x%x", addr-1))
	}
	return JoinFrames(frames), nil
}

// JoinFrames lays out already rendered frames the way every formatter does.
func JoinFrames(frames []string) string {
	if len(frames) == 0 {
		return ""
	}
	return "   [" + strings.Join(frames, ", ") + "]"
}

// Format renders the trace as one line. A nil formatter leaves the backtrace
// out. Nothing is rendered when the backtrace can't be.
func (t *Trace) Format(bt BacktraceFormatter) (string, error) {
	var backtrace string
	if bt != nil {
		var err error
		if backtrace, err = bt.FormatBacktrace(t.Backtrace); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf(
		"0x%016x %-15s %2d %19s %-20s %s%s",
		t.Thread.Ptr,
		t.Thread.Name,
		t.CPU,
		FormatTime(t.Time),
		t.Name(),
		t.FormatData(),
		backtrace,
	), nil
}

func (t *Trace) String() string {
	// HexBacktrace doesn't fail.
	s, _ := t.Format(HexBacktrace{})
	return s
}

const (
	conversions     = "cdiopsuxXeEfgG%"
	lengthModifiers = "hlLqjzt"
)

// FormatData renders the tracepoint's printf template with the trace's data.
func (t *Trace) FormatData() string {
	format, verbs := goFormat(t.TracePoint.Format)
	args := make([]interface{}, len(t.Data))
	for i, v := range t.Data {
		var verb byte
		if i < len(verbs) {
			verb = verbs[i]
		}
		args[i] = formatArg(verb, v)
	}
	return fmt.Sprintf(format, args...)
}

// goFormat rewrites a C printf template for fmt.Sprintf. It returns the verb
// consuming each argument, '*' marking a star width or precision.
func goFormat(format string) (string, []byte) {
	var (
		b     strings.Builder
		verbs []byte
	)
	for format != "" {
		i := strings.IndexByte(format, '%')
		if i == -1 {
			b.WriteString(format)
			break
		}
		b.WriteString(format[:i])
		format = format[i+1:]

		end := strings.IndexAny(format, conversions)
		if end == -1 {
			b.WriteString("%%")
			b.WriteString(format)
			break
		}
		c, mods := format[end], format[:end]
		format = format[end+1:]

		if c == '%' {
			b.WriteString("%%")
			continue
		}
		for _, m := range mods {
			if m == '*' {
				verbs = append(verbs, '*')
			}
		}
		mods = strings.Map(func(r rune) rune {
			if strings.ContainsRune(lengthModifiers, r) {
				return -1
			}
			return r
		}, mods)

		switch c {
		case 'p':
			b.WriteString("0x%016x")
			verbs = append(verbs, 'x')
		case 'i', 'u':
			b.WriteString("%" + mods + "d")
			verbs = append(verbs, 'd')
		case 's':
			b.WriteString("%" + mods + "v")
			verbs = append(verbs, 's')
		default:
			b.WriteString("%" + mods + string(c))
			verbs = append(verbs, c)
		}
	}
	return b.String(), verbs
}

func formatArg(verb byte, v interface{}) interface{} {
	switch verb {
	case 's':
		if b, ok := v.([]byte); ok {
			return string(b)
		}
	case '*':
		if n, ok := toInt(v); ok {
			return n
		}
	case 'd', 'x', 'X', 'o', 'c':
		if b, ok := v.(bool); ok {
			if b {
				return 1
			}
			return 0
		}
	}
	return v
}

func toInt(v interface{}) (int, bool) {
	switch x := v.(type) {
	case int8:
		return int(x), true
	case int16:
		return int(x), true
	case int32:
		return int(x), true
	case int64:
		return int(x), true
	case uint8:
		return int(x), true
	case uint16:
		return int(x), true
	case uint32:
		return int(x), true
	case uint64:
		return int(x), true
	}
	return 0, false
}
