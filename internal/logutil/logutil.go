package logutil

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cloud.google.com/go/compute/metadata"
)

// ConfigureLogger sets up the global logger to emit events at level and
// above. An empty level keeps the default, info.
func ConfigureLogger(level string) error {
	lvl := zerolog.InfoLevel
	if level != "" {
		var err error
		lvl, err = zerolog.ParseLevel(level)
		if err != nil {
			return err
		}
	}
	onGCE := metadata.OnGCE()
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if onGCE {
		out = os.Stderr
	}
	log.Logger = NewLogger(out, lvl, onGCE)
	return nil
}

// NewLogger builds a logger writing to out. Structured logs carry the
// severity field Cloud Logging expects.
func NewLogger(out io.Writer, level zerolog.Level, structured bool) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(out).With().Timestamp().Logger()
	if level <= zerolog.DebugLevel {
		logger = logger.With().Caller().Stack().Logger()
	}
	if structured {
		logger = logger.Hook(ErrorHook{})
	}
	return logger.Sample(levelSampler(level))
}

type ErrorHook struct{}

func (h ErrorHook) Run(e *zerolog.Event, level zerolog.Level, _ string) {
	e.Str("severity", level.String())
}

// levelSampler drops events below its level. Unlike SetGlobalLevel it only
// applies to the logger it samples.
type levelSampler zerolog.Level

func (l levelSampler) Sample(lvl zerolog.Level) bool {
	return lvl >= zerolog.Level(l)
}
