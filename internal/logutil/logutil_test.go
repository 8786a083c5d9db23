package logutil

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLogger(t *testing.T) {
	var b bytes.Buffer
	logger := NewLogger(&b, zerolog.WarnLevel, true)

	logger.Info().Msg("skipping unknown chunk")
	if b.Len() != 0 {
		t.Fatalf("info events should be dropped, got %q", b.String())
	}

	logger.Warn().Int("segment", 2).Msg("dropping segment from merge")
	out := b.String()
	for _, want := range []string{`"severity":"warn"`, `"segment":2`, `"message":"dropping segment from merge"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %q", want, out)
		}
	}
}

func TestConfigureLoggerRejectsUnknownLevel(t *testing.T) {
	if err := ConfigureLogger("chatty"); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
}
