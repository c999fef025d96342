package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("trace")
	require.NoError(t, err)
	assert.Equal(t, LevelTrace, lvl)

	lvl, err = ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestTerminalHandlerFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(NewTerminalHandlerWithLevel(&buf, slog.LevelInfo))

	l.Debug(InterpModule, "hidden")
	l.Info(InterpModule, "shown", "pc", 16)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "pc=16")
}

func TestModuleGating(t *testing.T) {
	var buf bytes.Buffer
	old := Root()
	defer SetDefault(old)
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(&buf, LevelTrace)))

	DisableModule(SyscallModule)
	Trace(SyscallModule, "gated out")
	EnableModule(SyscallModule)
	Trace(SyscallModule, "gated in")
	DisableModule(SyscallModule)

	lines := strings.TrimSpace(buf.String())
	assert.NotContains(t, lines, "gated out")
	assert.Contains(t, lines, "gated in")
}
