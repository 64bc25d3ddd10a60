package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"warning", WARN, false},
		{"Error", ERROR, false},
		{"none", SILENT, false},
		{"verbose", INFO, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Info("Hub", "dropped")
	l.Warn("Hub", "subscriber %d lagged", 3)

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "[WARN] [Hub] subscriber 3 lagged")
}

func TestLoggerSilent(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, false)

	l.Error("Source", "boom")
	assert.Empty(t, buf.String())
	assert.False(t, l.Enabled(SILENT))
}

func TestLoggerColor(t *testing.T) {
	var buf bytes.Buffer
	l := New(DEBUG, &buf, true)

	l.Debug("Reader", "frame")
	assert.True(t, strings.Contains(buf.String(), "\x1b["), "expected ANSI escape in %q", buf.String())
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "WARN", WARN.String())
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}

func TestLoggerEnabled(t *testing.T) {
	l := New(INFO, nil, false)

	assert.False(t, l.Enabled(DEBUG))
	assert.True(t, l.Enabled(INFO))
	assert.True(t, l.Enabled(ERROR))
}

func TestGlobalLoggerBeforeInit(t *testing.T) {
	require.Nil(t, defaultLogger)

	assert.False(t, Enabled(ERROR))
	assert.NotPanics(t, func() { Error("Main", "dropped") })
}
