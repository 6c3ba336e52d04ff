package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	lines []string
}

func (c *captureSink) AddLog(level, message, source string) {
	c.lines = append(c.lines, level+"|"+message+"|"+source)
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"100MB", 100 << 20},
		{"512kb", 512 << 10},
		{"1GB", 1 << 30},
		{"2048", 2048},
		{"10B", 10},
		{"1.5MB", 3 << 19},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "abc", "-5MB", "0"} {
		_, err := ParseSize(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("whatever"))
}

func TestSimpleHandler_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	h := NewSimpleHandler(slog.LevelInfo, nil, nil)
	h.SetConsole(&buf)
	logger := slog.New(h).With("component", "test")

	logger.Debug("hidden")
	logger.Warn("🔄 重试", "attempt", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] 🔄 重试 component=test attempt=2")
	assert.Contains(t, out, "[PID:")
	assert.Contains(t, out, "[GID:")
}

func TestSimpleHandler_SinkTruncates(t *testing.T) {
	sink := &captureSink{}
	logger := slog.New(NewSimpleHandler(slog.LevelDebug, sink, nil))

	logger.Info(strings.Repeat("x", 800))

	require.Len(t, sink.lines, 1)
	assert.Contains(t, sink.lines[0], "... (显示截断)")
	assert.True(t, strings.HasPrefix(sink.lines[0], "INFO|"))
	assert.True(t, strings.HasSuffix(sink.lines[0], "|system"))
}

func TestSimpleHandler_WritesFullLineToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	rotator, err := NewFileRotator(path, 1<<20, 3, false)
	require.NoError(t, err)

	h := NewSimpleHandler(slog.LevelInfo, &captureSink{}, rotator)
	slog.New(h).Error("boom " + strings.Repeat("y", 700))
	require.NoError(t, h.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[ERROR] boom")
	assert.Contains(t, string(data), strings.Repeat("y", 700))
}

func TestFileRotator_RotatesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	r, err := NewFileRotator(path, 64, 2, true)
	require.NoError(t, err)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	line := []byte(strings.Repeat("z", 40) + "\n")
	for i := 0; i < 6; i++ {
		_, err := r.Write(line)
		require.NoError(t, err)
	}
	require.NoError(t, r.Close())

	rotated, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.Len(t, rotated, 2)
	for _, f := range rotated {
		assert.True(t, strings.HasSuffix(f, ".gz"), f)
	}

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(64))

	_, err = r.Write(line)
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestDynamicFollowsDefault(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	first, second := &captureSink{}, &captureSink{}
	logger := Dynamic().With("component", "forwarder")

	slog.SetDefault(slog.New(NewSimpleHandler(slog.LevelInfo, first, nil)))
	logger.Info("one")
	slog.SetDefault(slog.New(NewSimpleHandler(slog.LevelInfo, second, nil)))
	logger.Info("two")
	logger.Debug("filtered")

	require.Len(t, first.lines, 1)
	require.Len(t, second.lines, 1)
	assert.Contains(t, first.lines[0], "one component=forwarder")
	assert.Contains(t, second.lines[0], "two")
}

func TestClosedHandlerForwardsToDefault(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	rotator, err := NewFileRotator(filepath.Join(t.TempDir(), "app.log"), 1<<20, 2, false)
	require.NoError(t, err)
	old := NewSimpleHandler(slog.LevelInfo, nil, rotator)
	stale := slog.New(old).With("component", "breaker")

	current := &captureSink{}
	slog.SetDefault(slog.New(NewSimpleHandler(slog.LevelInfo, current, nil)))
	require.NoError(t, old.Close())

	stale.Info("state changed")
	stale.Debug("filtered")

	require.Len(t, current.lines, 1)
	assert.Contains(t, current.lines[0], "state changed component=breaker")
}
