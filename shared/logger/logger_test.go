package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(t *testing.T, cfg Config) (*Logger, *bytes.Buffer) {
	t.Helper()
	output := &bytes.Buffer{}
	cfg.writer = output
	logger, err := New(&cfg)
	require.NoError(t, err)
	return logger, output
}

func decodeLines(t *testing.T, output *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(output.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		entries = append(entries, entry)
	}
	return entries
}

func TestNew_LevelFiltering(t *testing.T) {
	tests := []struct {
		level string
		want  []string
	}{
		{level: "debug", want: []string{"Polling task status", "Task started", "Heartbeat missed", "Task failed"}},
		{level: "info", want: []string{"Task started", "Heartbeat missed", "Task failed"}},
		{level: "warning", want: []string{"Heartbeat missed", "Task failed"}},
		{level: "error", want: []string{"Task failed"}},
		{level: "verbose", want: []string{"Task started", "Heartbeat missed", "Task failed"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, output := newBufferLogger(t, Config{Level: tt.level, Format: "json"})

			logger.Debug("Polling task status")
			logger.Info("Task started")
			logger.Warn("Heartbeat missed")
			logger.Error("Task failed", slog.String("task_id", "t-42"))

			var got []string
			for _, entry := range decodeLines(t, output) {
				got = append(got, entry["msg"].(string))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_ConsoleFormat(t *testing.T) {
	logger, output := newBufferLogger(t, Config{Level: "info", Format: "console"})
	logger.Info("Worker ready", slog.Int("concurrency", 4))

	line := output.String()
	assert.Contains(t, line, "INF")
	assert.Contains(t, line, "Worker ready")
	assert.Contains(t, line, "concurrency=4")
	// buffers and files never get color escapes
	assert.NotContains(t, line, "\x1b[")
}

func TestNew_SourceLocation(t *testing.T) {
	logger, output := newBufferLogger(t, Config{Level: "info", Format: "json", EnableSource: true})
	logger.Info("Task claimed")

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	source, ok := entries[0]["source"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, source["file"], "logger_test.go")
}

func TestNew_StandardStreams(t *testing.T) {
	for _, output := range []string{"", "stdout", "stderr"} {
		logger, err := New(&Config{Output: output})
		require.NoError(t, err, output)
		assert.NoError(t, logger.Close(), output)
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.log")

	logger, err := New(&Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)
	logger.Info("written to file", slog.String("task_id", "abc"))
	require.NoError(t, logger.Close())

	// Reopening appends
	logger, err = New(&Config{Level: "info", Format: "console", Output: path})
	require.NoError(t, err)
	logger.Info("second line")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "written to file", entry["msg"])
	assert.Equal(t, "abc", entry["task_id"])
	assert.Contains(t, lines[1], "second line")
	assert.NotContains(t, lines[1], "\x1b[")
}

func TestNew_FileOutputError(t *testing.T) {
	_, err := New(&Config{Output: filepath.Join(t.TempDir(), "missing", "service.log")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open log file")
}

func TestLogger_DerivedLoggersKeepFileOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")
	logger, err := New(&Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	child := logger.With("worker_id", "w1").WithGroup("task").WithAttrs(slog.String("task_id", "t-42"))
	require.NoError(t, child.Close())

	child.Info("Task progress", slog.Int("current", 3))
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "w1", entry["worker_id"])
	assert.Equal(t, map[string]interface{}{"task_id": "t-42", "current": float64(3)}, entry["task"])
}
