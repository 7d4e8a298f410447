package log

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/chainguard-dev/clog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contextWithConsole(buf *bytes.Buffer, level slog.Level) context.Context {
	handler := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: level})
	return clog.WithLogger(context.Background(), clog.New(handler))
}

func TestSetupExecutionLoggingWritesFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	ctx := contextWithConsole(&console, slog.LevelInfo)

	ctx, done := SetupExecutionLogging(ctx, dir, "job-7c51", "Hardened Base 2024-05-01")
	clog.FromContext(ctx).Info("execution started", "image", "ami-0123456789abcdef0")
	done()

	logPath := filepath.Join(dir, "job-7c51", "hardened-base-2024-05-01.log")
	body, err := os.ReadFile(logPath)
	require.NoError(t, err)

	assert.Contains(t, string(body), "execution started")
	assert.Contains(t, string(body), "ami-0123456789abcdef0")
	assert.Contains(t, console.String(), "execution started")
}

func TestSetupExecutionLoggingCapturesDebugRecords(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	ctx := contextWithConsole(&console, slog.LevelInfo)

	ctx, done := SetupExecutionLogging(ctx, dir, "job-7c51", "exec-1")
	clog.FromContext(ctx).Debug("state transition", "from", "CopySnapshot", "to", "CheckSnapshot")
	done()

	body, err := os.ReadFile(filepath.Join(dir, "job-7c51", "exec-1.log"))
	require.NoError(t, err)

	assert.Contains(t, string(body), "state transition")
	assert.NotContains(t, console.String(), "state transition")
}

func TestSetupExecutionLoggingDisabled(t *testing.T) {
	ctx := context.Background()

	got, done := SetupExecutionLogging(ctx, "", "job-7c51", "exec-1")
	done()

	assert.Equal(t, ctx, got)
}

func TestSetupExecutionLoggingBadDirectory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "logs")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o600))

	var console bytes.Buffer
	ctx := contextWithConsole(&console, slog.LevelInfo)

	got, done := SetupExecutionLogging(ctx, blocker, "job-7c51", "exec-1")
	done()

	assert.Equal(t, ctx, got)
	assert.Contains(t, console.String(), "failed to create job log directory")
}
