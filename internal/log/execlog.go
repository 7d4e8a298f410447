// Package log captures per-execution log files alongside the worker's
// normal logging.
package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/gosimple/slug"
	slogmulti "github.com/samber/slog-multi"
)

// SetupExecutionLogging tees the context logger into a file under
// logsDirectory, one file per execution grouped by job. The returned
// context carries the teed logger; the returned func closes the file.
// An empty logsDirectory disables capture, and setup failures degrade
// to the original context rather than blocking the execution.
func SetupExecutionLogging(ctx context.Context, logsDirectory, jobID, executionID string) (context.Context, func()) {
	if logsDirectory == "" {
		return ctx, func() {}
	}

	jobDir := filepath.Join(logsDirectory, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		clog.WarnContext(ctx, "failed to create job log directory", "path", jobDir, "error", err.Error())
		return ctx, func() {}
	}

	logPath := filepath.Join(jobDir, fmt.Sprintf("%s.log", slug.Make(executionID)))

	logFile, err := os.Create(logPath)
	if err != nil {
		clog.WarnContext(ctx, "failed to create execution log file", "path", logPath, "error", err.Error())
		return ctx, func() {}
	}

	// The file gets every record down to debug so transition traces
	// survive even when the console level is higher.
	fileHandler := slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})

	handler := clog.FromContext(ctx).Handler()
	handler = slogmulti.Fanout(handler, fileHandler)

	clog.InfoContext(ctx, "logging execution output to file", "path", logPath)
	ctx = clog.WithLogger(ctx, clog.New(handler))

	return ctx, func() {
		if err := logFile.Close(); err != nil {
			clog.WarnContext(ctx, "failed to close execution log file", "path", logPath, "error", err.Error())
		}
	}
}
