package config

import (
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// NewLogger builds the batch run's logger: human-readable text on
// stderr and append-only JSON in the run's log file under the output
// root's logs/ directory. Every record carries the run id so lines
// from successive runs against the same output root stay
// attributable. The returned close function releases the file handle.
//
// A failed open degrades to stderr-only rather than blocking the
// batch: the log file lives under the output root, which may not be
// writable yet when the first message worth logging occurs.
func NewLogger(logFile, runID string, level slog.Level) (*slog.Logger, func() error) {
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := slog.New(stderrHandler).With("run_id", runID)
		logger.Warn("log file unavailable, logging to stderr only", "file", logFile, "error", err)
		return logger, func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(slogmulti.Fanout(stderrHandler, fileHandler)).With("run_id", runID)
	return logger, file.Close
}
