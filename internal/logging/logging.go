// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
)

// Init configures slog with a tinted handler writing to stderr and, when
// logPath is non-empty, to a log file as well. Returns the logger and the
// log file (nil when no path was given); the caller owns closing the file.
func Init(verbose bool, logPath string) (*slog.Logger, *os.File, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	var logFile *os.File
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		logFile = f
		w = io.MultiWriter(os.Stderr, f)
	}

	handler := tint.NewHandler(w, &tint.Options{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger, logFile, nil
}
