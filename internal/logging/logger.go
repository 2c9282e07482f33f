// Package logging provides leveled logging for the coordination runners.
// It offers two complementary outputs:
//   - A leveled slog.Logger for stderr (dispatcher-level operational output)
//   - Per-experiment file loggers, so each experiment's inference history can
//     be inspected independently of its siblings
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LevelTrace is a custom slog level below Debug for full content logging.
// At this level, engine requests/responses are included verbatim.
const LevelTrace = slog.LevelDebug - 4

// ParseLevel maps a string level name to a slog.Level.
// Supported values: "info", "debug", "trace" (case-insensitive).
// Unknown values default to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "trace":
		return LevelTrace
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a leveled slog.Logger writing to w.
func NewLogger(level string, w io.Writer) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Label the custom trace level
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ExperimentLog is a logger bound to a single experiment's log file. Every
// record is written both to the file and to the console so failures remain
// visible from the dispatcher terminal.
type ExperimentLog struct {
	*slog.Logger
	file *os.File
}

// NewExperimentLog opens (or creates) dir/inference.log and returns a logger
// that tees records to the file and to console. The directory is created if
// missing.
func NewExperimentLog(dir, level string, console io.Writer) (*ExperimentLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating experiment log dir: %w", err)
	}

	path := filepath.Join(dir, "inference.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening experiment log: %w", err)
	}

	var w io.Writer = f
	if console != nil {
		w = io.MultiWriter(f, console)
	}
	return &ExperimentLog{Logger: NewLogger(level, w), file: f}, nil
}

// Path returns the location of the underlying log file.
func (el *ExperimentLog) Path() string {
	if el == nil || el.file == nil {
		return ""
	}
	return el.file.Name()
}

// Close closes the underlying file. Safe to call on nil receiver.
func (el *ExperimentLog) Close() {
	if el == nil || el.file == nil {
		return
	}
	el.file.Close()
	el.file = nil
}
