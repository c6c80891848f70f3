package logctx

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

const logFilePerm = 0o644

// NewLogger builds the process logger: JSON records on w and, when logFile is
// set, a copy appended to that file. The returned closer releases the file.
func NewLogger(w io.Writer, level slog.Level, logFile string) (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{Level: level}
	handlers := []slog.Handler{slog.NewJSONHandler(w, opts)}

	var closer io.Closer = nopCloser{}

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, logFilePerm)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}

		handlers = append(handlers, slog.NewJSONHandler(f, opts))
		closer = f
	}

	return slog.New(NewTraceHandler(slogmulti.Fanout(handlers...))), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
