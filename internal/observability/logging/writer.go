package logging

import (
	"bytes"
	"log/slog"
	"sync"
)

// LineWriter forwards each complete line written to it as a debug record.
// Partial lines are buffered until the newline arrives or Flush is called.
type LineWriter struct {
	logger *slog.Logger
	stream string

	mu      sync.Mutex
	pending []byte
}

// NewLineWriter tags every emitted record with stream (e.g. "stdout").
func NewLineWriter(logger *slog.Logger, stream string) *LineWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LineWriter{logger: logger, stream: stream}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	total := len(p)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, p...)
	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx == -1 {
			break
		}
		w.emit(w.pending[:idx])
		w.pending = w.pending[idx+1:]
	}
	// ffmpeg progress lines end in \r only; don't let them grow unbounded.
	if len(w.pending) > 4096 {
		w.emit(w.pending)
		w.pending = nil
	}
	return total, nil
}

// Flush emits any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emit(w.pending)
	w.pending = nil
}

func (w *LineWriter) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	w.logger.Debug(string(line), "stream", w.stream)
}
