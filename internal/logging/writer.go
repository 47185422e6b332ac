package logging

import (
	"bytes"
	"log/slog"
	"sync"
)

// Writer is an io.Writer that forwards child process output to slog, one record per line.
// Partial lines are buffered until a newline arrives or Flush is called.
type Writer struct {
	logger *slog.Logger
	stream string

	mu  sync.Mutex
	buf []byte
}

// NewWriter constructs a Writer bound to the provided logger.
// stream is attached to each record (e.g. "stdout", "stderr").
func NewWriter(logger *slog.Logger, stream string) *Writer {
	return &Writer{logger: logger, stream: stream}
}

// Write logs every complete line contained in p at info level.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *Writer) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if w.logger == nil || len(bytes.TrimSpace(line)) == 0 {
		return
	}
	w.logger.Info("command output", "stream", w.stream, "line", string(line))
}
