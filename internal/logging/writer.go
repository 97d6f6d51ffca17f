package logging

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// Writer is an io.Writer implementation that forwards command output to slog,
// one record per complete line. Partial lines are buffered until the next
// newline or Flush.
type Writer struct {
	mu     sync.Mutex
	logger *slog.Logger
	level  slog.Level
	buf    bytes.Buffer
}

// NewWriter constructs a Writer bound to the provided logger. Additional
// attributes (stage, action) are attached to every forwarded line.
func NewWriter(logger *slog.Logger, args ...any) *Writer {
	if logger != nil && len(args) > 0 {
		logger = logger.With(args...)
	}
	return &Writer{logger: logger, level: slog.LevelInfo}
}

// WithLevel sets the level used for forwarded lines.
func (w *Writer) WithLevel(level Level) *Writer {
	w.level = slog.Level(level)
	return w
}

// Write logs every complete line contained in p.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Incomplete line: keep it for the next write.
			w.buf.Reset()
			w.buf.Write(line)
			break
		}
		w.emit(line)
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.Bytes())
		w.buf.Reset()
	}
}

func (w *Writer) emit(line []byte) {
	if w.logger == nil {
		return
	}
	text := string(bytes.TrimRight(line, "\r\n"))
	if text == "" {
		return
	}
	w.logger.Log(context.Background(), w.level, "command output", "line", text)
}
