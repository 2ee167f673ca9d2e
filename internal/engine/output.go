package engine

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
)

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= t.max {
		t.buf = append(t.buf[:0], p[n-t.max:]...)
		return n, nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}

// lineLogger logs tool output one line at a time. ffmpeg ends progress
// lines with a carriage return, so both \r and \n terminate a line.
type lineLogger struct {
	ctx     context.Context
	log     *slog.Logger
	partial []byte
}

func newLineLogger(ctx context.Context, log *slog.Logger) *lineLogger {
	return &lineLogger{ctx: ctx, log: log}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.partial = append(l.partial, p...)
	for {
		i := bytes.IndexAny(l.partial, "\r\n")
		if i < 0 {
			break
		}
		l.emit(string(l.partial[:i]))
		l.partial = l.partial[i+1:]
	}
	return len(p), nil
}

// Flush logs any unterminated trailing line.
func (l *lineLogger) Flush() {
	if len(l.partial) > 0 {
		l.emit(string(l.partial))
		l.partial = nil
	}
}

func (l *lineLogger) emit(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	switch {
	case strings.Contains(line, "frame=") || strings.Contains(line, "time="):
		l.log.DebugContext(l.ctx, "Tool progress", "output", line)
	case strings.Contains(line, "error") || strings.Contains(line, "Error"):
		l.log.WarnContext(l.ctx, "Tool warning", "output", line)
	default:
		l.log.DebugContext(l.ctx, "Tool output", "output", line)
	}
}
