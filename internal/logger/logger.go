// Package logger provides the relay's slog handler: colored levels, compact
// key=value attrs.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[37m"
)

type PrettyHandler struct {
	mu    sync.Mutex
	out   io.Writer
	level slog.Level
	attrs []slog.Attr
}

func NewPrettyHandler(out io.Writer, level slog.Level) *PrettyHandler {
	return &PrettyHandler{
		out:   out,
		level: level,
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	line := fmt.Sprintf("%s %s %s", r.Time.Format(time.TimeOnly), h.colorizeLevel(r.Level), r.Message)

	for _, a := range h.attrs {
		line += fmt.Sprintf(" %s%s%s=%v", colorGray, a.Key, colorReset, a.Value.Any())
	}
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s%s%s=%v", colorGray, a.Key, colorReset, a.Value.Any())
		return true
	})

	_, err := fmt.Fprintln(h.out, line)
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &PrettyHandler{out: h.out, level: h.level, attrs: merged}
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	return h
}

func (h *PrettyHandler) colorizeLevel(level slog.Level) string {
	var color string
	var name string

	switch level {
	case slog.LevelDebug:
		color = colorBlue
		name = "DEBUG"
	case slog.LevelInfo:
		color = colorGreen
		name = "INFO"
	case slog.LevelWarn:
		color = colorYellow
		name = "WARN"
	case slog.LevelError:
		color = colorRed
		name = "ERROR"
	default:
		color = colorGray
		name = level.String()
	}

	return fmt.Sprintf("%s%-5s%s", color, name, colorReset)
}

func NewLogger() *slog.Logger {
	return slog.New(NewPrettyHandler(os.Stdout, slog.LevelInfo))
}

func NewDebugLogger() *slog.Logger {
	return slog.New(NewPrettyHandler(os.Stdout, slog.LevelDebug))
}
