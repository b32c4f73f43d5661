package cororuntime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/kmrgirish/gocoro/internal/prettylog"
)

// newLogger returns a JSON logger whose records carry the running
// coroutine's ID ("coro") and the scheduler's clock reading ("tick").
func newLogger(out io.Writer, level slog.Level, s *Scheduler) *slog.Logger {
	inner := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	})
	return slog.New(&stampHandler{Handler: inner, sched: s})
}

// stampHandler reads the scheduler state when a record is handled, not when
// the logger is built, so one logger serves every coroutine.
type stampHandler struct {
	slog.Handler
	sched *Scheduler
}

func (h *stampHandler) Handle(ctx context.Context, r slog.Record) error {
	if s := h.sched; s != nil {
		if t := s.current; t != nil {
			r.AddAttrs(slog.Int("coro", t.handle.ID()))
		}
		r.AddAttrs(slog.Uint64("tick", uint64(s.clock.Now())))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *stampHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &stampHandler{Handler: h.Handler.WithAttrs(attrs), sched: h.sched}
}

func (h *stampHandler) WithGroup(name string) slog.Handler {
	return &stampHandler{Handler: h.Handler.WithGroup(name), sched: h.sched}
}

// LogFormat selects how log records are rendered on a console.
type LogFormat string

const (
	LogFormatRaw      LogFormat = "raw"
	LogFormatIndented LogFormat = "indented"
	LogFormatPretty   LogFormat = "pretty"
)

func ParseLogFormat(s string) (LogFormat, error) {
	switch f := LogFormat(s); f {
	case LogFormatRaw, LogFormatIndented, LogFormatPretty:
		return f, nil
	}
	return "", fmt.Errorf("unknown log format %q (known raw,indented,pretty)", s)
}

// indentWriter re-indents each complete JSON line. Anything else passes
// through unchanged.
type indentWriter struct {
	out io.Writer
	buf bytes.Buffer
}

func (w *indentWriter) Write(p []byte) (int, error) {
	if len(p) == 0 || p[len(p)-1] != '\n' {
		return w.out.Write(p)
	}
	w.buf.Reset()
	if err := json.Indent(&w.buf, p, "", "  "); err != nil {
		return w.out.Write(p)
	}
	if _, err := w.out.Write(w.buf.Bytes()); err != nil {
		return 0, err
	}
	return len(p), nil
}

// NewConsoleWriter wraps out so that JSON log lines written to it are
// rendered in the given format.
func NewConsoleWriter(out io.Writer, format LogFormat) io.Writer {
	switch format {
	case LogFormatIndented:
		return &indentWriter{out: out}
	case LogFormatPretty:
		return prettylog.NewWriter(out)
	default:
		return out
	}
}
