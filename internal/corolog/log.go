// Package corolog reads and annotates the JSON logs written by cororuntime.
package corolog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"runtime"
	"time"
)

type Stackframe struct {
	File     string `json:"file"`
	Function string `json:"function"`
	Line     int    `json:"line"`
}

// A Log is one record of a scheduler log.
type Log struct {
	Index int `json:"-"`

	Time        time.Time     `json:"time"`
	Level       slog.Level    `json:"level"`
	Msg         string        `json:"msg"`
	Source      *Stackframe   `json:"source"`
	Stackframes []*Stackframe `json:"stackframes"`

	// Coro is absent for records logged by the scheduler itself.
	Coro *int   `json:"coro"`
	Tick uint64 `json:"tick"`

	// Attrs holds every other field, undecoded.
	Attrs map[string]json.RawMessage `json:"-"`
}

var knownFields = map[string]bool{
	"time": true, "level": true, "msg": true, "source": true,
	"stackframes": true, "coro": true, "tick": true,
}

func (l *Log) UnmarshalJSON(b []byte) error {
	type plain Log
	if err := json.Unmarshal(b, (*plain)(l)); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for k, v := range all {
		if knownFields[k] {
			continue
		}
		if l.Attrs == nil {
			l.Attrs = make(map[string]json.RawMessage)
		}
		l.Attrs[k] = v
	}
	return nil
}

// ParseLog decodes newline-separated records, skipping lines that are not
// JSON objects.
func ParseLog(logs []byte) []*Log {
	var out []*Log
	for _, line := range bytes.Split(logs, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var log Log
		if err := json.Unmarshal(line, &log); err != nil {
			continue
		}
		log.Index = len(out)
		out = append(out, &log)
	}
	return out
}

// Stack returns the caller's stack as a "stackframes" attribute, skipping
// skip frames above Stack's caller.
func Stack(skip int) slog.Attr {
	var pcs [64]uintptr
	n := runtime.Callers(skip+2, pcs[:])

	var frames []Stackframe
	if n > 0 {
		iter := runtime.CallersFrames(pcs[:n])
		for {
			frame, more := iter.Next()
			frames = append(frames, Stackframe{
				Function: frame.Function,
				File:     frame.File,
				Line:     frame.Line,
			})
			if !more {
				break
			}
		}
	}
	return slog.Any("stackframes", frames)
}
