// MIT License
//
// # Copyright (c) 2017 Olivier Poitrey
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//
// Based on https://github.com/rs/zerolog/blob/master/console.go.
package prettylog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const (
	colorRed     = 31
	colorGreen   = 32
	colorYellow  = 33
	colorMagenta = 35
	colorCyan    = 36

	colorBold     = 1
	colorDarkGray = 90
)

// Fixed parts are printed first, in this order. Remaining fields follow
// sorted by name, with the error first and tracebacks on their own lines.
var fixedParts = []string{
	"tick",
	"coro",
	slog.TimeKey,
	slog.LevelKey,
	slog.SourceKey,
	slog.MessageKey,
}

const (
	errorKey     = "err"
	tracebackKey = "traceback"
)

// A Writer renders JSON log lines from slog.JSONHandler for a terminal.
type Writer struct {
	out       io.Writer
	formatter formatter
}

// NewWriter returns a Writer printing to out. Colors are used when stdout
// is a terminal, unless NO_COLOR is set or TERM is dumb; FORCE_COLOR turns
// them on regardless.
func NewWriter(out io.Writer) *Writer {
	noColor := os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" ||
		(!isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()))
	noColor = noColor && os.Getenv("FORCE_COLOR") == ""

	return &Writer{
		out:       out,
		formatter: formatter{noColor: noColor},
	}
}

var writePool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 1024))
	},
}

// Write formats one JSON record. Input that is not JSON is passed through
// unchanged and reported as an error.
func (w *Writer) Write(p []byte) (n int, err error) {
	buf := writePool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		writePool.Put(buf)
	}()

	var evt map[string]any
	d := json.NewDecoder(bytes.NewReader(p))
	d.UseNumber()
	if err := d.Decode(&evt); err != nil {
		w.out.Write(p)
		return 0, fmt.Errorf("cannot decode event: %s", err)
	}

	for _, part := range fixedParts {
		w.writePart(buf, evt, part)
	}
	w.writeFields(buf, evt)
	buf.WriteByte('\n')

	// Continuation lines of multi-line fields are indented.
	lines := bytes.SplitAfter(buf.Bytes(), []byte("\n"))
	for i, line := range lines {
		if len(line) == 0 {
			continue
		}
		if i > 0 {
			w.out.Write([]byte("    "))
		}
		w.out.Write(line)
	}
	return len(p), nil
}

func jsonMarshal(v any, indent bool) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if indent {
		encoder.SetIndent("    ", "  ")
	}
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func needsQuote(s string) bool {
	for i := range s {
		if s[i] < 0x20 || s[i] > 0x7e || s[i] == ' ' || s[i] == '\\' || s[i] == '"' {
			return true
		}
	}
	return false
}

// fieldOrder sorts the error first and the traceback last.
func fieldOrder(field string) string {
	switch field {
	case errorKey:
		return "\x00"
	case tracebackKey:
		return "\xff"
	}
	return field
}

func (w *Writer) writeFields(buf *bytes.Buffer, evt map[string]any) {
	fields := make([]string, 0, len(evt))
	for field := range evt {
		if slices.Contains(fixedParts, field) {
			continue
		}
		fields = append(fields, field)
	}
	slices.SortFunc(fields, func(a, b string) int {
		return strings.Compare(fieldOrder(a), fieldOrder(b))
	})

	for _, field := range fields {
		buf.WriteByte(' ')
		buf.WriteString(w.formatter.fieldName(field))

		switch value := evt[field].(type) {
		case string:
			if field == tracebackKey {
				// Tracebacks are printed as is, one frame per line.
				buf.WriteString("\n" + strings.TrimRight(value, "\n"))
				continue
			}
			if needsQuote(value) {
				value = strconv.Quote(value)
			}
			buf.WriteString(w.formatter.fieldValue(field, value))
		case json.Number:
			buf.WriteString(w.formatter.fieldValue(field, string(value)))
		default:
			b, err := jsonMarshal(value, field == tracebackKey)
			if err != nil {
				buf.WriteString(w.formatter.colorize(fmt.Sprintf("[error: %v]", err), colorRed))
			} else {
				buf.WriteString(w.formatter.fieldValue(field, string(b)))
			}
		}
	}
}

func padLeft(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return strings.Repeat(" ", n-len(s)) + s
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}

func (w *Writer) writePart(buf *bytes.Buffer, evt map[string]any, p string) {
	var s string
	switch p {
	case slog.LevelKey:
		s = w.formatter.level(evt[p])
	case slog.TimeKey:
		s = w.formatter.timestamp(evt[p])
	case slog.MessageKey:
		s = w.formatter.message(evt[slog.LevelKey], evt[p])
	case slog.SourceKey:
		s = w.formatter.caller(evt[p])
	case "coro":
		if v, ok := evt[p]; ok {
			s = padRight(fmt.Sprintf("co#%s", v), 6)
		} else {
			s = padRight("-", 6)
		}
	case "tick":
		if v, ok := evt[p]; ok {
			s = padLeft(fmt.Sprint(v), 8)
		}
	}

	if len(s) > 0 {
		if buf.Len() > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(s)
	}
}

type formatter struct {
	noColor bool
}

// colorize wraps s in the ANSI codes c unless colors are off.
func (f *formatter) colorize(s string, c ...int) string {
	if f.noColor {
		return s
	}
	for _, c := range c {
		s = fmt.Sprintf("\x1b[%dm%s\x1b[0m", c, s)
	}
	return s
}

const timeFormat = "15:04:05.000"

func (f *formatter) timestamp(i any) string {
	s, ok := i.(string)
	if !ok {
		return ""
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		s = ts.In(time.UTC).Format(timeFormat)
	}
	return f.colorize(s, colorDarkGray)
}

var levelColors = map[slog.Level]int{
	slog.LevelDebug: colorMagenta,
	slog.LevelInfo:  colorGreen,
	slog.LevelWarn:  colorYellow,
	slog.LevelError: colorRed,
}

var formattedLevels = map[slog.Level]string{
	slog.LevelDebug: "DBG",
	slog.LevelInfo:  "INF",
	slog.LevelWarn:  "WRN",
	slog.LevelError: "ERR",
}

func (f *formatter) level(i any) string {
	s, ok := i.(string)
	if !ok {
		return "???"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err == nil {
		if fl, ok := formattedLevels[level]; ok {
			return f.colorize(fl, levelColors[level])
		}
	}
	s = strings.ToUpper(s)
	if len(s) > 3 {
		s = s[:3]
	}
	return s
}

func (f *formatter) caller(i any) string {
	m, ok := i.(map[string]any)
	if !ok {
		return ""
	}
	file, _ := m["file"].(string)
	line, _ := m["line"].(json.Number)
	if file == "" {
		return ""
	}
	c := fmt.Sprintf("%s/%s:%s", path.Base(path.Dir(file)), path.Base(file), line)
	return f.colorize(c, colorDarkGray) + f.colorize(" >", colorCyan)
}

func (f *formatter) message(level any, i any) string {
	s, _ := i.(string)
	if s == "" {
		return ""
	}
	switch level {
	case "INFO", "WARN", "ERROR":
		return f.colorize(s, colorBold)
	default:
		return s
	}
}

func (f *formatter) fieldName(name string) string {
	return f.colorize(name+"=", colorCyan)
}

func (f *formatter) fieldValue(field string, s string) string {
	if field == errorKey {
		return f.colorize(s, colorBold, colorRed)
	}
	return s
}
