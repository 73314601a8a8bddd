package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
	colorCyan   = "\033[36m"
	colorGreen  = "\033[32m"
	colorBold   = "\033[1m"
)

// tagKeys are attributes printed as a bracketed prefix of the message
// instead of key=value pairs, so lines from one device or session line up.
var tagKeys = []string{"session", "device"}

// PrettyOptions configure a PrettyHandler.
type PrettyOptions struct {
	Level   slog.Leveler
	NoColor bool
}

// PrettyHandler is a slog.Handler for terminal output:
//
//	[2026-01-02 15:04:05] INFO  [device=3] program compiled op=matmul elapsed=1.2ms
type PrettyHandler struct {
	opts PrettyOptions
	w    io.Writer
	mu   *sync.Mutex

	prefix string
	tags   []string
	attrs  []slog.Attr
}

func NewPrettyHandler(w io.Writer, opts *PrettyOptions) *PrettyHandler {
	h := &PrettyHandler{w: w, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	tags := slices.Clone(h.tags)
	attrs := slices.Clone(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		if tag, ok := h.tag(a); ok {
			tags = append(tags, tag)
		} else {
			attrs = append(attrs, h.qualify(a))
		}
		return true
	})

	buf := make([]byte, 0, 256)
	buf = h.paint(buf, colorGray, func(b []byte) []byte {
		b = append(b, '[')
		b = r.Time.AppendFormat(b, time.DateTime)
		return append(b, ']')
	})
	buf = append(buf, ' ')
	buf = h.paint(buf, levelColor(r.Level)+colorBold, func(b []byte) []byte {
		return append(b, fmt.Sprintf("%-5s", r.Level.String())...)
	})
	buf = append(buf, ' ')
	if len(tags) > 0 {
		buf = h.paint(buf, colorGreen, func(b []byte) []byte {
			return append(b, "["+strings.Join(tags, " ")+"] "...)
		})
	}
	buf = append(buf, r.Message...)
	if len(attrs) > 0 {
		buf = append(buf, ' ')
		buf = h.paint(buf, colorCyan, func(b []byte) []byte {
			for i, a := range attrs {
				if i > 0 {
					b = append(b, ' ')
				}
				b = appendAttr(b, a)
			}
			return b
		})
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := h.clone()
	for _, a := range attrs {
		if tag, ok := h.tag(a); ok {
			h2.tags = append(h2.tags, tag)
		} else {
			h2.attrs = append(h2.attrs, h.qualify(a))
		}
	}
	return h2
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := h.clone()
	h2.prefix = h.prefix + name + "."
	return h2
}

func (h *PrettyHandler) clone() *PrettyHandler {
	return &PrettyHandler{
		opts:   h.opts,
		w:      h.w,
		mu:     h.mu,
		prefix: h.prefix,
		tags:   slices.Clone(h.tags),
		attrs:  slices.Clone(h.attrs),
	}
}

func (h *PrettyHandler) tag(a slog.Attr) (string, bool) {
	if h.prefix != "" || !slices.Contains(tagKeys, a.Key) {
		return "", false
	}
	return a.Key + "=" + a.Value.String(), true
}

func (h *PrettyHandler) qualify(a slog.Attr) slog.Attr {
	if h.prefix != "" {
		a.Key = h.prefix + a.Key
	}
	return a
}

func (h *PrettyHandler) paint(buf []byte, color string, fn func([]byte) []byte) []byte {
	if h.opts.NoColor {
		return fn(buf)
	}
	buf = append(buf, color...)
	buf = fn(buf)
	return append(buf, colorReset...)
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return colorRed
	case level >= slog.LevelWarn:
		return colorYellow
	case level >= slog.LevelInfo:
		return colorBlue
	default:
		return colorGray
	}
}

func appendAttr(buf []byte, a slog.Attr) []byte {
	v := a.Value.Resolve()
	buf = append(buf, a.Key...)
	buf = append(buf, '=')

	switch v.Kind() {
	case slog.KindString:
		buf = appendString(buf, v.String())
	case slog.KindDuration:
		buf = append(buf, roundDuration(v.Duration()).String()...)
	case slog.KindTime:
		buf = v.Time().AppendFormat(buf, time.RFC3339)
	case slog.KindFloat64:
		buf = strconv.AppendFloat(buf, v.Float64(), 'g', 6, 64)
	case slog.KindGroup:
		buf = append(buf, '{')
		for i, ga := range v.Group() {
			if i > 0 {
				buf = append(buf, ' ')
			}
			buf = appendAttr(buf, ga)
		}
		buf = append(buf, '}')
	default:
		if err, ok := v.Any().(error); ok {
			return appendString(buf, err.Error())
		}
		buf = append(buf, fmt.Sprint(v.Any())...)
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	if strings.ContainsAny(s, " \t\n\"") {
		return strconv.AppendQuote(buf, s)
	}
	return append(buf, s...)
}

// roundDuration drops sub-unit noise from long durations.
func roundDuration(d time.Duration) time.Duration {
	switch {
	case d >= time.Second:
		return d.Round(time.Millisecond)
	case d >= time.Millisecond:
		return d.Round(time.Microsecond)
	default:
		return d
	}
}
