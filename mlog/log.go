// Package mlog provides logging with log levels and structured fields, wrapping
// log/slog.
//
// Each log level has a function to log with and without an error. Variable data
// should be in attributes, log strings themselves should be constant, for easier
// log processing.
//
// Log levels can be configured per originating package, e.g. imapserver or
// store. The configuration is application-global, each Log instance uses the
// same configured levels.
package mlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var noctx = context.Background()

// Levels map to slog levels, with a few more for protocol tracing. Trace logs
// protocol transcripts. Traceauth also logs messages containing passwords.
// Tracedata also logs full data transfers (messages).
const (
	LevelTracedata = slog.LevelDebug - 8
	LevelTraceauth = slog.LevelDebug - 6
	LevelTrace     = slog.LevelDebug - 4
	LevelDebug     = slog.LevelDebug
	LevelInfo      = slog.LevelInfo
	LevelWarn      = slog.LevelWarn
	LevelError     = slog.LevelError
	LevelFatal     = slog.LevelError + 4 // Printed regardless of configuration, then exits.
	LevelPrint     = slog.LevelError + 8 // Printed regardless of configuration.
)

// Levels as used in configuration of log levels.
var Levels = map[string]slog.Level{
	"tracedata": LevelTracedata,
	"traceauth": LevelTraceauth,
	"trace":     LevelTrace,
	"debug":     LevelDebug,
	"info":      LevelInfo,
	"warn":      LevelWarn,
	"error":     LevelError,
	"fatal":     LevelFatal,
	"print":     LevelPrint,
}

// LevelStrings returns the configuration name for a level.
var LevelStrings = map[slog.Level]string{
	LevelTracedata: "tracedata",
	LevelTraceauth: "traceauth",
	LevelTrace:     "trace",
	LevelDebug:     "debug",
	LevelInfo:      "info",
	LevelWarn:      "warn",
	LevelError:     "error",
	LevelFatal:     "fatal",
	LevelPrint:     "print",
}

// Holds a map[string]slog.Level, mapping a package (attribute pkg in logs) to a
// minimum log level. The empty string is the default/fallback level.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for logging.
var CidKey key = "cid"

// Log wraps a slog.Logger. The nil-able wrapper methods make logging with
// optional errors terser at call sites.
type Log struct {
	*slog.Logger
}

// New returns a Log for the given package. If parent is nil, the global handler
// writing to stderr is used. Each logged line includes attribute "pkg".
func New(pkg string, parent *slog.Logger) Log {
	if parent == nil {
		parent = slog.New(&handler{})
	}
	return Log{parent.With(slog.String("pkg", pkg))}
}

// Nop returns a Log that discards all logging, for tests.
func Nop() Log {
	return Log{slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: LevelPrint}))}
}

// WithCid adds attribute "cid" for a connection or operation.
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds the cid from ctx, if present.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	return l.WithCid(cidv.(int64))
}

// With returns a Log with attrs added to each logged line.
func (l Log) With(attrs ...slog.Attr) Log {
	return Log{slog.New(l.Logger.Handler().WithAttrs(attrs))}
}

// WithFunc sets a function returning attributes evaluated for each logged line.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	return Log{slog.New(&funcHandler{l.Logger.Handler(), fn})}
}

func errAttrs(err error, attrs []slog.Attr) []slog.Attr {
	if err == nil {
		return attrs
	}
	return append([]slog.Attr{slog.Any("err", err)}, attrs...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelDebug, msg, attrs...)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelDebug, msg, errAttrs(err, attrs)...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelInfo, msg, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelInfo, msg, errAttrs(err, attrs)...)
}

func (l Log) Warn(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelWarn, msg, attrs...)
}

func (l Log) Warnx(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelWarn, msg, errAttrs(err, attrs)...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelError, msg, attrs...)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelError, msg, errAttrs(err, attrs)...)
}

// Print logs regardless of configured level. For startup logging and subcommands.
func (l Log) Print(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelPrint, msg, attrs...)
}

func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelPrint, msg, errAttrs(err, attrs)...)
}

// Fatal logs and stops the program.
func (l Log) Fatal(msg string, attrs ...slog.Attr) {
	l.Fatalx(msg, nil, attrs...)
}

func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelFatal, msg, errAttrs(err, attrs)...)
	os.Exit(1)
}

// Check logs an error-level line if err is not nil. Convenient for cleanup
// paths where the error is not otherwise handled.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

// Trace logs at a trace level. Protocol data in buf is logged as a quoted
// string. Returns whether the line was logged, so callers can avoid building
// expensive lines.
func (l Log) Trace(level slog.Level, prefix string, buf []byte) bool {
	h := l.Logger.Handler()
	if !h.Enabled(noctx, level) {
		// Check if a less detailed trace level applies, mimicking it with placeholder text.
		if level < LevelTrace && h.Enabled(noctx, LevelTrace) {
			var msg string
			if level == LevelTraceauth {
				msg = prefix + "***"
			} else {
				msg = prefix + "..."
			}
			l.Logger.LogAttrs(noctx, LevelTrace, msg)
			return true
		}
		return false
	}
	l.Logger.LogAttrs(noctx, level, prefix+strconv.Quote(string(buf)))
	return true
}

// funcHandler evaluates fn for each record, adding the returned attributes.
type funcHandler struct {
	h  slog.Handler
	fn func() []slog.Attr
}

func (h *funcHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.h.Enabled(ctx, level)
}

func (h *funcHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(h.fn()...)
	return h.h.Handle(ctx, r)
}

func (h *funcHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &funcHandler{h.h.WithAttrs(attrs), h.fn}
}

func (h *funcHandler) WithGroup(name string) slog.Handler {
	return &funcHandler{h.h.WithGroup(name), h.fn}
}

// handler is the global stderr handler: logfmt-ish lines, a single write per
// record so lines from concurrent connections do not interleave.
type handler struct {
	attrs []slog.Attr
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= LevelFatal {
		return true
	}
	cl := config.Load().(map[string]slog.Level)
	min, ok := cl[pkgOf(h.attrs)]
	if !ok {
		min = cl[""]
	}
	return level >= min
}

func pkgOf(attrs []slog.Attr) string {
	for _, a := range attrs {
		if a.Key == "pkg" {
			return a.Value.String()
		}
	}
	return ""
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	b := &strings.Builder{}
	level, ok := LevelStrings[r.Level]
	if !ok {
		level = r.Level.String()
	}
	fmt.Fprintf(b, "%s l=%s m=%s", r.Time.Format(time.RFC3339Nano), level, logfmtValue(r.Message))
	writeAttr := func(a slog.Attr) {
		if a.Key == "" {
			return
		}
		fmt.Fprintf(b, " %s=%s", a.Key, logfmtValue(a.Value.String()))
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(a)
		return true
	})
	b.WriteString("\n")
	_, err := os.Stderr.WriteString(b.String())
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &handler{}
	nh.attrs = append(append(nh.attrs, h.attrs...), attrs...)
	return nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	// Groups are not used in this code base.
	return h
}

// escape logfmt string if required, otherwise return the original.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}
