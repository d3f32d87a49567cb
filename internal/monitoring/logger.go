package monitoring

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var verbose atomic.Bool

// SetVerbose turns handshake phase tracing on or off.
func SetVerbose(v bool) { verbose.Store(v) }

// Verbose reports whether tracing is enabled.
func Verbose() bool { return verbose.Load() }

// Tracef logs through Logf only when verbose tracing is enabled.
func Tracef(format string, v ...interface{}) {
	if verbose.Load() {
		Logf(format, v...)
	}
}

// NewLogger builds the console logger used by the CLI. Debug records are only
// emitted when verbose is set.
func NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))
}

// Bridge routes printf-style logging into l: Logf, and the standard library
// logger, are both pointed at it. The returned *log.Logger can be handed to
// components that take one.
func Bridge(l *slog.Logger) *log.Logger {
	SetLogger(func(format string, v ...interface{}) {
		l.Info(strings.TrimRight(fmt.Sprintf(format, v...), "\n"))
	})
	std := slog.NewLogLogger(l.Handler(), slog.LevelInfo)
	log.SetFlags(0)
	log.SetOutput(std.Writer())
	return std
}
