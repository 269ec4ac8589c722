// Copyright The Memtrack Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	stdlog "log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int32

const (
	// LevelDebug is the severity of debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity of informational messages.
	LevelInfo
	// LevelWarn is the severity of warnings.
	LevelWarn
	// LevelError is the severity of errors.
	LevelError
	// LevelPanic is the severity of unrecoverable errors.
	LevelPanic
	// LevelFatal is the severity of fatal errors.
	LevelFatal
)

// Logger is the interface for producing log messages for a source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits a fatal error message and exits the process.
	Fatal(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})

	// Debugf is an alias for Debug.
	Debugf(format string, args ...interface{})
	// Infof is an alias for Info.
	Infof(format string, args ...interface{})
	// Warnf is an alias for Warn.
	Warnf(format string, args ...interface{})
	// Errorf is an alias for Error.
	Errorf(format string, args ...interface{})
	// Fatalf is an alias for Fatal.
	Fatalf(format string, args ...interface{})
	// Panicf is an alias for Panic.
	Panicf(format string, args ...interface{})

	// Println emits a message in the manner of fmt.Println. It makes
	// loggers usable as an error logger of some external packages.
	Println(v ...interface{})

	// DebugBlock emits a multiline debug message with a line prefix.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock emits a multiline informational message with a line prefix.
	InfoBlock(prefix string, format string, args ...interface{})
	// WarnBlock emits a multiline warning with a line prefix.
	WarnBlock(prefix string, format string, args ...interface{})
	// ErrorBlock emits a multiline error with a line prefix.
	ErrorBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables or disables debug messages for the source,
	// returning the previous state.
	EnableDebug(bool) bool
	// DebugEnabled returns true if debug messages are enabled for the source.
	DebugEnabled() bool

	// Source returns the source of the logger.
	Source() string
	// SlogHandler returns an slog.Handler emitting through the logger.
	SlogHandler() slog.Handler
}

// logging is the runtime state of all logging.
type logging struct {
	sync.RWMutex
	level   int32
	prefix  bool
	dbgmap  srcmap
	sources map[string]*source
	forced  atomic.Bool
}

// source is the state shared by all loggers of a single source.
type source struct {
	name  string
	debug atomic.Bool
}

// logger implements Logger for a single source.
type logger struct {
	src *source
}

var (
	log = &logging{
		level:   int32(DefaultLevel),
		sources: make(map[string]*source),
	}
	deflog = log.get(filepath.Base(os.Args[0]))
)

// Get returns the named logger, creating it if necessary.
func Get(source string) Logger {
	return log.get(source)
}

// NewLogger returns the named logger, creating it if necessary.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Default returns the default logger of the process.
func Default() Logger {
	return deflog
}

// SetLevel sets the lowest severity of messages to emit.
func SetLevel(level Level) {
	atomic.StoreInt32(&log.level, int32(level))
}

// GetLevel returns the lowest severity of messages being emitted.
func GetLevel() Level {
	return Level(atomic.LoadInt32(&log.level))
}

// EnableDebug enables debug messages for the given source, returning
// the previous state.
func EnableDebug(source string) bool {
	return log.get(source).EnableDebug(true)
}

// Flush flushes any pending log messages.
func Flush() {
	klog.Flush()
}

// SetStdLogger redirects the standard library log package to the named logger.
func SetStdLogger(source string) {
	stdlog.SetFlags(0)
	stdlog.SetOutput(&logWriter{log: log.get(source)})
}

// SetupDebugToggleSignal sets up a signal handler for toggling debug
// messages of all sources on or off.
func SetupDebugToggleSignal(sig os.Signal) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, sig)
	go func() {
		for range sigs {
			forced := !log.forced.Load()
			log.forced.Store(forced)
			if forced {
				deflog.Info("debug logging forced on by %v", sig)
			} else {
				deflog.Info("debug logging no longer forced by %v", sig)
			}
		}
	}()
}

func (log *logging) get(name string) logger {
	log.Lock()
	defer log.Unlock()

	src, ok := log.sources[name]
	if !ok {
		src = &source{name: name}
		src.debug.Store(log.dbgmap.enabled(name))
		log.sources[name] = src
	}

	return logger{src: src}
}

func (log *logging) setDbgMap(m srcmap) {
	log.dbgmap = m
	for name, src := range log.sources {
		src.debug.Store(m.enabled(name))
	}
}

func (log *logging) setPrefix(prefix bool) {
	log.prefix = prefix
}

func (log *logging) prefixed() bool {
	log.RLock()
	defer log.RUnlock()
	return log.prefix
}

// enabled returns the configured debug state for the given source.
func (m srcmap) enabled(source string) bool {
	if state, ok := m[source]; ok {
		return state
	}
	return m["*"]
}

func (l logger) message(format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if log.prefixed() {
		msg = l.src.name + ": " + msg
	}
	return msg
}

// emit passes a formatted message to the logging backend. The depth is
// chosen so that the backend attributes the message to the caller of the
// Logger interface.
func (l logger) emit(depth int, level Level, format string, args ...interface{}) {
	if level != LevelDebug && level < GetLevel() {
		return
	}

	msg := l.message(format, args...)

	switch level {
	case LevelDebug, LevelInfo:
		klog.InfoDepth(depth+1, msg)
	case LevelWarn:
		klog.WarningDepth(depth+1, msg)
	case LevelError:
		klog.ErrorDepth(depth+1, msg)
	case LevelPanic:
		klog.ErrorDepth(depth+1, msg)
		panic(msg)
	case LevelFatal:
		klog.ExitDepth(depth+1, msg)
	}
}

func (l logger) Debug(format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	l.emit(1, LevelDebug, format, args...)
}

func (l logger) Info(format string, args ...interface{}) {
	l.emit(1, LevelInfo, format, args...)
}

func (l logger) Warn(format string, args ...interface{}) {
	l.emit(1, LevelWarn, format, args...)
}

func (l logger) Error(format string, args ...interface{}) {
	l.emit(1, LevelError, format, args...)
}

func (l logger) Fatal(format string, args ...interface{}) {
	l.emit(1, LevelFatal, format, args...)
}

func (l logger) Panic(format string, args ...interface{}) {
	l.emit(1, LevelPanic, format, args...)
}

func (l logger) Debugf(format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	l.emit(1, LevelDebug, format, args...)
}

func (l logger) Infof(format string, args ...interface{}) {
	l.emit(1, LevelInfo, format, args...)
}

func (l logger) Warnf(format string, args ...interface{}) {
	l.emit(1, LevelWarn, format, args...)
}

func (l logger) Errorf(format string, args ...interface{}) {
	l.emit(1, LevelError, format, args...)
}

func (l logger) Fatalf(format string, args ...interface{}) {
	l.emit(1, LevelFatal, format, args...)
}

func (l logger) Panicf(format string, args ...interface{}) {
	l.emit(1, LevelPanic, format, args...)
}

func (l logger) Println(v ...interface{}) {
	l.emit(1, LevelInfo, "%s", strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

func (l logger) block(level Level, prefix string, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		l.emit(2, level, "%s%s", prefix, line)
	}
}

func (l logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	l.block(LevelDebug, prefix, format, args...)
}

func (l logger) InfoBlock(prefix string, format string, args ...interface{}) {
	l.block(LevelInfo, prefix, format, args...)
}

func (l logger) WarnBlock(prefix string, format string, args ...interface{}) {
	l.block(LevelWarn, prefix, format, args...)
}

func (l logger) ErrorBlock(prefix string, format string, args ...interface{}) {
	l.block(LevelError, prefix, format, args...)
}

func (l logger) EnableDebug(state bool) bool {
	return l.src.debug.Swap(state)
}

func (l logger) DebugEnabled() bool {
	return l.src.debug.Load() || log.forced.Load()
}

func (l logger) Source() string {
	return l.src.name
}

// logWriter bridges the standard library log package to a logger.
type logWriter struct {
	log Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.log.Info("%s", strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// loggerError returns a package-specific formatted error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
