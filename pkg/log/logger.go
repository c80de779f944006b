// Copyright The kmemsim Authors. All Rights Reserved.
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
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// debugEnvVar is the environment variable used to seed debugging flags.
	debugEnvVar = "MEMSIM_DEBUG"
	// defaultSource is the source used for the default logger.
	defaultSource = "memsim"
)

// Logger is the interface for producing log messages for/from a source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})
	// Panic formats and emits an error message, then panics with the same.
	Panic(format string, args ...interface{})

	// DebugEnabled checks if debug messages are enabled for the logger.
	DebugEnabled() bool
	// Source returns the source name of the logger.
	Source() string
}

// logging is our set of per-source loggers and their configuration.
type logging struct {
	sync.RWMutex
	level   Level
	loggers map[string]logger
	debug   map[string]bool
	dbgAll  bool
}

// logger implements Logger for a single source.
type logger struct {
	source string
	prefix string
}

var log = &logging{
	level:   DefaultLevel,
	loggers: make(map[string]logger),
	debug:   make(map[string]bool),
}

// Get returns the logger for the given source, creating it if necessary.
func Get(source string) Logger {
	log.Lock()
	defer log.Unlock()
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return Get(source)
}

// Default returns the default logger instance.
func Default() Logger {
	return Get(defaultSource)
}

// SetLevel sets the logging severity level.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug enables or disables debug messages for the given source,
// returning the previous state. The pseudo-sources "all" and "*" control
// every source at once.
func EnableDebug(source string, enabled bool) bool {
	log.Lock()
	defer log.Unlock()

	if source == "all" || source == "*" {
		previous := log.dbgAll
		log.dbgAll = enabled
		return previous
	}

	previous := log.debug[source]
	log.debug[source] = enabled
	return previous
}

func (l *logging) get(source string) logger {
	if lg, ok := l.loggers[source]; ok {
		return lg
	}

	lg := logger{
		source: source,
		prefix: "[" + fmt.Sprintf("%8s", source) + "] ",
	}
	l.loggers[source] = lg

	return lg
}

func (l *logging) debugEnabled(source string) bool {
	l.RLock()
	defer l.RUnlock()

	if enabled, ok := l.debug[source]; ok {
		return enabled
	}
	return l.dbgAll || l.level <= LevelDebug
}

func (l logger) Debug(format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	klog.InfoDepth(1, l.prefix+"D: "+fmt.Sprintf(format, args...))
}

func (l logger) Info(format string, args ...interface{}) {
	if log.level > LevelInfo {
		return
	}
	klog.InfoDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

func (l logger) Warn(format string, args ...interface{}) {
	if log.level > LevelWarn {
		return
	}
	klog.WarningDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

func (l logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

func (l logger) Fatal(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.prefix+fmt.Sprintf(format, args...))
	klog.Flush()
	os.Exit(1)
}

func (l logger) Panic(format string, args ...interface{}) {
	msg := l.prefix + fmt.Sprintf(format, args...)
	klog.ErrorDepth(1, msg)
	panic(msg)
}

func (l logger) DebugEnabled() bool {
	return log.debugEnabled(l.source)
}

func (l logger) Source() string {
	return l.source
}

// Seed debugging flags from the environment.
func init() {
	value, ok := os.LookupEnv(debugEnvVar)
	if !ok {
		return
	}

	for _, source := range strings.Split(value, ",") {
		if source = strings.TrimSpace(source); source == "" {
			continue
		}
		EnableDebug(source, true)
	}
}
