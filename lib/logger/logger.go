// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package logger implements a leveled logger with per facility debugging.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
)

// This package uses stdlib sync as it is the lowest layer of the tree and
// everything else logs through it.

type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelVerbose
	LevelInfo
	LevelWarn
	NumLevels
)

func (l LogLevel) prefix() string {
	switch l {
	case LevelDebug:
		return "DEBUG: "
	case LevelVerbose:
		return "VERBOSE: "
	case LevelInfo:
		return "INFO: "
	case LevelWarn:
		return "WARNING: "
	default:
		return ""
	}
}

const (
	DefaultFlags = log.Ltime | log.Ldate
	DebugFlags   = log.Ltime | log.Ldate | log.Lmicroseconds | log.Lshortfile
)

// TraceEnv names the environment variable holding the comma separated list
// of facilities to enable debug output for. "all" enables every facility.
const TraceEnv = "UNSYNC_TRACE"

// A MessageHandler is called with the log level and message text.
type MessageHandler func(l LogLevel, msg string)

type Logger interface {
	AddHandler(level LogLevel, h MessageHandler)
	SetFlags(flag int)
	SetPrefix(prefix string)
	Debugln(vals ...interface{})
	Debugf(format string, vals ...interface{})
	Verboseln(vals ...interface{})
	Verbosef(format string, vals ...interface{})
	Infoln(vals ...interface{})
	Infof(format string, vals ...interface{})
	Warnln(vals ...interface{})
	Warnf(format string, vals ...interface{})
	ShouldDebug(facility string) bool
	SetDebug(facility string, enabled bool)
	Facilities() map[string]string
	NewFacility(facility, description string) Logger
}

type logger struct {
	logger     *log.Logger
	handlers   [NumLevels][]MessageHandler
	facilities map[string]string   // facility name => description
	debug      map[string]struct{} // only facility names with debugging enabled
	traces     []string
	mut        sync.Mutex
}

// DefaultLogger logs to standard output with a time prefix.
var DefaultLogger = New()

func New() Logger {
	if os.Getenv("LOGGER_DISCARD") != "" {
		// Disables logging entirely, for example when running benchmarks.
		return newLogger(io.Discard)
	}
	return newLogger(controlStripper{os.Stdout})
}

func newLogger(w io.Writer) *logger {
	traces := strings.FieldsFunc(os.Getenv(TraceEnv), func(r rune) bool {
		return strings.ContainsRune(",; ", r)
	})
	if slices.Contains(traces, "all") {
		traces = []string{"all"}
	} else {
		slices.Sort(traces)
	}

	return &logger{
		logger:     log.New(w, "", DefaultFlags),
		traces:     traces,
		facilities: make(map[string]string),
		debug:      make(map[string]struct{}),
	}
}

// AddHandler registers a new MessageHandler to receive messages with the
// specified log level or above.
func (l *logger) AddHandler(level LogLevel, h MessageHandler) {
	l.mut.Lock()
	defer l.mut.Unlock()
	l.handlers[level] = append(l.handlers[level], h)
}

// See log.SetFlags
func (l *logger) SetFlags(flag int) {
	l.logger.SetFlags(flag)
}

// See log.SetPrefix
func (l *logger) SetPrefix(prefix string) {
	l.logger.SetPrefix(prefix)
}

func (l *logger) output(depth int, level LogLevel, s string) {
	l.mut.Lock()
	defer l.mut.Unlock()
	_ = l.logger.Output(depth+1, level.prefix()+s)
	for ll := LevelDebug; ll <= level; ll++ {
		for _, h := range l.handlers[ll] {
			h(level, strings.TrimSpace(s))
		}
	}
}

func (l *logger) Debugln(vals ...interface{}) {
	l.output(2, LevelDebug, fmt.Sprintln(vals...))
}

func (l *logger) Debugf(format string, vals ...interface{}) {
	l.output(2, LevelDebug, fmt.Sprintf(format, vals...))
}

func (l *logger) Verboseln(vals ...interface{}) {
	l.output(2, LevelVerbose, fmt.Sprintln(vals...))
}

func (l *logger) Verbosef(format string, vals ...interface{}) {
	l.output(2, LevelVerbose, fmt.Sprintf(format, vals...))
}

func (l *logger) Infoln(vals ...interface{}) {
	l.output(2, LevelInfo, fmt.Sprintln(vals...))
}

func (l *logger) Infof(format string, vals ...interface{}) {
	l.output(2, LevelInfo, fmt.Sprintf(format, vals...))
}

func (l *logger) Warnln(vals ...interface{}) {
	l.output(2, LevelWarn, fmt.Sprintln(vals...))
}

func (l *logger) Warnf(format string, vals ...interface{}) {
	l.output(2, LevelWarn, fmt.Sprintf(format, vals...))
}

// ShouldDebug returns true if the given facility has debugging enabled.
func (l *logger) ShouldDebug(facility string) bool {
	l.mut.Lock()
	_, res := l.debug[facility]
	l.mut.Unlock()
	return res
}

// SetDebug enables or disables debugging for the given facility name.
func (l *logger) SetDebug(facility string, enabled bool) {
	l.mut.Lock()
	defer l.mut.Unlock()
	if _, ok := l.debug[facility]; enabled && !ok {
		l.logger.SetFlags(DebugFlags)
		l.debug[facility] = struct{}{}
	} else if !enabled && ok {
		delete(l.debug, facility)
		if len(l.debug) == 0 {
			l.logger.SetFlags(DefaultFlags)
		}
	}
}

func (l *logger) isTraced(facility string) bool {
	if len(l.traces) == 0 {
		return false
	}
	if l.traces[0] == "all" {
		return true
	}
	_, found := slices.BinarySearch(l.traces, facility)
	return found
}

// Facilities returns the currently known set of facilities and their
// descriptions.
func (l *logger) Facilities() map[string]string {
	l.mut.Lock()
	res := make(map[string]string, len(l.facilities))
	for facility, descr := range l.facilities {
		res[facility] = descr
	}
	l.mut.Unlock()
	return res
}

// NewFacility returns a new logger bound to the named facility. Debugging
// is enabled for it when the facility is listed in UNSYNC_TRACE.
func (l *logger) NewFacility(facility, description string) Logger {
	l.SetDebug(facility, l.isTraced(facility))

	l.mut.Lock()
	l.facilities[facility] = description
	l.mut.Unlock()

	return &facilityLogger{
		logger:   l,
		facility: facility,
	}
}

// A facilityLogger is a regular logger but bound to a facility name. The
// Debugln and Debugf methods are no-ops unless debugging has been enabled for
// this facility on the parent logger.
type facilityLogger struct {
	*logger
	facility string
}

func (l *facilityLogger) Debugln(vals ...interface{}) {
	if !l.ShouldDebug(l.facility) {
		return
	}
	l.logger.output(2, LevelDebug, fmt.Sprintln(vals...))
}

func (l *facilityLogger) Debugf(format string, vals ...interface{}) {
	if !l.ShouldDebug(l.facility) {
		return
	}
	l.logger.output(2, LevelDebug, fmt.Sprintf(format, vals...))
}

// controlStripper is a Writer that replaces control characters
// with spaces.
type controlStripper struct {
	io.Writer
}

func (s controlStripper) Write(data []byte) (int, error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			continue
		}
		if b < 32 {
			data[i] = ' '
		}
	}
	return s.Writer.Write(data)
}
