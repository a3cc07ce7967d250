// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package log implements the leveled, scoped logger the runtime
// threads through its components. A component derives a child logger
// naming the scope it serves -- a pipeline operation, a replication
// shard -- and every message published through the child carries the
// scopes on its path back to the root. A standard logger is available
// as a package global and via package functions.
package log

import (
	"fmt"
	"log"
	"os"
)

// Level defines the level of logging. Higher levels are more
// verbose.
type Level int

const (
	// OffLevel turns logging off.
	OffLevel Level = iota
	// ErrorLevel outputs only error messages.
	ErrorLevel
	// InfoLevel is the standard error level.
	InfoLevel
	// DebugLevel outputs detailed debugging output.
	DebugLevel
)

// An Outputter receives published log messages. Go's *log.Logger
// implements Outputter.
type Outputter interface {
	Output(calldepth int, s string) error
}

// A Logger publishes messages at or below its level to its
// outputter, tagged with the logger's scope. Nil Loggers ignore all
// log messages, so components may carry one unconditionally.
type Logger struct {
	// Outputter receives all log messages at or below the Logger's
	// current level.
	Outputter
	// Level defines the publishing level of this Logger.
	Level Level

	scope string
}

// New creates a new Logger that publishes messages at or below the
// provided level to the provided outputter.
func New(out Outputter, level Level) *Logger {
	if level == OffLevel {
		return nil
	}
	return &Logger{
		Outputter: out,
		Level:     level,
	}
}

// Scope returns a child logger whose messages are prefixed with the
// formatted scope name in addition to the receiver's own scopes.
func (l *Logger) Scope(format string, args ...interface{}) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{
		Outputter: l.Outputter,
		Level:     l.Level,
		scope:     l.scope + fmt.Sprintf(format, args...) + ": ",
	}
}

// Shard returns a child logger scoped to one shard of a
// control-replicated launch.
func (l *Logger) Shard(shard, total int) *Logger {
	return l.Scope("shard %d/%d", shard, total)
}

// Print formats a message in the manner of fmt.Print and publishes
// it to the logger at InfoLevel.
func (l *Logger) Print(v ...interface{}) {
	l.publish(2, InfoLevel, fmt.Sprint(v...))
}

// Printf formats a message in the manner of fmt.Printf and publishes
// it to the logger at InfoLevel.
func (l *Logger) Printf(format string, args ...interface{}) {
	l.publish(2, InfoLevel, fmt.Sprintf(format, args...))
}

// Error formats a message in the manner of fmt.Print and publishes
// it to the logger at ErrorLevel.
func (l *Logger) Error(v ...interface{}) {
	l.publish(2, ErrorLevel, fmt.Sprint(v...))
}

// Errorf formats a message in the manner of fmt.Printf and publishes
// it to the logger at ErrorLevel.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.publish(2, ErrorLevel, fmt.Sprintf(format, args...))
}

// Debug formats a message in the manner of fmt.Print and publishes
// it to the logger at DebugLevel.
func (l *Logger) Debug(v ...interface{}) {
	l.publish(2, DebugLevel, fmt.Sprint(v...))
}

// Debugf formats a message in the manner of fmt.Printf and publishes
// it to the logger at DebugLevel.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.publish(2, DebugLevel, fmt.Sprintf(format, args...))
}

// At tells whether the logger is at or below the provided level.
func (l *Logger) At(level Level) bool {
	return l != nil && level <= l.Level
}

func (l *Logger) publish(calldepth int, level Level, s string) {
	if l == nil || l.Outputter == nil || level > l.Level {
		return
	}
	l.Output(calldepth+1, l.scope+s)
}

// Std is the standard logger.
var Std = New(log.New(os.Stderr, "", log.LstdFlags), InfoLevel)

// The following are convenience functions to call on
// common methods on the Std logger.
var (
	Print  = Std.Print
	Printf = Std.Printf
	Error  = Std.Error
	Errorf = Std.Errorf
	Debug  = Std.Debug
	Debugf = Std.Debugf
	At     = Std.At
)
