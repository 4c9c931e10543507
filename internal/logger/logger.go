// Package logger provides the leveled logging interface shared by the
// session-state and invoker components. Implementations are expected to be
// safe for concurrent use.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Logger is the minimal leveled logger accepted by every component.
type Logger interface {
	Debugf(format string, a ...any)
	Infof(format string, a ...any)
	Warnf(format string, a ...any)
	Errorf(format string, a ...any)
}

// Level filters messages below it.
type Level uint32

const (
	LevelDebug = Level(0)
	LevelInfo  = Level(1)
	LevelWarn  = Level(2)
	LevelError = Level(3)
)

// DefaultLogger writes info and above; warnings and errors go to stderr.
var DefaultLogger Logger = New(LevelInfo, os.Stdout, os.Stderr)

// DebugLogger writes every level.
var DebugLogger Logger = New(LevelDebug, os.Stdout, os.Stderr)

// Discard drops everything. Handy in tests.
var Discard Logger = New(LevelError+1, io.Discard, io.Discard)

// New builds a Logger that writes Debug/Info to out and Warn/Error to errOut.
func New(level Level, out, errOut io.Writer) Logger {
	return &stdLogger{
		level:   level,
		infoLog: log.New(out, "", log.LstdFlags|log.Lshortfile),
		errLog:  log.New(errOut, "", log.LstdFlags|log.Lshortfile),
	}
}

// OrDefault returns l, or DefaultLogger when l is nil.
func OrDefault(l Logger) Logger {
	if l == nil {
		return DefaultLogger
	}
	return l
}

type stdLogger struct {
	level   Level
	infoLog *log.Logger
	errLog  *log.Logger
}

func (l *stdLogger) Debugf(format string, a ...any) {
	if l.level > LevelDebug {
		return
	}
	_ = l.infoLog.Output(2, fmt.Sprintf("[Debug] "+format, a...))
}

func (l *stdLogger) Infof(format string, a ...any) {
	if l.level > LevelInfo {
		return
	}
	_ = l.infoLog.Output(2, fmt.Sprintf("[Info] "+format, a...))
}

func (l *stdLogger) Warnf(format string, a ...any) {
	if l.level > LevelWarn {
		return
	}
	_ = l.errLog.Output(2, fmt.Sprintf("[Warn] "+format, a...))
}

func (l *stdLogger) Errorf(format string, a ...any) {
	if l.level > LevelError {
		return
	}
	_ = l.errLog.Output(2, fmt.Sprintf("[Error] "+format, a...))
}
