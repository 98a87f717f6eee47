// Package log2 is a small level logger shared by every endpoint package.
// - log level filtering, e.g. frame dumps only in tests or with log_debug
// - safe concurrent change of log level
// - nil *Log is valid and discards everything
// - optional error hook to count or forward error records
package log2

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"math"
	"os"
	"sync/atomic"
	"testing"
)

const (
	// type specified here helped against accidentally passing flags as level
	Lmicroseconds     int = log.Lmicroseconds
	Lshortfile        int = log.Lshortfile
	LStdFlags         int = log.Ltime | Lshortfile
	LInteractiveFlags int = log.Ltime | Lshortfile | Lmicroseconds
	LServiceFlags     int = Lshortfile
	LTestFlags        int = Lshortfile | Lmicroseconds
)

type Level int32

const (
	LError = iota
	LInfo
	LDebug
	LAll = math.MaxInt32
)

func (l Level) String() string {
	switch l {
	case LError:
		return "error"
	case LInfo:
		return "info"
	case LDebug:
		return "debug"
	case LAll:
		return "all"
	}
	return fmt.Sprintf("level(%d)", int32(l))
}

type FmtFunc func(format string, args ...interface{})
type ErrorFunc func(error)

type Log struct {
	l      *log.Logger
	level  Level
	w      io.Writer
	fatalf FmtFunc
	errfun atomic.Value // ErrorFunc
}

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }
func NewWriter(w io.Writer, level Level) *Log {
	if w == ioutil.Discard {
		return nil
	}
	return &Log{
		l:     log.New(w, "", LStdFlags),
		level: level,
		w:     w,
	}
}

type FuncWriter struct{ FmtFunc }

func NewFunc(f FmtFunc, level Level) *Log { return NewWriter(FuncWriter{f}, level) }
func (self FuncWriter) Write(b []byte) (int, error) {
	self.FmtFunc("%s", b)
	return len(b), nil
}

func NewTest(t testing.TB, level Level) *Log {
	self := NewFunc(t.Logf, level)
	self.SetFlags(LTestFlags)
	self.fatalf = t.Fatalf
	return self
}

func (self *Log) Clone(level Level) *Log {
	if self == nil {
		return nil
	}
	l := NewWriter(self.w, level)
	l.SetFlags(self.l.Flags())
	l.SetPrefix(self.l.Prefix())
	l.fatalf = self.fatalf
	if f, ok := self.errfun.Load().(ErrorFunc); ok {
		l.errfun.Store(f)
	}
	return l
}

func (self *Log) SetLevel(l Level) {
	if self == nil {
		return
	}
	atomic.StoreInt32((*int32)(&self.level), int32(l))
}

func (self *Log) SetFlags(f int) {
	if self == nil {
		return
	}
	self.l.SetFlags(f)
}

func (self *Log) SetPrefix(prefix string) {
	if self == nil {
		return
	}
	self.l.SetPrefix(prefix)
}

// SetErrorFunc registers hook called with every Error/Errorf record, regardless of level.
func (self *Log) SetErrorFunc(f ErrorFunc) {
	if self == nil {
		return
	}
	self.errfun.Store(f)
}

func (self *Log) Enabled(level Level) bool {
	if self == nil {
		return false
	}
	return atomic.LoadInt32((*int32)(&self.level)) >= int32(level)
}

func (self *Log) Log(level Level, s string) {
	if self.Enabled(level) {
		_ = self.l.Output(3, s)
	}
}
func (self *Log) Logf(level Level, format string, args ...interface{}) {
	if self.Enabled(level) {
		_ = self.l.Output(3, fmt.Sprintf(format, args...))
	}
}

func (self *Log) Error(args ...interface{}) {
	self.Log(LError, "error: "+fmt.Sprint(args...))
	if len(args) == 1 {
		if e, ok := args[0].(error); ok {
			self.onError(e)
			return
		}
	}
	self.onError(errors.New(fmt.Sprint(args...)))
}
func (self *Log) Errorf(format string, args ...interface{}) {
	self.Logf(LError, "error: "+format, args...)
	self.onError(fmt.Errorf(format, args...))
}
func (self *Log) Info(args ...interface{}) {
	self.Log(LInfo, fmt.Sprint(args...))
}
func (self *Log) Infof(format string, args ...interface{}) {
	self.Logf(LInfo, format, args...)
}
func (self *Log) Debug(args ...interface{}) {
	self.Log(LDebug, "debug: "+fmt.Sprint(args...))
}
func (self *Log) Debugf(format string, args ...interface{}) {
	self.Logf(LDebug, "debug: "+format, args...)
}

func (self *Log) Fatalf(format string, args ...interface{}) {
	if self != nil && self.fatalf != nil {
		self.fatalf(format, args...)
		return
	}
	self.Logf(LError, "fatal: "+format, args...)
	os.Exit(1)
}
func (self *Log) Fatal(args ...interface{}) {
	s := fmt.Sprint(args...)
	if self != nil && self.fatalf != nil {
		self.fatalf("%s", s)
		return
	}
	self.Log(LError, "fatal: "+s)
	os.Exit(1)
}

func (self *Log) onError(e error) {
	if self == nil {
		return
	}
	if f, ok := self.errfun.Load().(ErrorFunc); ok && f != nil {
		f(e)
	}
}
