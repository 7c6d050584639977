// Package skerr provides errors that include a stack trace of the point
// at which the error was created or wrapped.
package skerr

import (
	"fmt"
	"runtime"
	"strings"
)

// StackTrace identifies a filename (base filename only) and line number.
type StackTrace struct {
	File string
	Line int
}

func (st StackTrace) String() string {
	return fmt.Sprintf("%s:%d", st.File, st.Line)
}

// ErrorWithContext is an error plus the stack at wrap time and an
// optional formatted context message.
type ErrorWithContext struct {
	Wrapped   error
	CallStack []StackTrace
	Context   []string
}

func (e *ErrorWithContext) Error() string {
	var sb strings.Builder
	for i := len(e.Context) - 1; i >= 0; i-- {
		sb.WriteString(e.Context[i])
		sb.WriteString(": ")
	}
	sb.WriteString(e.Wrapped.Error())
	if len(e.CallStack) > 0 {
		sb.WriteString(" At")
		for _, st := range e.CallStack {
			sb.WriteString(" ")
			sb.WriteString(st.String())
		}
	}
	return sb.String()
}

// Unwrap returns the wrapped error, supporting errors.Is and errors.As.
func (e *ErrorWithContext) Unwrap() error {
	return e.Wrapped
}

func callStack(skip, count int) []StackTrace {
	rv := make([]StackTrace, 0, count)
	for i := 0; i < count; i++ {
		_, file, line, ok := runtime.Caller(skip + i)
		if !ok {
			break
		}
		if idx := strings.LastIndex(file, "/"); idx >= 0 {
			file = file[idx+1:]
		}
		rv = append(rv, StackTrace{File: file, Line: line})
	}
	return rv
}

// Fmt is like fmt.Errorf but the returned error includes a stack trace.
func Fmt(format string, args ...interface{}) error {
	return &ErrorWithContext{
		Wrapped:   fmt.Errorf(format, args...),
		CallStack: callStack(2, 3),
	}
}

// Wrap adds a stack trace to err. If err is already wrapped, it is
// returned unchanged. Returns nil when err is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if existing, ok := err.(*ErrorWithContext); ok {
		return existing
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: callStack(2, 3),
	}
}

// Wrapf adds a formatted context message and a stack trace to err.
// Returns nil when err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if existing, ok := err.(*ErrorWithContext); ok {
		return &ErrorWithContext{
			Wrapped:   existing.Wrapped,
			CallStack: existing.CallStack,
			Context:   append(existing.Context, msg),
		}
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: callStack(2, 3),
		Context:   []string{msg},
	}
}

// Unwrap returns the originally-wrapped error, or err itself if it is
// not a skerr wrapper.
func Unwrap(err error) error {
	if wrapped, ok := err.(*ErrorWithContext); ok {
		return wrapped.Wrapped
	}
	return err
}
