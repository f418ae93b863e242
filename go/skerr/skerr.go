// Package skerr adds call-stack information to errors as they cross
// function boundaries, so diagnostics built from a returned error can point
// at more than just the line where it was finally printed.
package skerr

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// StackTrace is a single frame of a captured call stack.
type StackTrace struct {
	File string
	Line int
}

func (st StackTrace) String() string {
	return fmt.Sprintf("%s:%d", st.File, st.Line)
}

// CallStack returns up to height frames of the current call stack, starting
// startAt frames above the caller of CallStack. startAt=1 means "the caller
// of CallStack", 2 means "its caller", and so on.
func CallStack(height, startAt int) []StackTrace {
	stack := make([]StackTrace, 0, height)
	for i := 0; i < height; i++ {
		_, file, line, ok := runtime.Caller(startAt + i)
		if !ok {
			break
		}
		if slash := strings.LastIndex(file, "/"); slash >= 0 {
			file = file[slash+1:]
		}
		stack = append(stack, StackTrace{File: file, Line: line})
	}
	return stack
}

// causeError is an error annotated with the call site that produced it.
type causeError struct {
	cause error
	frame StackTrace
}

func (e *causeError) Error() string {
	if e.cause == nil {
		return e.frame.String()
	}
	return fmt.Sprintf("%s: %s", e.frame.String(), e.cause.Error())
}

func (e *causeError) Unwrap() error {
	return e.cause
}

// Wrap annotates err with the caller's file and line. It returns nil if err
// is nil, so it is safe to use as `return skerr.Wrap(err)`.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	frames := CallStack(1, 2)
	frame := StackTrace{File: "???", Line: 1}
	if len(frames) > 0 {
		frame = frames[0]
	}
	return &causeError{cause: err, frame: frame}
}

// Wrapf is like Wrap but also formats an additional message that is
// prepended to the wrapped error.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	frames := CallStack(1, 2)
	frame := StackTrace{File: "???", Line: 1}
	if len(frames) > 0 {
		frame = frames[0]
	}
	return &causeError{cause: fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err), frame: frame}
}

// Fmt builds a new error carrying call-site information, analogous to
// fmt.Errorf but always stamped with the caller's location.
func Fmt(format string, args ...interface{}) error {
	frames := CallStack(1, 2)
	frame := StackTrace{File: "???", Line: 1}
	if len(frames) > 0 {
		frame = frames[0]
	}
	return &causeError{cause: fmt.Errorf(format, args...), frame: frame}
}

// Is is errors.Is re-exported so callers only need to import skerr when
// working with wrapped errors.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is errors.As re-exported for the same reason as Is.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
