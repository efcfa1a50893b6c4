package iotests

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors.
var (
	ErrNotRunning     = errors.New("QEMU process not running")
	ErrAlreadyRunning = errors.New("QEMU process already running")
	ErrEarlyExit      = errors.New("QEMU exited before connecting")

	// Reasons carried by PathError.
	ErrNotDict    = errors.New("not a dict")
	ErrKeyMissing = errors.New("key missing")
	ErrNotList    = errors.New("not a list")
	ErrIndexRange = errors.New("index out of range")
)

// PathError reports a failed traversal of a nested QMP structure.
type PathError struct {
	Path      string // full path being traversed
	Component string // component that failed
	Index     string // index text, for ErrIndexRange
	Value     any    // value the component was applied to
	Err       error
}

func (e *PathError) Error() string {
	switch e.Err {
	case ErrNotList:
		return fmt.Sprintf("path component %q in %q is not a list in %v", e.Component, e.Path, e.Value)
	case ErrIndexRange:
		return fmt.Sprintf("invalid index %q for component %q in path %q in %v", e.Index, e.Component, e.Path, e.Value)
	default:
		return fmt.Sprintf("failed path traversal for %q at component %q: %v in %v", e.Path, e.Component, e.Err, e.Value)
	}
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// AssertionError reports a structured value that differs from what a test
// expected.
type AssertionError struct {
	Path    string
	Got     any
	Want    any
	Diff    string
	Message string
}

func (e *AssertionError) Error() string {
	var b strings.Builder
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		fmt.Fprintf(&b, "values not equal %v and %v", e.Got, e.Want)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " (path %q)", e.Path)
	}
	if e.Diff != "" {
		b.WriteString("\n(-got +want)\n")
		b.WriteString(e.Diff)
	}
	return b.String()
}

// SkipError means the test cannot run in this environment. It is not a
// failure.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	return "not run: " + e.Reason
}
