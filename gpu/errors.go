package gpu

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoSuitableDevice is returned when no adapter satisfies the selection policy.
	ErrNoSuitableDevice = errors.New("gpu: no suitable device")

	// ErrCompile is matched by every *CompileError.
	ErrCompile = errors.New("gpu: kernel compile failed")

	// ErrReadback is matched by every *ReadbackError.
	ErrReadback = errors.New("gpu: readback failed")

	// ErrDeviceLost means the device is gone. Everything built on it must be
	// discarded and the Context reopened.
	ErrDeviceLost = errors.New("gpu: device lost")

	// ErrInvalidLength is returned for vector lengths that are not positive or
	// that exceed the device limits.
	ErrInvalidLength = errors.New("gpu: invalid vector length")

	// ErrLengthMismatch is returned when an input does not have the manager's length.
	ErrLengthMismatch = errors.New("gpu: input length mismatch")

	// ErrLayoutMismatch is returned when the kernel's declared bindings disagree
	// with the binding descriptor.
	ErrLayoutMismatch = errors.New("gpu: kernel binding layout mismatch")

	// ErrDispatchInFlight is returned by Submit while a previous Readback is pending.
	ErrDispatchInFlight = errors.New("gpu: dispatch already in flight")

	// ErrReadbackConsumed is returned by a second Wait on the same Readback.
	ErrReadbackConsumed = errors.New("gpu: readback already consumed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("gpu: closed")
)

// Diagnostic is one compiler message with a 1-based source position.
// Line and Column are 0 when the toolchain did not report a location.
type Diagnostic struct {
	Line    int
	Column  int
	Message string
}

func (d Diagnostic) String() string {
	if d.Line == 0 {
		return d.Message
	}
	return fmt.Sprintf("%d:%d: %s", d.Line, d.Column, d.Message)
}

// CompileError carries the diagnostics of a failed kernel compilation.
type CompileError struct {
	Label       string
	Diagnostics []Diagnostic
	Err         error // underlying toolchain error, nil for front-check failures
}

func (e *CompileError) Error() string {
	var sb strings.Builder
	sb.WriteString("gpu: compile ")
	if e.Label != "" {
		sb.WriteString(e.Label)
		sb.WriteString(" ")
	}
	sb.WriteString("failed")
	for i, d := range e.Diagnostics {
		if i == 0 {
			sb.WriteString(": ")
		} else {
			sb.WriteString("; ")
		}
		sb.WriteString(d.String())
	}
	return sb.String()
}

func (e *CompileError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCompile}
	}
	return []error{ErrCompile, e.Err}
}

// ReadbackError is the per-dispatch failure. No result accompanies it.
type ReadbackError struct {
	DispatchID string
	Op         string // "submit", "map", "poll", "range"
	Err        error
}

func (e *ReadbackError) Error() string {
	return fmt.Sprintf("gpu: readback %s failed at %s: %v", e.DispatchID, e.Op, e.Err)
}

func (e *ReadbackError) Unwrap() []error {
	return []error{ErrReadback, e.Err}
}
