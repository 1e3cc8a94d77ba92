// Package errs defines the error kinds shared by every pipeline stage.
//
// Each failure is reported as a *StageError that names the stage and,
// where it applies, the slice or class involved. The error unwraps to one
// of the sentinel kinds so callers can branch with errors.Is.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration marks invalid settings: unknown model variants,
	// bad batch sizes, fused masks of different shapes.
	ErrConfiguration = errors.New("configuration error")

	// ErrEmptyInput marks a volume with no usable slices.
	ErrEmptyInput = errors.New("no usable slices")

	// ErrInference marks a failed model evaluation.
	ErrInference = errors.New("inference error")

	// ErrShapeInvariant marks an inverse mapping that could not restore the
	// expected shape. It always indicates a bug.
	ErrShapeInvariant = errors.New("shape invariant violated")
)

// StageError carries the context of a pipeline failure.
type StageError struct {
	// Stage names the pipeline stage, e.g. "preprocess" or "inference"
	Stage string
	// Kind is one of the sentinel errors above
	Kind error
	// Slice is the slice index involved, or -1
	Slice int
	// Class is the label class involved, or -1
	Class int
	// Err is the underlying cause, may be nil
	Err error
}

func (e *StageError) Error() string {
	var b strings.Builder
	b.WriteString(e.Stage)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Slice >= 0 {
		fmt.Fprintf(&b, " (slice %d)", e.Slice)
	}
	if e.Class >= 0 {
		fmt.Fprintf(&b, " (class %d)", e.Class)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New returns a StageError without slice or class context.
func New(stage string, kind error, format string, args ...any) *StageError {
	return &StageError{
		Stage: stage,
		Kind:  kind,
		Slice: -1,
		Class: -1,
		Err:   causeOf(format, args...),
	}
}

// Wrap returns a StageError around an existing cause.
func Wrap(stage string, kind error, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Slice: -1, Class: -1, Err: err}
}

// AtSlice attaches a slice index to the error.
func (e *StageError) AtSlice(i int) *StageError {
	e.Slice = i
	return e
}

// ForClass attaches a class index to the error.
func (e *StageError) ForClass(c int) *StageError {
	e.Class = c
	return e
}

func causeOf(format string, args ...any) error {
	if format == "" {
		return nil
	}
	return fmt.Errorf(format, args...)
}
