package vm

import (
	"errors"
	"fmt"
	"reflect"
)

// ---------------------------------------------------------------------------
// Integrity faults
// ---------------------------------------------------------------------------

// Integrity faults report a broken program or runtime state. Handlers in
// interpreted code never see them.
var (
	ErrInvalidProgram = errors.New("invalid program")
	ErrStackOverflow  = errors.New("evaluation stack overflow")
	ErrNullTarget     = errors.New("extern call on nil receiver")
)

// IntegrityError is the fault value a host caller observes for an
// integrity failure.
type IntegrityError struct {
	Err    error
	Detail string
}

func (e *IntegrityError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Detail
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// integrityFault carries an IntegrityError while it unwinds through
// interpreted frames.
type integrityFault struct {
	real *IntegrityError
}

func invalidProgram(format string, args ...any) {
	panic(&integrityFault{&IntegrityError{Err: ErrInvalidProgram, Detail: fmt.Sprintf(format, args...)}})
}

func raiseIntegrity(err error, detail string) {
	panic(&integrityFault{&IntegrityError{Err: err, Detail: detail}})
}

// ---------------------------------------------------------------------------
// User faults raised by the interpreter
// ---------------------------------------------------------------------------

// NullReferenceError is raised when a nil object is dereferenced.
type NullReferenceError struct {
	Op string
}

func (e *NullReferenceError) Error() string {
	return "null reference in " + e.Op
}

// InvalidCastError is raised by castclass and unboxing on a type mismatch.
type InvalidCastError struct {
	From reflect.Type
	To   reflect.Type
}

func (e *InvalidCastError) Error() string {
	return fmt.Sprintf("cannot cast %v to %v", e.From, e.To)
}

// OverflowError is raised by checked arithmetic and conversions.
type OverflowError struct {
	Op string
}

func (e *OverflowError) Error() string {
	return "arithmetic overflow in " + e.Op
}

// DivideByZeroError is raised by integer division and remainder.
type DivideByZeroError struct{}

func (e *DivideByZeroError) Error() string { return "integer divide by zero" }

// IndexOutOfRangeError is raised by array element access.
type IndexOutOfRangeError struct {
	Index  int
	Length int
}

func (e *IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("index %d out of range [0:%d]", e.Index, e.Length)
}

// UncaughtError reports a fault whose value is not an error when it
// reaches a host caller that returns errors.
type UncaughtError struct {
	Value any
}

func (e *UncaughtError) Error() string {
	return fmt.Sprintf("uncaught fault: %v", e.Value)
}

// faultError converts a recovered fault into an error.
func faultError(r any) error {
	switch v := r.(type) {
	case *integrityFault:
		return v.real
	case error:
		return v
	}
	return &UncaughtError{Value: r}
}
