package contracts

import (
	"errors"
	"fmt"
)

// Sentinel errors. Wrap with fmt.Errorf("...: %w", Err...).
var (
	ErrNoValidInstruments = errors.New("no valid instruments")
	ErrOptimizationFailed = errors.New("optimization failed")
	ErrStaleData          = errors.New("data too stale")
	ErrConfiguration      = errors.New("configuration error")
	ErrNotFound           = errors.New("not found")
)

// UnsatisfiableError reports that no portfolio satisfies the constraints.
// RequiredFunds is set when more money would make the goal satisfiable.
type UnsatisfiableError struct {
	Message       string
	RequiredFunds *float64
	Err           error
}

func (e *UnsatisfiableError) Error() string {
	msg := "unsatisfiable: " + e.Message
	if e.RequiredFunds != nil {
		msg += fmt.Sprintf(" (required funds %.2f)", *e.RequiredFunds)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnsatisfiableError) Unwrap() error { return e.Err }

// NewUnsatisfiable builds an UnsatisfiableError
func NewUnsatisfiable(format string, args ...interface{}) *UnsatisfiableError {
	return &UnsatisfiableError{Message: fmt.Sprintf(format, args...)}
}

// WithRequiredFunds returns an UnsatisfiableError carrying the required budget
func WithRequiredFunds(funds float64, format string, args ...interface{}) *UnsatisfiableError {
	return &UnsatisfiableError{Message: fmt.Sprintf(format, args...), RequiredFunds: &funds}
}

// AsUnsatisfiable unwraps err to an UnsatisfiableError if it is one
func AsUnsatisfiable(err error) (*UnsatisfiableError, bool) {
	var u *UnsatisfiableError
	if errors.As(err, &u) {
		return u, true
	}
	return nil, false
}

// SolverError is a numerical solver failure. It matches ErrOptimizationFailed.
type SolverError struct {
	Message    string
	Infeasible bool
}

func (e *SolverError) Error() string {
	return "solver: " + e.Message
}

func (e *SolverError) Is(target error) bool {
	return target == ErrOptimizationFailed
}

// IsInfeasible reports whether err is a solver infeasibility
func IsInfeasible(err error) bool {
	var se *SolverError
	return errors.As(err, &se) && se.Infeasible
}
