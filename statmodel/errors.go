package statmodel

import (
	"fmt"
)

// SchemaError reports a missing, duplicated or malformed input column.
type SchemaError struct {
	Column string
	Msg    string
}

func (e *SchemaError) Error() string {
	if e.Column == "" {
		return "schema: " + e.Msg
	}
	return fmt.Sprintf("schema: column '%s': %s", e.Column, e.Msg)
}

// ValueError reports a value outside of its allowed range.  Row is the
// zero-based input row, or -1 if the error does not concern a single row.
type ValueError struct {
	Column string
	Row    int
	Msg    string
}

func (e *ValueError) Error() string {
	switch {
	case e.Column == "":
		return "value: " + e.Msg
	case e.Row < 0:
		return fmt.Sprintf("value: column '%s': %s", e.Column, e.Msg)
	default:
		return fmt.Sprintf("value: column '%s', row %d: %s", e.Column, e.Row, e.Msg)
	}
}

// ConvergenceError is returned when an iterative fit stops without
// meeting its convergence criterion.
type ConvergenceError struct {
	Iterations int

	// Norm of the last parameter update.
	StepNorm float64

	Msg string
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("no convergence after %d iterations (last step norm %g): %s",
		e.Iterations, e.StepNorm, e.Msg)
}

// InsufficientDataError is returned when a group or stratum has too few
// rows or events for the requested model.
type InsufficientDataError struct {
	What string
	Msg  string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s: %s", e.What, e.Msg)
}

// UndefinedAUCError is returned when all outcomes carry the same label,
// so that the ROC curve is undefined.
type UndefinedAUCError struct {
	Label float64
	N     int
}

func (e *UndefinedAUCError) Error() string {
	return fmt.Sprintf("AUC undefined: all %d outcomes equal %g", e.N, e.Label)
}
