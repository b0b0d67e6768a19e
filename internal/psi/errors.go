package psi

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidThreshold is returned when a trigger threshold is rejected,
	// either locally or by the kernel refusing the arm write with EINVAL.
	ErrInvalidThreshold = errors.New("invalid psi trigger threshold")

	// ErrUnregisteredEvent is returned when a readiness notification names a
	// trigger the monitor does not know about.
	ErrUnregisteredEvent = errors.New("unregistered psi event triggered")

	// ErrTriggerFile is returned when the kernel reports an error condition on
	// a watched pressure file instead of a threshold event.
	ErrTriggerFile = errors.New("error on watched psi file")
)

// ParseErrorKind classifies a ParseError.
type ParseErrorKind int

const (
	UnexpectedTerm ParseErrorKind = iota
	TotalParse
	AvgParse
	MissingLine
)

func (k ParseErrorKind) String() string {
	switch k {
	case UnexpectedTerm:
		return "unexpected term"
	case TotalParse:
		return "total parse error"
	case AvgParse:
		return "avg parse error"
	case MissingLine:
		return "missing line"
	default:
		return fmt.Sprintf("parse error(%d)", int(k))
	}
}

// ParseError describes malformed pressure file content.
type ParseError struct {
	Kind ParseErrorKind
	// Term is the offending token for UnexpectedTerm, TotalParse and AvgParse.
	Term string
	// Line is the absent line for MissingLine.
	Line Line
	// Err is the underlying strconv error, if any.
	Err error
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case UnexpectedTerm:
		return fmt.Sprintf("unexpected psi term '%s'", e.Term)
	case TotalParse:
		return fmt.Sprintf("error parsing psi total %q: %v", e.Term, e.Err)
	case AvgParse:
		return fmt.Sprintf("error parsing psi avg %q: %v", e.Term, e.Err)
	case MissingLine:
		return fmt.Sprintf("psi %s line missing", e.Line)
	default:
		return "psi parse error"
	}
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// UnexpectedTriggerEventError is returned when a sample set read after an
// event does not carry the line the trigger watches.
type UnexpectedTriggerEventError struct {
	Kind Kind
	Line Line
}

func (e *UnexpectedTriggerEventError) Error() string {
	return fmt.Sprintf("unexpected trigger event; expected %s %s", e.Kind, e.Line)
}
