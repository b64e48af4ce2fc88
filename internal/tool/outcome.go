package tool

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// OutcomeKind tags an Outcome.
type OutcomeKind string

const (
	OutcomeSuccess           OutcomeKind = "success"
	OutcomeToolError         OutcomeKind = "tool_error"
	OutcomeSecurityViolation OutcomeKind = "security_violation"
	OutcomeSignatureInvalid  OutcomeKind = "signature_invalid"
	OutcomeResourceExceeded  OutcomeKind = "resource_exceeded"
	OutcomeTimeout           OutcomeKind = "timeout"
	OutcomeInternalError     OutcomeKind = "internal_error"
)

// Outcome is the result of one execution. Only the fields relevant to Kind
// are set.
type Outcome struct {
	Kind      OutcomeKind
	Value     any     // Success
	Message   string  // ToolError, InternalError, Timeout
	ErrorKind string  // ToolError: "fail", "eval", "import", "call_tool"
	Report    *Report // SecurityViolation
	Limit     string  // ResourceExceeded: one of the Limit* names
	Output    string  // captured print output, truncated to the output ceiling
	Duration  time.Duration
}

// Success reports whether the tool returned a value.
func (o *Outcome) Success() bool { return o != nil && o.Kind == OutcomeSuccess }

// Error renders a one-line description of a failed outcome. Empty on success.
func (o *Outcome) Error() string {
	switch o.Kind {
	case OutcomeSuccess:
		return ""
	case OutcomeToolError:
		return fmt.Sprintf("tool error (%s): %s", o.ErrorKind, o.Message)
	case OutcomeSecurityViolation:
		return "security violation: " + strings.Join(o.Report.Details(), "; ")
	case OutcomeResourceExceeded:
		return "resource exceeded: " + o.Limit
	case OutcomeTimeout:
		return "timeout: " + o.Message
	default:
		return string(o.Kind) + ": " + o.Message
	}
}

func Succeeded(v any, output string) *Outcome {
	return &Outcome{Kind: OutcomeSuccess, Value: v, Output: output}
}

func ToolFailed(kind, msg string) *Outcome {
	return &Outcome{Kind: OutcomeToolError, ErrorKind: kind, Message: msg}
}

func Violated(r *Report) *Outcome {
	return &Outcome{Kind: OutcomeSecurityViolation, Report: r}
}

func Exceeded(limit string) *Outcome {
	return &Outcome{Kind: OutcomeResourceExceeded, Limit: limit}
}

func TimedOut(msg string) *Outcome {
	return &Outcome{Kind: OutcomeTimeout, Message: msg}
}

func Internal(format string, args ...any) *Outcome {
	return &Outcome{Kind: OutcomeInternalError, Message: fmt.Sprintf(format, args...)}
}

var (
	// ErrSyntax is returned when tool source cannot be parsed.
	ErrSyntax = errors.New("syntax error")
	// ErrSecurityViolation is returned when either validator rejects a tool.
	ErrSecurityViolation = errors.New("security violation")
	// ErrSignatureInvalid is returned when a definition fails verification.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrToolNotFound is returned when no compiled tool exists for a request.
	ErrToolNotFound = errors.New("tool not found")
)

// ReportError carries a rejection report through error returns. It unwraps to
// ErrSyntax or ErrSecurityViolation.
type ReportError struct {
	Report *Report
}

func (e *ReportError) Error() string {
	return e.Unwrap().Error() + ": " + strings.Join(e.Report.Details(), "; ")
}

func (e *ReportError) Unwrap() error {
	for _, v := range e.Report.Violations {
		if v.Kind == KindSyntaxError {
			return ErrSyntax
		}
	}
	return ErrSecurityViolation
}
