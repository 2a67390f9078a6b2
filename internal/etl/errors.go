package etl

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrorKind is the retry class of a pipeline failure.
type ErrorKind int

const (
	KindPermanent ErrorKind = iota
	KindTransient
	KindValidation
	KindSystem
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindSystem:
		return "system"
	default:
		return "permanent"
	}
}

// Error codes set by the constructors below. Adapters may use their own codes.
const (
	CodeConnection        = "connection"
	CodeTimeout           = "timeout"
	CodeRateLimit         = "rate_limit"
	CodeUnavailable       = "unavailable"
	CodeAuth              = "auth"
	CodeMalformedResponse = "malformed_response"
	CodeConstraint        = "constraint"
	CodeStrictValidation  = "strict_validation"
	CodeRetriesExhausted  = "retries_exhausted"
	CodeCheckpoint        = "checkpoint"
	CodeCancelled         = "cancelled"
	CodeUnclassified      = "unclassified"
)

var (
	ErrCursorRegression = errors.New("cursor sequence does not advance stored checkpoint")
	ErrUnknownAdapter   = errors.New("unknown adapter type")
)

// Error is a classified pipeline failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Code string
	// RetryAfter is a wait hint from the remote side (rate limiting).
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

func Transient(code string, err error) *Error { return newError(KindTransient, code, err) }
func Permanent(code string, err error) *Error { return newError(KindPermanent, code, err) }

func ConnectionError(err error) *Error  { return Transient(CodeConnection, err) }
func TimeoutError(err error) *Error     { return Transient(CodeTimeout, err) }
func UnavailableError(err error) *Error { return Transient(CodeUnavailable, err) }
func AuthError(err error) *Error        { return Permanent(CodeAuth, err) }
func ConstraintError(err error) *Error  { return Permanent(CodeConstraint, err) }

// MalformedResponseError is permanent unless the stream lists its code as retryable.
func MalformedResponseError(err error) *Error { return Permanent(CodeMalformedResponse, err) }

// RateLimitError is transient and carries the remote wait hint.
func RateLimitError(err error, wait time.Duration) *Error {
	e := Transient(CodeRateLimit, err)
	e.RetryAfter = wait
	return e
}

// SystemError marks local resource failures, e.g. an unreachable checkpoint store.
func SystemError(code string, err error) *Error { return newError(KindSystem, code, err) }

// Classify returns the classified form of err. Deadline errors are transient
// timeouts; unrecognized errors are permanent and unclassified.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var vf *ValidationFailure
	if errors.As(err, &vf) {
		return newError(KindValidation, vf.Code, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TimeoutError(err)
	}
	if errors.Is(err, context.Canceled) {
		return Permanent(CodeCancelled, err)
	}
	return Permanent(CodeUnclassified, err)
}

// classifyWith classifies err, promoting permanent codes listed in retryable to transient.
func classifyWith(op string, err error, retryable []string) *Error {
	c := Classify(err)
	out := *c
	if out.Op == "" {
		out.Op = op
	}
	if out.Kind == KindPermanent && slices.Contains(retryable, out.Code) {
		out.Kind = KindTransient
	}
	return &out
}

// halts reports whether an error stops the stream regardless of halt mode.
func (e *Error) halts() bool {
	return e.Kind == KindSystem || e.Code == CodeUnclassified || e.Code == CodeCancelled
}
