package contracts

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the pipeline error taxonomy.
type ErrorKind string

const (
	KindNotFound                ErrorKind = "NOT_FOUND"
	KindValidationFailure       ErrorKind = "VALIDATION_FAILURE"
	KindVersionConflict         ErrorKind = "VERSION_CONFLICT"
	KindStrategyFailure         ErrorKind = "STRATEGY_FAILURE"
	KindEvaluationFailure       ErrorKind = "EVALUATION_FAILURE"
	KindChainIntegrityViolation ErrorKind = "CHAIN_INTEGRITY_VIOLATION"
	KindInternal                ErrorKind = "INTERNAL"
)

// Sentinels for errors.Is matching on kind.
var (
	ErrNotFound                = &Error{Kind: KindNotFound}
	ErrValidationFailure       = &Error{Kind: KindValidationFailure}
	ErrVersionConflict         = &Error{Kind: KindVersionConflict}
	ErrStrategyFailure         = &Error{Kind: KindStrategyFailure}
	ErrEvaluationFailure       = &Error{Kind: KindEvaluationFailure}
	ErrChainIntegrityViolation = &Error{Kind: KindChainIntegrityViolation}
)

// Error carries a taxonomy kind, the failing operation and the cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// E builds an *Error. msg may contain fmt verbs.
func E(kind ErrorKind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the taxonomy kind of err, or KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error onto the status code the API layer returns.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidationFailure:
		return http.StatusBadRequest
	case KindVersionConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
