// Package faults tags pipeline errors with a Kind that handlers map to HTTP statuses.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so callers branch on a discriminant instead of message text.
type Kind string

const (
	Unknown       Kind = "unknown"
	Auth          Kind = "auth"
	Config        Kind = "config"
	Validation    Kind = "validation"
	Storage       Kind = "storage"
	DuplicateTask Kind = "duplicate_task"
	Dispatch      Kind = "dispatch"
	PayloadParse  Kind = "payload_parse"
	Notify        Kind = "notify"
)

// Error is the tagged error returned across package boundaries of the pipeline.
type Error struct {
	Kind Kind
	Op   string // operation attempted, e.g. "store.insert"
	Err  error
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

// New wraps err with a kind and the operation that produced it
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a tagged error from a message
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first tagged error in err's chain, or Unknown
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind to the status reported at the handler boundary
func HTTPStatus(kind Kind) int {
	switch kind {
	case "", DuplicateTask:
		return http.StatusOK
	case Auth:
		return http.StatusUnauthorized
	case Validation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
