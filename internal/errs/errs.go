// Package errs classifies engine errors into the dispositions the lifecycle
// and retry logic branch on: retry with backoff, fail the engine, or report
// a structured detail to the status facade.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the disposition of an error as seen by the engine.
type Kind int

const (
	// KindTransient covers HTTP 5xx, socket resets, DB deadlocks: retry with backoff.
	KindTransient Kind = iota
	// KindProtocol covers a malformed pgoutput frame: fatal, reconnect from checkpoint.
	KindProtocol
	// KindSchemaIncompatible covers a removed column or changed type: fatal, surfaced with detail.
	KindSchemaIncompatible
	// KindSchemaMismatch covers the sink rejecting a column that hasn't been added yet: flush the delta, retry once.
	KindSchemaMismatch
	// KindSetup covers a missing table or auth failure during SETUP: engine -> FAILED, facade stays up.
	KindSetup
	// KindFatal covers state-store save failure after max retries: engine -> FAILED, no LSN advancement.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindSchemaIncompatible:
		return "schema_incompatible"
	case KindSchemaMismatch:
		return "schema_mismatch"
	case KindSetup:
		return "setup"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and optional table/column detail.
type Error struct {
	Cause   error
	Table   string
	Column  string
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Table != "" {
		if e.Column != "" {
			return fmt.Sprintf("%s (%s.%s): %s", e.Kind, e.Table, e.Column, e.Message)
		}
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Table, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap builds an Error of the given kind around an existing cause.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Cause: cause, Message: msg}
}

// WithTable attaches table detail and returns the receiver for chaining.
func (e *Error) WithTable(table string) *Error {
	e.Table = table
	return e
}

// WithColumn attaches column detail and returns the receiver for chaining.
func (e *Error) WithColumn(column string) *Error {
	e.Column = column
	return e
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the engine should retry the operation that produced err.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindTransient || e.Kind == KindSchemaMismatch
	}
	return false
}

// Terminal reports whether the error should drive the engine into FAILED.
func Terminal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindProtocol, KindSchemaIncompatible, KindSetup, KindFatal:
			return true
		}
	}
	return false
}
