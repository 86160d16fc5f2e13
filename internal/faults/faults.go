// Package faults defines the error taxonomy shared by the memory subsystem,
// the response loop and the HTTP boundary.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure by how callers must react to it.
type Kind string

const (
	// Storage means the store was unreachable or a write failed. Fatal to the turn.
	Storage Kind = "storage"
	// ServiceTimeout means a model, embedding or tool call exceeded its deadline.
	ServiceTimeout Kind = "service_timeout"
	// Service means a model or embedding service returned an error.
	Service Kind = "service"
	// ToolNotFound means the model asked for a tool that is not registered.
	ToolNotFound Kind = "tool_not_found"
	// ToolExecution means a tool failed while running.
	ToolExecution Kind = "tool_execution"
	// PartialWrite means a message was stored without its embedding.
	PartialWrite Kind = "partial_write"
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the outermost *Error in err's chain, or "" when
// err carries no classification.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FromService classifies an error returned by an external service call.
// Deadline expiry becomes ServiceTimeout, everything else Service. Errors
// that are already classified pass through unchanged.
func FromService(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(ServiceTimeout, op, err)
	}
	return New(Service, op, err)
}

// StorageErr wraps err as a Storage failure. nil stays nil.
func StorageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return New(Storage, op, err)
}
