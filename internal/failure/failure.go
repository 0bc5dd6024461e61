package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the stable error tag handed to consumers of failure events.
type Kind string

const (
	KindTransient Kind = "transient-network"
	KindConfig    Kind = "permanent-config"
	KindParse     Kind = "parse"
	KindStorage   Kind = "storage"
	KindNotFound  Kind = "not-found"
)

// Retryable reports whether a later cycle may try again without any
// configuration change.
func (k Kind) Retryable() bool {
	return k != KindConfig
}

// Error is a classified job or storage failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and the operation that produced it.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient marks err as a network failure a later cycle may retry.
func Transient(op string, err error) *Error { return New(KindTransient, op, err) }

// Config marks err as needing a configuration change, such as a missing key.
func Config(op string, err error) *Error { return New(KindConfig, op, err) }

// Parse marks err as a malformed response.
func Parse(op string, err error) *Error { return New(KindParse, op, err) }

// Storage marks err as a store failure.
func Storage(op string, err error) *Error { return New(KindStorage, op, err) }

// KindOf classifies err. Deadlines and unclassified errors count as
// transient network failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// IsTimeout reports whether err came from a job deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
