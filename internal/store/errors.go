package store

import (
	"fmt"

	"github.com/pkg/errors"
)

// ValidationError reports a payload that violates an entity kind's schema.
// It is the caller's fault and is never retryable.
type ValidationError struct {
	Kind Kind
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %v", e.Kind, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// UnsupportedIndexError reports a query against a logical key or relation
// that the kind's schema never declared. It is a programming error, not a
// data condition, and is never retryable.
type UnsupportedIndexError struct {
	Kind Kind
	Key  string
}

func (e *UnsupportedIndexError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("kind %s is not registered", e.Kind)
	}
	return fmt.Sprintf("kind %s has no index slot or relation for %q", e.Kind, e.Key)
}

// TransientStoreError wraps an infrastructure failure. Callers may retry
// with backoff; the store itself never retries.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsUnsupportedIndex reports whether err is an UnsupportedIndexError.
func IsUnsupportedIndex(err error) bool {
	var ue *UnsupportedIndexError
	return errors.As(err, &ue)
}

// IsTransient reports whether err is a TransientStoreError.
func IsTransient(err error) bool {
	var te *TransientStoreError
	return errors.As(err, &te)
}

// transient classifies a database error as retryable infrastructure
// failure. Record-not-found is handled before this point, so anything
// the driver reports here is treated as an infrastructure hiccup.
func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientStoreError{Op: op, Err: err}
}
