package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is the expected miss condition for lookups. Callers treat it
// as control flow (e.g. "thread not yet available"), not as a failure.
var ErrNotFound = errors.New("not found")

// ErrDuplicate indicates more than one record where a unique-per-key
// invariant should hold. It means the index is corrupt; the enclosing
// transaction is rolled back and the error surfaces to the caller.
var ErrDuplicate = errors.New("duplicate record")

// IntegrityError indicates a transaction was composed out of order: an
// entity was stored while referencing a mandatory entity that is not
// durable, or a caller supplied mismatching identifiers. It is a programming
// error, never retried.
type IntegrityError struct {
	Key    string
	Reason string
}

func (e *IntegrityError) Error() string {
	if e.Key == "" {
		return "integrity violation: " + e.Reason
	}
	return fmt.Sprintf("integrity violation at %s: %s", e.Key, e.Reason)
}

// Integrityf builds an IntegrityError for a key.
func Integrityf(key, format string, args ...any) error {
	return &IntegrityError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

// IsIntegrity reports whether err is an IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
