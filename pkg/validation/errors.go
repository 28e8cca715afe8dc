package validation

import "fmt"

// Error is a typed validation failure. Messages failing validation are
// dropped with a logged reason; validation never aborts a transaction
// because none is open yet at validation time.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func errf(field, format string, args ...any) *Error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}
