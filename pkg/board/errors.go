package board

import "errors"

// PolicyError marks an operation that is rejected synchronously by policy,
// with no partial effect. The main case is trying to index an own message
// that was not published yet: the author should only see their message once
// it was fetched back, so that insertion problems become visible.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string {
	return "policy violation: " + e.Reason
}

// IsPolicy reports whether err is a PolicyError.
func IsPolicy(err error) bool {
	var pe *PolicyError
	return errors.As(err, &pe)
}
