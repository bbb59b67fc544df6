package resilience

import "errors"

// permanentError marks an error that retrying against another provider cannot
// fix (policy denial, invalid request, stale conversation handled elsewhere).
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so a [FallbackGroup] stops walking and a
// [CircuitBreaker] does not count it as a provider failure. A nil err returns
// nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked with
// [Permanent].
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
