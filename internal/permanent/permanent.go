// Package permanent tags delivery errors that retries cannot fix.
package permanent

import "errors"

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Mark wraps error with non-retryable marker.
// Params: source error.
// Returns: wrapped error or nil.
func Mark(err error) error {
	if err == nil || Is(err) {
		return err
	}
	return &permanentError{err: err}
}

// Is reports whether error chain carries the non-retryable marker.
// Params: candidate error.
// Returns: true when marked.
func Is(err error) bool {
	var target *permanentError
	return errors.As(err, &target)
}
