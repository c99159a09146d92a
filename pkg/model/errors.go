package model

import "errors"

// TransientError marks a backend failure worth retrying: timeouts, connection
// resets, rate-limit signals. Adapters wrap such failures so the invoker can
// classify them without importing provider SDKs.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "model: transient failure"
	}
	return "model: transient failure: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// MarkTransient wraps err so IsTransient reports true for it.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err carries a transient marker anywhere in its
// chain.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
