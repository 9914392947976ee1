package client

import (
	"errors"
	"fmt"
)

// TransientError covers failures worth retrying: transport errors, timeouts,
// 5xx responses and rate limiting. StatusCode is 0 for transport-level
// failures.
type TransientError struct {
	Message    string
	StatusCode int
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient backend error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("transient network error: %s", e.Message)
}

// RejectedError covers validation failures the server will never accept.
// Retrying is pointless; the record goes terminal until the operator acts.
type RejectedError struct {
	Reason     string
	StatusCode int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("delivery rejected (status %d): %s", e.StatusCode, e.Reason)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejected reports whether err is a terminal validation rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
