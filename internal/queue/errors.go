// Notify - Asynchronous Per-User Notification Delivery
// Copyright 2026 Vlad G. (vladgthb)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vladgthb/notification

package queue

import "errors"

// RetryableError marks a failure as transient. The worker retries these
// up to the job's attempt ceiling before dead-lettering.
type RetryableError struct {
	Message string
	Cause   error
}

// NewRetryableError wraps a transient failure (store unavailable,
// connection loss) so retry handling can distinguish it.
func NewRetryableError(message string, cause error) *RetryableError {
	return &RetryableError{Message: message, Cause: cause}
}

func (e *RetryableError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *RetryableError) Unwrap() error { return e.Cause }

// PermanentError marks a failure that retrying cannot fix (malformed
// payload, validation). These skip retries and go straight to the dead
// subject.
type PermanentError struct {
	Message string
	Cause   error
}

// NewPermanentError wraps an unrecoverable failure.
func NewPermanentError(message string, cause error) *PermanentError {
	return &PermanentError{Message: message, Cause: cause}
}

func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *PermanentError) Unwrap() error { return e.Cause }

// IsPermanent reports whether err is a PermanentError anywhere in its chain.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// IsRetryable reports whether err is a RetryableError anywhere in its chain.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
