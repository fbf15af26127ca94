package core

import "errors"

var (
	// ErrQuotaExceeded is returned by Enqueue when the submitter already has
	// the maximum number of experiments queued or running.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrNotFound is returned when no experiment exists for the given id.
	ErrNotFound = errors.New("experiment not found")

	// ErrInvalidState is returned when an operation is applied to an
	// experiment whose current status does not permit it.
	ErrInvalidState = errors.New("invalid state")
)
