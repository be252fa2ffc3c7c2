package core

import "errors"

var (
	// ErrState is returned when an operation is attempted in the wrong pod state.
	ErrState = errors.New("invalid pod state")

	// ErrBusy is returned when another state change is already in progress.
	ErrBusy = errors.New("pod state change in progress")

	// ErrUnavailable is returned when a subsystem has stopped.
	ErrUnavailable = errors.New("service unavailable")
)
