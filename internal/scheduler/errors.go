package scheduler

import "errors"

var (
	// ErrWorkNotFound is returned when no work is registered under a key
	ErrWorkNotFound = errors.New("work not found")

	// ErrNoWorker is returned when a firing has no worker registered for its kind
	ErrNoWorker = errors.New("no worker registered for work kind")

	// ErrInvalidSpec is returned when a work spec is missing a key or kind, or has a non-positive period
	ErrInvalidSpec = errors.New("invalid work spec")

	// ErrDispatcherClosed is returned when dispatching after the dispatcher was closed
	ErrDispatcherClosed = errors.New("dispatcher closed")
)
