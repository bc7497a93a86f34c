package scheduler

import "errors"

var (
	// ErrDuplicateID is returned when a job id is registered twice.
	ErrDuplicateID = errors.New("scheduler: duplicate job id")
	// ErrInvalidTrigger is returned when a trigger fails validation.
	ErrInvalidTrigger = errors.New("scheduler: invalid trigger")
	// ErrRegistryFrozen is returned when Register is called after Start.
	ErrRegistryFrozen = errors.New("scheduler: registry frozen, dispatcher already started")
	// ErrNotConfiguring is returned by Start when the dispatcher left the
	// configuring state already.
	ErrNotConfiguring = errors.New("scheduler: dispatcher already started")
	// ErrNotRunning is returned by Stop when there is nothing to stop.
	ErrNotRunning = errors.New("scheduler: dispatcher not running")
)
