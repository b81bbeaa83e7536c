package scheduler

import "errors"

var (
	ErrNotInitialized     = errors.New("scheduler not initialized")
	ErrAlreadyInitialized = errors.New("scheduler already initialized")
	ErrInit               = errors.New("scheduler init failed")
	ErrThreadsUnavailable = errors.New("threaded backend unavailable")
	ErrNilJob             = errors.New("job is nil or has no step function")
	ErrAlreadySubmitted   = errors.New("job already submitted")
	ErrStepPanic          = errors.New("job step panicked")
)
