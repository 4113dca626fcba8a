package domain

import "errors"

var (
	ErrUnknownPipeline        = errors.New("unknown pipeline")
	ErrAlreadyQueuedOrRunning = errors.New("run already queued or running")
	ErrInvalidTransition      = errors.New("invalid run transition")
	ErrNotFound               = errors.New("run not found")
	ErrQueueFull              = errors.New("run queue is full")
	ErrRunNotAllowedToStart   = errors.New("run not allowed to start until previous project runs have ended")
	ErrRunFinished            = errors.New("run already finished")
)

// ErrRunNotSucceeded is returned by queries that only make sense for succeeded runs.
var ErrRunNotSucceeded = errors.New("run has not succeeded")

// ErrRunLost is returned to a worker whose run was failed with WorkerLost by someone else.
var ErrRunLost = errors.New("run no longer held by its worker")
