package worker

import (
	"errors"

	stratconerrors "github.com/c360/stratcon/errors"
)

var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrNilProcessor       = errors.New("processor function cannot be nil")
	ErrStopTimeout        = errors.New("timeout waiting for workers to stop")

	// ErrQueueFull is returned by Submit when the queue is at capacity. It
	// is the shared sentinel so errors.IsTransient recognizes it.
	ErrQueueFull = stratconerrors.ErrQueueFull
)
