// Package worker runs background workers on private goroutines and keeps the
// registry of which workers are alive, at most one per resource and kind.
package worker

import (
	"context"
	"errors"
)

// Worker is a unit of background execution.
//
// Process is the long-running body. It must return promptly once ctx is
// cancelled; ctx is the cooperative stop flag. Cleanup runs exactly once after
// Process returns or panics.
type Worker interface {
	Name() string
	Process(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// Preparer is implemented by workers that need synchronous setup before
// their goroutine starts, such as binding a listener. A Prepare error
// aborts Start.
type Preparer interface {
	Prepare(ctx context.Context) error
}

var (
	ErrRegistryNotRunning = errors.New("worker: registry is not running")
	ErrRegistryStarted    = errors.New("worker: registry already started")
	ErrAlreadyStarted     = errors.New("worker: runner already started")
	ErrRunnerStopped      = errors.New("worker: runner was stopped before start")
	ErrMainKind           = errors.New("worker: main workers are registered through Init")
	ErrEmptyResourceKey   = errors.New("worker: resource key must not be empty")
)
