package xgate

import (
	"errors"
	"fmt"
)

var (
	ErrBusClosed                   = errors.New("xgate: bus is closed")
	ErrInvalidEventType            = errors.New("xgate: event type must not be empty")
	ErrInvalidSubscription         = errors.New("xgate: invalid subscription")
	ErrCoordinatorClosed           = errors.New("xgate: coordinator is closed")
	ErrObserverPoolShutdownTimeout = errors.New("xgate: observer pool shutdown timeout")
	ErrStopTimeout                 = errors.New("xgate: stop timed out with dispatches in flight")
	ErrHandlerPanic                = errors.New("xgate: handler panic")

	ErrResourceNotFound   = errors.New("xgate: resource not found")
	ErrMissingCredentials = errors.New("xgate: resource has no credentials")
	ErrNoSession          = errors.New("xgate: no session for resource")
)

// ErrUnknownAdapter is returned when no factory is registered under a name.
type ErrUnknownAdapter struct {
	kind string
	name string
}

func (e ErrUnknownAdapter) Error() string {
	return fmt.Sprintf("xgate: unknown %s adapter: %s", e.kind, e.name)
}

// AuthError reports a rejected gateway login.
type AuthError struct {
	ResourceKey string
	Err         error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("xgate: authentication failed for %s: %v", e.ResourceKey, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }
