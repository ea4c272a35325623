package types

import (
	"errors"
	"fmt"
)

var (
	// ErrLocationUnavailable means the device has no position capability at all.
	// Tracking cannot proceed.
	ErrLocationUnavailable = errors.New("location unavailable")
	// ErrLocationUpdate marks a transient reporting failure.
	ErrLocationUpdate = errors.New("location update failed")
	// ErrLocationTimeout is reported when no fix arrives within the watcher timeout.
	ErrLocationTimeout = fmt.Errorf("%w: timeout waiting for position", ErrLocationUpdate)
)

// RouteError is returned when a route cannot be obtained from the routing service.
type RouteError struct {
	Cause error
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("route fetch failed: %v", e.Cause)
}

func (e *RouteError) Unwrap() error { return e.Cause }

// NewRouteError wraps a formatted cause in a RouteError.
func NewRouteError(format string, args ...any) error {
	return &RouteError{Cause: fmt.Errorf(format, args...)}
}
