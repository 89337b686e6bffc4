// Package admission bounds connection attempts per network origin within a
// fixed window. It runs before any per-connection resource is allocated and
// knows nothing about authentication.
package admission

import (
	"context"
	"errors"
	"time"
)

// ErrRejected is returned when an origin exceeded its attempt ceiling
var ErrRejected = errors.New("too many connection attempts from origin")

// Decision is the outcome of one admission check
type Decision struct {
	Allowed bool
	Count   int           // attempts counted in the current window, this one included
	ResetIn time.Duration // time until the window restarts
}

// Controller counts connection attempts per origin
type Controller interface {
	// Admit records one attempt for origin and reports whether it may proceed.
	Admit(ctx context.Context, origin string) (Decision, error)

	// Close releases backend resources.
	Close() error
}
