package vm

import (
	"context"

	"github.com/jbweber/grove/internal/pool"
)

// sessionPool defines the session operations the adapter needs.
//
// In production, this is satisfied by *pool.Pool.
type sessionPool interface {
	// Acquire checks out an exclusive session to host
	Acquire(ctx context.Context, host string) (*pool.Session, error)

	// Release returns a session, discarding it when healthy is false
	Release(s *pool.Session, healthy bool)
}

// executor defines the retry operations the adapter needs.
//
// In production, this is satisfied by *retry.Executor.
type executor interface {
	// Execute runs fn under the retry policy, labelled by name
	Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error
}
