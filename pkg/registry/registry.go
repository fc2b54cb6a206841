// Package registry implements worker registration and discovery: a
// Registry lets a Worker announce and keep renewing its presence in a
// group, a Discovery lets a Supervisor (or another Worker, for group
// broadcast) list the currently alive members of a group. Three
// implementations are provided: Redis (sorted set + TTL renewal + pub/sub),
// Consul (TTL health check + blocking query) and an in-process Memory
// variant for tests and single-process deployments.
package registry

import (
	"context"
	"time"

	"github.com/cuemby/chrono/pkg/types"
)

// Registry is how a Worker announces itself to its group and keeps that
// announcement alive.
type Registry interface {
	// Register announces endpoint as alive in its group, with ttl until
	// the next Renew is required to avoid expiry.
	Register(ctx context.Context, endpoint types.ServerEndpoint, ttl time.Duration) error
	// Renew refreshes endpoint's registration before its TTL lapses.
	Renew(ctx context.Context, endpoint types.ServerEndpoint, ttl time.Duration) error
	// Deregister removes endpoint from its group immediately, called on
	// graceful shutdown.
	Deregister(ctx context.Context, endpoint types.ServerEndpoint) error
	Close() error
}

// Discovery is how a Supervisor looks up the currently alive members of a
// worker group, and how it is notified when that set changes.
type Discovery interface {
	// Discover lists the currently alive endpoints in group.
	Discover(ctx context.Context, group string) ([]types.ServerEndpoint, error)
	// Watch returns a channel that receives the updated member list
	// whenever group's membership changes, until ctx is canceled.
	Watch(ctx context.Context, group string) (<-chan []types.ServerEndpoint, error)
	Close() error
}
