package registry

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/chrono/pkg/events"
	"github.com/cuemby/chrono/pkg/types"
)

// Memory is an in-process Registry and Discovery, grounded on the same
// broker/subscriber fan-out shape used for the subscribeEvent API: every
// Register/Deregister publishes to a Broker, and Watch subscribes to
// it, filters by group, and re-snapshots the member table. It exists for
// single-process deployments and tests where a Redis or Consul cluster
// would be overkill.
type Memory struct {
	mu      sync.Mutex
	members map[string]map[string]entry // group -> endpoint key -> entry
	broker  *events.Broker
}

type entry struct {
	endpoint types.ServerEndpoint
	expires  time.Time
}

func NewMemory() *Memory {
	m := &Memory{
		members: make(map[string]map[string]entry),
		broker:  events.NewBroker(),
	}
	m.broker.Start()
	return m
}

func (m *Memory) Register(ctx context.Context, endpoint types.ServerEndpoint, ttl time.Duration) error {
	return m.upsert(endpoint, ttl, events.EventWorkerRegistered)
}

func (m *Memory) Renew(ctx context.Context, endpoint types.ServerEndpoint, ttl time.Duration) error {
	return m.upsert(endpoint, ttl, "")
}

func (m *Memory) upsert(endpoint types.ServerEndpoint, ttl time.Duration, notify events.EventType) error {
	m.mu.Lock()
	group := endpoint.Group
	if m.members[group] == nil {
		m.members[group] = make(map[string]entry)
	}
	m.members[group][endpoint.Key()] = entry{endpoint: endpoint, expires: time.Now().Add(ttl)}
	m.mu.Unlock()

	if notify != "" {
		m.broker.Publish(&events.Event{Type: notify, Group: group, Message: endpoint.Key()})
	}
	return nil
}

func (m *Memory) Deregister(ctx context.Context, endpoint types.ServerEndpoint) error {
	m.mu.Lock()
	if g, ok := m.members[endpoint.Group]; ok {
		delete(g, endpoint.Key())
	}
	m.mu.Unlock()
	m.broker.Publish(&events.Event{Type: events.EventWorkerDeregistered, Group: endpoint.Group, Message: endpoint.Key()})
	return nil
}

func (m *Memory) Close() error {
	m.broker.Stop()
	return nil
}

// Discover lists unexpired members of group.
func (m *Memory) Discover(ctx context.Context, group string) ([]types.ServerEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(group), nil
}

func (m *Memory) snapshot(group string) []types.ServerEndpoint {
	now := time.Now()
	var out []types.ServerEndpoint
	for _, e := range m.members[group] {
		if e.expires.After(now) {
			out = append(out, e.endpoint)
		}
	}
	return out
}

// Watch subscribes to the broker and pushes a fresh snapshot of group's
// membership on every REGISTER/DEREGISTER event, until ctx is canceled.
func (m *Memory) Watch(ctx context.Context, group string) (<-chan []types.ServerEndpoint, error) {
	sub := m.broker.Subscribe()
	out := make(chan []types.ServerEndpoint, 1)

	m.mu.Lock()
	out <- m.snapshot(group)
	m.mu.Unlock()

	go func() {
		defer m.broker.Unsubscribe(sub)
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if ev.Group != group {
					continue
				}
				m.mu.Lock()
				snap := m.snapshot(group)
				m.mu.Unlock()
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
