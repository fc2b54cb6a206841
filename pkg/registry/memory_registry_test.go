package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/chrono/pkg/types"
)

func TestMemoryRegisterAndDiscover(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	ep := types.ServerEndpoint{Host: "10.0.0.1", Port: 8080, Role: types.RoleWorker, Group: "g1"}
	require.NoError(t, m.Register(ctx, ep, time.Minute))

	found, err := m.Discover(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, ep.Key(), found[0].Key())
}

func TestMemoryDiscoverExcludesExpired(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	ep := types.ServerEndpoint{Host: "10.0.0.1", Port: 8080, Role: types.RoleWorker, Group: "g1"}
	require.NoError(t, m.Register(ctx, ep, -time.Second)) // already expired

	found, err := m.Discover(ctx, "g1")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestMemoryWatchReceivesUpdateOnRegister(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := m.Watch(ctx, "g1")
	require.NoError(t, err)

	initial := <-ch
	assert.Empty(t, initial)

	ep := types.ServerEndpoint{Host: "10.0.0.1", Port: 8080, Role: types.RoleWorker, Group: "g1"}
	require.NoError(t, m.Register(ctx, ep, time.Minute))

	select {
	case snap := <-ch:
		require.Len(t, snap, 1)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watch update")
	}
}

func TestMemoryDeregisterRemovesMember(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	ep := types.ServerEndpoint{Host: "10.0.0.1", Port: 8080, Role: types.RoleWorker, Group: "g1"}
	require.NoError(t, m.Register(ctx, ep, time.Minute))
	require.NoError(t, m.Deregister(ctx, ep))

	found, err := m.Discover(ctx, "g1")
	require.NoError(t, err)
	assert.Empty(t, found)
}
