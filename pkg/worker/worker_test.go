package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/chrono/pkg/registry"
)

func TestNewWorkerRequiresRegistry(t *testing.T) {
	_, err := NewWorker(&Config{})
	require.Error(t, err)
}

func TestStartRegistersAndStopDeregisters(t *testing.T) {
	reg := registry.NewMemory()
	w, err := NewWorker(&Config{
		NodeHost: "127.0.0.1", NodePort: 19001, Group: "default",
		SupervisorHost: "127.0.0.1", SupervisorPort: 19002,
		ClusterID: "test-cluster", Registry: reg, RegistrationTTL: 50 * time.Millisecond,
		PoolSize: 1,
	})
	require.NoError(t, err)

	go func() { _ = w.Start("127.0.0.1:0") }()
	// give the registration call time to land before we assert against it.
	time.Sleep(20 * time.Millisecond)

	members, err := reg.Discover(context.Background(), "default")
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "127.0.0.1:19001", members[0].Key())

	require.NoError(t, w.Stop(context.Background()))

	members, err = reg.Discover(context.Background(), "default")
	require.NoError(t, err)
	require.Empty(t, members)
}
