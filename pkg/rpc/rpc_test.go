package rpc

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/chrono/pkg/registry"
	"github.com/cuemby/chrono/pkg/security"
	"github.com/cuemby/chrono/pkg/types"
)

func TestDestinationInvokeSignsWorkerRequests(t *testing.T) {
	key := security.DeriveKeyFromClusterID("test")
	var sawAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := security.VerifyRequest(r, key); err == nil {
			sawAuth = true
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	host, portStr := splitHostPort(t, srv.URL)
	endpoint := types.ServerEndpoint{Host: host, Port: portStr, Role: types.RoleSupervisor}

	d := NewDestination(DefaultConfig(), key, "worker-group-a")
	var out map[string]bool
	err := d.Invoke(context.Background(), endpoint, "/x", nil, &out)
	require.NoError(t, err)
	assert.True(t, sawAuth)
	assert.True(t, out["ok"])
}

func TestDiscoveryInvokeFailsOverToNextMember(t *testing.T) {
	var attempts int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer good.Close()

	badHost, badPort := splitHostPort(t, bad.URL)
	goodHost, goodPort := splitHostPort(t, good.URL)

	disc := registry.NewMemory()
	defer disc.Close()
	ctx := context.Background()
	_ = disc.Register(ctx, types.ServerEndpoint{Host: badHost, Port: badPort, Role: types.RoleSupervisor, Group: "g1"}, time.Minute)
	_ = disc.Register(ctx, types.ServerEndpoint{Host: goodHost, Port: goodPort, Role: types.RoleSupervisor, Group: "g1"}, time.Minute)

	key := security.DeriveKeyFromClusterID("test")
	cfg := DefaultConfig()
	cfg.MaxRetries = 0 // don't retry the 400 itself, just fail over to the next member
	d := NewDiscovery(cfg, disc, key, "worker-group-a")

	var out map[string]bool
	err := d.Invoke(ctx, "g1", "/x", nil, &out)
	require.NoError(t, err)
	assert.True(t, out["ok"])
}

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}
