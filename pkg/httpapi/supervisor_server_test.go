package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/chrono/pkg/security"
	"github.com/cuemby/chrono/pkg/store"
)

func newTestGroupStore(t *testing.T) *store.GroupStore {
	s, err := store.Open("sqlite3", "file:"+t.Name()+"?mode=memory&cache=shared&_txlock=immediate")
	require.NoError(t, err)
	t.Cleanup(func() { s.DB.Close() })
	return store.NewGroupStore(s)
}

func TestResolveKeyFallsBackWithoutProvisionedGroup(t *testing.T) {
	ss := &SupervisorServer{groups: newTestGroupStore(t), fallbackKey: security.DeriveKeyFromClusterID("cluster-wide")}

	key := ss.resolveKey(context.Background(), "never-provisioned")
	require.Equal(t, security.DeriveKeyFromClusterID("cluster-wide"), key)
}

func TestResolveKeyUsesProvisionedGroupToken(t *testing.T) {
	groups := newTestGroupStore(t)
	require.NoError(t, groups.Create(context.Background(), &store.Group{
		GroupName: "etl", SupervisorToken: "sup-tok", WorkerToken: "worker-tok",
	}))

	ss := &SupervisorServer{groups: groups, fallbackKey: security.DeriveKeyFromClusterID("cluster-wide")}

	key := ss.resolveKey(context.Background(), "etl")
	require.Equal(t, security.DeriveKeyFromClusterID("worker-tok"), key)
	require.NotEqual(t, security.DeriveKeyFromClusterID("cluster-wide"), key)
}

func TestAuthMiddlewareAcceptsMatchingGroupSignature(t *testing.T) {
	groups := newTestGroupStore(t)
	require.NoError(t, groups.Create(context.Background(), &store.Group{
		GroupName: "etl", SupervisorToken: "sup-tok", WorkerToken: "worker-tok",
	}))
	ss := &SupervisorServer{groups: groups, fallbackKey: security.DeriveKeyFromClusterID("cluster-wide")}

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodPost, "http://supervisor/supervisor/rpc/startTask", nil)
	require.NoError(t, security.SignRequest(req, security.DeriveKeyFromClusterID("worker-tok"), "etl"))

	rec := httptest.NewRecorder()
	ss.authMiddleware(next).ServeHTTP(rec, req)

	require.True(t, called)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddlewareRejectsStaleGroupToken(t *testing.T) {
	groups := newTestGroupStore(t)
	require.NoError(t, groups.Create(context.Background(), &store.Group{
		GroupName: "etl", SupervisorToken: "sup-tok", WorkerToken: "worker-tok",
	}))
	ss := &SupervisorServer{groups: groups, fallbackKey: security.DeriveKeyFromClusterID("cluster-wide")}

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodPost, "http://supervisor/supervisor/rpc/startTask", nil)
	require.NoError(t, security.SignRequest(req, security.DeriveKeyFromClusterID("wrong-token"), "etl"))

	rec := httptest.NewRecorder()
	ss.authMiddleware(next).ServeHTTP(rec, req)

	require.False(t, called)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
