package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/chrono/pkg/types"
)

func endpoints(n int) []types.ServerEndpoint {
	out := make([]types.ServerEndpoint, n)
	for i := range out {
		out[i] = types.ServerEndpoint{Host: "10.0.0.1", Port: 9000 + i, Role: types.RoleWorker, Group: "g1"}
	}
	return out
}

func TestRoundRobinCyclesThroughWorkers(t *testing.T) {
	r := newRouter("")
	ws := endpoints(3)
	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		seen[r.chooseRoundRobin("g1", ws).Key()]++
	}
	require.Len(t, seen, 3)
	for _, c := range seen {
		require.Equal(t, 2, c)
	}
}

func TestLRUPrefersLeastRecentlyUsed(t *testing.T) {
	r := newRouter("")
	ws := endpoints(3)

	first := r.chooseLRU(ws)
	second := r.chooseLRU(ws)
	require.NotEqual(t, first.Key(), second.Key())
}

func TestConsistentHashStableForSameGroup(t *testing.T) {
	r := newRouter("")
	ws := endpoints(4)

	a := r.chooseConsistentHash("g1", ws)
	b := r.chooseConsistentHash("g1", ws)
	require.Equal(t, a.Key(), b.Key())
}

func TestLocalPriorityPrefersLocalWorker(t *testing.T) {
	ws := endpoints(3)
	r := newRouter(ws[1].Key())
	chosen := r.choose("g1", types.RouteLocalPriority, ws)
	require.Equal(t, ws[1].Key(), chosen.Key())
}

func TestLocalPriorityFallsBackWhenNotColocated(t *testing.T) {
	ws := endpoints(3)
	r := newRouter("not-in-the-group:1")
	chosen := r.choose("g1", types.RouteLocalPriority, ws)
	require.Contains(t, []string{ws[0].Key(), ws[1].Key(), ws[2].Key()}, chosen.Key())
}
