package dispatch

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"

	"github.com/cuemby/chrono/pkg/types"
)

// router resolves one worker out of a group's discovered members
// according to a job's RouteStrategy. It is safe for concurrent use: the
// round-robin cursor and the LRU timestamps are shared across every
// dispatch call for the process's lifetime.
type router struct {
	mu       sync.Mutex
	cursor   map[string]uint64 // group -> next round-robin offset
	lastUsed map[string]int64  // endpoint key -> last dispatch, unix nanos
	localKey string            // this process's own endpoint key, for LOCAL_PRIORITY
}

func newRouter(localKey string) *router {
	return &router{
		cursor:   make(map[string]uint64),
		lastUsed: make(map[string]int64),
		localKey: localKey,
	}
}

// choose picks one of workers (the group's currently discovered members)
// per strategy. workers must be non-empty.
func (r *router) choose(group string, strategy types.RouteStrategy, workers []types.ServerEndpoint) types.ServerEndpoint {
	switch strategy {
	case types.RouteRandom:
		return workers[randIndex(len(workers))]
	case types.RouteLRU:
		return r.chooseLRU(workers)
	case types.RouteConsistentHash:
		return r.chooseConsistentHash(group, workers)
	case types.RouteLocalPriority:
		for _, w := range workers {
			if w.Key() == r.localKey {
				return w
			}
		}
		return r.chooseRoundRobin(group, workers)
	default: // RouteRoundRobin and anything unrecognized default to round robin
		return r.chooseRoundRobin(group, workers)
	}
}

func (r *router) chooseRoundRobin(group string, workers []types.ServerEndpoint) types.ServerEndpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.cursor[group] % uint64(len(workers))
	r.cursor[group] = r.cursor[group] + 1
	return workers[i]
}

// chooseLRU returns the worker this router last dispatched to longest ago
// (or never), then records the choice as just-used.
func (r *router) chooseLRU(workers []types.ServerEndpoint) types.ServerEndpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	best := workers[0]
	bestTime := r.lastUsed[best.Key()]
	for _, w := range workers[1:] {
		if t := r.lastUsed[w.Key()]; t < bestTime {
			best, bestTime = w, t
		}
	}
	r.lastUsed[best.Key()] = time.Now().UnixNano()
	return best
}

// chooseConsistentHash builds a rendezvous-hashing ring over the group's
// currently discovered members, keyed by group name so the same task
// class tends to land on the same worker across dispatches even as the
// member set changes at the edges.
func (r *router) chooseConsistentHash(group string, workers []types.ServerEndpoint) types.ServerEndpoint {
	nodes := make([]string, len(workers))
	byKey := make(map[string]types.ServerEndpoint, len(workers))
	for i, w := range workers {
		nodes[i] = w.Key()
		byKey[w.Key()] = w
	}
	ring := rendezvous.New(nodes, xxhash.Sum64String)
	return byKey[ring.Lookup(group)]
}

func randIndex(n int) int {
	if n <= 1 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}
