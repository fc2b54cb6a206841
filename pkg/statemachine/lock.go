package statemachine

import (
	"hash/fnv"
	"strconv"
	"sync"
)

// internLock is the in-process half of an instance's two-level guard: a
// sharded table of *sync.Mutex keyed by lockKey(wnstanceId ?? instanceId),
// hash-interned so the same key always resolves to the same lock object.
// It exists to keep lock-wait storms out of the database: goroutines that
// would otherwise all block inside a SELECT ... FOR UPDATE instead queue
// here first.
type internLock struct {
	shards []shard
}

type shard struct {
	mu    sync.Mutex
	locks map[string]*refCountedMutex
}

type refCountedMutex struct {
	mu   sync.Mutex
	refs int
}

const defaultShardCount = 256

func newInternLock() *internLock {
	shards := make([]shard, defaultShardCount)
	for i := range shards {
		shards[i].locks = make(map[string]*refCountedMutex)
	}
	return &internLock{shards: shards}
}

func (il *internLock) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &il.shards[h.Sum32()%uint32(len(il.shards))]
}

// Lock acquires the process-local lock for key and returns an unlock
// function that releases it and, once no other goroutine references the
// entry, evicts it from the shard so the table doesn't grow unbounded
// across the process's lifetime.
func (il *internLock) Lock(key string) func() {
	sh := il.shardFor(key)

	sh.mu.Lock()
	rm, ok := sh.locks[key]
	if !ok {
		rm = &refCountedMutex{}
		sh.locks[key] = rm
	}
	rm.refs++
	sh.mu.Unlock()

	rm.mu.Lock()

	return func() {
		rm.mu.Unlock()
		sh.mu.Lock()
		rm.refs--
		if rm.refs == 0 {
			delete(sh.locks, key)
		}
		sh.mu.Unlock()
	}
}

// lockKey is wnstanceId if the instance is a workflow node, else
// instanceId, formatted so the same value always maps to the same string.
func lockKey(instanceID, wnstanceID int64) string {
	if wnstanceID != 0 {
		return "w:" + strconv.FormatInt(wnstanceID, 10)
	}
	return "i:" + strconv.FormatInt(instanceID, 10)
}
