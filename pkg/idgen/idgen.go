// Package idgen generates the int64 identifiers used for jobs, instances
// and tasks: a Twitter-snowflake-style layout of millisecond timestamp,
// node id and per-millisecond sequence, so ids sort roughly by creation
// time and never collide across Supervisor replicas without needing a
// central counter. No third-party id-generation library appears anywhere
// in the corpus; this stays on the standard library deliberately.
package idgen

import (
	"sync"
	"time"
)

const (
	nodeBits     = 10
	sequenceBits = 12
	maxSequence  = 1<<sequenceBits - 1
	nodeShift    = sequenceBits
	timeShift    = sequenceBits + nodeBits
	epochMillis  = 1700000000000 // 2023-11-14, arbitrary recent epoch to keep ids smaller
)

// Generator issues monotonically-increasing int64 ids scoped to one node.
type Generator struct {
	mu       sync.Mutex
	nodeID   int64
	lastMs   int64
	sequence int64
}

// NewGenerator builds a Generator for nodeID, which must be unique among
// concurrently running Supervisors (derived from the process's registered
// ServerEndpoint, typically).
func NewGenerator(nodeID int64) *Generator {
	return &Generator{nodeID: nodeID & (1<<nodeBits - 1)}
}

// Next returns the next id, blocking briefly (sub-millisecond) if the
// current millisecond's sequence space is exhausted.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	if now == g.lastMs {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for now <= g.lastMs {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = now

	return (now-epochMillis)<<timeShift | g.nodeID<<nodeShift | g.sequence
}
