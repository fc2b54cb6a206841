// Package cluster bootstraps a hashicorp/raft peer group across the
// Supervisor fleet purely to elect a leader: Chrono keeps no application
// data in the Raft log (instances and tasks live in the relational
// store), so the FSM applies nothing and the only thing a caller reads
// off the cluster is whether this process currently holds leadership.
// That leadership is the cluster-wide lock the three scanners gate on.
package cluster

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/chrono/pkg/log"
	"github.com/cuemby/chrono/pkg/metrics"
)

// nullFSM applies nothing; it exists because raft.NewRaft requires an
// raft.FSM even when the log carries no application commands.
type nullFSM struct{}

func (nullFSM) Apply(*raft.Log) interface{}          { return nil }
func (nullFSM) Snapshot() (raft.FSMSnapshot, error)  { return nullSnapshot{}, nil }
func (nullFSM) Restore(rc io.ReadCloser) error        { return rc.Close() }

type nullSnapshot struct{}

func (nullSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (nullSnapshot) Release()                             {}

// Lock wraps a *raft.Raft handle to expose the single bit the scanners
// need: does this process currently hold the cluster lock.
type Lock struct {
	raft *raft.Raft
}

// Config configures one Raft peer.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Bootstrap starts a single-node Raft cluster seeded with just this node;
// Join (below) is used to add the remaining Supervisors once they are
// reachable.
func Bootstrap(cfg Config) (*Lock, error) {
	r, transport, err := newRaft(cfg)
	if err != nil {
		return nil, err
	}

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(cfg.NodeID), Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("cluster: bootstrap: %w", err)
	}
	return newLock(r), nil
}

// Join starts this node's Raft instance without bootstrapping a cluster.
// It does not contact leaderAddr; the node takes part in elections only
// once an existing member adds it to the Raft configuration.
func Join(cfg Config, leaderAddr string) (*Lock, error) {
	r, _, err := newRaft(cfg)
	if err != nil {
		return nil, err
	}
	return newLock(r), nil
}

func newRaft(cfg Config) (*raft.Raft, *raft.NetworkTransport, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("cluster: data dir: %w", err)
	}

	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(cfg.NodeID)
	conf.HeartbeatTimeout = 500 * time.Millisecond
	conf.ElectionTimeout = 500 * time.Millisecond
	conf.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: stable store: %w", err)
	}

	r, err := raft.NewRaft(conf, nullFSM{}, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: new raft: %w", err)
	}
	return r, transport, nil
}

func newLock(r *raft.Raft) *Lock {
	l := &Lock{raft: r}
	go l.watchLeadership()
	return l
}

func (l *Lock) watchLeadership() {
	for isLeader := range l.raft.LeaderCh() {
		if isLeader {
			metrics.RaftLeader.Set(1)
			log.Logger.Info().Msg("acquired cluster scanner lock")
		} else {
			metrics.RaftLeader.Set(0)
			log.Logger.Info().Msg("lost cluster scanner lock")
		}
	}
}

// IsLeader reports whether this process currently holds the cluster
// lock. A scanner sweep proceeds only when this is true.
func (l *Lock) IsLeader() bool {
	return l.raft.State() == raft.Leader
}

// AddVoter admits a new Supervisor into the Raft peer set; called by the
// current leader when a new Supervisor joins the cluster.
func (l *Lock) AddVoter(nodeID, addr string) error {
	return l.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second).Error()
}

// Shutdown gracefully leaves the Raft cluster.
func (l *Lock) Shutdown() error {
	return l.raft.Shutdown().Error()
}
