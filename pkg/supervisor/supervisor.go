// Package supervisor wires the Supervisor role's dependencies together:
// the relational store, a registry/discovery backend, the dispatcher,
// the transactional state machine, the Raft scanner lock, the three
// background scanners, the event broker and the REST API server. It is
// the Supervisor's composition root, grounded on the shape of the
// teacher's pkg/manager.Manager: one struct holding every long-lived
// dependency, built by a single constructor and torn down by a single
// Stop.
package supervisor

import (
	"context"
	"fmt"

	"github.com/hashicorp/consul/api"
	"github.com/redis/go-redis/v9"

	"github.com/cuemby/chrono/pkg/cluster"
	"github.com/cuemby/chrono/pkg/config"
	"github.com/cuemby/chrono/pkg/dispatch"
	"github.com/cuemby/chrono/pkg/events"
	"github.com/cuemby/chrono/pkg/httpapi"
	"github.com/cuemby/chrono/pkg/idgen"
	"github.com/cuemby/chrono/pkg/log"
	"github.com/cuemby/chrono/pkg/registry"
	"github.com/cuemby/chrono/pkg/rpc"
	"github.com/cuemby/chrono/pkg/scanner"
	"github.com/cuemby/chrono/pkg/security"
	"github.com/cuemby/chrono/pkg/statemachine"
	"github.com/cuemby/chrono/pkg/store"
	"github.com/cuemby/chrono/pkg/types"
)

// Supervisor holds every dependency the role needs for its lifetime.
type Supervisor struct {
	cfg      *config.Config
	store    *store.Store
	disc     registry.Discovery
	lock     *cluster.Lock
	machine  *statemachine.Machine
	dispatch *dispatch.Dispatcher
	broker   *events.Broker
	api      *httpapi.SupervisorServer

	triggering *scanner.TriggeringJobScanner
	waiting    *scanner.WaitingInstanceScanner
	running    *scanner.RunningInstanceScanner
}

// New builds a Supervisor from cfg, including opening the store and
// starting this node's Raft peer (bootstrapping or joining the cluster),
// but does not yet serve traffic or run the scanners; call Start for that.
func New(cfg *config.Config) (*Supervisor, error) {
	s, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}

	disc, err := newRegistry(cfg.Registry)
	if err != nil {
		return nil, err
	}

	self := types.ServerEndpoint{Host: hostOf(cfg.HTTPAddr), Port: portOf(cfg.HTTPAddr), Role: types.RoleSupervisor}
	nodeOrdinal := idgen.NewGenerator(int64(self.Port))

	authKey := security.DeriveKeyFromClusterID(cfg.ClusterID)
	destToWorker := rpc.NewDestination(rpc.DefaultConfig(), nil, "") // Supervisor -> Worker calls carry no auth

	disp := dispatch.New(disc, destToWorker, s, self.Key())
	machine := statemachine.New(s, disc, disp, nodeOrdinal)
	disp.Bind(machine)

	var lock *cluster.Lock
	clusterCfg := cluster.Config{NodeID: cfg.Cluster.NodeID, BindAddr: cfg.Cluster.BindAddr, DataDir: cfg.Cluster.DataDir}
	if cfg.Cluster.Bootstrap {
		lock, err = cluster.Bootstrap(clusterCfg)
	} else {
		lock, err = cluster.Join(clusterCfg, cfg.Cluster.JoinAddr)
	}
	if err != nil {
		return nil, err
	}

	broker := events.NewBroker()

	taskStore := store.NewTaskStore(s)
	groupStore := store.NewGroupStore(s)
	apiServer := httpapi.NewSupervisorServer(machine, taskStore, broker, groupStore, authKey)

	triggering := scanner.NewTriggeringJobScanner(machine.Jobs, machine)
	waiting := scanner.NewWaitingInstanceScanner(machine.Instances, machine)
	running := scanner.NewRunningInstanceScanner(machine.Instances, machine)
	if cfg.Scanner.TriggeringJobPeriod > 0 {
		triggering.Period = cfg.Scanner.TriggeringJobPeriod
	}
	if cfg.Scanner.WaitingInstancePeriod > 0 {
		waiting.Period = cfg.Scanner.WaitingInstancePeriod
	}
	if cfg.Scanner.RunningInstancePeriod > 0 {
		running.Period = cfg.Scanner.RunningInstancePeriod
	}

	return &Supervisor{
		cfg: cfg, store: s, disc: disc, lock: lock, machine: machine, dispatch: disp,
		broker: broker, api: apiServer,
		triggering: triggering, waiting: waiting, running: running,
	}, nil
}

// Start runs the event broker, all three scanners and the REST API server
// until ctx is canceled; it blocks on the HTTP server's own ListenAndServe.
func (s *Supervisor) Start(ctx context.Context) error {
	s.broker.Start()

	go s.triggering.Run(ctx, s.lock)
	go s.waiting.Run(ctx, s.lock)
	go s.running.Run(ctx, s.lock)

	log.Logger.Info().Str("addr", s.cfg.HTTPAddr).Msg("supervisor starting")
	return s.api.Start(s.cfg.HTTPAddr)
}

// Stop shuts down the HTTP server, event broker, registry connection and
// Raft peer, in roughly reverse dependency order.
func (s *Supervisor) Stop(ctx context.Context) error {
	if err := s.api.Stop(ctx); err != nil {
		return err
	}
	s.broker.Stop()
	if err := s.disc.Close(); err != nil {
		return err
	}
	return s.lock.Shutdown()
}

func newRegistry(cfg config.RegistryConfig) (registry.Discovery, error) {
	switch cfg.Backend {
	case "memory", "":
		return registry.NewMemory(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return registry.NewRedisRegistry(client), nil
	case "consul":
		client, err := api.NewClient(&api.Config{Address: cfg.ConsulAddr})
		if err != nil {
			return nil, fmt.Errorf("supervisor: consul client: %w", err)
		}
		return registry.NewConsulRegistry(client), nil
	default:
		return nil, fmt.Errorf("supervisor: unknown registry backend %q", cfg.Backend)
	}
}
