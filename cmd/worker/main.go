package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cuemby/chrono/pkg/config"
	"github.com/cuemby/chrono/pkg/log"
	"github.com/cuemby/chrono/pkg/registry"
	"github.com/cuemby/chrono/pkg/timingwheel"
	"github.com/cuemby/chrono/pkg/worker"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"

	configFile string
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "chrono-worker",
	Short:   "Chrono worker - executes dispatched tasks",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("chrono-worker %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
}

func run(cmd *cobra.Command, args []string) error {
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: true})

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	reg, err := newRegistry(cfg.Registry)
	if err != nil {
		return err
	}

	nodeHost, nodePort, err := splitHostPort(cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("worker: http_addr: %w", err)
	}
	supervisorHost, supervisorPort, err := splitHostPort(cfg.Supervisor)
	if err != nil {
		return fmt.Errorf("worker: supervisor_addr: %w", err)
	}

	w, err := worker.NewWorker(&worker.Config{
		NodeHost: nodeHost, NodePort: nodePort, Group: cfg.Group,
		SupervisorHost: supervisorHost, SupervisorPort: supervisorPort,
		ClusterID: cfg.ClusterID, GroupToken: cfg.GroupToken, Registry: reg,
		RegistrationTTL: cfg.Registry.SessionTTL,
		PoolSize:        8,
		Wheel:           timingwheel.Config{TickMs: 100, RingSize: 600},
	})
	if err != nil {
		return fmt.Errorf("worker: init: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(cfg.HTTPAddr) }()

	select {
	case <-ctx.Done():
		log.Logger.Info().Msg("shutting down")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		return w.Stop(stopCtx)
	case err := <-errCh:
		return err
	}
}

func newRegistry(cfg config.RegistryConfig) (registry.Registry, error) {
	switch cfg.Backend {
	case "memory", "":
		return registry.NewMemory(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return registry.NewRedisRegistry(client), nil
	case "consul":
		client, err := api.NewClient(&api.Config{Address: cfg.ConsulAddr})
		if err != nil {
			return nil, fmt.Errorf("worker: consul client: %w", err)
		}
		return registry.NewConsulRegistry(client), nil
	default:
		return nil, fmt.Errorf("worker: unknown registry backend %q", cfg.Backend)
	}
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		host = "127.0.0.1"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
