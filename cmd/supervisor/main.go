package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/chrono/pkg/config"
	"github.com/cuemby/chrono/pkg/log"
	"github.com/cuemby/chrono/pkg/supervisor"
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
	Use:     "chrono-supervisor",
	Short:   "Chrono supervisor - schedules and dispatches jobs to workers",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("chrono-supervisor %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
}

func run(cmd *cobra.Command, args []string) error {
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: true})

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if cfg.Cluster.NodeID == "" {
		cfg.Cluster.NodeID = uuid.NewString()
		log.Logger.Info().Str("nodeId", cfg.Cluster.NodeID).Msg("no cluster.node_id configured, generated one")
	}

	s, err := supervisor.New(cfg)
	if err != nil {
		return fmt.Errorf("supervisor: init: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	select {
	case <-ctx.Done():
		log.Logger.Info().Msg("shutting down")
		return s.Stop(context.Background())
	case err := <-errCh:
		return err
	}
}
