package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/chrono/pkg/config"
	"github.com/cuemby/chrono/pkg/store"
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage worker group auth tokens",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <group-name>",
	Short: "Provision a new group's supervisor/worker HMAC tokens",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		s, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return err
		}
		defer s.DB.Close()

		g := &store.Group{
			GroupName:       args[0],
			SupervisorToken: uuid.NewString(),
			WorkerToken:     uuid.NewString(),
		}
		if err := store.NewGroupStore(s).Create(context.Background(), g); err != nil {
			return fmt.Errorf("chronoctl: create group: %w", err)
		}

		fmt.Printf("group: %s\nworker_token (put this in the group's worker config.yaml): %s\n", g.GroupName, g.WorkerToken)
		return nil
	},
}

var groupGetCmd = &cobra.Command{
	Use:   "get <group-name>",
	Short: "Print a group's provisioned tokens",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		s, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return err
		}
		defer s.DB.Close()

		g, err := store.NewGroupStore(s).Get(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("chronoctl: get group: %w", err)
		}
		fmt.Printf("group: %s\nsupervisor_token: %s\nworker_token: %s\n", g.GroupName, g.SupervisorToken, g.WorkerToken)
		return nil
	},
}

func init() {
	groupCmd.AddCommand(groupCreateCmd, groupGetCmd)
	rootCmd.AddCommand(groupCmd)
}
