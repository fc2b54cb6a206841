package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/chrono/pkg/config"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"

	configFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "chronoctl",
	Short:   "chronoctl is the Chrono operator CLI",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("chronoctl %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file")
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect Chrono configuration",
}

func init() {
	configCmd.AddCommand(configDumpCmd)
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the resolved configuration (defaults + file + env) as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("chronoctl: marshal config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}
