// Package config loads a Supervisor or Worker's settings from a YAML
// file with environment variable overrides, grounded on the viper usage
// shown across the example pack: one viper.Viper per process, defaults
// set before the file is read, env vars bound with an automatic prefix
// so container deployments never need a file at all.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StoreConfig configures the relational backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // sqlite3, postgres
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// RegistryConfig selects and configures the Registry/Discovery backend.
type RegistryConfig struct {
	Backend    string        `mapstructure:"backend" yaml:"backend"` // memory, redis, consul
	RedisAddr  string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	ConsulAddr string        `mapstructure:"consul_addr" yaml:"consul_addr"`
	SessionTTL time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
}

// ClusterConfig configures this process's Raft peer (Supervisors only).
type ClusterConfig struct {
	NodeID    string `mapstructure:"node_id" yaml:"node_id"`
	BindAddr  string `mapstructure:"bind_addr" yaml:"bind_addr"`
	DataDir   string `mapstructure:"data_dir" yaml:"data_dir"`
	Bootstrap bool   `mapstructure:"bootstrap" yaml:"bootstrap"`
	JoinAddr  string `mapstructure:"join_addr" yaml:"join_addr"`
}

// ScannerConfig overrides a scanner's default period; zero keeps the
// package default.
type ScannerConfig struct {
	TriggeringJobPeriod   time.Duration `mapstructure:"triggering_job_period" yaml:"triggering_job_period"`
	WaitingInstancePeriod time.Duration `mapstructure:"waiting_instance_period" yaml:"waiting_instance_period"`
	RunningInstancePeriod time.Duration `mapstructure:"running_instance_period" yaml:"running_instance_period"`
}

// Config is the top-level settings struct for both node types; a Worker
// process does not use Cluster or Scanner.
type Config struct {
	Role       string         `mapstructure:"role" yaml:"role"` // supervisor, worker
	Group      string         `mapstructure:"group" yaml:"group"`
	HTTPAddr   string         `mapstructure:"http_addr" yaml:"http_addr"`
	ClusterID  string         `mapstructure:"cluster_id" yaml:"cluster_id"`    // fallback worker-auth HMAC key source
	GroupToken string         `mapstructure:"group_token" yaml:"group_token"` // Workers only: this group's worker_token, from "chronoctl group create"
	Store      StoreConfig    `mapstructure:"store" yaml:"store"`
	Registry   RegistryConfig `mapstructure:"registry" yaml:"registry"`
	Cluster    ClusterConfig  `mapstructure:"cluster" yaml:"cluster"`
	Scanner    ScannerConfig  `mapstructure:"scanner" yaml:"scanner"`
	Supervisor string         `mapstructure:"supervisor_addr" yaml:"supervisor_addr"` // Workers only: home Supervisor host:port
}

// Load reads path (if non-empty and present) over a set of defaults, then
// applies CHRONO_-prefixed environment variable overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHRONO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("role", "supervisor")
	v.SetDefault("group", "default")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.dsn", "file:chrono.db?_txlock=immediate")
	v.SetDefault("registry.backend", "memory")
	v.SetDefault("registry.session_ttl", 30*time.Second)
	v.SetDefault("cluster.bind_addr", "127.0.0.1:7946")
	v.SetDefault("cluster.data_dir", "./data/raft")
	v.SetDefault("cluster.bootstrap", true)
	v.SetDefault("scanner.triggering_job_period", 3*time.Second)
	v.SetDefault("scanner.waiting_instance_period", 15*time.Second)
	v.SetDefault("scanner.running_instance_period", 30*time.Second)
}
