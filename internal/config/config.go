// Package config loads the daemon's TOML configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/proxyward/internal/logger"
	"github.com/loykin/proxyward/internal/stream"
)

// WorkerConfig locates the worker binary and its working directory.
type WorkerConfig struct {
	Name            string        `toml:"name" mapstructure:"name"`
	Executable      string        `toml:"executable" mapstructure:"executable"`
	ConfigDir       string        `toml:"config_dir" mapstructure:"config_dir"`
	ConfigFile      string        `toml:"config_file" mapstructure:"config_file"`
	ControlEndpoint string        `toml:"control_endpoint" mapstructure:"control_endpoint"`
	SettleDelay     time.Duration `toml:"settle_delay" mapstructure:"settle_delay"`
	StopTimeout     time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	TailLines       int           `toml:"tail_lines" mapstructure:"tail_lines"`
	AutoStart       bool          `toml:"autostart" mapstructure:"autostart"`
}

// IPCConfig describes the control-channel socket and its admission policy.
type IPCConfig struct {
	Socket         string        `toml:"socket" mapstructure:"socket"`
	AllowedCallers []string      `toml:"allowed_callers" mapstructure:"allowed_callers"`
	IdleExit       bool          `toml:"idle_exit" mapstructure:"idle_exit"`
	IdleDelay      time.Duration `toml:"idle_delay" mapstructure:"idle_delay"`
}

// MirrorConfig tunes the state-mirror refresh cadence.
type MirrorConfig struct {
	ConnectionsPoll time.Duration `toml:"connections_poll" mapstructure:"connections_poll"`
	FullRefresh     time.Duration `toml:"full_refresh" mapstructure:"full_refresh"`
}

// HistoryConfig enables the lifecycle event store.
type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Path    string `toml:"path" mapstructure:"path"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// SecretsConfig locates the secret store and remote-instance records.
type SecretsConfig struct {
	Dir           string `toml:"dir" mapstructure:"dir"`
	InstancesFile string `toml:"instances_file" mapstructure:"instances_file"`
}

// FileConfig is the top-level TOML structure.
type FileConfig struct {
	Worker    WorkerConfig   `toml:"worker" mapstructure:"worker"`
	IPC       IPCConfig      `toml:"ipc" mapstructure:"ipc"`
	Reconnect stream.Policy  `toml:"reconnect" mapstructure:"reconnect"`
	Mirror    MirrorConfig   `toml:"mirror" mapstructure:"mirror"`
	History   HistoryConfig  `toml:"history" mapstructure:"history"`
	Metrics   MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
	Secrets   SecretsConfig  `toml:"secrets" mapstructure:"secrets"`
	Log       *logger.Config `toml:"log" mapstructure:"log"`
}

// Load reads and validates a daemon config, filling defaults for everything
// the file leaves out.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	fc := defaults()
	if err := v.Unmarshal(fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := fc.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return fc, nil
}

func defaults() *FileConfig {
	return &FileConfig{
		Worker: WorkerConfig{
			Name:            "worker",
			ControlEndpoint: "127.0.0.1:9090",
			SettleDelay:     time.Second,
			StopTimeout:     5 * time.Second,
			TailLines:       100,
		},
		IPC: IPCConfig{
			IdleDelay: 30 * time.Second,
		},
		Reconnect: stream.DefaultPolicy(),
		Mirror: MirrorConfig{
			ConnectionsPoll: time.Second,
			FullRefresh:     time.Minute,
		},
		Metrics: MetricsConfig{Listen: "127.0.0.1:9091"},
	}
}

func (fc *FileConfig) validate() error {
	if fc.Worker.Executable == "" {
		return fmt.Errorf("worker.executable is required")
	}
	if fc.Worker.ConfigDir == "" {
		return fmt.Errorf("worker.config_dir is required")
	}
	if fc.IPC.Socket == "" {
		return fmt.Errorf("ipc.socket is required")
	}
	if fc.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be >= 1, got %v", fc.Reconnect.Multiplier)
	}
	if fc.Reconnect.InitialDelay <= 0 || fc.Reconnect.MaxDelay < fc.Reconnect.InitialDelay {
		return fmt.Errorf("reconnect delays must satisfy 0 < initial_delay <= max_delay")
	}
	if fc.History.Enabled && fc.History.Path == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}
	return nil
}
