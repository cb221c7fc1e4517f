// Package proxyward supervises a separately-distributed proxy worker process
// and mirrors its control API for embedding applications. The facade
// re-exports the supervisor, state mirror, streaming client and configuration
// types; everything else stays internal.
package proxyward

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/proxyward/internal/config"
	"github.com/loykin/proxyward/internal/coreapi"
	"github.com/loykin/proxyward/internal/history"
	"github.com/loykin/proxyward/internal/metrics"
	"github.com/loykin/proxyward/internal/mirror"
	"github.com/loykin/proxyward/internal/netmon"
	"github.com/loykin/proxyward/internal/netprobe"
	"github.com/loykin/proxyward/internal/secrets"
	"github.com/loykin/proxyward/internal/stream"
	"github.com/loykin/proxyward/internal/supervisor"
)

// Re-export core types for external consumers. These are aliases so
// conversions are zero-cost.

// Supervisor lifecycle.
type (
	Supervisor       = supervisor.Supervisor
	SupervisorConfig = supervisor.Config
	WorkerHandle     = supervisor.WorkerHandle
	WorkerStatus     = supervisor.Status
	ProcessError     = supervisor.ProcessError
)

// NewSupervisor builds a worker supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor { return supervisor.New(cfg) }

// Control API client.
type (
	APIClient       = coreapi.Client
	APIClientConfig = coreapi.Config
	APIError        = coreapi.APIError
)

// NewAPIClient builds a client for the worker's control API.
func NewAPIClient(cfg APIClientConfig) *APIClient { return coreapi.New(cfg) }

// State mirror.
type (
	Mirror       = mirror.Mirror
	MirrorConfig = mirror.Config
	Snapshot     = mirror.Snapshot
	TrafficPoint = mirror.TrafficPoint
)

// NewMirror builds a reactive mirror of the worker's state.
func NewMirror(cfg MirrorConfig) *Mirror { return mirror.New(cfg) }

// Streaming.
type (
	StreamClient    = stream.Client
	StreamEvent     = stream.Event
	ReconnectPolicy = stream.Policy
)

// DefaultReconnectPolicy returns the standard backoff schedule: 2s doubling
// to a 60s ceiling.
func DefaultReconnectPolicy() ReconnectPolicy { return stream.DefaultPolicy() }

// Secrets and remote instances.
type (
	SecretStore    = secrets.Store
	RemoteInstance = secrets.RemoteInstance
	Registry       = secrets.Registry
)

// NewFileSecretStore builds a file-backed secret store under dir.
func NewFileSecretStore(dir string) (SecretStore, error) { return secrets.NewFileStore(dir) }

// NewInstanceRegistry loads the remote-instance records at path, keeping
// their secrets in store.
func NewInstanceRegistry(path string, store SecretStore) (*Registry, error) {
	return secrets.NewRegistry(path, store)
}

// History.
type (
	HistorySink  = history.Sink
	HistoryEvent = history.Event
)

// NewSQLiteHistory opens (creating if needed) a sqlite lifecycle event store.
func NewSQLiteHistory(path string) (HistorySink, error) { return history.NewSQLite(path) }

// Network monitoring.
type (
	NetworkMonitor       = netmon.Monitor
	NetworkMonitorConfig = netmon.Config
	NetworkChange        = netmon.Change
)

// NewNetworkMonitor builds an interface-change poller; register listeners
// before calling Start.
func NewNetworkMonitor(cfg NetworkMonitorConfig) *NetworkMonitor { return netmon.New(cfg) }

// Diagnostics.
type ProbeResult = netprobe.ProbeResult

// TestTCP reports whether host:port accepts a TCP connection within timeout.
var TestTCP = netprobe.TestTCP

// Daemon configuration.
type DaemonConfig = config.FileConfig

// LoadConfig reads and validates a daemon TOML config file.
func LoadConfig(path string) (*DaemonConfig, error) { return config.Load(path) }

// RegisterMetrics registers the package's Prometheus collectors.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
