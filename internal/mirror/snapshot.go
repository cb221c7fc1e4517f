package mirror

import (
	"time"

	"github.com/loykin/proxyward/internal/coreapi"
)

// Capacity of the bounded histories kept in every snapshot.
const (
	TrafficHistoryCap = 120
	LogHistoryCap     = 1000
)

// TrafficPoint is one timestamped traffic sample.
type TrafficPoint struct {
	At   time.Time `json:"at"`
	Up   int64     `json:"up"`
	Down int64     `json:"down"`
}

// Snapshot is an immutable aggregate of the worker's last-known state. It is
// replaced wholesale on every update; consumers never observe a partial
// mutation.
type Snapshot struct {
	Connected      bool
	Version        coreapi.Version
	Traffic        []TrafficPoint
	Memory         coreapi.Memory
	Logs           []coreapi.LogEntry
	Connections    coreapi.Connections
	Proxies        map[string]coreapi.Proxy
	Groups         []coreapi.Proxy
	Rules          []coreapi.Rule
	ProxyProviders map[string]coreapi.Provider
	RuleProviders  map[string]coreapi.Provider
	Config         coreapi.RuntimeConfig
	UpdatedAt      time.Time
}
