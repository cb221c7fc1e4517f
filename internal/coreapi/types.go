package coreapi

import "time"

// JSON shapes of the worker's control API. The wire format is the worker's
// fixed external contract and is mirrored here, not owned here.

// Hello is the body served at the API root; Hello identifies the worker.
type Hello struct {
	Hello string `json:"hello"`
}

// Version is the body of GET /version.
type Version struct {
	Version string `json:"version"`
	Meta    bool   `json:"meta,omitempty"`
}

// Traffic is one sample from the /traffic stream (bytes per second).
type Traffic struct {
	Up   int64 `json:"up"`
	Down int64 `json:"down"`
}

// Memory is one sample from the /memory stream.
type Memory struct {
	InUse   int64 `json:"inuse"`
	OSLimit int64 `json:"oslimit"`
}

// LogEntry is one line from the /logs stream.
type LogEntry struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// Proxy describes one proxy or group from GET /proxies.
type Proxy struct {
	Name    string         `json:"name"`
	Type    string         `json:"type"`
	Now     string         `json:"now,omitempty"`
	All     []string       `json:"all,omitempty"`
	UDP     bool           `json:"udp,omitempty"`
	History []DelaySample  `json:"history,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// DelaySample is one latency measurement in a proxy's history.
type DelaySample struct {
	Time  time.Time `json:"time"`
	Delay int       `json:"delay"`
}

// Rule is one routing rule from GET /rules.
type Rule struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
	Proxy   string `json:"proxy"`
	Size    int    `json:"size,omitempty"`
}

// Provider is one proxy or rule provider.
type Provider struct {
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	VehicleType string    `json:"vehicleType"`
	Behavior    string    `json:"behavior,omitempty"`
	Proxies     []Proxy   `json:"proxies,omitempty"`
	RuleCount   int       `json:"ruleCount,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// ConnectionMeta describes the endpoints and classification of a connection.
type ConnectionMeta struct {
	Network         string `json:"network"`
	Type            string `json:"type"`
	SourceIP        string `json:"sourceIP"`
	DestinationIP   string `json:"destinationIP"`
	SourcePort      string `json:"sourcePort"`
	DestinationPort string `json:"destinationPort"`
	Host            string `json:"host"`
	DNSMode         string `json:"dnsMode"`
	ProcessPath     string `json:"processPath"`
}

// Connection is one live connection from GET /connections.
type Connection struct {
	ID          string         `json:"id"`
	Metadata    ConnectionMeta `json:"metadata"`
	Upload      int64          `json:"upload"`
	Download    int64          `json:"download"`
	Start       time.Time      `json:"start"`
	Chains      []string       `json:"chains"`
	Rule        string         `json:"rule"`
	RulePayload string         `json:"rulePayload"`
}

// Connections is the full body of GET /connections.
type Connections struct {
	DownloadTotal int64        `json:"downloadTotal"`
	UploadTotal   int64        `json:"uploadTotal"`
	Connections   []Connection `json:"connections"`
	Memory        int64        `json:"memory,omitempty"`
}

// RuntimeConfig is the worker's effective runtime configuration
// (GET /configs). The worker accepts sparse PATCH bodies of the same shape.
type RuntimeConfig struct {
	Port        int            `json:"port"`
	SocksPort   int            `json:"socks-port"`
	MixedPort   int            `json:"mixed-port"`
	RedirPort   int            `json:"redir-port"`
	TProxyPort  int            `json:"tproxy-port"`
	AllowLan    bool           `json:"allow-lan"`
	BindAddress string         `json:"bind-address,omitempty"`
	Mode        string         `json:"mode"`
	LogLevel    string         `json:"log-level"`
	IPv6        bool           `json:"ipv6"`
	Tun         map[string]any `json:"tun,omitempty"`
}

// GroupDelay maps member proxy name to measured latency in milliseconds
// (PUT /group/{name}/delay).
type GroupDelay map[string]int

// DNSAnswer is one record from GET /dns/query.
type DNSAnswer struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	TTL  int    `json:"TTL"`
	Data string `json:"data"`
}

// DNSResult is the body of GET /dns/query.
type DNSResult struct {
	Status   int         `json:"status"`
	Question []DNSAnswer `json:"question,omitempty"`
	Answer   []DNSAnswer `json:"answer,omitempty"`
}
