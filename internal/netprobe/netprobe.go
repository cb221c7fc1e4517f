// Package netprobe answers small network diagnostics questions: is a TCP
// endpoint reachable, and which local ports are already taken.
package netprobe

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// ProbeResult reports one connectivity attempt.
type ProbeResult struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Reachable bool          `json:"reachable"`
	Elapsed   time.Duration `json:"elapsed"`
	Error     string        `json:"error,omitempty"`
}

// ValidationError marks a probe request rejected before any dial happened.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

const (
	minTimeout = 100 * time.Millisecond
	maxTimeout = 30 * time.Second
)

func validate(host string, port int, timeout time.Duration) error {
	if host == "" {
		return &ValidationError{Field: "host", Reason: "must not be empty"}
	}
	if port < 1 || port > 65535 {
		return &ValidationError{Field: "port", Reason: "must be in 1..65535"}
	}
	if timeout < minTimeout || timeout > maxTimeout {
		return &ValidationError{Field: "timeout", Reason: fmt.Sprintf("must be in %s..%s", minTimeout, maxTimeout)}
	}
	return nil
}

// TestTCP dials host:port and reports whether the endpoint accepted within
// the timeout. Validation failures return an error; a refused or timed-out
// dial is a successful probe with Reachable=false.
func TestTCP(ctx context.Context, host string, port int, timeout time.Duration) (ProbeResult, error) {
	if err := validate(host, port, timeout); err != nil {
		return ProbeResult{}, err
	}
	res := ProbeResult{Host: host, Port: port}
	d := net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	res.Elapsed = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res, nil
	}
	_ = conn.Close()
	res.Reachable = true
	return res, nil
}

// PortUse describes one listening TCP port and its owner, when known.
type PortUse struct {
	Port    int    `json:"port"`
	Address string `json:"address"`
	PID     int32  `json:"pid,omitempty"`
}

// UsedPorts enumerates local TCP listening ports, deduplicated and sorted by
// port number.
func UsedPorts(ctx context.Context) ([]PortUse, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	seen := make(map[int]PortUse)
	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		port := int(c.Laddr.Port)
		if _, ok := seen[port]; ok {
			continue
		}
		seen[port] = PortUse{Port: port, Address: c.Laddr.IP, PID: c.Pid}
	}
	out := make([]PortUse, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out, nil
}
