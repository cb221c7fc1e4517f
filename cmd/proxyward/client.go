package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/loykin/proxyward/internal/dnsctl"
	"github.com/loykin/proxyward/internal/netprobe"
	"github.com/loykin/proxyward/internal/supervisor"
	"github.com/loykin/proxyward/internal/sysproxy"
)

// Client talks to the daemon's control socket.
type Client struct {
	http *http.Client
}

func NewClient(socketPath string) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 35 * time.Second,
		},
	}
}

func (c *Client) call(method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, "http://proxyward"+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var fail struct {
			Error   string `json:"error"`
			Message string `json:"message"`
			Op      string `json:"op"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&fail); err != nil {
			return fmt.Errorf("daemon returned %s", resp.Status)
		}
		if fail.Message != "" {
			return fmt.Errorf("%s: %s", fail.Op, fail.Message)
		}
		return fmt.Errorf("%s", fail.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Version() (string, error) {
	var body struct {
		Version string `json:"version"`
	}
	err := c.call(http.MethodGet, "/version", nil, &body)
	return body.Version, err
}

type workerStartReq struct {
	Executable string `json:"executable"`
	ConfigDir  string `json:"config_dir"`
	Config     string `json:"config"`
}

func (c *Client) StartWorker(executable, configDir, config string) (string, error) {
	var resp struct {
		Message string `json:"message"`
	}
	err := c.call(http.MethodPost, "/worker/start", workerStartReq{
		Executable: executable, ConfigDir: configDir, Config: config,
	}, &resp)
	return resp.Message, err
}

func (c *Client) StopWorker() error {
	return c.call(http.MethodPost, "/worker/stop", nil, nil)
}

func (c *Client) RestartWorker() (string, error) {
	var resp struct {
		Message string `json:"message"`
	}
	err := c.call(http.MethodPost, "/worker/restart", nil, &resp)
	return resp.Message, err
}

func (c *Client) WorkerStatus() (supervisor.Status, error) {
	var st supervisor.Status
	err := c.call(http.MethodGet, "/worker/status", nil, &st)
	return st, err
}

func (c *Client) SysproxyEnable(s sysproxy.Settings) error {
	return c.call(http.MethodPost, "/sysproxy/enable", s, nil)
}

func (c *Client) SysproxyDisable() error {
	return c.call(http.MethodPost, "/sysproxy/disable", nil, nil)
}

func (c *Client) SysproxyStatus() (sysproxy.Status, error) {
	var st sysproxy.Status
	err := c.call(http.MethodGet, "/sysproxy/status", nil, &st)
	return st, err
}

func (c *Client) DNSConfigure(servers []string) error {
	return c.call(http.MethodPost, "/dns/configure", map[string][]string{"servers": servers}, nil)
}

func (c *Client) DNSRevert() error {
	return c.call(http.MethodPost, "/dns/revert", nil, nil)
}

func (c *Client) DNSFlush() error {
	return c.call(http.MethodPost, "/dns/flush", nil, nil)
}

func (c *Client) DNSStatus() (dnsctl.Status, error) {
	var st dnsctl.Status
	err := c.call(http.MethodGet, "/dns/status", nil, &st)
	return st, err
}

type tunReq struct {
	Enable bool   `json:"enable"`
	Stack  string `json:"stack,omitempty"`
	Device string `json:"device,omitempty"`
}

func (c *Client) UpdateTun(enable bool, stack, device string) error {
	return c.call(http.MethodPost, "/worker/tun", tunReq{Enable: enable, Stack: stack, Device: device}, nil)
}

func (c *Client) Probe(host string, port int, timeout time.Duration) (netprobe.ProbeResult, error) {
	var res netprobe.ProbeResult
	err := c.call(http.MethodPost, "/net/probe", map[string]any{
		"host": host, "port": port, "timeout_ms": int(timeout / time.Millisecond),
	}, &res)
	return res, err
}

func (c *Client) UsedPorts() ([]netprobe.PortUse, error) {
	var body struct {
		Ports []netprobe.PortUse `json:"ports"`
	}
	err := c.call(http.MethodGet, "/net/ports", nil, &body)
	return body.Ports, err
}
