package coreapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// AcceptedHellos are the worker identities the handshake recognizes.
var AcceptedHellos = []string{"clash", "mihomo", "clash.meta"}

// APIError is a non-2xx reply from the control API, carrying the worker's
// message verbatim so it can be shown to a user unchanged.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("control API returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("control API returned HTTP %d: %s", e.Status, e.Message)
}

// Client is a typed HTTP client for the worker's control API. Base URL and
// secret are swappable at runtime (switching between the local worker and a
// remote instance); changes take effect on the next call, not on calls
// already in flight.
type Client struct {
	mu      sync.RWMutex
	baseURL string
	secret  string
	http    *http.Client
	logger  *slog.Logger
}

// Config holds client construction options.
type Config struct {
	BaseURL string
	Secret  string
	Timeout time.Duration
	Logger  *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:9090"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		secret:  cfg.Secret,
		logger:  cfg.Logger,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// SetEndpoint swaps the base URL and secret for subsequent calls.
func (c *Client) SetEndpoint(baseURL, secret string) {
	c.mu.Lock()
	c.baseURL = baseURL
	c.secret = secret
	c.mu.Unlock()
}

// Endpoint returns the current base URL and secret.
func (c *Client) Endpoint() (string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL, c.secret
}

// Handshake performs the one-shot authenticated GET against the API root and
// verifies the hello identity is one of AcceptedHellos.
func (c *Client) Handshake(ctx context.Context) error {
	var h Hello
	if err := c.do(ctx, http.MethodGet, "/", nil, &h); err != nil {
		return err
	}
	for _, want := range AcceptedHellos {
		if h.Hello == want {
			return nil
		}
	}
	return fmt.Errorf("unexpected worker identity %q", h.Hello)
}

func (c *Client) Version(ctx context.Context) (Version, error) {
	var v Version
	err := c.do(ctx, http.MethodGet, "/version", nil, &v)
	return v, err
}

// --- proxies and groups ---

func (c *Client) Proxies(ctx context.Context) (map[string]Proxy, error) {
	var body struct {
		Proxies map[string]Proxy `json:"proxies"`
	}
	err := c.do(ctx, http.MethodGet, "/proxies", nil, &body)
	return body.Proxies, err
}

func (c *Client) Groups(ctx context.Context) ([]Proxy, error) {
	var body struct {
		Proxies []Proxy `json:"proxies"`
	}
	err := c.do(ctx, http.MethodGet, "/group", nil, &body)
	return body.Proxies, err
}

// SelectProxy changes the active member of a selector group.
func (c *Client) SelectProxy(ctx context.Context, group, name string) error {
	payload := map[string]string{"name": name}
	return c.do(ctx, http.MethodPut, "/proxies/"+url.PathEscape(group), payload, nil)
}

// ProxyDelay measures one proxy's latency against testURL.
func (c *Client) ProxyDelay(ctx context.Context, name, testURL string, timeout time.Duration) (int, error) {
	var body struct {
		Delay int `json:"delay"`
	}
	p := "/proxies/" + url.PathEscape(name) + "/delay?" + delayQuery(testURL, timeout)
	err := c.do(ctx, http.MethodGet, p, nil, &body)
	return body.Delay, err
}

// GroupDelay tests every member of a group.
func (c *Client) GroupDelay(ctx context.Context, group, testURL string, timeout time.Duration) (GroupDelay, error) {
	var gd GroupDelay
	p := "/group/" + url.PathEscape(group) + "/delay?" + delayQuery(testURL, timeout)
	err := c.do(ctx, http.MethodGet, p, nil, &gd)
	return gd, err
}

func delayQuery(testURL string, timeout time.Duration) string {
	q := url.Values{}
	q.Set("url", testURL)
	q.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	return q.Encode()
}

// --- rules and providers ---

func (c *Client) Rules(ctx context.Context) ([]Rule, error) {
	var body struct {
		Rules []Rule `json:"rules"`
	}
	err := c.do(ctx, http.MethodGet, "/rules", nil, &body)
	return body.Rules, err
}

func (c *Client) ProxyProviders(ctx context.Context) (map[string]Provider, error) {
	var body struct {
		Providers map[string]Provider `json:"providers"`
	}
	err := c.do(ctx, http.MethodGet, "/providers/proxies", nil, &body)
	return body.Providers, err
}

func (c *Client) RuleProviders(ctx context.Context) (map[string]Provider, error) {
	var body struct {
		Providers map[string]Provider `json:"providers"`
	}
	err := c.do(ctx, http.MethodGet, "/providers/rules", nil, &body)
	return body.Providers, err
}

func (c *Client) UpdateProxyProvider(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPut, "/providers/proxies/"+url.PathEscape(name), nil, nil)
}

func (c *Client) UpdateRuleProvider(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPut, "/providers/rules/"+url.PathEscape(name), nil, nil)
}

func (c *Client) HealthcheckProvider(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodGet, "/providers/proxies/"+url.PathEscape(name)+"/healthcheck", nil, nil)
}

// --- configs ---

func (c *Client) GetConfig(ctx context.Context) (RuntimeConfig, error) {
	var cfg RuntimeConfig
	err := c.do(ctx, http.MethodGet, "/configs", nil, &cfg)
	return cfg, err
}

// ReloadConfig asks the worker to reload from path. force skips the safety
// diff the worker otherwise performs.
func (c *Client) ReloadConfig(ctx context.Context, path string, force bool) error {
	p := "/configs"
	if force {
		p += "?force=true"
	}
	return c.do(ctx, http.MethodPut, p, map[string]string{"path": path}, nil)
}

// PatchConfig applies a sparse runtime-config change.
func (c *Client) PatchConfig(ctx context.Context, patch map[string]any) error {
	return c.do(ctx, http.MethodPatch, "/configs", patch, nil)
}

func (c *Client) UpdateGeoDatabases(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/configs/geo", nil, nil)
}

// --- connections ---

func (c *Client) Connections(ctx context.Context) (Connections, error) {
	var conns Connections
	err := c.do(ctx, http.MethodGet, "/connections", nil, &conns)
	return conns, err
}

func (c *Client) CloseAllConnections(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/connections", nil, nil)
}

func (c *Client) CloseConnection(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/connections/"+url.PathEscape(id), nil, nil)
}

// --- dns and caches ---

func (c *Client) QueryDNS(ctx context.Context, name, qtype string) (DNSResult, error) {
	var res DNSResult
	q := url.Values{}
	q.Set("name", name)
	if qtype != "" {
		q.Set("type", qtype)
	}
	err := c.do(ctx, http.MethodGet, "/dns/query?"+q.Encode(), nil, &res)
	return res, err
}

func (c *Client) FlushFakeIPCache(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/cache/fakeip/flush", nil, nil)
}

func (c *Client) FlushDNSCache(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/cache/dns/flush", nil, nil)
}

// --- maintenance ---

func (c *Client) GC(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "/debug/gc", nil, nil)
}

func (c *Client) Restart(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/restart", nil, nil)
}

func (c *Client) UpgradeCore(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/upgrade", nil, nil)
}

func (c *Client) UpgradeUI(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/upgrade/ui", nil, nil)
}

func (c *Client) UpgradeGeo(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/upgrade/geo", nil, nil)
}

// do performs one request against the control API. The endpoint is captured
// once at call start so a concurrent SetEndpoint never splits a call across
// two instances.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	base, secret := c.Endpoint()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("control API request failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("control API request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var msg struct {
			Message string `json:"message"`
		}
		if json.NewDecoder(resp.Body).Decode(&msg) == nil {
			apiErr.Message = msg.Message
		}
		c.logger.Debug("control API error", "method", method, "path", path, "status", resp.StatusCode)
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
