package mirror

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loykin/proxyward/internal/coreapi"
	"github.com/loykin/proxyward/internal/metrics"
	"github.com/loykin/proxyward/internal/stream"
)

// Config holds mirror construction options.
type Config struct {
	API             *coreapi.Client
	Reconnect       stream.Policy
	ConnectionsPoll time.Duration
	FullRefresh     time.Duration
	Logger          *slog.Logger
}

// Mirror is the single reactive source of truth for what the worker is
// currently doing. It polls and streams the control API, keeps the latest
// Snapshot, and fans state replacements out to subscribers.
type Mirror struct {
	api    *coreapi.Client
	policy stream.Policy
	logger *slog.Logger

	connPoll    time.Duration
	fullRefresh time.Duration

	// newStream is swapped in tests.
	newStream func(url string, header http.Header) *stream.Client

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	streams []*stream.Client

	traffic     *ring[TrafficPoint]
	logs        *ring[coreapi.LogEntry]
	lastTraffic *coreapi.Traffic
	lastMemory  *coreapi.Memory
	snap        Snapshot

	cell *cell
}

func New(cfg Config) *Mirror {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectionsPoll == 0 {
		cfg.ConnectionsPoll = time.Second
	}
	if cfg.FullRefresh == 0 {
		cfg.FullRefresh = time.Minute
	}
	m := &Mirror{
		api:         cfg.API,
		policy:      cfg.Reconnect,
		logger:      cfg.Logger,
		connPoll:    cfg.ConnectionsPoll,
		fullRefresh: cfg.FullRefresh,
		traffic:     newRing[TrafficPoint](TrafficHistoryCap),
		logs:        newRing[coreapi.LogEntry](LogHistoryCap),
		cell:        newCell(),
	}
	m.newStream = func(url string, header http.Header) *stream.Client {
		return stream.New(url, header, m.policy, m.logger)
	}
	return m
}

// Subscribe returns the current snapshot plus a stream of replacements, and
// a cancel function releasing the subscription.
func (m *Mirror) Subscribe() (<-chan Snapshot, func()) { return m.cell.subscribe() }

// Current returns the latest snapshot.
func (m *Mirror) Current() Snapshot { return m.cell.get() }

// IsConnected reports whether the mirror is actively following the worker.
func (m *Mirror) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// SetEndpoint swaps the control API base URL and secret (local worker vs a
// remote instance). It affects subsequent calls; streams pick the new
// endpoint up on their next (re)connect cycle.
func (m *Mirror) SetEndpoint(baseURL, secret string) {
	m.api.SetEndpoint(baseURL, secret)
}

// Connect starts all feeds and timers. It is idempotent: a connected mirror
// ignores further calls.
func (m *Mirror) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	base, secret := m.api.Endpoint()
	header := http.Header{}
	if secret != "" {
		header.Set("Authorization", "Bearer "+secret)
	}
	wsBase := "ws" + strings.TrimPrefix(base, "http")

	trafficStream := m.newStream(wsBase+"/traffic", header)
	memoryStream := m.newStream(wsBase+"/memory", header)
	logStream := m.newStream(wsBase+"/logs", header)
	m.streams = []*stream.Client{trafficStream, memoryStream, logStream}
	m.mu.Unlock()

	m.consume(trafficStream, "traffic", m.applyTrafficPayload)
	m.consume(memoryStream, "memory", m.applyMemoryPayload)
	m.consume(logStream, "logs", m.applyLogPayload)
	trafficStream.Connect()
	memoryStream.Connect()
	logStream.Connect()

	m.wg.Add(2)
	go m.pollLoop(ctx, m.connPoll, m.refreshConnections)
	go m.pollLoop(ctx, m.fullRefresh, m.refreshAll)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if v, err := m.api.Version(ctx); err == nil {
			m.update(func(s *Snapshot) { s.Version = v })
		}
		m.refreshAll(ctx)
	}()

	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	m.update(func(s *Snapshot) { s.Connected = true })
}

// Disconnect tears down all streams and timers unconditionally. Safe to call
// repeatedly; in-flight HTTP calls complete and their results are discarded.
func (m *Mirror) Disconnect() {
	m.mu.Lock()
	cancel := m.cancel
	streams := m.streams
	m.cancel = nil
	m.streams = nil
	m.running = false
	m.traffic.clear()
	m.logs.clear()
	m.lastTraffic = nil
	m.lastMemory = nil
	m.snap = Snapshot{}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, s := range streams {
		s.Disconnect(websocket.CloseNormalClosure)
	}
	m.wg.Wait()
	m.cell.set(Snapshot{})
}

func (m *Mirror) consume(s *stream.Client, feed string, apply func([]byte)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for ev := range s.Events() {
			switch ev.Kind {
			case stream.EventText, stream.EventBinary:
				apply(ev.Data)
			case stream.EventDisconnected:
				metrics.IncStreamReconnect(feed)
				m.logger.Debug("feed disconnected", "feed", feed, "reason", ev.Reason)
			case stream.EventError:
				m.logger.Debug("feed error", "feed", feed, "error", ev.Err)
			}
		}
	}()
}

func (m *Mirror) pollLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer m.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(ctx)
		}
	}
}

// --- stream payload handlers ---

func (m *Mirror) applyTrafficPayload(data []byte) {
	var t coreapi.Traffic
	if err := json.Unmarshal(data, &t); err != nil {
		return
	}
	m.ApplyTraffic(t)
}

// ApplyTraffic records a traffic sample, suppressing identical consecutive
// values so subscribers are not notified redundantly.
func (m *Mirror) ApplyTraffic(t coreapi.Traffic) {
	m.mu.Lock()
	if m.lastTraffic != nil && *m.lastTraffic == t {
		m.mu.Unlock()
		return
	}
	m.lastTraffic = &t
	m.traffic.append(TrafficPoint{At: time.Now(), Up: t.Up, Down: t.Down})
	m.mu.Unlock()
	m.update(nil)
}

func (m *Mirror) applyMemoryPayload(data []byte) {
	var mem coreapi.Memory
	if err := json.Unmarshal(data, &mem); err != nil {
		return
	}
	m.ApplyMemory(mem)
}

// ApplyMemory records a memory sample with duplicate suppression.
func (m *Mirror) ApplyMemory(mem coreapi.Memory) {
	m.mu.Lock()
	if m.lastMemory != nil && *m.lastMemory == mem {
		m.mu.Unlock()
		return
	}
	m.lastMemory = &mem
	m.mu.Unlock()
	m.update(func(s *Snapshot) { s.Memory = mem })
}

func (m *Mirror) applyLogPayload(data []byte) {
	var e coreapi.LogEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return
	}
	m.AppendLog(e)
}

// AppendLog records one worker log line in the bounded log history.
func (m *Mirror) AppendLog(e coreapi.LogEntry) {
	m.mu.Lock()
	m.logs.append(e)
	m.mu.Unlock()
	m.update(nil)
}

// --- refreshers (partial invalidation) ---

func (m *Mirror) refreshConnections(ctx context.Context) {
	conns, err := m.api.Connections(ctx)
	if err != nil {
		return
	}
	m.update(func(s *Snapshot) { s.Connections = conns })
}

func (m *Mirror) refreshProxies(ctx context.Context) {
	proxies, err := m.api.Proxies(ctx)
	if err != nil {
		return
	}
	groups, err := m.api.Groups(ctx)
	if err != nil {
		return
	}
	m.update(func(s *Snapshot) {
		s.Proxies = proxies
		s.Groups = groups
	})
}

func (m *Mirror) refreshRules(ctx context.Context) {
	rules, err := m.api.Rules(ctx)
	if err != nil {
		return
	}
	m.update(func(s *Snapshot) { s.Rules = rules })
}

func (m *Mirror) refreshProviders(ctx context.Context) {
	pp, err := m.api.ProxyProviders(ctx)
	if err != nil {
		return
	}
	rp, err := m.api.RuleProviders(ctx)
	if err != nil {
		return
	}
	m.update(func(s *Snapshot) {
		s.ProxyProviders = pp
		s.RuleProviders = rp
	})
}

func (m *Mirror) refreshConfig(ctx context.Context) {
	cfg, err := m.api.GetConfig(ctx)
	if err != nil {
		return
	}
	m.update(func(s *Snapshot) { s.Config = cfg })
}

func (m *Mirror) refreshAll(ctx context.Context) {
	m.refreshProxies(ctx)
	m.refreshRules(ctx)
	m.refreshProviders(ctx)
	m.refreshConfig(ctx)
}

// Refresh re-fetches every aggregate immediately, for callers reacting to an
// external event such as a network change. No-op while disconnected.
func (m *Mirror) Refresh(ctx context.Context) {
	if !m.IsConnected() {
		return
	}
	m.refreshAll(ctx)
}

// update rebuilds the published snapshot under the mirror lock. mutate may be
// nil when only the histories changed.
func (m *Mirror) update(mutate func(*Snapshot)) {
	m.mu.Lock()
	if mutate != nil {
		mutate(&m.snap)
	}
	snap := m.snap
	snap.Connected = m.running
	snap.Traffic = m.traffic.values()
	snap.Logs = m.logs.values()
	snap.UpdatedAt = time.Now()
	m.snap.Connected = snap.Connected
	m.mu.Unlock()
	m.cell.set(snap)
}

// --- mutating control calls with targeted re-fetch ---

// SelectProxy switches a selector group's active member and re-fetches the
// proxies and groups slice only.
func (m *Mirror) SelectProxy(ctx context.Context, group, name string) error {
	if err := m.api.SelectProxy(ctx, group, name); err != nil {
		return err
	}
	m.refreshProxies(ctx)
	return nil
}

// TestGroupDelay latency-tests a whole group, then re-fetches proxies and
// groups to pick up the new delay histories.
func (m *Mirror) TestGroupDelay(ctx context.Context, group, testURL string, timeout time.Duration) (coreapi.GroupDelay, error) {
	gd, err := m.api.GroupDelay(ctx, group, testURL, timeout)
	if err != nil {
		return nil, err
	}
	m.refreshProxies(ctx)
	return gd, nil
}

// UpdateConfig applies a sparse runtime-config patch and re-fetches the
// effective config.
func (m *Mirror) UpdateConfig(ctx context.Context, patch map[string]any) error {
	if err := m.api.PatchConfig(ctx, patch); err != nil {
		return err
	}
	m.refreshConfig(ctx)
	return nil
}

// CloseConnection terminates one connection and re-fetches the list.
func (m *Mirror) CloseConnection(ctx context.Context, id string) error {
	if err := m.api.CloseConnection(ctx, id); err != nil {
		return err
	}
	m.refreshConnections(ctx)
	return nil
}

// CloseAllConnections drops every live connection and re-fetches the list.
func (m *Mirror) CloseAllConnections(ctx context.Context) error {
	if err := m.api.CloseAllConnections(ctx); err != nil {
		return err
	}
	m.refreshConnections(ctx)
	return nil
}

// UpdateProxyProvider refreshes one provider's subscription, then re-fetches
// the provider slices.
func (m *Mirror) UpdateProxyProvider(ctx context.Context, name string) error {
	if err := m.api.UpdateProxyProvider(ctx, name); err != nil {
		return err
	}
	m.refreshProviders(ctx)
	return nil
}

// UpdateRuleProvider refreshes one rule provider, then re-fetches providers
// and rules.
func (m *Mirror) UpdateRuleProvider(ctx context.Context, name string) error {
	if err := m.api.UpdateRuleProvider(ctx, name); err != nil {
		return err
	}
	m.refreshProviders(ctx)
	m.refreshRules(ctx)
	return nil
}

// FlushFakeIPCache clears the worker's fake-IP pool. Nothing mirrored
// depends on it, so no re-fetch follows.
func (m *Mirror) FlushFakeIPCache(ctx context.Context) error {
	return m.api.FlushFakeIPCache(ctx)
}

// FlushDNSCache clears the worker's DNS cache.
func (m *Mirror) FlushDNSCache(ctx context.Context) error {
	return m.api.FlushDNSCache(ctx)
}

// Restart asks the worker to restart in place, then re-fetches everything.
func (m *Mirror) Restart(ctx context.Context) error {
	if err := m.api.Restart(ctx); err != nil {
		return err
	}
	m.refreshAll(ctx)
	return nil
}

// UpgradeCore upgrades the worker binary through its own API.
func (m *Mirror) UpgradeCore(ctx context.Context) error {
	if err := m.api.UpgradeCore(ctx); err != nil {
		return err
	}
	if v, err := m.api.Version(ctx); err == nil {
		m.update(func(s *Snapshot) { s.Version = v })
	}
	return nil
}
