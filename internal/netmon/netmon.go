// Package netmon watches the host's network interfaces and notifies
// registered listeners when connectivity-relevant state changes: interfaces
// appearing or disappearing, or the primary address moving.
package netmon

import (
	"context"
	"log/slog"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// Change describes one observed network transition.
type Change struct {
	At          time.Time
	Added       []string // interface names that appeared
	Removed     []string // interface names that went away
	PrimaryOld  string
	PrimaryNew  string
	PrimaryMove bool
}

// Listener receives change notifications. Listeners run on the monitor's
// polling goroutine and must not block.
type Listener func(Change)

// iface is the subset of interface state the monitor compares.
type iface struct {
	name  string
	up    bool
	addrs []string
}

type listFunc func() ([]iface, error)

// Monitor polls interface state at a fixed interval and fans changes out to
// an explicit listener registry.
type Monitor struct {
	interval time.Duration
	logger   *slog.Logger

	// list is swapped in tests.
	list listFunc

	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	prev    map[string]iface
	primary string
}

// Config holds monitor construction options.
type Config struct {
	Interval time.Duration
	Logger   *slog.Logger
}

func New(cfg Config) *Monitor {
	if cfg.Interval == 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Monitor{
		interval:  cfg.Interval,
		logger:    cfg.Logger,
		list:      systemInterfaces,
		listeners: make(map[int]Listener),
	}
}

// Register adds a listener and returns a function removing it again.
func (m *Monitor) Register(l Listener) (unregister func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Start begins polling. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	// Seed the baseline so the first tick only reports real transitions.
	if cur, err := m.list(); err == nil {
		m.prev = indexByName(cur)
		m.primary = primaryAddr(cur)
	}

	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts polling and waits for the poll goroutine to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

// PrimaryAddress returns the most recently observed primary address, if any.
func (m *Monitor) PrimaryAddress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.poll()
		}
	}
}

func (m *Monitor) poll() {
	cur, err := m.list()
	if err != nil {
		m.logger.Debug("interface listing failed", "error", err)
		return
	}
	next := indexByName(cur)
	nextPrimary := primaryAddr(cur)

	m.mu.Lock()
	ch := diff(m.prev, next)
	if nextPrimary != m.primary {
		ch.PrimaryOld = m.primary
		ch.PrimaryNew = nextPrimary
		ch.PrimaryMove = true
	}
	m.prev = next
	m.primary = nextPrimary

	if len(ch.Added) == 0 && len(ch.Removed) == 0 && !ch.PrimaryMove {
		m.mu.Unlock()
		return
	}
	ch.At = time.Now()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	m.logger.Info("network change",
		"added", ch.Added, "removed", ch.Removed,
		"primary_move", ch.PrimaryMove, "primary", ch.PrimaryNew)
	for _, l := range listeners {
		l(ch)
	}
}

func indexByName(ifs []iface) map[string]iface {
	out := make(map[string]iface, len(ifs))
	for _, i := range ifs {
		out[i.name] = i
	}
	return out
}

func diff(prev, next map[string]iface) Change {
	var ch Change
	for name := range next {
		if _, ok := prev[name]; !ok {
			ch.Added = append(ch.Added, name)
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			ch.Removed = append(ch.Removed, name)
		}
	}
	sort.Strings(ch.Added)
	sort.Strings(ch.Removed)
	return ch
}

// primaryAddr picks the first global unicast address on an up interface,
// preferring IPv4. Interface ordering is as the OS reports it.
func primaryAddr(ifs []iface) string {
	var v6 string
	for _, i := range ifs {
		if !i.up {
			continue
		}
		for _, a := range i.addrs {
			ip := parseAddr(a)
			if !ip.IsValid() || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			if ip.Is4() {
				return ip.String()
			}
			if v6 == "" {
				v6 = ip.String()
			}
		}
	}
	return v6
}

func parseAddr(s string) netip.Addr {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Addr()
	}
	a, _ := netip.ParseAddr(strings.TrimSpace(s))
	return a
}

func systemInterfaces() ([]iface, error) {
	stats, err := psnet.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]iface, 0, len(stats))
	for _, st := range stats {
		i := iface{name: st.Name}
		for _, f := range st.Flags {
			if f == "up" {
				i.up = true
			}
		}
		for _, a := range st.Addrs {
			i.addrs = append(i.addrs, a.Addr)
		}
		out = append(out, i)
	}
	return out, nil
}
