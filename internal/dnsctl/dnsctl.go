// Package dnsctl overrides the operating system's DNS resolvers, typically to
// route name resolution through the worker's DNS listener, and flushes the OS
// resolver cache. Overlapping override/revert calls are rejected through the
// shared lifecycle state machine.
package dnsctl

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"

	"github.com/loykin/proxyward/internal/fsm"
)

// Status reports the current DNS override.
type Status struct {
	Active  bool     `json:"active"`
	State   string   `json:"state"`
	Servers []string `json:"servers,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// CommandError wraps a failed OS resolver command; there is no automatic
// retry.
type CommandError struct {
	Tool   string
	Args   []string
	Detail string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s %s failed: %v", e.Tool, strings.Join(e.Args, " "), e.Err)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Manager applies and reverts resolver overrides for the current platform.
type Manager struct {
	logger  *slog.Logger
	machine *fsm.Machine

	// Platform entry points, swapped in tests.
	apply  func(servers []string) error
	revert func() error
	flush  func() error

	mu      sync.Mutex
	servers []string
}

func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger,
		machine: fsm.New(),
		apply:   applyServers,
		revert:  revertServers,
		flush:   flushCache,
	}
}

// Override points the OS resolvers at the given servers. Every entry must be
// a literal IP address; validation happens before any OS command runs.
func (m *Manager) Override(servers []string) error {
	if len(servers) == 0 {
		return fmt.Errorf("no DNS servers given")
	}
	for _, s := range servers {
		if _, err := netip.ParseAddr(s); err != nil {
			return fmt.Errorf("invalid DNS server %q: %w", s, err)
		}
	}
	if err := m.machine.Transition(fsm.StateStarting); err != nil {
		return err
	}
	if err := m.apply(servers); err != nil {
		_ = m.machine.Fail(err)
		return err
	}
	m.mu.Lock()
	m.servers = append([]string(nil), servers...)
	m.mu.Unlock()
	if err := m.machine.Transition(fsm.StateRunning); err != nil {
		return err
	}
	m.logger.Info("dns override applied", "servers", servers)
	return nil
}

// Revert restores the OS default resolvers. Reverting an inactive manager is
// a no-op.
func (m *Manager) Revert() error {
	if m.machine.State() == fsm.StateStopped {
		return nil
	}
	if err := m.machine.Transition(fsm.StateStopping); err != nil {
		return err
	}
	if err := m.revert(); err != nil {
		_ = m.machine.Fail(err)
		return err
	}
	m.mu.Lock()
	m.servers = nil
	m.mu.Unlock()
	if err := m.machine.Transition(fsm.StateStopped); err != nil {
		return err
	}
	m.logger.Info("dns override reverted")
	return nil
}

// Flush drops the OS resolver cache. Independent of the override state.
func (m *Manager) Flush() error {
	if err := m.flush(); err != nil {
		return err
	}
	m.logger.Info("dns cache flushed")
	return nil
}

// Status reports the manager's view of the resolver override.
func (m *Manager) Status() Status {
	st := m.machine.State()
	m.mu.Lock()
	servers := append([]string(nil), m.servers...)
	m.mu.Unlock()
	out := Status{
		Active:  st == fsm.StateRunning,
		State:   st.String(),
		Servers: servers,
	}
	if cause := m.machine.Cause(); cause != nil {
		out.Error = cause.Error()
	}
	return out
}
