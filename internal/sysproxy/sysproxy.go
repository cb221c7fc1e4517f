// Package sysproxy switches the operating system's proxy settings to point at
// the worker's inbound listeners. All mutations go through a lifecycle state
// machine so overlapping enable/disable calls are rejected instead of racing
// the OS tooling.
package sysproxy

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loykin/proxyward/internal/fsm"
)

// Settings describes the desired proxy endpoints. Sections with an empty host
// or zero port are switched off.
type Settings struct {
	HTTPHost  string   `json:"http_host,omitempty"`
	HTTPPort  int      `json:"http_port,omitempty"`
	HTTPSHost string   `json:"https_host,omitempty"`
	HTTPSPort int      `json:"https_port,omitempty"`
	SOCKSHost string   `json:"socks_host,omitempty"`
	SOCKSPort int      `json:"socks_port,omitempty"`
	Bypass    []string `json:"bypass,omitempty"`
}

// Status is a point-in-time view of the managed proxy configuration.
type Status struct {
	Enabled  bool     `json:"enabled"`
	State    string   `json:"state"`
	Settings Settings `json:"settings"`
	Error    string   `json:"error,omitempty"`
}

// CommandError wraps a failed OS configuration command. There is no automatic
// retry; the caller decides whether to try again.
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

// Manager applies and reverts system proxy settings for the current platform.
type Manager struct {
	logger  *slog.Logger
	machine *fsm.Machine

	// apply and clear are the platform entry points, swapped in tests.
	apply func(Settings) error
	clear func() error

	mu      sync.Mutex
	current Settings
}

func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger,
		machine: fsm.New(),
		apply:   applySettings,
		clear:   clearSettings,
	}
}

// Enable points the OS at the given proxy endpoints. A concurrent enable or
// disable in flight fails with fsm.InvalidTransitionError.
func (m *Manager) Enable(s Settings) error {
	if err := m.machine.Transition(fsm.StateStarting); err != nil {
		return err
	}
	if err := m.apply(s); err != nil {
		_ = m.machine.Fail(err)
		return err
	}
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	if err := m.machine.Transition(fsm.StateRunning); err != nil {
		return err
	}
	m.logger.Info("system proxy enabled",
		"http", fmt.Sprintf("%s:%d", s.HTTPHost, s.HTTPPort),
		"socks", fmt.Sprintf("%s:%d", s.SOCKSHost, s.SOCKSPort))
	return nil
}

// Disable reverts the OS proxy configuration. Disabling an already-disabled
// manager is a no-op.
func (m *Manager) Disable() error {
	if m.machine.State() == fsm.StateStopped {
		return nil
	}
	if err := m.machine.Transition(fsm.StateStopping); err != nil {
		return err
	}
	if err := m.clear(); err != nil {
		_ = m.machine.Fail(err)
		return err
	}
	m.mu.Lock()
	m.current = Settings{}
	m.mu.Unlock()
	if err := m.machine.Transition(fsm.StateStopped); err != nil {
		return err
	}
	m.logger.Info("system proxy disabled")
	return nil
}

// Status reports the manager's view of the OS proxy state.
func (m *Manager) Status() Status {
	st := m.machine.State()
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	out := Status{
		Enabled:  st == fsm.StateRunning,
		State:    st.String(),
		Settings: cur,
	}
	if cause := m.machine.Cause(); cause != nil {
		out.Error = cause.Error()
	}
	return out
}
