// Package ipc is the daemon's trust boundary: a unix-socket control channel
// that vets caller identity at accept time and dispatches named operations
// over HTTP, giving every request exactly one reply.
package ipc

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"
)

// Config holds the control-channel listener settings.
type Config struct {
	SocketPath     string
	AllowedCallers []string
	Resolver       IdentityResolver
	Logger         *slog.Logger

	// IdleExit, when enabled, invokes OnIdle after the last client has been
	// disconnected for IdleDelay. Off by default.
	IdleExit  bool
	IdleDelay time.Duration
	OnIdle    func()
}

// Server owns the guarded unix listener and the HTTP dispatch on top of it.
type Server struct {
	cfg    Config
	router *Router
	logger *slog.Logger

	mu        sync.Mutex
	ln        net.Listener
	srv       *http.Server
	active    int
	idleTimer *time.Timer
}

func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = ExecResolver{}
	}
	if cfg.IdleDelay == 0 {
		cfg.IdleDelay = 30 * time.Second
	}
	return &Server{cfg: cfg, router: NewRouter(deps), logger: cfg.Logger}
}

// Start binds the socket and begins serving. A stale socket file from a
// previous run is removed first.
func (s *Server) Start() error {
	if s.cfg.SocketPath == "" {
		return fmt.Errorf("ipc socket path must not be empty")
	}
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	uln, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.cfg.SocketPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.SocketPath, err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		_ = uln.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}

	ln := newGuardedListener(uln, s.cfg.Resolver, s.cfg.AllowedCallers, s.logger)
	srv := &http.Server{
		Handler:           s.router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		ConnState:         s.trackConn,
	}

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	s.logger.Info("control channel listening",
		"socket", s.cfg.SocketPath, "allowed", s.cfg.AllowedCallers, "idle_exit", s.cfg.IdleExit)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control channel serve", "error", err)
		}
	}()
	return nil
}

// Close stops serving and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Close()
	if rmErr := os.Remove(s.cfg.SocketPath); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

// trackConn watches client connections for the idle-exit policy: the timer
// arms when the last client disconnects and disarms on any new connection.
func (s *Server) trackConn(_ net.Conn, state http.ConnState) {
	if !s.cfg.IdleExit {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch state {
	case http.StateNew:
		s.active++
		if s.idleTimer != nil {
			s.idleTimer.Stop()
			s.idleTimer = nil
		}
	case http.StateClosed, http.StateHijacked:
		if s.active > 0 {
			s.active--
		}
		if s.active == 0 && s.srv != nil && s.idleTimer == nil {
			s.idleTimer = time.AfterFunc(s.cfg.IdleDelay, func() {
				s.logger.Info("idle exit", "delay", s.cfg.IdleDelay)
				if s.cfg.OnIdle != nil {
					s.cfg.OnIdle()
				}
			})
		}
	}
}
