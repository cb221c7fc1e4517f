package ipc

import (
	"log/slog"
	"net"

	"github.com/loykin/proxyward/internal/metrics"
)

// guardedListener wraps a unix listener and vets every peer before handing
// the connection to the HTTP layer. Rejected peers are closed at accept time
// and never reach a handler.
type guardedListener struct {
	*net.UnixListener
	resolver IdentityResolver
	allowed  map[string]struct{}
	logger   *slog.Logger
}

func newGuardedListener(ln *net.UnixListener, resolver IdentityResolver, allowList []string, logger *slog.Logger) *guardedListener {
	allowed := make(map[string]struct{}, len(allowList))
	for _, a := range allowList {
		allowed[a] = struct{}{}
	}
	return &guardedListener{UnixListener: ln, resolver: resolver, allowed: allowed, logger: logger}
}

func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.AcceptUnix()
		if err != nil {
			return nil, err
		}
		if l.admit(conn) {
			return conn, nil
		}
		_ = conn.Close()
	}
}

func (l *guardedListener) admit(conn *net.UnixConn) bool {
	pid, err := peerPID(conn)
	if err != nil {
		metrics.IncRejectedCaller("unknown")
		l.logger.Warn("rejecting peer without credentials", "error", err)
		return false
	}
	id, err := l.resolver.Resolve(pid)
	if err != nil {
		metrics.IncRejectedCaller("unresolved")
		l.logger.Warn("rejecting unresolvable peer", "pid", pid, "error", err)
		return false
	}
	// An empty allow-list leaves admission to socket permissions.
	if len(l.allowed) == 0 {
		return true
	}
	if _, ok := l.allowed[id.Identifier]; ok {
		return true
	}
	if _, ok := l.allowed[id.Executable]; ok {
		return true
	}
	metrics.IncRejectedCaller(id.Identifier)
	l.logger.Warn("rejecting caller outside allow-list",
		"pid", pid, "identifier", id.Identifier, "executable", id.Executable)
	return false
}
