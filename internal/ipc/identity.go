package ipc

import (
	"fmt"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/process"
)

// Identity describes the process on the far end of a control connection.
type Identity struct {
	PID        int32
	Executable string
	// Identifier is the name callers appear under in the allow-list. The
	// default resolver uses the executable's base name; platforms with code
	// signing can plug in a resolver returning the signing identifier.
	Identifier string
}

// IdentityResolver maps a peer pid to its identity. Resolution happens at
// accept time, before the peer can speak.
type IdentityResolver interface {
	Resolve(pid int32) (Identity, error)
}

// ExecResolver resolves a pid to its executable path via the process table.
type ExecResolver struct{}

func (ExecResolver) Resolve(pid int32) (Identity, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return Identity{}, fmt.Errorf("resolve pid %d: %w", pid, err)
	}
	exe, err := p.Exe()
	if err != nil {
		return Identity{}, fmt.Errorf("resolve pid %d executable: %w", pid, err)
	}
	return Identity{PID: pid, Executable: exe, Identifier: filepath.Base(exe)}, nil
}
