package supervisor

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// WorkerHandle identifies one running worker instance. It is owned
// exclusively by the supervisor: created on successful start, destroyed on
// stop or detected crash.
type WorkerHandle struct {
	PID             int
	StartedAt       time.Time
	ConfigDir       string
	ConfigPath      string
	Secret          string
	ControlEndpoint string
}

// Status is a consistent, non-blocking snapshot of the supervisor.
type Status struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	IsRunning       bool      `json:"is_running"`
	PID             int       `json:"pid,omitempty"`
	StartedAt       time.Time `json:"started_at,omitzero"`
	ConfigPath      string    `json:"config_path,omitempty"`
	ControlEndpoint string    `json:"control_endpoint,omitempty"`
	Secret          string    `json:"secret,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
}

// newSecret returns a fresh opaque bearer credential for one worker run.
func newSecret() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure is unrecoverable for credential generation.
		panic(err)
	}
	return hex.EncodeToString(b)
}
