//go:build !windows

package main

import (
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/proxyward/internal/supervisor"
)

func startFakeDaemon(t *testing.T, handler http.Handler) string {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "ctl.sock")
	ln, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return socket
}

func TestClientVersionAndStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"version": "9.9.9"})
	})
	mux.HandleFunc("/worker/status", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(supervisor.Status{Name: "worker", State: "running", IsRunning: true, PID: 77})
	})
	client := NewClient(startFakeDaemon(t, mux))

	v, err := client.Version()
	if err != nil || v != "9.9.9" {
		t.Fatalf("Version = %q, %v", v, err)
	}
	st, err := client.WorkerStatus()
	if err != nil || st.PID != 77 || !st.IsRunning {
		t.Fatalf("WorkerStatus = %+v, %v", st, err)
	}
}

func TestClientSurfacesCallError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/worker/restart", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"op": "worker restart", "code": 500, "message": "worker is not running",
		})
	})
	client := NewClient(startFakeDaemon(t, mux))

	_, err := client.RestartWorker()
	if err == nil {
		t.Fatal("expected error")
	}
	want := "worker restart: worker is not running"
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err, want)
	}
}

func TestClientDaemonUnreachable(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	if _, err := client.Version(); err == nil {
		t.Fatal("expected error for missing socket")
	}
}

func TestClientStartWorkerSendsBody(t *testing.T) {
	var got workerStartReq
	mux := http.NewServeMux()
	mux.HandleFunc("/worker/start", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "message": "worker ready"})
	})
	client := NewClient(startFakeDaemon(t, mux))

	msg, err := client.StartWorker("/opt/worker", "/etc/pw", "port: 7890")
	if err != nil {
		t.Fatal(err)
	}
	if msg != "worker ready" {
		t.Errorf("message = %q", msg)
	}
	if got.Executable != "/opt/worker" || got.ConfigDir != "/etc/pw" || got.Config != "port: 7890" {
		t.Errorf("request body = %+v", got)
	}
}

func TestBuildRootHasAllCommands(t *testing.T) {
	root := buildRoot()
	want := []string{"serve", "version", "status", "start", "stop", "restart", "sysproxy", "dns", "tun", "probe", "ports"}
	have := map[string]bool{}
	for _, c := range root.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("missing command %q", name)
		}
	}
}
