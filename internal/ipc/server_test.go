//go:build !windows

package ipc

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// mapResolver resolves every pid to a fixed identity.
type mapResolver struct {
	identifier string
	err        error
}

func (r mapResolver) Resolve(pid int32) (Identity, error) {
	if r.err != nil {
		return Identity{}, r.err
	}
	return Identity{PID: pid, Identifier: r.identifier, Executable: "/apps/" + r.identifier}, nil
}

func socketClient(path string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		},
		Timeout: 5 * time.Second,
	}
}

func startTestServer(t *testing.T, cfg Config) (*Server, *http.Client) {
	t.Helper()
	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(t.TempDir(), "ctl.sock")
	}
	srv := NewServer(cfg, Deps{
		Version: "test",
		Worker:  &fakeWorker{},
		Proxy:   &fakeProxy{},
		DNS:     &fakeDNS{},
		Patcher: &fakePatcher{},
	})
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv, socketClient(cfg.SocketPath)
}

func TestAllowedCallerReachesHandlers(t *testing.T) {
	_, client := startTestServer(t, Config{
		AllowedCallers: []string{"com.manis.app", "com.manis.XPC"},
		Resolver:       mapResolver{identifier: "com.manis.app"},
	})

	resp, err := client.Get("http://ipc/version")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["version"] != "test" {
		t.Errorf("version = %q", body["version"])
	}
}

func TestDisallowedCallerRejectedAtAccept(t *testing.T) {
	_, client := startTestServer(t, Config{
		AllowedCallers: []string{"com.manis.app", "com.manis.XPC"},
		Resolver:       mapResolver{identifier: "com.evil.app"},
	})

	// The connection is closed before any HTTP exchange; the request can
	// never receive a response.
	_, err := client.Get("http://ipc/version")
	if err == nil {
		t.Fatal("request from disallowed caller succeeded")
	}
}

func TestUnresolvablePeerRejected(t *testing.T) {
	_, client := startTestServer(t, Config{
		AllowedCallers: []string{"com.manis.app"},
		Resolver:       mapResolver{err: io.ErrUnexpectedEOF},
	})
	if _, err := client.Get("http://ipc/version"); err == nil {
		t.Fatal("request from unresolvable caller succeeded")
	}
}

func TestEmptyAllowListAdmitsAnyCaller(t *testing.T) {
	_, client := startTestServer(t, Config{
		Resolver: mapResolver{identifier: "whoever"},
	})
	resp, err := client.Get("http://ipc/version")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestIdleExitFiresAfterLastClientLeaves(t *testing.T) {
	var fired atomic.Bool
	_, client := startTestServer(t, Config{
		Resolver:  mapResolver{identifier: "com.manis.app"},
		IdleExit:  true,
		IdleDelay: 50 * time.Millisecond,
		OnIdle:    func() { fired.Store(true) },
	})

	resp, err := client.Get("http://ipc/version")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	client.CloseIdleConnections()

	deadline := time.Now().Add(2 * time.Second)
	for !fired.Load() {
		if time.Now().After(deadline) {
			t.Fatal("idle exit never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIdleExitDisabledByDefault(t *testing.T) {
	var fired atomic.Bool
	_, client := startTestServer(t, Config{
		Resolver: mapResolver{identifier: "com.manis.app"},
		OnIdle:   func() { fired.Store(true) },
	})

	resp, err := client.Get("http://ipc/version")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	client.CloseIdleConnections()

	time.Sleep(150 * time.Millisecond)
	if fired.Load() {
		t.Error("idle exit fired while disabled")
	}
}
