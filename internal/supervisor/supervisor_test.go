//go:build !windows

package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/proxyward/internal/fsm"
)

// fakeWorker writes an executable script standing in for the proxy engine.
func fakeWorker(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	content := "#!/bin/sh\n" + script + "\n"
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestSupervisor(t *testing.T, handshakeErr error) *Supervisor {
	t.Helper()
	s := New(Config{
		Name:        "mihomo",
		SettleDelay: 10 * time.Millisecond,
		StopTimeout: 2 * time.Second,
	})
	s.handshake = func(ctx context.Context, baseURL, secret string) error {
		return handshakeErr
	}
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func waitForState(t *testing.T, s *Supervisor, want fsm.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.machine.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, at %v", want, s.machine.State())
}

func TestStartStopLifecycle(t *testing.T) {
	s := newTestSupervisor(t, nil)
	exe := fakeWorker(t, "sleep 60")
	dir := t.TempDir()

	msg, err := s.Start(context.Background(), exe, dir, []byte("port: 7890\n"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !strings.Contains(msg, "ready") {
		t.Errorf("unexpected readiness message %q", msg)
	}

	st := s.Status()
	if !st.IsRunning || st.PID == 0 {
		t.Fatalf("expected running status with pid, got %+v", st)
	}
	if st.ConfigPath != filepath.Join(dir, "config.yaml") {
		t.Errorf("unexpected config path %q", st.ConfigPath)
	}
	if st.Secret == "" || st.ControlEndpoint == "" {
		t.Errorf("handle fields missing: %+v", st)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	st = s.Status()
	if st.IsRunning || st.PID != 0 {
		t.Errorf("expected stopped status without handle, got %+v", st)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := newTestSupervisor(t, nil)
	if err := s.Stop(); err != nil {
		t.Fatalf("stop on stopped supervisor: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStartWhileRunningRejected(t *testing.T) {
	s := newTestSupervisor(t, nil)
	exe := fakeWorker(t, "sleep 60")
	dir := t.TempDir()

	if _, err := s.Start(context.Background(), exe, dir, nil); err != nil {
		t.Fatal(err)
	}
	pid := s.Status().PID

	_, err := s.Start(context.Background(), exe, dir, nil)
	var ite *fsm.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if got := s.Status().PID; got != pid {
		t.Errorf("running instance must be untouched: pid %d -> %d", pid, got)
	}
}

func TestRestart(t *testing.T) {
	s := newTestSupervisor(t, nil)
	exe := fakeWorker(t, "sleep 60")
	dir := t.TempDir()

	if _, err := s.Start(context.Background(), exe, dir, []byte("port: 7890\n")); err != nil {
		t.Fatal(err)
	}
	before := s.Status()

	if _, err := s.Restart(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	after := s.Status()
	if !after.IsRunning {
		t.Fatal("expected running after restart")
	}
	if after.PID == before.PID {
		t.Errorf("expected a new process, pid unchanged at %d", after.PID)
	}
	if after.ConfigPath != before.ConfigPath {
		t.Errorf("config path changed across restart: %q -> %q", before.ConfigPath, after.ConfigPath)
	}
}

func TestRestartWhileStoppedRejected(t *testing.T) {
	s := newTestSupervisor(t, nil)
	_, err := s.Restart(context.Background())
	var ite *fsm.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestCrashDetectionWritesArtifact(t *testing.T) {
	s := newTestSupervisor(t, nil)
	exe := fakeWorker(t, "echo fatal: config corrupted\nsleep 0.2\nexit 2")
	dir := t.TempDir()

	if _, err := s.Start(context.Background(), exe, dir, nil); err != nil {
		t.Fatal(err)
	}
	waitForState(t, s, fsm.StateError)

	st := s.Status()
	if st.PID != 0 {
		t.Errorf("handle must be destroyed on crash, got pid %d", st.PID)
	}
	if !strings.Contains(st.LastError, "exit status 2") {
		t.Errorf("status should carry exit cause, got %q", st.LastError)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil || len(entries) == 0 {
		t.Fatalf("expected crash log under logs/: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "logs", entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	content := string(b)
	if !strings.Contains(content, "exit status 2") {
		t.Errorf("crash log missing exit code: %q", content)
	}
	if !strings.Contains(content, "fatal: config corrupted") {
		t.Errorf("crash log missing captured output: %q", content)
	}
}

func TestCrashIsRecoverableByFreshStart(t *testing.T) {
	s := newTestSupervisor(t, nil)
	dir := t.TempDir()

	if _, err := s.Start(context.Background(), fakeWorker(t, "exit 2"), dir, nil); err == nil {
		waitForState(t, s, fsm.StateError)
	}
	if _, err := s.Start(context.Background(), fakeWorker(t, "sleep 60"), dir, nil); err != nil {
		t.Fatalf("start after crash: %v", err)
	}
	if !s.Status().IsRunning {
		t.Error("expected running after recovery start")
	}
}

func TestHandshakeFailureLeavesWorkerRunning(t *testing.T) {
	s := newTestSupervisor(t, errors.New("unexpected worker identity \"impostor\""))
	exe := fakeWorker(t, "sleep 60")
	dir := t.TempDir()

	_, err := s.Start(context.Background(), exe, dir, nil)
	var perr *ProcessError
	if !errors.As(err, &perr) || perr.Op != "handshake" {
		t.Fatalf("expected handshake ProcessError, got %v", err)
	}
	if s.machine.State() != fsm.StateError {
		t.Fatalf("expected error state, got %v", s.machine.State())
	}

	// The process is intentionally left alive for diagnosis.
	h, ok := s.Handle()
	if !ok {
		t.Fatal("handle should survive a failed handshake")
	}
	if syscall.Kill(h.PID, 0) != nil {
		t.Errorf("worker pid %d should still be alive", h.PID)
	}

	// Stop is the recovery path.
	if err := s.Stop(); err != nil {
		t.Fatalf("stop after failed handshake: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for syscall.Kill(-h.PID, 0) == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if syscall.Kill(-h.PID, 0) == nil {
		t.Errorf("worker process group %d should be gone after stop", h.PID)
	}
}

func TestEffectiveConfigOnDisk(t *testing.T) {
	s := newTestSupervisor(t, nil)
	exe := fakeWorker(t, "sleep 60")
	dir := t.TempDir()

	if _, err := s.Start(context.Background(), exe, dir, []byte("port: 7890\n")); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Stop() }()

	b, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	content := string(b)
	if !strings.Contains(content, "external-controller:") {
		t.Errorf("persisted config missing controller entry: %q", content)
	}
	secret := s.Status().Secret
	if secret == "" || !strings.Contains(content, "secret: "+secret) {
		t.Errorf("persisted config missing generated secret %q: %q", secret, content)
	}
}

func TestStartAfterFailedHandshakeReplacesStrandedWorker(t *testing.T) {
	s := newTestSupervisor(t, errors.New("unexpected worker identity \"impostor\""))
	exe := fakeWorker(t, "sleep 60")
	dir := t.TempDir()

	if _, err := s.Start(context.Background(), exe, dir, nil); err == nil {
		t.Fatal("expected handshake failure")
	}
	old, ok := s.Handle()
	if !ok {
		t.Fatal("handle should survive a failed handshake")
	}

	// A fresh start must tear down the stranded worker, not orphan it.
	s.handshake = func(ctx context.Context, baseURL, secret string) error { return nil }
	if _, err := s.Start(context.Background(), exe, dir, nil); err != nil {
		t.Fatalf("recovery start: %v", err)
	}

	fresh, ok := s.Handle()
	if !ok {
		t.Fatal("expected a running worker after recovery start")
	}
	if fresh.PID == old.PID {
		t.Fatalf("recovery start reused pid %d", old.PID)
	}
	deadline := time.Now().Add(2 * time.Second)
	for syscall.Kill(old.PID, 0) == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if syscall.Kill(old.PID, 0) == nil {
		t.Errorf("stranded worker pid %d still alive after recovery start", old.PID)
	}
	if syscall.Kill(fresh.PID, 0) != nil {
		t.Errorf("fresh worker pid %d should be alive", fresh.PID)
	}
}
