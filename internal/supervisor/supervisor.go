package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/proxyward/internal/coreapi"
	"github.com/loykin/proxyward/internal/fsm"
	"github.com/loykin/proxyward/internal/history"
	"github.com/loykin/proxyward/internal/logger"
	"github.com/loykin/proxyward/internal/metrics"
)

// ProcessError reports a spawn, handshake or exit failure with enough
// context for the caller to retry. Its message is display-ready.
type ProcessError struct {
	Op  string
	Err error
}

func (e *ProcessError) Error() string { return fmt.Sprintf("worker %s failed: %v", e.Op, e.Err) }
func (e *ProcessError) Unwrap() error { return e.Err }

// Config holds supervisor construction options.
type Config struct {
	// Name labels the worker in logs, metrics and history records.
	Name string
	// ControlEndpoint is the loopback host:port injected into the worker
	// config; defaults to ControlBindAddress.
	ControlEndpoint string
	// SettleDelay is how long to wait after spawn before the readiness
	// handshake. Defaults to one second.
	SettleDelay time.Duration
	// StopTimeout bounds the graceful-terminate wait before force kill.
	StopTimeout time.Duration
	// TailLines is how many trailing output lines feed crash artifacts.
	TailLines int
	Log       logger.Config
	Logger    *slog.Logger
	History   history.Sink
}

// Supervisor owns exactly one privileged worker process lifecycle at a time.
// All mutating operations are serialized through a single command queue, so
// two starts can never race and a restart fully completes its stop before
// its start begins.
type Supervisor struct {
	cfg     Config
	machine *fsm.Machine
	logger  *slog.Logger

	cmdChan  chan command
	doneChan chan struct{}

	// handshake is swapped in tests to avoid a live worker.
	handshake func(ctx context.Context, baseURL, secret string) error

	mu            sync.Mutex
	handle        *WorkerHandle
	cmd           *exec.Cmd
	tail          *logger.Tail
	outCloser     io.WriteCloser
	waitDone      chan struct{}
	stopRequested bool
	lastExe       string
	lastError     error
}

type action int

const (
	actionStart action = iota
	actionStop
	actionRestart
	actionShutdown
)

type command struct {
	action    action
	ctx       context.Context
	exe       string
	configDir string
	content   []byte
	reply     chan result
}

type result struct {
	msg string
	err error
}

func New(cfg Config) *Supervisor {
	if cfg.Name == "" {
		cfg.Name = "worker"
	}
	if cfg.ControlEndpoint == "" {
		cfg.ControlEndpoint = ControlBindAddress
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = time.Second
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.TailLines == 0 {
		cfg.TailLines = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Supervisor{
		cfg:      cfg,
		machine:  fsm.New(),
		logger:   cfg.Logger.With("worker", cfg.Name),
		cmdChan:  make(chan command, 16),
		doneChan: make(chan struct{}),
	}
	s.handshake = func(ctx context.Context, baseURL, secret string) error {
		c := coreapi.New(coreapi.Config{BaseURL: baseURL, Secret: secret, Timeout: 5 * time.Second, Logger: s.logger})
		return c.Handshake(ctx)
	}
	go s.run()
	return s
}

// Start launches the worker from executablePath with the given base config
// content, injected control settings, and configDir as working directory.
// It returns a readiness message after the post-start handshake succeeds.
func (s *Supervisor) Start(ctx context.Context, executablePath, configDir string, configContent []byte) (string, error) {
	return s.send(command{action: actionStart, ctx: ctx, exe: executablePath, configDir: configDir, content: configContent})
}

// Stop terminates the worker. It is a no-op success when nothing is running
// and also recovers an error state left by a failed handshake or crash.
func (s *Supervisor) Stop() error {
	_, err := s.send(command{action: actionStop, ctx: context.Background()})
	return err
}

// Restart stops and then starts the worker with the same executable and the
// persisted config read back from disk. It fails unless the worker is
// currently running.
func (s *Supervisor) Restart(ctx context.Context) (string, error) {
	return s.send(command{action: actionRestart, ctx: ctx})
}

// Shutdown stops the worker if needed and retires the command queue.
func (s *Supervisor) Shutdown() error {
	_, err := s.send(command{action: actionShutdown, ctx: context.Background()})
	return err
}

func (s *Supervisor) send(cmd command) (string, error) {
	cmd.reply = make(chan result, 1)
	select {
	case s.cmdChan <- cmd:
		r := <-cmd.reply
		return r.msg, r.err
	case <-s.doneChan:
		return "", fmt.Errorf("supervisor %s is shut down", s.cfg.Name)
	}
}

// Status is a pure read; it never blocks on the command queue.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	handle := s.handle
	lastErr := s.lastError
	s.mu.Unlock()

	st := Status{
		Name:  s.cfg.Name,
		State: s.machine.State().String(),
	}
	st.IsRunning = s.machine.State() == fsm.StateRunning
	if handle != nil {
		st.PID = handle.PID
		st.StartedAt = handle.StartedAt
		st.ConfigPath = handle.ConfigPath
		st.ControlEndpoint = handle.ControlEndpoint
		st.Secret = handle.Secret
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	return st
}

// Handle returns a copy of the current worker handle, or false when none.
func (s *Supervisor) Handle() (WorkerHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return WorkerHandle{}, false
	}
	return *s.handle, true
}

func (s *Supervisor) run() {
	for cmd := range s.cmdChan {
		switch cmd.action {
		case actionStart:
			msg, err := s.doStart(cmd.ctx, cmd.exe, cmd.configDir, cmd.content)
			cmd.reply <- result{msg: msg, err: err}
		case actionStop:
			cmd.reply <- result{err: s.doStop()}
		case actionRestart:
			msg, err := s.doRestart(cmd.ctx)
			cmd.reply <- result{msg: msg, err: err}
		case actionShutdown:
			err := s.doStop()
			close(s.doneChan)
			cmd.reply <- result{err: err}
			return
		}
	}
}

func (s *Supervisor) doStart(ctx context.Context, exe, configDir string, content []byte) (string, error) {
	// A failed handshake leaves the worker alive in Error for diagnosis.
	// Starting over that handle would orphan the old process, so tear it
	// down before spawning a replacement.
	if s.machine.State() == fsm.StateError {
		s.mu.Lock()
		stranded := s.handle != nil
		s.mu.Unlock()
		if stranded {
			if err := s.doStop(); err != nil {
				return "", &ProcessError{Op: "start", Err: fmt.Errorf("stop stranded worker: %w", err)}
			}
		}
	}

	from := s.machine.State()
	if err := s.machine.Transition(fsm.StateStarting); err != nil {
		return "", err
	}
	s.logTransition(from, fsm.StateStarting)

	secret := newSecret()
	effective := injectControl(content, s.cfg.ControlEndpoint, secret)
	configPath, err := writeConfig(configDir, effective)
	if err != nil {
		_ = s.machine.Fail(err)
		s.setLastError(err)
		return "", &ProcessError{Op: "configure", Err: err}
	}

	tail := logger.NewTail(s.cfg.TailLines, nil)
	outCloser := s.cfg.Log.Writer(s.cfg.Name)
	var out io.Writer = tail
	if outCloser != nil {
		out = io.MultiWriter(tail, outCloser)
	}

	// The worker outlives the Start call's context by design.
	// #nosec G204 -- executable path comes from the daemon's own config.
	cmd := exec.Command(exe, "-d", configDir, "-f", configPath)
	cmd.Dir = configDir
	cmd.Env = append(os.Environ(), "SAFE_PATHS="+configDir)
	cmd.SysProcAttr = sysProcAttr()
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		if outCloser != nil {
			_ = outCloser.Close()
		}
		_ = s.machine.Fail(err)
		s.setLastError(err)
		return "", &ProcessError{Op: "spawn", Err: err}
	}

	handle := &WorkerHandle{
		PID:             cmd.Process.Pid,
		StartedAt:       time.Now(),
		ConfigDir:       configDir,
		ConfigPath:      configPath,
		Secret:          secret,
		ControlEndpoint: s.cfg.ControlEndpoint,
	}
	waitDone := make(chan struct{})

	s.mu.Lock()
	s.handle = handle
	s.cmd = cmd
	s.tail = tail
	s.outCloser = outCloser
	s.waitDone = waitDone
	s.stopRequested = false
	s.lastExe = exe
	s.lastError = nil
	s.mu.Unlock()

	go s.watch(cmd, handle, waitDone)

	if err := s.machine.Transition(fsm.StateRunning); err != nil {
		// The only way here is a crash observed between Start and now.
		return "", &ProcessError{Op: "start", Err: err}
	}
	s.logTransition(fsm.StateStarting, fsm.StateRunning)
	metrics.IncStart(s.cfg.Name)
	s.record(history.EventStart, handle.PID, "")

	time.Sleep(s.cfg.SettleDelay)

	if err := s.handshake(ctx, "http://"+handle.ControlEndpoint, secret); err != nil {
		// The worker is intentionally left running for diagnosis; Stop is
		// the documented recovery path.
		_ = s.machine.Fail(err)
		s.setLastError(err)
		s.logger.Error("worker handshake failed; process left running", "pid", handle.PID, "error", err)
		return "", &ProcessError{Op: "handshake", Err: err}
	}

	s.logger.Info("worker ready", "pid", handle.PID, "endpoint", handle.ControlEndpoint)
	return fmt.Sprintf("worker %s ready (pid %d, control %s)", s.cfg.Name, handle.PID, handle.ControlEndpoint), nil
}

func (s *Supervisor) doStop() error {
	s.mu.Lock()
	handle := s.handle
	waitDone := s.waitDone
	s.mu.Unlock()

	if handle == nil {
		// Nothing running; converge to a clean stopped state so a fresh
		// start is always possible after an error.
		s.machine.ForceStopped()
		return nil
	}

	s.mu.Lock()
	s.stopRequested = true
	s.mu.Unlock()

	from := s.machine.State()
	if err := s.machine.Transition(fsm.StateStopping); err != nil {
		return err
	}
	s.logTransition(from, fsm.StateStopping)

	_ = terminate(handle.PID)
	select {
	case <-waitDone:
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn("worker ignored terminate; killing", "pid", handle.PID)
		_ = kill(handle.PID)
		select {
		case <-waitDone:
		case <-time.After(200 * time.Millisecond):
			// best-effort
		}
	}

	s.mu.Lock()
	if s.outCloser != nil {
		_ = s.outCloser.Close()
		s.outCloser = nil
	}
	s.handle = nil
	s.cmd = nil
	s.waitDone = nil
	s.mu.Unlock()

	_ = s.machine.Transition(fsm.StateStopped)
	s.logTransition(fsm.StateStopping, fsm.StateStopped)
	metrics.IncStop(s.cfg.Name)
	s.record(history.EventStop, handle.PID, "")
	return nil
}

func (s *Supervisor) doRestart(ctx context.Context) (string, error) {
	if st := s.machine.State(); st != fsm.StateRunning {
		return "", &fsm.InvalidTransitionError{From: st, To: fsm.StateStarting}
	}

	s.mu.Lock()
	handle := *s.handle
	exe := s.lastExe
	s.mu.Unlock()

	content, err := os.ReadFile(handle.ConfigPath)
	if err != nil {
		return "", &ProcessError{Op: "restart", Err: fmt.Errorf("read back config: %w", err)}
	}
	if err := s.doStop(); err != nil {
		return "", err
	}
	return s.doStart(ctx, exe, handle.ConfigDir, content)
}

// watch reaps the worker and converts an unexpected exit into an error state
// plus a crash artifact. It runs once per spawned process.
func (s *Supervisor) watch(cmd *exec.Cmd, handle *WorkerHandle, waitDone chan struct{}) {
	err := cmd.Wait()
	close(waitDone)

	s.mu.Lock()
	if s.stopRequested || s.handle != handle {
		// Explicit stop owns the teardown, or a newer run replaced us.
		s.mu.Unlock()
		return
	}
	var lines []string
	if s.tail != nil {
		lines = s.tail.Lines()
	}
	s.handle = nil
	s.cmd = nil
	if s.outCloser != nil {
		_ = s.outCloser.Close()
		s.outCloser = nil
	}
	s.mu.Unlock()

	exitDesc := "exit status 0"
	if err != nil {
		exitDesc = err.Error()
	}
	cause := fmt.Errorf("worker exited unexpectedly: %s", exitDesc)
	// Fail is rejected when the machine already sits in Error (a crash after
	// a failed handshake); the artifact below is still wanted.
	_ = s.machine.Fail(cause)
	s.setLastError(cause)

	path, werr := writeCrashLog(handle.ConfigDir, lines, exitDesc)
	if werr != nil {
		s.logger.Error("failed to write crash log", "error", werr)
	}
	s.logger.Error("worker crashed", "pid", handle.PID, "exit", exitDesc, "crash_log", path)
	metrics.IncCrash(s.cfg.Name)
	s.record(history.EventCrash, handle.PID, exitDesc)
}

// writeCrashLog persists the captured output tail and exit code under
// <configDir>/logs/ with a timestamped name.
func writeCrashLog(configDir string, lines []string, exitDesc string) (string, error) {
	dir := filepath.Join(configDir, "logs")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("crash-%s.log", time.Now().Format("20060102-150405")))
	var b strings.Builder
	fmt.Fprintf(&b, "worker exited unexpectedly: %s\n\nlast output:\n", exitDesc)
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Supervisor) setLastError(err error) {
	s.mu.Lock()
	s.lastError = err
	s.mu.Unlock()
}

func (s *Supervisor) logTransition(from, to fsm.State) {
	s.logger.Debug("state transition", "from", from.String(), "to", to.String())
	metrics.RecordStateTransition(s.cfg.Name, from.String(), to.String())
}

func (s *Supervisor) record(t history.EventType, pid int, detail string) {
	if s.cfg.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e := history.Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Name:       s.cfg.Name,
		PID:        pid,
		State:      s.machine.State().String(),
		Detail:     detail,
	}
	if err := s.cfg.History.Send(ctx, e); err != nil {
		s.logger.Debug("history sink rejected event", "error", err)
	}
}
