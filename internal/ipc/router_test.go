package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loykin/proxyward/internal/dnsctl"
	"github.com/loykin/proxyward/internal/netprobe"
	"github.com/loykin/proxyward/internal/supervisor"
	"github.com/loykin/proxyward/internal/sysproxy"
)

type fakeWorker struct {
	startErr error
	stopped  bool
}

func (f *fakeWorker) Start(_ context.Context, exe, dir string, _ []byte) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	return "worker ready", nil
}
func (f *fakeWorker) Stop() error { f.stopped = true; return nil }
func (f *fakeWorker) Restart(context.Context) (string, error) {
	return "worker restarted", nil
}
func (f *fakeWorker) Status() supervisor.Status {
	return supervisor.Status{Name: "worker", State: "running", IsRunning: true, PID: 4242}
}

type fakeProxy struct {
	enabled  bool
	settings sysproxy.Settings
}

func (f *fakeProxy) Enable(s sysproxy.Settings) error { f.enabled = true; f.settings = s; return nil }
func (f *fakeProxy) Disable() error                   { f.enabled = false; return nil }
func (f *fakeProxy) Status() sysproxy.Status {
	return sysproxy.Status{Enabled: f.enabled, State: "running", Settings: f.settings}
}

type fakeDNS struct {
	servers []string
	flushes int
}

func (f *fakeDNS) Override(servers []string) error { f.servers = servers; return nil }
func (f *fakeDNS) Revert() error                   { f.servers = nil; return nil }
func (f *fakeDNS) Flush() error                    { f.flushes++; return nil }
func (f *fakeDNS) Status() dnsctl.Status {
	return dnsctl.Status{Active: len(f.servers) > 0, State: "running", Servers: f.servers}
}

type fakePatcher struct {
	patches []map[string]any
	err     error
}

func (f *fakePatcher) UpdateConfig(_ context.Context, patch map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.patches = append(f.patches, patch)
	return nil
}

func newTestRouter(w *fakeWorker, p *fakeProxy, d *fakeDNS, patcher *fakePatcher) http.Handler {
	return NewRouter(Deps{
		Version: "1.2.3",
		Worker:  w,
		Proxy:   p,
		DNS:     d,
		Patcher: patcher,
		UsedPort: func(context.Context) ([]netprobe.PortUse, error) {
			return []netprobe.PortUse{{Port: 7890, Address: "127.0.0.1"}}, nil
		},
		Probe: netprobe.TestTCP,
	}).Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestVersion(t *testing.T) {
	h := newTestRouter(&fakeWorker{}, &fakeProxy{}, &fakeDNS{}, &fakePatcher{})
	rec := doJSON(t, h, http.MethodGet, "/version", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["version"] != "1.2.3" {
		t.Errorf("version = %q", body["version"])
	}
}

func TestWorkerLifecycleRoutes(t *testing.T) {
	w := &fakeWorker{}
	h := newTestRouter(w, &fakeProxy{}, &fakeDNS{}, &fakePatcher{})

	rec := doJSON(t, h, http.MethodPost, "/worker/start", workerStartReq{
		Executable: "/usr/local/bin/worker", ConfigDir: "/var/lib/worker", Config: "port: 7890",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/worker/status", nil)
	var st supervisor.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.PID != 4242 || !st.IsRunning {
		t.Errorf("status = %+v", st)
	}

	rec = doJSON(t, h, http.MethodPost, "/worker/stop", nil)
	if rec.Code != http.StatusOK || !w.stopped {
		t.Errorf("stop not dispatched: %d", rec.Code)
	}
}

func TestMalformedBodyIsTyped400(t *testing.T) {
	h := newTestRouter(&fakeWorker{}, &fakeProxy{}, &fakeDNS{}, &fakePatcher{})
	req := httptest.NewRequest(http.MethodPost, "/worker/start", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp decodeErrorResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Kind != "decode" || resp.Error == "" {
		t.Errorf("unexpected payload: %+v", resp)
	}
}

func TestHandlerFailureIsCallError(t *testing.T) {
	w := &fakeWorker{startErr: errors.New("spawn worker: no such file")}
	h := newTestRouter(w, &fakeProxy{}, &fakeDNS{}, &fakePatcher{})

	rec := doJSON(t, h, http.MethodPost, "/worker/start", workerStartReq{
		Executable: "/nope", ConfigDir: "/tmp",
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var ce CallError
	if err := json.Unmarshal(rec.Body.Bytes(), &ce); err != nil {
		t.Fatal(err)
	}
	if ce.Op != "worker start" || ce.Message == "" {
		t.Errorf("unexpected CallError: %+v", ce)
	}
}

func TestSysproxyRoutes(t *testing.T) {
	p := &fakeProxy{}
	h := newTestRouter(&fakeWorker{}, p, &fakeDNS{}, &fakePatcher{})

	rec := doJSON(t, h, http.MethodPost, "/sysproxy/enable", sysproxy.Settings{HTTPHost: "127.0.0.1", HTTPPort: 7890})
	if rec.Code != http.StatusOK || !p.enabled {
		t.Fatalf("enable failed: %d", rec.Code)
	}
	if p.settings.HTTPPort != 7890 {
		t.Errorf("settings not forwarded: %+v", p.settings)
	}

	rec = doJSON(t, h, http.MethodGet, "/sysproxy/status", nil)
	var st sysproxy.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if !st.Enabled {
		t.Errorf("status = %+v", st)
	}

	rec = doJSON(t, h, http.MethodPost, "/sysproxy/disable", nil)
	if rec.Code != http.StatusOK || p.enabled {
		t.Errorf("disable failed: %d", rec.Code)
	}
}

func TestDNSRoutes(t *testing.T) {
	d := &fakeDNS{}
	h := newTestRouter(&fakeWorker{}, &fakeProxy{}, d, &fakePatcher{})

	rec := doJSON(t, h, http.MethodPost, "/dns/configure", dnsConfigureReq{Servers: []string{"198.18.0.2"}})
	if rec.Code != http.StatusOK || len(d.servers) != 1 {
		t.Fatalf("configure failed: %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/dns/flush", nil)
	if rec.Code != http.StatusOK || d.flushes != 1 {
		t.Errorf("flush failed: %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/dns/revert", nil)
	if rec.Code != http.StatusOK || len(d.servers) != 0 {
		t.Errorf("revert failed: %d", rec.Code)
	}
}

func TestTunUpdatePatchesWorkerConfig(t *testing.T) {
	patcher := &fakePatcher{}
	h := newTestRouter(&fakeWorker{}, &fakeProxy{}, &fakeDNS{}, patcher)

	rec := doJSON(t, h, http.MethodPost, "/worker/tun", tunUpdateReq{Enable: true, Stack: "system"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if len(patcher.patches) != 1 {
		t.Fatalf("patches = %v", patcher.patches)
	}
	tun, ok := patcher.patches[0]["tun"].(map[string]any)
	if !ok || tun["enable"] != true || tun["stack"] != "system" {
		t.Errorf("unexpected patch: %v", patcher.patches[0])
	}
}

func TestProbeValidationIs400(t *testing.T) {
	h := newTestRouter(&fakeWorker{}, &fakeProxy{}, &fakeDNS{}, &fakePatcher{})
	rec := doJSON(t, h, http.MethodPost, "/net/probe", probeReq{Host: "localhost", Port: 99999, TimeoutMS: 500})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp decodeErrorResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Kind != "validation" {
		t.Errorf("kind = %q", resp.Kind)
	}
}

func TestUsedPortsRoute(t *testing.T) {
	h := newTestRouter(&fakeWorker{}, &fakeProxy{}, &fakeDNS{}, &fakePatcher{})
	rec := doJSON(t, h, http.MethodGet, "/net/ports", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Ports []netprobe.PortUse `json:"ports"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Ports) != 1 || body.Ports[0].Port != 7890 {
		t.Errorf("ports = %+v", body.Ports)
	}
}
