package ipc

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/proxyward/internal/dnsctl"
	"github.com/loykin/proxyward/internal/netprobe"
	"github.com/loykin/proxyward/internal/supervisor"
	"github.com/loykin/proxyward/internal/sysproxy"
)

// CallError is the failure payload every handler returns on 5xx. Operations
// always produce exactly one reply; a failed call is a response, never a
// dropped connection.
type CallError struct {
	Op      string `json:"op"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
}

type decodeErrorResp struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type okResp struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// WorkerController is the supervisor surface the control channel drives.
type WorkerController interface {
	Start(ctx context.Context, executablePath, configDir string, configContent []byte) (string, error)
	Stop() error
	Restart(ctx context.Context) (string, error)
	Status() supervisor.Status
}

// ProxyController switches the OS proxy configuration.
type ProxyController interface {
	Enable(sysproxy.Settings) error
	Disable() error
	Status() sysproxy.Status
}

// DNSController manages resolver overrides and cache flushes.
type DNSController interface {
	Override(servers []string) error
	Revert() error
	Flush() error
	Status() dnsctl.Status
}

// ConfigPatcher applies sparse runtime-config patches to the worker, used for
// tun-mode updates.
type ConfigPatcher interface {
	UpdateConfig(ctx context.Context, patch map[string]any) error
}

// Deps collects everything the router dispatches to.
type Deps struct {
	Version  string
	Worker   WorkerController
	Proxy    ProxyController
	DNS      DNSController
	Patcher  ConfigPatcher
	UsedPort func(ctx context.Context) ([]netprobe.PortUse, error)
	Probe    func(ctx context.Context, host string, port int, timeout time.Duration) (netprobe.ProbeResult, error)
}

// Router provides the control-channel HTTP handlers, one route per
// operation.
type Router struct {
	deps Deps
}

func NewRouter(deps Deps) *Router {
	if deps.UsedPort == nil {
		deps.UsedPort = netprobe.UsedPorts
	}
	if deps.Probe == nil {
		deps.Probe = netprobe.TestTCP
	}
	return &Router{deps: deps}
}

// Handler returns the gin handler for mounting on the guarded listener.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/version", r.handleVersion)
	g.POST("/worker/start", r.handleWorkerStart)
	g.POST("/worker/stop", r.handleWorkerStop)
	g.POST("/worker/restart", r.handleWorkerRestart)
	g.GET("/worker/status", r.handleWorkerStatus)
	g.POST("/worker/tun", r.handleTunUpdate)
	g.POST("/sysproxy/enable", r.handleProxyEnable)
	g.POST("/sysproxy/disable", r.handleProxyDisable)
	g.GET("/sysproxy/status", r.handleProxyStatus)
	g.POST("/dns/configure", r.handleDNSConfigure)
	g.POST("/dns/revert", r.handleDNSRevert)
	g.POST("/dns/flush", r.handleDNSFlush)
	g.GET("/dns/status", r.handleDNSStatus)
	g.GET("/net/ports", r.handleUsedPorts)
	g.POST("/net/probe", r.handleProbe)
	return g
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, decodeErrorResp{Error: "invalid request body: " + err.Error(), Kind: "decode"})
}

func callFailed(c *gin.Context, op string, err error) {
	c.JSON(http.StatusInternalServerError, &CallError{Op: op, Code: http.StatusInternalServerError, Message: err.Error()})
}

func (r *Router) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": r.deps.Version})
}

type workerStartReq struct {
	Executable string `json:"executable" binding:"required"`
	ConfigDir  string `json:"config_dir" binding:"required"`
	Config     string `json:"config"`
}

func (r *Router) handleWorkerStart(c *gin.Context) {
	var req workerStartReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	msg, err := r.deps.Worker.Start(c.Request.Context(), req.Executable, req.ConfigDir, []byte(req.Config))
	if err != nil {
		callFailed(c, "worker start", err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true, Message: msg})
}

func (r *Router) handleWorkerStop(c *gin.Context) {
	if err := r.deps.Worker.Stop(); err != nil {
		callFailed(c, "worker stop", err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleWorkerRestart(c *gin.Context) {
	msg, err := r.deps.Worker.Restart(c.Request.Context())
	if err != nil {
		callFailed(c, "worker restart", err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true, Message: msg})
}

func (r *Router) handleWorkerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.deps.Worker.Status())
}

type tunUpdateReq struct {
	Enable bool   `json:"enable"`
	Stack  string `json:"stack,omitempty"`
	Device string `json:"device,omitempty"`
}

func (r *Router) handleTunUpdate(c *gin.Context) {
	var req tunUpdateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	tun := map[string]any{"enable": req.Enable}
	if req.Stack != "" {
		tun["stack"] = req.Stack
	}
	if req.Device != "" {
		tun["device"] = req.Device
	}
	if err := r.deps.Patcher.UpdateConfig(c.Request.Context(), map[string]any{"tun": tun}); err != nil {
		callFailed(c, "tun update", err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleProxyEnable(c *gin.Context) {
	var settings sysproxy.Settings
	if err := c.ShouldBindJSON(&settings); err != nil {
		badRequest(c, err)
		return
	}
	if err := r.deps.Proxy.Enable(settings); err != nil {
		callFailed(c, "system proxy enable", err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleProxyDisable(c *gin.Context) {
	if err := r.deps.Proxy.Disable(); err != nil {
		callFailed(c, "system proxy disable", err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleProxyStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.deps.Proxy.Status())
}

type dnsConfigureReq struct {
	Servers []string `json:"servers" binding:"required"`
}

func (r *Router) handleDNSConfigure(c *gin.Context) {
	var req dnsConfigureReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := r.deps.DNS.Override(req.Servers); err != nil {
		callFailed(c, "dns configure", err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleDNSRevert(c *gin.Context) {
	if err := r.deps.DNS.Revert(); err != nil {
		callFailed(c, "dns revert", err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleDNSFlush(c *gin.Context) {
	if err := r.deps.DNS.Flush(); err != nil {
		callFailed(c, "dns flush", err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleDNSStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.deps.DNS.Status())
}

func (r *Router) handleUsedPorts(c *gin.Context) {
	ports, err := r.deps.UsedPort(c.Request.Context())
	if err != nil {
		callFailed(c, "used ports", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ports": ports})
}

type probeReq struct {
	Host      string `json:"host" binding:"required"`
	Port      int    `json:"port" binding:"required"`
	TimeoutMS int    `json:"timeout_ms"`
}

func (r *Router) handleProbe(c *gin.Context) {
	var req probeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if req.TimeoutMS == 0 {
		timeout = 3 * time.Second
	}
	res, err := r.deps.Probe(c.Request.Context(), req.Host, req.Port, timeout)
	if err != nil {
		// Validation failures are the caller's fault.
		c.JSON(http.StatusBadRequest, decodeErrorResp{Error: err.Error(), Kind: "validation"})
		return
	}
	c.JSON(http.StatusOK, res)
}
