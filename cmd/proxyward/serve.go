package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/proxyward/internal/config"
	"github.com/loykin/proxyward/internal/coreapi"
	"github.com/loykin/proxyward/internal/dnsctl"
	"github.com/loykin/proxyward/internal/history"
	"github.com/loykin/proxyward/internal/ipc"
	"github.com/loykin/proxyward/internal/logger"
	"github.com/loykin/proxyward/internal/metrics"
	"github.com/loykin/proxyward/internal/mirror"
	"github.com/loykin/proxyward/internal/netmon"
	"github.com/loykin/proxyward/internal/supervisor"
	"github.com/loykin/proxyward/internal/sysproxy"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxyward daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/proxyward/proxyward.toml", "daemon config file")
	return cmd
}

func runServe(configPath string) error {
	fc, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var logOut io.Writer = os.Stderr
	level := ""
	if fc.Log != nil {
		level = fc.Log.Level
		if w := fc.Log.Writer("proxyward"); w != nil {
			logOut = io.MultiWriter(os.Stderr, w)
		}
	}
	slogger := logger.New(logOut, level)

	var sink history.Sink
	if fc.History.Enabled {
		sqlSink, err := history.NewSQLite(fc.History.Path)
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		defer func() { _ = sqlSink.Close() }()
		sink = sqlSink
	}

	var metricsSrv *http.Server
	if fc.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			slogger.Warn("metrics registration", "error", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: fc.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slogger.Error("metrics server", "error", err)
			}
		}()
	}

	var workerLog logger.Config
	if fc.Log != nil {
		workerLog = *fc.Log
	}
	sup := supervisor.New(supervisor.Config{
		Name:            fc.Worker.Name,
		ControlEndpoint: fc.Worker.ControlEndpoint,
		SettleDelay:     fc.Worker.SettleDelay,
		StopTimeout:     fc.Worker.StopTimeout,
		TailLines:       fc.Worker.TailLines,
		Log:             workerLog,
		Logger:          slogger,
		History:         sink,
	})

	api := coreapi.New(coreapi.Config{
		BaseURL: "http://" + fc.Worker.ControlEndpoint,
		Logger:  slogger,
	})
	mir := mirror.New(mirror.Config{
		API:             api,
		Reconnect:       fc.Reconnect,
		ConnectionsPoll: fc.Mirror.ConnectionsPoll,
		FullRefresh:     fc.Mirror.FullRefresh,
		Logger:          slogger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mon := netmon.New(netmon.Config{Logger: slogger})
	mon.Register(func(c netmon.Change) {
		slogger.Info("network change",
			"added", c.Added, "removed", c.Removed,
			"primary_old", c.PrimaryOld, "primary_new", c.PrimaryNew)
		// Connectivity moved under the worker; re-fetch the aggregates off
		// the monitor's goroutine.
		go mir.Refresh(ctx)
	})
	mon.Start(ctx)
	defer mon.Stop()

	ws := &workerService{sup: sup, api: api, mirror: mir, ctx: ctx}

	ipcSrv := ipc.NewServer(ipc.Config{
		SocketPath:     fc.IPC.Socket,
		AllowedCallers: fc.IPC.AllowedCallers,
		Logger:         slogger,
		IdleExit:       fc.IPC.IdleExit,
		IdleDelay:      fc.IPC.IdleDelay,
		OnIdle:         cancel,
	}, ipc.Deps{
		Version: version,
		Worker:  ws,
		Proxy:   sysproxy.New(slogger),
		DNS:     dnsctl.New(slogger),
		Patcher: mir,
	})
	if err := ipcSrv.Start(); err != nil {
		return err
	}
	defer func() { _ = ipcSrv.Close() }()

	if fc.Worker.AutoStart {
		var content []byte
		if fc.Worker.ConfigFile != "" {
			content, err = os.ReadFile(fc.Worker.ConfigFile)
			if err != nil {
				return fmt.Errorf("read worker config: %w", err)
			}
		}
		if msg, err := ws.Start(ctx, fc.Worker.Executable, fc.Worker.ConfigDir, content); err != nil {
			slogger.Error("autostart", "error", err)
		} else {
			slogger.Info("autostart", "result", msg)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		slogger.Info("shutting down", "signal", s.String())
	case <-ctx.Done():
		slogger.Info("shutting down", "reason", "idle")
	}

	mir.Disconnect()
	if err := sup.Shutdown(); err != nil {
		slogger.Error("worker shutdown", "error", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}
	return nil
}

// workerService couples supervisor lifecycle calls with the mirror: a
// successful start points the control client at the new worker's endpoint
// and secret, a stop tears the mirror down first.
type workerService struct {
	sup    *supervisor.Supervisor
	api    *coreapi.Client
	mirror *mirror.Mirror
	ctx    context.Context
}

func (w *workerService) Start(ctx context.Context, exe, configDir string, content []byte) (string, error) {
	msg, err := w.sup.Start(ctx, exe, configDir, content)
	if err != nil {
		return msg, err
	}
	w.follow()
	return msg, nil
}

func (w *workerService) Stop() error {
	w.mirror.Disconnect()
	return w.sup.Stop()
}

func (w *workerService) Restart(ctx context.Context) (string, error) {
	w.mirror.Disconnect()
	msg, err := w.sup.Restart(ctx)
	if err != nil {
		return msg, err
	}
	w.follow()
	return msg, nil
}

func (w *workerService) Status() supervisor.Status { return w.sup.Status() }

func (w *workerService) follow() {
	if handle, ok := w.sup.Handle(); ok {
		w.api.SetEndpoint("http://"+handle.ControlEndpoint, handle.Secret)
		w.mirror.Connect(w.ctx)
	}
}
