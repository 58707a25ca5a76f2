// Itero mesh daemon -- hosts one node of the peer-to-peer action-frame
// mesh and exposes it over a JSON admin API and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/LightningTH/itero/internal/adminapi"
	"github.com/LightningTH/itero/internal/config"
	"github.com/LightningTH/itero/internal/mesh"
	"github.com/LightningTH/itero/internal/meshmetrics"
	"github.com/LightningTH/itero/internal/netio"
	"github.com/LightningTH/itero/internal/store"
	appversion "github.com/LightningTH/itero/internal/version"
)

// peerGaugeInterval is how often the daemon recomputes the
// known/connected peer gauges, since the mesh package reports individual
// transitions but not a running total.
const peerGaugeInterval = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("itero starting",
		slog.String("version", appversion.Version),
		slog.String("admin_addr", cfg.Admin.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.String("interface", cfg.NetIO.Interface),
	)

	reg := prometheus.NewRegistry()
	collector := meshmetrics.NewCollector(reg)

	kv, closeKV, err := openStore(cfg.Store)
	if err != nil {
		logger.Error("failed to open persistence store", slog.String("error", err.Error()))
		return 1
	}
	defer closeKV()

	transport, err := netio.NewRawFrameTransport(cfg.NetIO.Interface)
	if err != nil {
		logger.Error("failed to open raw frame transport",
			slog.String("interface", cfg.NetIO.Interface),
			slog.String("error", err.Error()),
		)
		return 1
	}
	defer func() {
		if err := transport.Close(); err != nil {
			logger.Warn("failed to close transport", slog.String("error", err.Error()))
		}
	}()

	sink := newLoggingMetricsSink(logger, collector)

	m, err := mesh.New(mesh.Config{
		Transport:      transport,
		Store:          kv,
		DHPrime:        cfg.Mesh.DHPrime,
		DHGenerator:    cfg.Mesh.DHGenerator,
		BroadcastSeed:  cfg.Mesh.BroadcastSeed,
		BroadcastMask1: cfg.Mesh.BroadcastMask1,
		BroadcastMask2: cfg.Mesh.BroadcastMask2,
		Sink:           sink,
		PingData:       []byte(cfg.Mesh.PingName),
		CanBroadcast:   cfg.Mesh.CanBroadcast,
		Metrics:        meshmetrics.NewReporter(collector),
	})
	if err != nil {
		logger.Error("failed to initialize mesh", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("mesh initialized", slog.String("local_mac", m.GetMAC().String()))

	if err := runServers(cfg, m, reg, logger, *configPath, logLevel, collector); err != nil {
		logger.Error("itero exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("itero stopped")
	return 0
}

// runServers starts the mesh protocol loop, the admin API, and the
// metrics endpoint, and blocks until a termination signal or an
// unrecoverable error brings them all down together.
func runServers(
	cfg *config.Config,
	m *mesh.Mesh,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	collector *meshmetrics.Collector,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.Run(gCtx)
	})

	adminSrv := newAdminServer(cfg.Admin, m, logger)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	lc := net.ListenConfig{}
	g.Go(func() error {
		logger.Info("admin API listening", slog.String("addr", cfg.Admin.Addr))
		return listenAndServe(gCtx, &lc, adminSrv, cfg.Admin.Addr)
	})
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})
	g.Go(func() error {
		runPeerGauges(gCtx, m, collector)
		return nil
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, configPath, logLevel, logger)
		return nil
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, adminSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// runPeerGauges periodically refreshes the known/connected peer gauges
// until ctx is done. The mesh package has no "peer count changed"
// callback, so this polls instead of pushing on every transition.
func runPeerGauges(ctx context.Context, m *mesh.Mesh, collector *meshmetrics.Collector) {
	ticker := time.NewTicker(peerGaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collector.SetKnownPeers(m.KnownPeerCount())
			collector.SetConnectedPeers(len(m.ConnectedDevices()))
		}
	}
}

func newAdminServer(cfg config.AdminConfig, m *mesh.Mesh, logger *slog.Logger) *http.Server {
	srv := adminapi.New(m, logger)
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// shutdownTimeout bounds how long graceful HTTP shutdown waits for
// in-flight requests to drain.
const shutdownTimeout = 10 * time.Second

func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", err.Error()))
			}
		}
	}
}

func handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading log level")
			newCfg, err := loadConfig(configPath)
			if err != nil {
				logger.Error("failed to reload configuration, keeping current settings",
					slog.String("error", err.Error()),
				)
				continue
			}
			oldLevel := logLevel.Level()
			newLevel := config.ParseLogLevel(newCfg.Log.Level)
			logLevel.Set(newLevel)
			logger.Info("configuration reloaded",
				slog.String("old_log_level", oldLevel.String()),
				slog.String("new_log_level", newLevel.String()),
			)
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// openStore opens the configured persistence backend: a WAL-backed file
// store if a path is set, or an in-memory store (no reboot survival)
// otherwise. The returned close function is always safe to defer.
func openStore(cfg config.StoreConfig) (store.KV, func(), error) {
	if cfg.Path == "" {
		mem := store.NewMemStore()
		return mem, func() { _ = mem.Close() }, nil
	}
	fs, err := store.Open(cfg.Path)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open store %s: %w", cfg.Path, err)
	}
	return fs, func() { _ = fs.Close() }, nil
}

// loggingMetricsSink adapts mesh.Sink events to structured log lines and
// Prometheus counters. It holds no application-specific behavior; a real
// deployment would wrap this (or replace it) with whatever forwards
// messages into its own application logic.
type loggingMetricsSink struct {
	logger    *slog.Logger
	collector *meshmetrics.Collector
	mu        sync.Mutex
}

func newLoggingMetricsSink(logger *slog.Logger, collector *meshmetrics.Collector) *loggingMetricsSink {
	return &loggingMetricsSink{logger: logger, collector: collector}
}

func (s *loggingMetricsSink) OnMessage(from mesh.MAC, data []byte) {
	if len(data) == 0 {
		s.logger.Debug("pending write acked or abandoned", slog.String("peer", from.String()))
		return
	}
	s.collector.IncFramesReceived(from.String(), "message")
	s.logger.Info("message received", slog.String("peer", from.String()), slog.Int("len", len(data)))
}

func (s *loggingMetricsSink) OnBroadcast(from mesh.MAC, data []byte) {
	s.collector.IncFramesReceived(from.String(), "broadcast")
	s.logger.Debug("broadcast received", slog.String("peer", from.String()), slog.Int("len", len(data)))
}

func (s *loggingMetricsSink) OnPing(from mesh.MAC, data []byte) {
	s.collector.IncFramesReceived(from.String(), "ping")
	s.logger.Debug("ping received", slog.String("peer", from.String()), slog.String("name", string(data)))
}

func (s *loggingMetricsSink) OnConnected(mac mesh.MAC, name string, outcome mesh.ConnectOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state string
	switch outcome {
	case mesh.ConnectSucceeded:
		state = "connected"
	case mesh.ConnectDisconnected:
		state = "disconnected"
	default:
		state = "failed"
	}
	s.collector.RecordStateTransition(mac.String(), "", state)
	s.logger.Info("peer connection state changed",
		slog.String("peer", mac.String()),
		slog.String("name", name),
		slog.String("state", state),
	)
}

func (s *loggingMetricsSink) OnSendFailed(mac mesh.MAC) {
	s.collector.IncSendFailures(mac.String())
	s.logger.Warn("send failed, retransmit budget exhausted", slog.String("peer", mac.String()))
}
