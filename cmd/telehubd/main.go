// Telehub daemon -- vehicle telemetry hub (UDP device protocol + HTTP API).
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
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/gundalpha/Freematics-CONF/internal/config"
	"github.com/gundalpha/Freematics-CONF/internal/httpapi"
	"github.com/gundalpha/Freematics-CONF/internal/hub"
	hubmetrics "github.com/gundalpha/Freematics-CONF/internal/metrics"
	"github.com/gundalpha/Freematics-CONF/internal/store"
	appversion "github.com/gundalpha/Freematics-CONF/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	// 2. Load config.
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("telehub starting",
		slog.String("version", appversion.Version),
		slog.String("udp_addr", cfg.UDP.Addr),
		slog.String("http_addr", cfg.HTTP.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Create working directories.
	if err := createDirs(cfg.Hub); err != nil {
		logger.Error("failed to create working directories",
			slog.String("error", err.Error()),
		)
		return 1
	}

	if err := runServers(cfg, logger, *configPath, logLevel); err != nil {
		logger.Error("telehub exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("telehub stopped")
	return 0
}

// runServers wires the hub components together and runs the UDP engine,
// HTTP API, metrics server, and sweeper under an errgroup with a
// signal-aware context.
func runServers(
	cfg *config.Config,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	// Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := hubmetrics.NewCollector(reg)

	// Persistent channel store.
	st, closeStore, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStoreQuietly(closeStore, logger)

	clock := hub.SystemClock()

	// Channel table, restored from the store when one is configured.
	table := hub.NewChannelTable(cfg.Hub.MaxChannels, clock, logger,
		hub.WithTableMetrics(collector),
	)
	restoreChannels(ctx, table, st, logger)

	dispatcher := hub.NewCommandDispatcher(cfg.Hub.CommandTimeout.Milliseconds(), clock, logger,
		hub.WithDispatcherMetrics(collector),
	)
	proc := hub.NewPayloadProcessor(table, st, clock, logger,
		hub.WithProcessorMetrics(collector),
	)

	// Device UDP socket.
	lc := net.ListenConfig{}
	conn, err := lc.ListenPacket(ctx, "udp", cfg.UDP.Addr)
	if err != nil {
		return fmt.Errorf("listen udp on %s: %w", cfg.UDP.Addr, err)
	}
	defer conn.Close()

	engine := hub.NewEngine(conn, table, proc, dispatcher, st, clock, logger,
		hub.WithEngineMetrics(collector),
		hub.WithServerKey(cfg.Hub.ServerKey),
		hub.WithSyncInterval(cfg.Hub.SyncInterval),
	)

	sweeper := hub.NewSweeper(table, dispatcher, st, cfg.Hub.ChannelTimeout, clock, logger,
		hub.WithSweepInterval(cfg.Hub.SweepInterval),
		hub.WithSweeperMetrics(collector),
	)

	api := httpapi.New(table, proc, engine, dispatcher, st, clock, logger)
	apiSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("device engine listening", slog.String("addr", cfg.UDP.Addr))
		return engine.Run(gCtx)
	})
	g.Go(func() error {
		return sweeper.Run(gCtx)
	})

	startHTTPServers(gCtx, g, cfg, apiSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		persistAll(table, st, logger)
		return gracefulShutdown(gCtx, logger, apiSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startHTTPServers registers the API and metrics HTTP server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	apiSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("HTTP API listening", slog.String("addr", cfg.HTTP.Addr))
		return listenAndServe(ctx, &lc, apiSrv, cfg.HTTP.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Channel Persistence — restore at startup, flush at shutdown
// -------------------------------------------------------------------------

// restoreChannels reloads persisted channels into the table. Store errors
// degrade to an empty table rather than failing startup.
func restoreChannels(ctx context.Context, table *hub.ChannelTable, st hub.Store, logger *slog.Logger) {
	snaps, err := st.LoadChannels(ctx)
	if err != nil {
		logger.Warn("channel restore failed, starting empty",
			slog.String("error", err.Error()),
		)
		return
	}
	if n := table.Load(snaps); n > 0 {
		logger.Info("channels restored", slog.Int("count", n))
	}
}

// persistAll flushes every channel snapshot through the store before the
// process exits.
func persistAll(table *hub.ChannelTable, st hub.Store, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, snap := range table.Snapshot(false) {
		if err := st.SaveChannel(ctx, snap); err != nil {
			logger.Warn("final channel save failed",
				slog.String("id", snap.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func closeStoreQuietly(closeStore func() error, logger *slog.Logger) {
	if err := closeStore(); err != nil {
		logger.Warn("failed to close store",
			slog.String("error", err.Error()),
		)
	}
}

// createDirs creates the configured data and log directories.
func createDirs(cfg config.HubConfig) error {
	for _, dir := range []string{cfg.DataDir, cfg.LogDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Clean(dir), 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
// The interval is WatchdogSec/2 as recommended by the systemd documentation.
// If watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	// Send keepalive at half the watchdog interval.
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
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — dynamic log level
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads configuration.
// Only the log level is applied dynamically; listener addresses and hub
// parameters require a restart. Blocks until the context is cancelled.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, logger)
		}
	}
}

// reloadConfig loads a fresh configuration from the given path and updates
// the dynamic log level. Errors during reload are logged but do not stop
// the daemon -- the previous configuration remains in effect.
func reloadConfig(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd and drains the HTTP servers. The UDP
// engine and sweeper stop on their own when the parent context cancels.
//
// The parent context is already cancelled when this function is called.
// A fresh timeout context is created internally for server drain.
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

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using the ListenConfig (for noctx
// compliance) and serves HTTP requests until the server is shut down.
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

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
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
