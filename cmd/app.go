package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mikills/contentsync/content"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const defaultSyncTimeout = 2 * time.Minute

type AppConfig struct {
	Address           string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// SyncInterval is the period of the background sync loop. Zero disables
	// the loop.
	SyncInterval time.Duration
	// SyncOnStart runs one sync as soon as the loop starts.
	SyncOnStart bool
	SyncTimeout time.Duration
	Logger      *slog.Logger
}

func DefaultAppConfig() AppConfig {
	return AppConfig{
		Address:           "127.0.0.1:8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		SyncInterval:      0,
		SyncTimeout:       defaultSyncTimeout,
		Logger:            slog.Default(),
	}
}

type App struct {
	engine  *content.Engine
	echo    *echo.Echo
	config  AppConfig
	logger  *slog.Logger
	metrics content.Metrics

	mu       sync.Mutex
	listener net.Listener
	errCh    chan error
	started  bool

	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

// metricsExporter is implemented by metrics backends that can be scraped.
type metricsExporter interface {
	Handler() http.Handler
}

func NewApp(engine *content.Engine, cfg AppConfig) *App {
	cfg = mergeWithDefaultAppConfig(cfg)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var metrics content.Metrics = content.NoopMetrics{}
	if engine != nil && engine.Metrics != nil {
		metrics = engine.Metrics
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLoggerMiddleware(logger, metrics))

	app := &App{
		engine:  engine,
		echo:    e,
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		errCh:   make(chan error, 1),
	}
	app.registerRoutes()
	return app
}

func mergeWithDefaultAppConfig(cfg AppConfig) AppConfig {
	d := DefaultAppConfig()
	if cfg.Address != "" {
		d.Address = cfg.Address
	}
	if cfg.ReadHeaderTimeout > 0 {
		d.ReadHeaderTimeout = cfg.ReadHeaderTimeout
	}
	if cfg.ShutdownTimeout > 0 {
		d.ShutdownTimeout = cfg.ShutdownTimeout
	}
	if cfg.SyncInterval > 0 {
		d.SyncInterval = cfg.SyncInterval
	}
	if cfg.SyncTimeout > 0 {
		d.SyncTimeout = cfg.SyncTimeout
	}
	d.SyncOnStart = cfg.SyncOnStart
	if cfg.Logger != nil {
		d.Logger = cfg.Logger
	}
	return d
}

func requestLoggerMiddleware(logger *slog.Logger, metrics content.Metrics) echo.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = content.NoopMetrics{}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			if status == 0 {
				status = http.StatusOK
			}
			latency := time.Since(start)
			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}
			metrics.RecordRequest(c.Request().Method, path, status, latency)
			attrs := []any{
				"method", c.Request().Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"remote_ip", c.RealIP(),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			}

			switch {
			case status >= http.StatusInternalServerError:
				logger.ErrorContext(c.Request().Context(), "http request", attrs...)
			case status >= http.StatusBadRequest:
				logger.WarnContext(c.Request().Context(), "http request", attrs...)
			default:
				logger.InfoContext(c.Request().Context(), "http request", attrs...)
			}
			return nil
		}
	}
}

func (a *App) registerRoutes() {
	deps := Dependencies{Logger: a.logger}
	if exporter, ok := a.metrics.(metricsExporter); ok {
		deps.MetricsHandler = exporter.Handler()
	}
	if a.engine != nil {
		deps.Status = a.engine.Status
		deps.Snapshots = a.engine.Store.Snapshots
		deps.Snapshot = a.engine.Store.Get
		deps.Load = a.engine.Load
		deps.Sync = a.engine.Sync
		deps.CheckForUpdates = a.engine.CheckForUpdates
		deps.ClearCache = a.engine.ClearCache
		deps.ImageURL = a.engine.ImageURL
	}
	Register(a.echo, deps)
}

func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("app already started")
	}

	ln, err := net.Listen("tcp", a.config.Address)
	if err != nil {
		return err
	}
	a.listener = ln
	a.started = true

	if a.engine != nil {
		a.startSyncLoopLocked()
	}

	srv := &http.Server{Handler: a.echo, ReadHeaderTimeout: a.config.ReadHeaderTimeout}
	a.echo.Server = srv

	go func() {
		err := a.echo.Server.Serve(ln)
		if err == http.ErrServerClosed {
			err = nil
		}
		a.errCh <- err
	}()

	return nil
}

func (a *App) Address() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	addr := a.listener.Addr().String()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	host = strings.TrimSpace(host)
	if host == "" || host == "::" || host == "0.0.0.0" || host == "[::]" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (a *App) Wait() error {
	return <-a.errCh
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	started := a.started
	a.started = false
	a.mu.Unlock()

	if !started {
		return nil
	}

	a.mu.Lock()
	a.stopSyncLoopLocked()
	a.mu.Unlock()

	if ctx == nil {
		c, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
		defer cancel()
		ctx = c
	}

	if err := a.echo.Shutdown(ctx); err != nil {
		return err
	}
	return nil
}

// startSyncLoopLocked runs engine.Sync every SyncInterval. A cycle that is
// still running when the next tick fires is joined, not duplicated.
func (a *App) startSyncLoopLocked() {
	if a.engine == nil || a.engine.Origin == nil {
		return
	}
	if a.config.SyncInterval <= 0 && !a.config.SyncOnStart {
		return
	}
	if a.syncCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.syncCancel = cancel
	a.syncDone = done
	interval := a.config.SyncInterval

	go func() {
		defer close(done)
		if a.config.SyncOnStart {
			a.runSync(ctx)
		}
		if interval <= 0 {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.runSync(ctx)
			}
		}
	}()
}

func (a *App) runSync(ctx context.Context) {
	syncCtx, cancel := context.WithTimeout(ctx, a.config.SyncTimeout)
	defer cancel()

	report, err := a.engine.Sync(syncCtx)
	if err != nil {
		if errors.Is(err, content.ErrSyncInProgress) {
			a.logger.InfoContext(ctx, "background sync skipped", "reason", err.Error())
			return
		}
		a.logger.WarnContext(ctx, "background sync failed", "error", err)
		return
	}
	if failed := report.Failed(); len(failed) > 0 {
		a.logger.WarnContext(ctx, "background sync left collections behind", "failed", failed)
	}
}

func (a *App) stopSyncLoopLocked() {
	if a.syncCancel == nil {
		return
	}
	cancel := a.syncCancel
	done := a.syncDone
	a.syncCancel = nil
	a.syncDone = nil
	cancel()
	if done != nil {
		<-done
	}
}
