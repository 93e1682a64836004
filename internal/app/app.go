// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bissquit/sms-courier/internal/campaigns"
	"github.com/bissquit/sms-courier/internal/campaigns/gateway"
	campaignspostgres "github.com/bissquit/sms-courier/internal/campaigns/postgres"
	campaignsredis "github.com/bissquit/sms-courier/internal/campaigns/redis"
	"github.com/bissquit/sms-courier/internal/config"
	"github.com/bissquit/sms-courier/internal/pkg/ctxlog"
	"github.com/bissquit/sms-courier/internal/pkg/httputil"
	"github.com/bissquit/sms-courier/internal/pkg/metrics"
	"github.com/bissquit/sms-courier/internal/pkg/postgres"
	"github.com/bissquit/sms-courier/internal/version"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	store         *campaignsredis.Store
	queue         campaigns.Queue
	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc
	dispatcher    *campaigns.Dispatcher
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	store, err := campaignsredis.NewStore(cfg.Redis.URL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create progress store: %w", err)
	}
	if err := store.Ping(connectCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())

	app := &App{
		config:   cfg,
		logger:   logger,
		db:       db,
		store:    store,
		queue:    campaignspostgres.NewRepository(db),
		bgCancel: bgCancel,
	}

	router := app.setupRouter(bgCtx)

	go app.collectDBMetrics(bgCtx)
	go app.collectQueueMetrics(bgCtx)
	go app.purgeLoop(bgCtx)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	// Start main server
	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application. The dispatcher stops
// first so no batch is abandoned mid-write; an interrupted campaign
// resumes from its progress record on next start.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.bgCancel()

	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close redis: %w", err))
	}
	a.db.Close()

	return errors.Join(errs...)
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := a.queue.Stats(ctx)
			if err != nil {
				slog.Error("failed to get queue stats", "error", err)
				continue
			}
			campaigns.RecordQueueStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

// purgeLoop removes terminal campaign jobs past the retention window.
func (a *App) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.Retention.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := a.queue.PurgeTerminal(ctx, a.config.Retention.MaxAge)
			if err != nil {
				slog.Error("failed to purge campaigns", "error", err)
				continue
			}
			if removed > 0 {
				slog.Info("purged terminal campaigns", "removed", removed)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Dispatcher returns the campaign dispatcher instance for tests.
func (a *App) Dispatcher() *campaigns.Dispatcher {
	return a.dispatcher
}

func (a *App) setupRouter(ctx context.Context) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	gw := gateway.NewClient(gateway.Config{
		BaseURL:   a.config.Gateway.BaseURL,
		APIKey:    a.config.Gateway.APIKey,
		SenderID:  a.config.Gateway.SenderID,
		Timeout:   a.config.Gateway.Timeout,
		BulkLimit: a.config.Gateway.BulkLimit,
	})

	renderer := campaigns.NewRenderer()
	normalizer := campaigns.NewPhoneNormalizer(a.config.Phone.CountryCode, a.config.Phone.TrunkPrefix)
	service := campaigns.NewService(a.queue, a.store)

	a.dispatcher = campaigns.NewDispatcher(campaigns.DispatcherConfig{
		BatchSize:    a.config.Dispatcher.BatchSize,
		BatchDelay:   a.config.Dispatcher.BatchDelay,
		SendRate:     a.config.Dispatcher.SendRate,
		PollInterval: a.config.Dispatcher.PollInterval,
		Lease:        a.config.Dispatcher.Lease,
	}, a.queue, a.store, gw, renderer, normalizer)
	a.dispatcher.Start(ctx)

	feed := campaigns.NewFeed(campaigns.FeedConfig{
		PollInterval:      a.config.Feed.PollInterval,
		HeartbeatInterval: a.config.Feed.HeartbeatInterval,
		CloseGrace:        a.config.Feed.CloseGrace,
	}, service)

	handler := campaigns.NewHandler(service, feed, renderer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(a.config.Auth.APIToken))
		handler.RegisterRoutes(r)
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	if err := a.store.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Redis unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
