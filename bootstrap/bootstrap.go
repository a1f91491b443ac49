// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/imgrelay/imgrelay/adapters/clock"
	relayhttp "github.com/imgrelay/imgrelay/adapters/http"
	"github.com/imgrelay/imgrelay/adapters/idgen"
	"github.com/imgrelay/imgrelay/adapters/leveldb"
	"github.com/imgrelay/imgrelay/adapters/metrics"
	"github.com/imgrelay/imgrelay/adapters/origin"
	"github.com/imgrelay/imgrelay/adapters/sqlite"
	"github.com/imgrelay/imgrelay/app"
	"github.com/imgrelay/imgrelay/config"
)

// Options provides optional configuration for application initialization.
type Options struct {
	// ConfigPath is the YAML configuration file. When empty, configuration
	// comes from IMGRELAY_* environment variables and defaults.
	ConfigPath string

	// WatchConfig enables live reload of the config file and SIGHUP handling.
	WatchConfig bool
}

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Config
	DB         *sqlite.DB
	Store      *leveldb.Store
	Metrics    *metrics.Collector
	HTTPServer *http.Server

	orchestrator *app.Orchestrator
	aggregator   *app.Aggregator
	holder       *config.Holder
}

// New creates and initializes the application.
func New(opts Options) (*App, error) {
	cfg, err := config.LoadWithFallback(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	logger.Info().Msg("initializing imgrelay")

	a := &App{
		Logger: logger,
		Config: cfg,
	}

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
		logger.Info().Str("path", cfg.Metrics.Path).Msg("prometheus metrics enabled")
	}

	if err := a.initStorage(); err != nil {
		a.closePartial()
		return nil, err
	}

	a.initAggregator()
	a.initOrchestrator()

	if err := a.initConfigWatch(opts); err != nil {
		logger.Warn().Err(err).Msg("config watch unavailable, continuing without live reload")
	}

	if err := a.initHTTPServer(); err != nil {
		a.closePartial()
		return nil, err
	}

	return a, nil
}

func (a *App) initStorage() error {
	store, err := leveldb.Open(a.Config.Cache.Path, clock.Real{})
	if err != nil {
		return fmt.Errorf("open cache store: %w", err)
	}
	a.Store = store
	a.Logger.Info().Str("path", a.Config.Cache.Path).Msg("cache store opened")

	db, err := sqlite.Open(a.Config.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	a.DB = db
	a.Logger.Info().Str("dsn", a.Config.Database.DSN).Msg("database initialized")
	return nil
}

func (a *App) initAggregator() {
	deps := app.AggregatorDeps{
		Counters: sqlite.NewCounterStore(a.DB),
		Clock:    clock.Real{},
		Logger:   a.Logger,
		Hooks:    a.aggregatorHooks(),
	}
	if a.Config.Usage.BillingEnabled {
		deps.Sink = sqlite.NewBillingSink(a.DB)
		a.Logger.Info().
			Dur("flush_interval", a.Config.Usage.FlushInterval).
			Msg("billing flush enabled")
	} else {
		a.Logger.Info().Msg("billing sink unconfigured, usage counters will be discarded")
	}

	a.aggregator = app.NewAggregator(deps, app.AggregatorConfig{
		FlushInterval: a.Config.Usage.FlushInterval,
		IdleEviction:  a.Config.Usage.IdleEviction,
		QueueSize:     a.Config.Usage.QueueSize,
	})
}

func (a *App) aggregatorHooks() app.AggregatorHooks {
	if a.Metrics == nil {
		return app.AggregatorHooks{}
	}
	m := a.Metrics
	return app.AggregatorHooks{
		EventDropped: func() { m.EventsDropped.Inc() },
		FlushResult: func(ok bool) {
			result := "ok"
			if !ok {
				result = "error"
			}
			m.FlushTotal.WithLabelValues(result).Inc()
		},
		FlushAlert: func() { m.FlushAlerts.Inc() },
		ActorCount: func(n int) { m.ActiveActors.Set(float64(n)) },
	}
}

func (a *App) initOrchestrator() {
	fetcher := origin.New(origin.Config{
		Timeout:         a.Config.Origin.Timeout,
		UserAgent:       a.Config.Origin.UserAgent,
		ForwardClientIP: a.Config.Origin.ForwardClientIP,
		AllowPrivate:    a.Config.Origin.AllowPrivate,
	}, a.Logger)

	a.orchestrator = app.NewOrchestrator(app.OrchestratorDeps{
		Cache:   a.Store,
		Fetcher: fetcher,
		Usage:   a.aggregator,
		Clock:   clock.Real{},
		IDGen:   idgen.UUID{},
		Logger:  a.Logger,
	}, app.Limits{
		AllowedOrigins: a.Config.Origin.AllowedOrigins,
		MaxBytes:       a.Config.Origin.MaxBytes,
	})
}

func (a *App) initConfigWatch(opts Options) error {
	if opts.ConfigPath == "" || !opts.WatchConfig {
		return nil
	}

	holder, err := config.NewHolder(opts.ConfigPath, a.Logger)
	if err != nil {
		return err
	}
	holder.OnChange(func(cfg *config.Config) {
		a.orchestrator.UpdateLimits(app.Limits{
			AllowedOrigins: cfg.Origin.AllowedOrigins,
			MaxBytes:       cfg.Origin.MaxBytes,
		})
		if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	})
	if err := holder.WatchFile(); err != nil {
		return err
	}
	holder.WatchSignals()
	a.holder = holder
	a.Logger.Info().Str("path", opts.ConfigPath).Msg("watching config file for changes")
	return nil
}

func (a *App) initHTTPServer() error {
	handler := relayhttp.NewImageHandler(a.orchestrator, a.Logger)
	if a.Metrics != nil {
		handler.SetMetrics(a.Metrics)
	}

	var totals relayhttp.TotalsReader
	if a.Config.Usage.BillingEnabled {
		totals = &billingTotals{sink: sqlite.NewBillingSink(a.DB)}
	}
	statsHandler := relayhttp.NewStatsHandler(a.Store, totals, a.Logger)

	router := relayhttp.NewRouter(handler, a.Logger, relayhttp.RouterConfig{
		Metrics:      a.Metrics,
		MetricsPath:  a.Config.Metrics.Path,
		StatsHandler: statsHandler,
	})

	addr := fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.Port)
	a.HTTPServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}

	a.Logger.Info().Str("addr", addr).Msg("http server configured")
	return nil
}

// Run starts the HTTP server and blocks until shutdown.
func (a *App) Run() error {
	if a.Metrics != nil {
		go a.pollCacheStats()
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// pollCacheStats refreshes the cache gauges once a minute.
func (a *App) pollCacheStats() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		stats, err := a.Store.Stats(context.Background())
		if err != nil {
			continue
		}
		a.Metrics.CacheEntries.Set(float64(stats.Entries))
		a.Metrics.CacheBytes.Set(float64(stats.TotalBytes))
	}
}

// Shutdown gracefully stops the application. The aggregator closes before
// the stores so pending counters persist.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.holder != nil {
		a.holder.Stop()
	}

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	if a.aggregator != nil {
		if err := a.aggregator.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("usage aggregator close error")
		}
	}

	a.closePartial()
	a.Logger.Info().Msg("shutdown complete")
	return nil
}

func (a *App) closePartial() {
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("cache store close error")
		}
		a.Store = nil
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
		}
		a.DB = nil
	}
}

// billingTotals sums per-site billing totals for the /stats endpoint.
type billingTotals struct {
	sink *sqlite.BillingSink
}

func (b *billingTotals) Totals(ctx context.Context) (int64, int64, error) {
	sites, err := b.sink.Totals(ctx)
	if err != nil {
		return 0, 0, err
	}
	var hits, misses int64
	for _, s := range sites {
		hits += s.CacheHits
		misses += s.CacheMisses
	}
	return hits, misses, nil
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
