package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/park285/pet-lobby-client/internal/api"
	"github.com/park285/pet-lobby-client/internal/battle"
	appcfg "github.com/park285/pet-lobby-client/internal/config"
	"github.com/park285/pet-lobby-client/internal/history"
	"github.com/park285/pet-lobby-client/internal/lobby"
	"github.com/park285/pet-lobby-client/internal/metrics"
	"github.com/park285/pet-lobby-client/internal/msgcat"
	"github.com/park285/pet-lobby-client/internal/obslog"
	"github.com/park285/pet-lobby-client/internal/stats"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	app := fx.New(
		fx.Supply(cfg, logger),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Provide(
			newRegistry,
			newMetrics,
			newCatalog,
			newCache,
			newJournal,
			newBootstrap,
			newClient,
		),
		fx.Invoke(serveMetrics, runConsole),
	)
	app.Run()
	if err := app.Err(); err != nil {
		logger.Error("lobby_client_exit", zap.Error(err))
		os.Exit(1)
	}
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func newMetrics(reg *prometheus.Registry) *metrics.Metrics { return metrics.New(reg) }

func newCatalog(cfg *appcfg.AppConfig) (*msgcat.Catalog, error) { return msgcat.New(cfg.MsgcatDir) }

// newCache prefers Redis so stats survive restarts; the in-memory cache only
// lives for the process.
func newCache(lc fx.Lifecycle, cfg *appcfg.AppConfig, logger *zap.Logger) (stats.Cache, error) {
	if cfg.RedisURL == "" {
		logger.Info("stat_cache", zap.String("backend", "memory"))
		return stats.NewMemoryCache(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rc, err := stats.DialRedisCache(ctx, cfg.RedisURL, "lobby")
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(rc.Close))
	logger.Info("stat_cache", zap.String("backend", "redis"))
	return rc, nil
}

func newJournal(lc fx.Lifecycle, cfg *appcfg.AppConfig) (battle.Journal, error) {
	if cfg.DatabaseURL == "" {
		return nil, nil
	}
	repo, err := history.NewRepository(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = repo.Close()
		return nil, err
	}
	lc.Append(fx.StopHook(repo.Close))
	return repo, nil
}

func newBootstrap(cfg *appcfg.AppConfig) lobby.StatusSource {
	if cfg.APIURL == "" {
		return nil
	}
	return api.NewClient(cfg.APIURL, api.WithTimeout(5*time.Second))
}

type clientParams struct {
	fx.In

	LC        fx.Lifecycle
	Config    *appcfg.AppConfig
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Cache     stats.Cache
	Journal   battle.Journal     `optional:"true"`
	Bootstrap lobby.StatusSource `optional:"true"`
}

func newClient(p clientParams) (*lobby.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := lobby.Connect(ctx, lobby.ConfigFrom(p.Config), lobby.Deps{
		Cache:     p.Cache,
		Bootstrap: p.Bootstrap,
		Journal:   p.Journal,
		Metrics:   p.Metrics,
		Logger:    p.Logger,
	})
	if err != nil {
		return nil, err
	}
	p.LC.Append(fx.StopHook(c.Close))
	return c, nil
}

func serveMetrics(lc fx.Lifecycle, cfg *appcfg.AppConfig, reg *prometheus.Registry, logger *zap.Logger) {
	if cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics_server_failed", zap.Error(err))
				}
			}()
			logger.Info("metrics_listening", zap.String("addr", cfg.MetricsAddr))
			return nil
		},
		OnStop: srv.Shutdown,
	})
}
