package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/McLeuker/mcleukerai-sub000/internal/auth"
	"github.com/McLeuker/mcleukerai-sub000/internal/config"
	"github.com/McLeuker/mcleukerai-sub000/internal/httpapi"
	"github.com/McLeuker/mcleukerai-sub000/internal/llm"
	"github.com/McLeuker/mcleukerai-sub000/internal/orchestrator"
	"github.com/McLeuker/mcleukerai-sub000/internal/store"
	"github.com/McLeuker/mcleukerai-sub000/internal/streaming"
	"github.com/McLeuker/mcleukerai-sub000/internal/tracing"
	"github.com/McLeuker/mcleukerai-sub000/internal/webtools"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("config load failed: " + err.Error())
	}

	logger := buildLogger(cfg.Logging.Level, cfg.Logging.Format)
	defer func() { _ = logger.Sync() }()

	stopTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = stopTracing(flushCtx)
	}()

	mgr := config.NewManager(cfg, config.Path(), logger)
	if err := mgr.Watch(); err != nil {
		logger.Warn("config hot reload unavailable", zap.Error(err))
	}
	defer mgr.Stop()

	db, err := store.New(&cfg.Database, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer func() { _ = db.Close() }()

	stream := streaming.NewManager(256)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unavailable, event mirror disabled", zap.Error(err))
		} else {
			stream.SetMirror(streaming.NewRedisMirror(rdb, logger))
		}
		cancel()
		defer func() { _ = rdb.Close() }()
	}

	llmClient := llm.NewClient(cfg.Providers, logger)
	searchClient := webtools.NewSearchClient(
		cfg.Providers.Search.BaseURL, cfg.Providers.Search.APIKey,
		cfg.Providers.Search.Timeout, logger)
	scrapeClient, err := webtools.NewScrapeClient(
		cfg.Providers.Scrape.BaseURL, cfg.Providers.Scrape.APIKey,
		cfg.Providers.Scrape.Timeout, cfg.Providers.Scrape.ExtendedTimeout,
		cfg.Providers.Scrape.CacheTTL, logger)
	if err != nil {
		logger.Fatal("scrape client init failed", zap.Error(err))
	}
	discoveryClient := webtools.NewDiscoveryClient(
		cfg.Providers.Search.BaseURL, cfg.Providers.Search.APIKey,
		cfg.Providers.Search.Timeout, logger)

	ledger := store.NewCreditLedger(db.DB(), logger)
	orch := orchestrator.New(mgr, llmClient, searchClient, scrapeClient,
		discoveryClient, ledger, db, stream, logger)

	authSvc := auth.NewService(db.DB(), cfg.Server.JWTSecret, logger)
	api := httpapi.NewServer(orch, authSvc, stream, db, logger)

	metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Info("metrics listening", zap.String("addr", cfg.Server.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("research api listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(ctx); err != nil {
		logger.Warn("metrics shutdown incomplete", zap.Error(err))
	}
}

func buildLogger(level, format string) *zap.Logger {
	zc := zap.NewProductionConfig()
	if format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := zc.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
