package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Clark-Hu/store-rater/internal/cache"
	"github.com/Clark-Hu/store-rater/internal/config"
	httpserver "github.com/Clark-Hu/store-rater/internal/http"
	"github.com/Clark-Hu/store-rater/internal/logging"
	"github.com/Clark-Hu/store-rater/internal/metrics"
	"github.com/Clark-Hu/store-rater/internal/rating"
	"github.com/Clark-Hu/store-rater/internal/reconcile"
	"github.com/Clark-Hu/store-rater/internal/repository"
	"github.com/Clark-Hu/store-rater/internal/store"
)

const serviceName = "store-rater"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(logging.Options{
		Level:       cfg.LogLevel,
		Production:  cfg.Production(),
		ServiceName: serviceName,
	})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	storeOpts := store.Options{
		MaxConns:               int32(cfg.DBMaxConns),
		MinConns:               int32(cfg.DBMinConns),
		MaxConnIdleTime:        time.Duration(cfg.DBMaxIdleSecs) * time.Second,
		MaxConnLifetime:        time.Duration(cfg.DBMaxLifeSecs) * time.Second,
		ConnTimeout:            time.Duration(cfg.DBConnTimeoutSecs) * time.Second,
		StatementCacheCapacity: cfg.DBStatementCache,
		Logger:                 logger,
	}

	st, err := store.New(dbCtx, cfg.DBURL, storeOpts)
	if err != nil {
		logger.Fatal("connect database", zap.Error(err))
	}
	defer st.Close()

	var storeCache cache.StoreCache = cache.Noop{}
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedis(ctx, cfg.RedisURL, time.Duration(cfg.CacheTTLSecs)*time.Second, logger)
		if err != nil {
			logger.Fatal("connect redis", zap.Error(err))
		}
		defer func() { _ = redisCache.Close() }()
		storeCache = redisCache
	} else {
		logger.Info("REDIS_URL not set, store cache disabled")
	}

	m := metrics.New("storerater")
	m.RegisterPool("storerater", st.Stats)

	repo := repository.New(st)
	agg := rating.NewAggregator(st.Pool())
	interval := time.Duration(cfg.ReconcileIntervalSecs) * time.Second
	worker := reconcile.NewWorker(agg, interval, m, storeCache, logger)
	if interval > 0 {
		go worker.Run(ctx)
	}

	server := httpserver.New(cfg, httpserver.Deps{
		Store:      st,
		Repo:       repo,
		Aggregator: agg,
		Reconciler: worker,
		Cache:      storeCache,
		Metrics:    m,
		Logger:     logger,
	})

	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			serverErrCh <- err
			return
		}
		serverErrCh <- nil
	}()

	select {
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
			logger.Error("server error", zap.Error(err))
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("graceful shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
