package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tokenprice/oracle-service/cache"
	"github.com/tokenprice/oracle-service/config"
	"github.com/tokenprice/oracle-service/handler"
	"github.com/tokenprice/oracle-service/interpolation"
	"github.com/tokenprice/oracle-service/lifecycle"
	"github.com/tokenprice/oracle-service/logger"
	"github.com/tokenprice/oracle-service/metrics"
	"github.com/tokenprice/oracle-service/oracle"
	"github.com/tokenprice/oracle-service/pipeline"
	"github.com/tokenprice/oracle-service/queue"
	"github.com/tokenprice/oracle-service/redisclient"
	"github.com/tokenprice/oracle-service/router"
	"github.com/tokenprice/oracle-service/store"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("token price oracle starting")

	rc, err := redisclient.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("redis client init failed")
	}
	if err := rc.Ping(); err != nil {
		log.Fatal().Err(err).Msg("redis ping failed")
	}
	log.Info().Msg("redis connected")

	ctx, cancelBoot := context.WithTimeout(context.Background(), 15*time.Second)
	st, err := store.New(ctx, cfg, log)
	cancelBoot()
	if err != nil {
		log.Fatal().Err(err).Msg("durable store init failed")
	}
	log.Info().Msg("durable store connected")

	met := metrics.New(log)

	oracleClient := newOracleClient(cfg, log)

	c := cache.New(rc.Raw(), cfg, st, log)
	interp := interpolation.New(st, interpolation.Config{
		MaxDataPoints:             cfg.InterpolationMaxDataPoints,
		MaxTimeGapHours:           cfg.InterpolationMaxTimeGapHours,
		MinConfidenceThreshold:    cfg.InterpolationMinConfidenceThreshold,
		ExtrapolationMaxChangePct: cfg.InterpolationExtrapolationMaxChangePct,
	})

	q := queue.New(queue.Config{
		RedisAddr:               rc.Raw().Options().Addr,
		ConcurrencyPriceProcess: cfg.QueueConcurrencyPriceProcessing,
		ConcurrencyBatchProcess: cfg.QueueConcurrencyBatchProcessing,
		MaxRetries:              cfg.QueueMaxRetries,
		RetryBaseDelay:          cfg.QueueRetryBaseDelay,
	}, log)
	inspector := queue.NewInspector(rc.Raw().Options().Addr)

	pipe := pipeline.New(c, st, oracleClient, interp, q, log)
	q.RegisterPriceHandler(pipe.HandleFetchPriceJob)
	q.RegisterDiscoverTokenHandler(pipe.HandleDiscoverTokenJob)

	lifecycleMgr := lifecycle.New(st, oracleClient, c, q, met, lifecycle.Config{
		ArchiveThresholdDays:     cfg.ArchiveThresholdDays,
		CacheWarmingEnabled:      cfg.CacheWarmingEnabled,
		MetricsCollectionEnabled: cfg.MetricsCollectionEnabled,
		PopularPairs:             popularPairs(cfg),
		CronCacheCleanup:         cfg.CronCacheCleanup,
		CronDataArchival:         cfg.CronDataArchival,
		CronCacheWarming:         cfg.CronCacheWarming,
		CronMetricsCollection:    cfg.CronMetricsCollection,
		CronDBOptimization:       cfg.CronDBOptimization,
		CronDailyHistoricalFetch: cfg.CronDailyHistoricalFetch,
	}, log)
	q.RegisterBatchHandler(func(ctx context.Context, p queue.BatchHistoricalPayload) error {
		processed, skipped, errs, err := lifecycleMgr.ProcessBatchHistorical(ctx, p.Token, p.Network, p.StartDate, p.EndDate)
		log.Info().
			Str("token", p.Token).Str("network", p.Network).
			Int("processed", processed).Int("skipped", skipped).Int("errors", errs).
			Msg("batch historical job complete")
		return err
	})

	if err := lifecycleMgr.RegisterTasks(); err != nil {
		log.Fatal().Err(err).Msg("lifecycle task registration failed")
	}
	lifecycleMgr.Start()

	if err := q.Start(); err != nil {
		log.Fatal().Err(err).Msg("job queue start failed")
	}

	h := handler.New(pipe, q, inspector, st, rc, cfg, log)
	r := router.NewRouter(cfg, log, h, met)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.DefaultTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("token price oracle listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}

	q.Stop()
	lifecycleMgr.Stop()
	_ = inspector.Close()

	closeCtx, cancelClose := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelClose()
	if err := st.Close(closeCtx); err != nil {
		log.Error().Err(err).Msg("durable store close failed")
	}
	if err := rc.Close(); err != nil {
		log.Error().Err(err).Msg("redis close failed")
	}

	log.Info().Msg("token price oracle stopped gracefully")
}

// newOracleClient wires the Oracle Client over AlchemyProvider when an API
// key is configured, else a deterministic StubProvider — enough to run the
// full pipeline locally or in tests without a live upstream.
func newOracleClient(cfg *config.Config, log zerolog.Logger) *oracle.Client {
	var provider oracle.AssetDataProvider
	if cfg.OracleAPIKey != "" {
		provider = oracle.NewAlchemyProvider(cfg.OracleAPIKey, cfg.DefaultTimeout)
		log.Info().Msg("oracle client using alchemy provider")
	} else {
		provider = oracle.NewStubProvider()
		log.Warn().Msg("ORACLE_API_KEY not set — oracle client using deterministic stub provider")
	}
	return oracle.New(provider, oracle.Config{
		MaxRetries:      cfg.OracleMaxRetries,
		RetryBaseDelay:  cfg.OracleRetryBaseDelay,
		BatchSize:       20,
		RateLimitPerSec: cfg.OracleRateLimitPerSecond,
		Networks:        cfg.SupportedNetworks,
	})
}

func popularPairs(cfg *config.Config) []lifecycle.PopularPair {
	pairs := make([]lifecycle.PopularPair, len(cfg.PopularTokenPairs))
	for i, p := range cfg.PopularTokenPairs {
		pairs[i] = lifecycle.PopularPair{Token: p.Token, Network: p.Network}
	}
	return pairs
}
