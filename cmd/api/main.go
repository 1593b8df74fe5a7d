package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"reading-service/internal/actor"
	"reading-service/internal/adapter/repo"
	"reading-service/internal/domain"
	httpapi "reading-service/internal/http"
	"reading-service/internal/http/handlers"
	"reading-service/internal/infra"
	"reading-service/internal/provider"
)

func main() {
	// Load .env (optional)
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()

	// Snapshot store per STORE_DRIVER.
	var store domain.SnapshotStore
	switch cfg.StoreDriver {
	case infra.StoreDriverPostgres:
		dbpool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer dbpool.Close()
		store, err = repo.NewSnapshotRepositoryPG(ctx, dbpool)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare snapshot schema")
		}
	case infra.StoreDriverRedis:
		rdb, err := infra.NewRedisClient(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
		store = repo.NewSnapshotRepositoryRedis(rdb)
	default:
		logger.Warn().Msg("STORE_DRIVER=memory: snapshots will not survive restarts")
		store = repo.NewSnapshotRepositoryMemory()
	}

	// Generator: real upstream when an API key is configured, the synthetic
	// fallback otherwise so the service stays usable in local setups.
	var gen provider.Generator
	if cfg.GeneratorAPIKey != "" {
		client, err := provider.NewClient(provider.Options{
			APIKey:  cfg.GeneratorAPIKey,
			BaseURL: cfg.GeneratorBaseURL,
			Model:   cfg.GeneratorModel,
			Logger:  &logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to build generator client")
		}
		gen = client
	} else {
		logger.Warn().Msg("GENERATOR_API_KEY not set, using synthetic generator")
		gen = provider.NewSynthetic(cfg.GeneratorModel)
	}

	act, err := actor.New(ctx, store, gen, actor.Options{
		TTL:    cfg.JobTTL,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to restore job state")
	}

	app := handlers.NewApp(act, logger)
	router := httpapi.NewRouter(app, logger, cfg.AllowedOrigins)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelDrain()
	if err := act.Close(drainCtx); err != nil {
		logger.Error().Err(err).Msg("failed to drain job actor")
	}
	logger.Info().Msg("server stopped")
}
