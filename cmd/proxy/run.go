package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/divergen371/cacheproxy/internal/config"
	"github.com/divergen371/cacheproxy/internal/domain"
	"github.com/divergen371/cacheproxy/internal/interface/connection"
	"github.com/divergen371/cacheproxy/internal/interface/handler"
	"github.com/divergen371/cacheproxy/internal/interface/repository/access"
	"github.com/divergen371/cacheproxy/internal/interface/repository/cache"
	"github.com/divergen371/cacheproxy/internal/interface/repository/logger"
	"github.com/divergen371/cacheproxy/internal/interface/repository/metrics"
	"github.com/divergen371/cacheproxy/internal/usecase"
)

// run はプロキシを起動し、ctx が終わるまで動かす
func run(ctx context.Context, cfg *config.Config) error {
	logs, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	defer logs.Close()
	logs.StartCleanup(ctx.Done(), 24*time.Hour)
	log := logs.Logger

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Msg("Starting cache proxy")

	// メトリクスの初期化
	metricsCollector := metrics.New(cfg.Metrics.File)

	// キャッシュの初期化
	store, err := cache.New(cfg.Cache.Capacity, cfg.Cache.EntryLimit,
		cache.WithLogger(log),
		cache.WithEvictHook(func(*cache.Entry) { metricsCollector.RecordEviction() }),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	if err := metricsCollector.RegisterCache(store); err != nil {
		return err
	}

	// アクセス制御の初期化
	var (
		accessController domain.AccessController
		accessRepo       *access.Repository
	)
	if cfg.Access.File != "" {
		accessRepo, err = access.New(cfg.Access.File, log)
		if err != nil {
			return fmt.Errorf("failed to initialize access control: %w", err)
		}
		accessController = accessRepo
	}

	proxyUseCase := usecase.NewProxyUseCase(
		accessController,
		store,
		connection.NewDialer(cfg.Relay.DialTimeout),
		metricsCollector,
		log,
		usecase.RelayConfig{
			ChunkSize:     cfg.Relay.ChunkSize,
			MaxLine:       cfg.Relay.MaxLine,
			DefaultPort:   cfg.Relay.DefaultPort,
			EntryLimit:    cfg.Cache.EntryLimit,
			ValidateCache: cfg.Cache.Validate,
		},
	)
	metricsUseCase := usecase.NewMetricsUseCase(metricsCollector, log, usecase.MetricsConfig{
		SaveInterval: cfg.Metrics.SaveInterval,
		MetricsFile:  cfg.Metrics.File,
	})

	proxyHandler := handler.NewProxyHandler(proxyUseCase, metricsCollector, log)
	manager := connection.NewManager(cfg.Server.MaxConnections, log)

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Port, err)
	}

	var adminServer *http.Server
	if cfg.Admin.Enabled {
		metricsHandler := handler.NewMetricsHandler(metricsUseCase, metricsCollector.Registry(), store, log)
		adminServer = &http.Server{
			Addr:         ":" + strconv.Itoa(cfg.Admin.Port),
			Handler:      metricsHandler.Routes(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().
			Int("port", cfg.Port).
			Int("max_connections", cfg.Server.MaxConnections).
			Int64("cache_capacity", cfg.Cache.Capacity).
			Int64("cache_entry_limit", cfg.Cache.EntryLimit).
			Msg("Starting proxy server")
		serveErr := manager.Serve(gctx, ln, proxyHandler)
		// Serve が戻ってから待つので、処理中の接続の追加と待機が競合しない
		return errors.Join(serveErr, drain(log, cfg.Server.ShutdownTimeout, manager))
	})

	if adminServer != nil {
		g.Go(func() error {
			log.Info().Int("port", cfg.Admin.Port).Msg("Starting admin server")
			if err := adminServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return metricsUseCase.Start(gctx)
	})

	if accessRepo != nil {
		g.Go(func() error {
			return accessRepo.Watch(gctx, cfg.Access.ReloadInterval)
		})
	}

	if adminServer != nil {
		g.Go(func() error {
			<-gctx.Done()
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := adminServer.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("Error shutting down admin server")
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Proxy stopped with error")
		return err
	}

	log.Info().Msg("Shutdown complete")
	return nil
}

// drain は処理中の接続が終わるのを timeout まで待つ
func drain(log zerolog.Logger, timeout time.Duration, manager *connection.Manager) error {
	log.Info().Int("connections", manager.Active()).Msg("Shutdown initiated")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := manager.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Error shutting down proxy server")
		return err
	}
	return nil
}
