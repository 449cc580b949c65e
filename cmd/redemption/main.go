// Package main запускает HTTP-сервер сервиса выкупа.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/box-redemption/internal/cache"
	"github.com/mmeshcher/box-redemption/internal/chain"
	"github.com/mmeshcher/box-redemption/internal/config"
	"github.com/mmeshcher/box-redemption/internal/events"
	"github.com/mmeshcher/box-redemption/internal/handler"
	"github.com/mmeshcher/box-redemption/internal/metrics"
	"github.com/mmeshcher/box-redemption/internal/middleware"
	"github.com/mmeshcher/box-redemption/internal/repository"
	"github.com/mmeshcher/box-redemption/internal/service"
	"github.com/mmeshcher/box-redemption/internal/shopify"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		sugar.Fatalw("invalid configuration", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		sugar.Fatalw("store initialization error", "driver", cfg.StoreDriver, "error", err.Error())
	}

	commerce := shopify.NewClient(shopify.Config{
		BaseURL:     cfg.ShopifyBaseURL,
		AccessToken: cfg.ShopifyToken,
		APIVersion:  cfg.ShopifyAPIVersion,
		Timeout:     cfg.CommerceTimeout,
		ReadRetries: cfg.ShopifyReadRetries,
	}, logger.Named("shopify"))
	commerce.OnRequest(m.ObserveCommerce)

	burns, closeRPC, err := chain.Dial(ctx, cfg.EthRPCURL, chain.Config{
		Token:            common.HexToAddress(cfg.TokenAddress),
		Decimals:         cfg.TokenDecimals,
		MinConfirmations: cfg.MinConfirmations,
	})
	if err != nil {
		sugar.Fatalw("blockchain rpc initialization error", "error", err.Error())
	}
	defer closeRPC()

	deps := service.Deps{
		Repo:     repo,
		Commerce: commerce,
		Burns:    burns,
		Metrics:  m,
		Logger:   logger,
	}

	if cfg.RedisAddr != "" {
		claims, err := cache.NewBurnClaims(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.BurnClaimTTL, logger.Named("claims"))
		if err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}
		defer claims.Close()
		deps.Claims = claims
	}

	var publisher events.Publisher = events.NewLogPublisher(logger.Named("events"))
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger.Named("events"))
		if err != nil {
			sugar.Fatalw("kafka initialization error", "error", err.Error())
		}
		publisher = kp
	}
	defer publisher.Close()
	deps.Events = publisher

	svc := service.NewService(deps, service.Options{
		VariantID:             cfg.VariantID,
		SubmissionMaxAge:      cfg.SubmissionMaxAge,
		CustomerClaimTTL:      cfg.CustomerClaimTTL,
		OrderClaimTTL:         cfg.OrderClaimTTL,
		StatusRefreshInterval: cfg.StatusRefreshInterval,
	})
	defer svc.Close()

	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
	h := handler.NewHandler(svc, logger, metricsHandler, middleware.NewAuthMiddleware(cfg.MetricsToken))

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Фоновое обновление статусов заказов
	g.Go(func() error {
		svc.StartStatusRefresh(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting redemption server", "addr", cfg.RunAddress, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func openRepository(ctx context.Context, cfg *config.Config) (service.Repository, error) {
	switch cfg.StoreDriver {
	case config.StoreMongo:
		return repository.NewMongoRepository(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		return repository.NewPostgresRepository(cfg.DatabaseURI)
	}
}
