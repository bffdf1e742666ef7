// Package main запускает HTTP-сервер сервиса vouchermart.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/vouchermart/internal/config"
	"github.com/mmeshcher/vouchermart/internal/expiry"
	"github.com/mmeshcher/vouchermart/internal/gateway"
	"github.com/mmeshcher/vouchermart/internal/handler"
	"github.com/mmeshcher/vouchermart/internal/metrics"
	"github.com/mmeshcher/vouchermart/internal/middleware"
	"github.com/mmeshcher/vouchermart/internal/notify"
	"github.com/mmeshcher/vouchermart/internal/repository"
	"github.com/mmeshcher/vouchermart/internal/service"
	"github.com/mmeshcher/vouchermart/internal/sweeper"
)

type store interface {
	service.Store
	sweeper.Store
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var repo store
	if cfg.DatabaseURI == "" {
		sugar.Warnw("DATABASE_URI is not set, using in-memory store; data is lost on restart")
		repo = repository.NewMemoryRepository(cfg.LockTimeout)
	} else {
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI, cfg.LockTimeout)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo = pg
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	var notifier service.Notifier = notify.Nop{}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			sugar.Warnw("redis is unreachable, notifications will be retried per order", "addr", cfg.RedisAddr, "error", err.Error())
		}
		cancel()
		notifier = notify.NewRedisQueue(rdb, logger)
	} else {
		sugar.Warnw("REDIS_ADDR is not set, order notifications are disabled")
	}

	var payments sweeper.PaymentLookup
	if cfg.PaymentGatewayAddress != "" {
		payments = gateway.NewClient(cfg.PaymentGatewayAddress)
	}

	calc := expiry.NewCalculator(cfg.Location)

	svc := service.NewService(repo, calc,
		service.WithNotifier(notifier),
		service.WithMetrics(m),
		service.WithLogger(logger),
	)
	defer svc.Close()

	sweepOpts := []sweeper.Option{
		sweeper.WithLogger(logger),
		sweeper.WithMetrics(m),
		sweeper.WithBatchSize(cfg.SweepBatchSize),
	}
	reaper := sweeper.NewReaper(repo, cfg.AbandonAfter, sweepOpts...)
	scanner := sweeper.NewScanner(repo, calc, payments, sweepOpts...)

	if cfg.InternalToken == "" {
		sugar.Warnw("INTERNAL_TOKEN is not set, internal routes are disabled")
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, handler.Ops{
		Token:   cfg.InternalToken,
		Reaper:  reaper,
		Scanner: scanner,
		Metrics: promhttp.Handler(),
	})

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sweeper.Schedule(ctx, reaper, cfg.ReaperInterval, logger)
	})

	g.Go(func() error {
		return sweeper.Schedule(ctx, scanner, cfg.ReconcileInterval, logger)
	})

	g.Go(func() error {
		sugar.Infow("starting vouchermart server", "addr", cfg.RunAddress, "timezone", cfg.Location.String())
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
