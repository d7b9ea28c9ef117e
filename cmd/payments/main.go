// Package main запускает HTTP-сервер платёжного сервиса.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shoplocal/payments-system/internal/config"
	"github.com/shoplocal/payments-system/internal/handler"
	"github.com/shoplocal/payments-system/internal/middleware"
	"github.com/shoplocal/payments-system/internal/notify"
	"github.com/shoplocal/payments-system/internal/processor"
	"github.com/shoplocal/payments-system/internal/repository"
	"github.com/shoplocal/payments-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var processorClient service.ProcessorClient
	if cfg.StripeAPIKey != "" {
		processorClient = processor.NewClient(processor.Config{
			APIKey:          cfg.StripeAPIKey,
			WebhookSecret:   cfg.StripeWebhookSecret,
			SuccessURL:      cfg.CheckoutSuccessURL,
			CancelURL:       cfg.CheckoutCancelURL,
			PortalReturnURL: cfg.PortalReturnURL,
			BasicPriceID:    cfg.BasicPriceID,
			FeaturedPriceID: cfg.FeaturedPriceID,
			Currency:        cfg.Currency,
		})
	} else {
		sugar.Warn("stripe api key is not set, processor operations are disabled")
	}

	var notifier service.Notifier
	if cfg.AMQPURL != "" {
		publisher, err := notify.NewPublisher(cfg.AMQPURL, cfg.NotifyQueue)
		if err != nil {
			sugar.Fatalw("notification publisher initialization error", "error", err.Error())
		}
		defer publisher.Close()
		notifier = publisher
	} else {
		sugar.Warn("amqp url is not set, notifications are disabled")
	}

	svc := service.NewService(repo, processorClient, notifier, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting payments server", "addr", cfg.RunAddress)
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
