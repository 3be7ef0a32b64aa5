// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/runledger/runledger/internal/config"
	"github.com/runledger/runledger/internal/logging"
	"github.com/runledger/runledger/internal/notify"
	"github.com/runledger/runledger/internal/persistence/postgres"
	"github.com/runledger/runledger/internal/repository"
	httptransport "github.com/runledger/runledger/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
			log.Fatalf("schema migration failed: %v", err)
		}
	}

	inboxRepo := repository.NewInboxRepository(pool, logger)
	runRepo := repository.NewRunRepository(pool, logger)
	txRepo := repository.NewTransactionRepository(pool, logger)
	checkoutRepo := repository.NewCheckoutRepository(pool, logger)
	notificationRepo := repository.NewNotificationRepository(pool, logger)
	apiKeyRepo := repository.NewAPIKeyRepository(pool, logger)
	publisher := notify.NewOutboxPublisher(notificationRepo, logger)

	handler := httptransport.NewRouter(httptransport.Deps{
		Inbox:          inboxRepo,
		Runs:           runRepo,
		Ledger:         txRepo,
		Seats:          checkoutRepo,
		Publisher:      publisher,
		APIKeyAdmin:    apiKeyRepo,
		APIKeyResolver: apiKeyRepo,
		Health:         postgres.NewSchemaHealthChecker(pool),
		Logger:         logger,
		AdminToken:     cfg.AdminToken,
		Version:        Version,
		Commit:         Commit,
		BuildDate:      BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
}
