// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/runledger/runledger/internal/config"
	"github.com/runledger/runledger/internal/logging"
	"github.com/runledger/runledger/internal/notify"
	"github.com/runledger/runledger/internal/persistence/postgres"
	"github.com/runledger/runledger/internal/processor"
	"github.com/runledger/runledger/internal/repository"
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

	runRepo := repository.NewRunRepository(pool, logger)
	txRepo := repository.NewTransactionRepository(pool, logger)
	checkoutRepo := repository.NewCheckoutRepository(pool, logger)
	pricingRepo := repository.NewPricingRepository(pool, logger)
	inboxRepo := repository.NewInboxRepository(pool, logger)
	notificationRepo := repository.NewNotificationRepository(pool, logger)
	publisher := notify.NewOutboxPublisher(notificationRepo, logger)

	procCfg := processor.Config{
		Workers:          cfg.ProcessorWorkers,
		PollInterval:     cfg.PollInterval,
		ClaimBatchSize:   cfg.ClaimBatchSize,
		MaxEventAttempts: cfg.MaxEventAttempts,
		ReclaimAfter:     cfg.EventReclaimAfter,
		LowBalanceLimit:  cfg.LowBalanceLimit,
	}

	proc := processor.New(runRepo, txRepo, checkoutRepo, pricingRepo, publisher, procCfg, logger)
	runner := processor.NewRunner(inboxRepo, proc, procCfg, logger)

	runner.Run(ctx)
}
