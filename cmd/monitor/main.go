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
	"github.com/runledger/runledger/internal/monitor"
	"github.com/runledger/runledger/internal/notify"
	"github.com/runledger/runledger/internal/persistence/postgres"
	"github.com/runledger/runledger/internal/repository"
)

// sweepLockID serializes heartbeat sweepers across processes.
const sweepLockID int64 = 0x4c4547525f535750 // "LEGR_SWP"

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
	notificationRepo := repository.NewNotificationRepository(pool, logger)
	publisher := notify.NewOutboxPublisher(notificationRepo, logger)
	locker := postgres.NewAdvisoryLock(pool, sweepLockID)

	m := monitor.New(runRepo, txRepo, checkoutRepo, publisher, locker, monitor.Config{
		SweepInterval:            cfg.SweepInterval,
		SweepPageSize:            cfg.SweepPageSize,
		MissedHeartbeatInterval:  cfg.MissedHeartbeatInterval,
		HeartbeatGuardWindow:     cfg.HeartbeatGuardWindow,
		MissedHeartbeatThreshold: cfg.MissedHeartbeatThreshold,
	}, logger)

	m.Run(ctx)
}
