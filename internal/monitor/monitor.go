// SPDX-License-Identifier: Apache-2.0

// Package monitor force-closes service runs whose heartbeats stopped
// arriving. A single sweeper runs at a time, guarded by a Postgres
// advisory lock, so missed-heartbeat counters advance once per interval.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/runledger/runledger/internal/domain"
	"github.com/runledger/runledger/internal/metrics"
	"github.com/runledger/runledger/internal/notify"
)

// RunSweepStore is the run registry surface the sweeper reads and
// mutates.
type RunSweepStore interface {
	ListRunningPage(ctx context.Context, afterID uuid.UUID, limit int) ([]domain.ServiceRun, error)
	IncrementMissedHeartbeats(ctx context.Context, id uuid.UUID, expectedLastHeartbeat time.Time) (int, bool, error)
	CloseRun(ctx context.Context, id uuid.UUID, status domain.RunStatus, message string, stoppedAt time.Time) (bool, error)
}

// SettlementStore settles the ledger entry of a force-closed run.
type SettlementStore interface {
	CloseTransaction(ctx context.Context, runID uuid.UUID, amount domain.Credits, statusOverride *domain.TransactionStatus) (domain.TransactionStatus, uuid.UUID, bool, error)
	SumBalance(ctx context.Context, walletID uuid.UUID, includePending bool) (domain.Credits, error)
}

// SeatStore releases seats held by force-closed runs.
type SeatStore interface {
	ForceReleaseByRun(ctx context.Context, runID uuid.UUID, stoppedAt time.Time) (int, error)
}

// Locker serializes sweepers across processes.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Config tunes sweep cadence and the liveness thresholds.
type Config struct {
	SweepInterval            time.Duration
	SweepPageSize            int
	MissedHeartbeatInterval  time.Duration
	HeartbeatGuardWindow     time.Duration
	MissedHeartbeatThreshold int
}

type Monitor struct {
	runs      RunSweepStore
	txs       SettlementStore
	seats     SeatStore
	publisher notify.Publisher
	locker    Locker
	cfg       Config
	logger    *slog.Logger

	now func() time.Time
}

func New(
	runs RunSweepStore,
	txs SettlementStore,
	seats SeatStore,
	publisher notify.Publisher,
	locker Locker,
	cfg Config,
	logger *slog.Logger,
) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.SweepPageSize <= 0 {
		cfg.SweepPageSize = 20
	}
	if cfg.MissedHeartbeatInterval <= 0 {
		cfg.MissedHeartbeatInterval = 5 * time.Minute
	}
	if cfg.MissedHeartbeatThreshold <= 0 {
		cfg.MissedHeartbeatThreshold = 3
	}

	return &Monitor{
		runs:      runs,
		txs:       txs,
		seats:     seats,
		publisher: publisher,
		locker:    locker,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Run blocks until ctx is cancelled. Without the advisory lock the
// monitor stays on standby and keeps retrying, so a crashed sweeper is
// replaced within one interval.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	locked := false
	defer func() {
		if locked {
			unlockCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := m.locker.Unlock(unlockCtx); err != nil {
				m.logger.Error("release sweep lock failed", "error", err)
			}
		}
	}()

	for {
		if !locked {
			ok, err := m.locker.TryLock(ctx)
			if err != nil {
				m.logger.Error("acquire sweep lock failed", "error", err)
			} else if ok {
				locked = true
				m.logger.Info("heartbeat monitor active",
					"sweep_interval", m.cfg.SweepInterval,
					"missed_interval", m.cfg.MissedHeartbeatInterval,
					"threshold", m.cfg.MissedHeartbeatThreshold)
			}
		}

		if locked {
			m.Sweep(ctx)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep pages through all RUNNING runs once and advances or acts on
// their missed-heartbeat counters. Failures are isolated per run.
func (m *Monitor) Sweep(ctx context.Context) {
	start := m.now()
	defer func() {
		metrics.ObserveSweepDuration(time.Since(start))
	}()

	afterID := uuid.Nil
	for {
		page, err := m.runs.ListRunningPage(ctx, afterID, m.cfg.SweepPageSize)
		if err != nil {
			m.logger.Error("list running runs failed", "error", err)
			return
		}
		if len(page) == 0 {
			return
		}

		for _, run := range page {
			if err := m.inspect(ctx, run); err != nil {
				m.logger.Error("sweep run failed", "run_id", run.ID, "error", err)
			}
		}

		afterID = page[len(page)-1].ID
		if len(page) < m.cfg.SweepPageSize {
			return
		}
	}
}

func (m *Monitor) inspect(ctx context.Context, run domain.ServiceRun) error {
	now := m.now()

	if now.Sub(run.LastHeartbeatAt) < m.cfg.MissedHeartbeatInterval {
		return nil
	}
	// A run touched moments ago may have a heartbeat commit in flight;
	// give it one guard window before counting a miss.
	if m.cfg.HeartbeatGuardWindow > 0 && now.Sub(run.UpdatedAt) < m.cfg.HeartbeatGuardWindow {
		return nil
	}

	counter, bumped, err := m.runs.IncrementMissedHeartbeats(ctx, run.ID, run.LastHeartbeatAt)
	if err != nil {
		return err
	}
	if !bumped {
		// A heartbeat landed between the page read and the bump.
		return nil
	}

	m.logger.Warn("missed heartbeat",
		"run_id", run.ID,
		"missed", counter,
		"last_heartbeat_at", run.LastHeartbeatAt)

	if counter < m.cfg.MissedHeartbeatThreshold {
		return nil
	}

	return m.forceClose(ctx, run, now)
}

func (m *Monitor) forceClose(ctx context.Context, run domain.ServiceRun, now time.Time) error {
	message := fmt.Sprintf("no heartbeat since %s, closed after %d missed checks",
		run.LastHeartbeatAt.UTC().Format(time.RFC3339),
		m.cfg.MissedHeartbeatThreshold)

	closed, err := m.runs.CloseRun(ctx, run.ID, domain.RunError, message, now)
	if err != nil {
		return err
	}
	if !closed {
		return nil
	}

	metrics.IncRunTransition(domain.RunError)
	metrics.IncForcedClosure()
	m.logger.Warn("run force-closed", "run_id", run.ID, "kind", run.Kind)

	if _, err := m.seats.ForceReleaseByRun(ctx, run.ID, now); err != nil {
		return err
	}

	if !run.Billable() {
		return nil
	}

	// A vanished computational run is written off. A dynamic service
	// bills up to its last confirmed heartbeat.
	override := domain.TxNotBilled
	if run.Kind == domain.ServiceDynamic {
		override = domain.TxBilled
	}

	accrued, err := domain.AccruedCredits(run.StartedAt, run.LastHeartbeatAt, *run.UnitCost)
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidTimeRange) {
			return err
		}
		accrued = 0
	}

	finalStatus, walletID, settled, err := m.txs.CloseTransaction(ctx, run.ID, accrued.Negate(), &override)
	if err != nil {
		return err
	}
	if !settled {
		return nil
	}

	metrics.IncSettlement(finalStatus)

	balance, err := m.txs.SumBalance(ctx, walletID, true)
	if err != nil {
		m.logger.Error("balance read after forced close failed", "wallet_id", walletID, "error", err)
		return nil
	}
	if err := m.publisher.BalanceChanged(ctx, domain.WalletBalanceChanged{
		WalletID:    walletID,
		Credits:     balance,
		ProductName: run.ProductName,
		CreatedAt:   now,
	}); err != nil {
		m.logger.Error("balance changed publish failed", "wallet_id", walletID, "error", err)
	}

	return nil
}
