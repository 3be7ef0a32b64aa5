// SPDX-License-Identifier: Apache-2.0

// Package processor applies service lifecycle events to the run registry
// and the credit ledger. Events arrive at-least-once and in no
// guaranteed order; every handler is written as a conditional state
// transition so replays and reorderings degrade to no-ops.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/runledger/runledger/internal/domain"
	"github.com/runledger/runledger/internal/metrics"
	"github.com/runledger/runledger/internal/notify"
)

// Config tunes the event worker pool and the billing thresholds.
type Config struct {
	Workers          int
	PollInterval     time.Duration
	ClaimBatchSize   int
	MaxEventAttempts int
	ReclaimAfter     time.Duration
	LowBalanceLimit  domain.Credits
}

type Processor struct {
	runs      RunStore
	txs       TransactionStore
	seats     SeatStore
	pricing   PricingStore
	publisher notify.Publisher
	cfg       Config
	logger    *slog.Logger
}

func New(
	runs RunStore,
	txs TransactionStore,
	seats SeatStore,
	pricing PricingStore,
	publisher notify.Publisher,
	cfg Config,
	logger *slog.Logger,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ClaimBatchSize <= 0 {
		cfg.ClaimBatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}

	return &Processor{
		runs:      runs,
		txs:       txs,
		seats:     seats,
		pricing:   pricing,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Handle applies one lifecycle event. A nil error means the event is
// consumed for good, whether it changed state (applied) or was a
// replay/reorder no-op (ignored). Errors mean the event should be
// redelivered.
func (p *Processor) Handle(ctx context.Context, ev domain.LifecycleEvent) error {
	start := time.Now()
	defer func() {
		metrics.ObserveEventHandleDuration(time.Since(start))
	}()

	var (
		applied bool
		err     error
	)
	switch e := ev.(type) {
	case domain.StartedEvent:
		applied, err = p.handleStarted(ctx, e)
	case domain.HeartbeatEvent:
		applied, err = p.handleHeartbeat(ctx, e)
	case domain.StoppedEvent:
		applied, err = p.handleStopped(ctx, e)
	default:
		err = fmt.Errorf("unknown lifecycle event %T", ev)
	}

	switch {
	case err != nil:
		metrics.IncEventProcessed(ev.Kind(), metrics.OutcomeFailed)
	case applied:
		metrics.IncEventProcessed(ev.Kind(), metrics.OutcomeApplied)
	default:
		metrics.IncEventProcessed(ev.Kind(), metrics.OutcomeIgnored)
	}
	return err
}

func (p *Processor) handleStarted(ctx context.Context, ev domain.StartedEvent) (bool, error) {
	unitCost := ev.UnitCost
	if unitCost == nil && ev.WalletID != nil && ev.ProductName != "" {
		resolved, err := p.pricing.UnitCostAt(ctx, ev.ProductName, ev.CreatedAt)
		if err != nil {
			return false, fmt.Errorf("resolve unit cost for %q: %w", ev.ProductName, err)
		}
		unitCost = resolved
	}

	run := domain.ServiceRun{
		ID:              ev.RunID,
		WalletID:        ev.WalletID,
		UnitCost:        unitCost,
		Kind:            ev.ServiceKind,
		ProductName:     ev.ProductName,
		Status:          domain.RunRunning,
		StartedAt:       ev.CreatedAt,
		LastHeartbeatAt: ev.CreatedAt,
	}

	created, err := p.runs.CreateRun(ctx, run)
	if err != nil {
		return false, err
	}
	if !created {
		p.logger.Debug("duplicate started event", "run_id", ev.RunID)
		return false, p.reopenMissingPending(ctx, ev.RunID)
	}

	if run.Billable() {
		if _, err := p.txs.OpenPending(ctx, run.ID, *run.WalletID, ev.CreatedAt); err != nil {
			return false, err
		}
	}

	metrics.IncRunTransition(domain.RunRunning)
	p.logger.Info("service run started",
		"run_id", run.ID,
		"kind", run.Kind,
		"billable", run.Billable())
	return true, nil
}

// reopenMissingPending runs on a redelivered Started event. The run row
// exists, but a crash between CreateRun and OpenPending can leave a
// billable run with no PENDING transaction; OpenPending is conditional,
// so calling it again is a no-op when the transaction already exists.
func (p *Processor) reopenMissingPending(ctx context.Context, runID uuid.UUID) error {
	run, err := p.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Billable() || run.Terminal() {
		return nil
	}

	opened, err := p.txs.OpenPending(ctx, run.ID, *run.WalletID, run.StartedAt)
	if err != nil {
		return err
	}
	if opened {
		p.logger.Warn("opened missing pending transaction on redelivery", "run_id", run.ID)
	}
	return nil
}

func (p *Processor) handleHeartbeat(ctx context.Context, ev domain.HeartbeatEvent) (bool, error) {
	run, err := p.runs.GetRun(ctx, ev.RunID)
	if err != nil {
		if isNotFound(err) {
			p.logger.Warn("heartbeat for unknown run", "run_id", ev.RunID)
			return false, nil
		}
		return false, err
	}
	if run.Terminal() {
		return false, nil
	}

	beat, err := p.runs.RecordHeartbeat(ctx, ev.RunID, ev.CreatedAt)
	if err != nil {
		return false, err
	}

	if !run.Billable() {
		return beat, nil
	}

	accrued, err := domain.AccruedCredits(run.StartedAt, ev.CreatedAt, *run.UnitCost)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTimeRange) {
			p.logger.Warn("heartbeat predates run start",
				"run_id", ev.RunID,
				"created_at", ev.CreatedAt)
			return false, nil
		}
		return false, err
	}

	amount := accrued.Negate()
	previous, accepted, err := p.txs.UpdateAccrued(ctx, ev.RunID, ev.CreatedAt, amount)
	if err != nil {
		return false, err
	}
	if !accepted {
		return beat, nil
	}

	// The accrual moved the pending amount, and PENDING counts toward
	// the balance. Notification trouble must not poison the accrual.
	p.publishBalanceChanged(ctx, *run.WalletID, run.ProductName, ev.CreatedAt)
	if err := p.checkLowBalance(ctx, run, amount, previous, ev.CreatedAt); err != nil {
		p.logger.Error("low balance check failed", "run_id", ev.RunID, "error", err)
	}

	return true, nil
}

// publishBalanceChanged reads the wallet's current balance and emits a
// WalletBalanceChanged notification. Failures are logged only; the
// ledger write that triggered the notification already committed.
func (p *Processor) publishBalanceChanged(ctx context.Context, walletID uuid.UUID, productName string, at time.Time) {
	balance, err := p.txs.SumBalance(ctx, walletID, true)
	if err != nil {
		p.logger.Error("balance read for notification failed", "wallet_id", walletID, "error", err)
		return
	}
	if err := p.publisher.BalanceChanged(ctx, domain.WalletBalanceChanged{
		WalletID:    walletID,
		Credits:     balance,
		ProductName: productName,
		CreatedAt:   at,
	}); err != nil {
		p.logger.Error("balance changed publish failed", "wallet_id", walletID, "error", err)
	}
}

// checkLowBalance fires a single notification when this accrual moves
// the wallet balance from at-or-above the limit to below it.
func (p *Processor) checkLowBalance(
	ctx context.Context,
	run domain.ServiceRun,
	amount, previous domain.Credits,
	at time.Time,
) error {
	after, err := p.txs.SumBalance(ctx, *run.WalletID, true)
	if err != nil {
		return err
	}

	limit := p.cfg.LowBalanceLimit
	before := after - (amount - previous)
	if after >= limit || before < limit {
		return nil
	}

	affected, err := p.runs.ListRunningBillableRunIDs(ctx, *run.WalletID)
	if err != nil {
		return err
	}

	return p.publisher.LowBalance(ctx, domain.WalletLowBalanceReached{
		WalletID:       *run.WalletID,
		Credits:        after,
		CreditsLimit:   limit,
		AffectedRunIDs: affected,
		CreatedAt:      at,
	})
}

func (p *Processor) handleStopped(ctx context.Context, ev domain.StoppedEvent) (bool, error) {
	run, err := p.runs.GetRun(ctx, ev.RunID)
	if err != nil {
		if isNotFound(err) {
			p.logger.Warn("stopped event for unknown run", "run_id", ev.RunID)
			return false, nil
		}
		return false, err
	}
	if run.Terminal() {
		p.logger.Debug("duplicate stopped event", "run_id", ev.RunID, "status", run.Status)
	}

	// A stop timestamp before the run started cannot be billed. Refuse
	// the event before touching the run so redelivery, and eventually
	// the dead letter path, gets a chance instead of a bogus settlement.
	if run.Billable() && ev.CreatedAt.Before(run.StartedAt) {
		return false, fmt.Errorf("stopped event for run %s predates start %s: %w",
			ev.RunID, run.StartedAt.Format(time.RFC3339), domain.ErrInvalidTimeRange)
	}

	status := domain.RunSuccess
	message := ""
	if !ev.PlatformHealthy {
		status = domain.RunError
		message = "service platform reported unhealthy at stop"
	}

	closed, err := p.runs.CloseRun(ctx, ev.RunID, status, message, ev.CreatedAt)
	if err != nil {
		return false, err
	}
	if closed {
		metrics.IncRunTransition(status)
	}

	// Seats and settlement are retried on every delivery. Both paths
	// are conditional writes, so a replay after a partial failure
	// completes the remainder without double effects.
	if _, err := p.seats.ForceReleaseByRun(ctx, ev.RunID, ev.CreatedAt); err != nil {
		return false, err
	}

	if !run.Billable() {
		return closed, nil
	}

	accrued, err := domain.AccruedCredits(run.StartedAt, ev.CreatedAt, *run.UnitCost)
	if err != nil {
		return false, err
	}

	var override *domain.TransactionStatus
	if !ev.PlatformHealthy {
		notBilled := domain.TxNotBilled
		override = &notBilled
	}

	finalStatus, walletID, settled, err := p.txs.CloseTransaction(ctx, ev.RunID, accrued.Negate(), override)
	if err != nil {
		return false, err
	}
	if !settled {
		return closed, nil
	}

	metrics.IncSettlement(finalStatus)
	p.logger.Info("service run settled",
		"run_id", ev.RunID,
		"status", finalStatus,
		"credits", accrued.Negate().String())

	p.publishBalanceChanged(ctx, walletID, run.ProductName, ev.CreatedAt)
	return true, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
