// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/runledger/runledger/internal/domain"
	"github.com/runledger/runledger/internal/repository"
)

// RunStore is the run registry surface the processor mutates.
type RunStore interface {
	CreateRun(ctx context.Context, run domain.ServiceRun) (bool, error)
	GetRun(ctx context.Context, id uuid.UUID) (domain.ServiceRun, error)
	RecordHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	CloseRun(ctx context.Context, id uuid.UUID, status domain.RunStatus, message string, stoppedAt time.Time) (bool, error)
	ListRunningBillableRunIDs(ctx context.Context, walletID uuid.UUID) ([]uuid.UUID, error)
}

// TransactionStore is the credit ledger surface the processor settles
// against.
type TransactionStore interface {
	OpenPending(ctx context.Context, runID, walletID uuid.UUID, openedAt time.Time) (bool, error)
	UpdateAccrued(ctx context.Context, runID uuid.UUID, at time.Time, amount domain.Credits) (domain.Credits, bool, error)
	CloseTransaction(ctx context.Context, runID uuid.UUID, amount domain.Credits, statusOverride *domain.TransactionStatus) (domain.TransactionStatus, uuid.UUID, bool, error)
	SumBalance(ctx context.Context, walletID uuid.UUID, includePending bool) (domain.Credits, error)
}

// SeatStore releases license seats held by stopped runs.
type SeatStore interface {
	ForceReleaseByRun(ctx context.Context, runID uuid.UUID, stoppedAt time.Time) (int, error)
}

// PricingStore resolves a product's unit cost when the Started event
// carries none.
type PricingStore interface {
	UnitCostAt(ctx context.Context, productName string, at time.Time) (*domain.Credits, error)
}

// EventSource is the durable inbox the worker pool drains.
type EventSource interface {
	ClaimBatch(ctx context.Context, limit int, reclaimAfter time.Duration) ([]repository.InboxEvent, error)
	Ack(ctx context.Context, eventID uuid.UUID) error
	Fail(ctx context.Context, eventID uuid.UUID, attempts, maxAttempts int, handleErr error) error
}
