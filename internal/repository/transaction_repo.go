// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/runledger/runledger/internal/domain"
)

// TransactionRepository is the credit transaction engine's store. The
// accrual guard and the debt decision both live inside single database
// transactions so concurrent heartbeats, top-ups and closes can never
// double count.
type TransactionRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewTransactionRepository(pool *pgxpool.Pool, logger *slog.Logger) *TransactionRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &TransactionRepository{
		pool:   pool,
		logger: logger,
	}
}

// OpenPending opens the single accruing transaction for a billable run
// with zero credits. Returns false when one already exists (duplicate
// Started delivery); the partial unique index enforces at most one
// PENDING entry per run.
func (r *TransactionRepository) OpenPending(
	ctx context.Context,
	runID uuid.UUID,
	walletID uuid.UUID,
	openedAt time.Time,
) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO credit_transactions (id, wallet_id, run_id, kind, status, credits, created_at, last_heartbeat_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
		ON CONFLICT DO NOTHING
	`,
		uuid.New(),
		walletID,
		runID,
		domain.TxDeductServiceRun,
		domain.TxPending,
		openedAt,
	)
	if err != nil {
		r.logger.Error("open pending transaction failed", "run_id", runID, "wallet_id", walletID, "error", err)
		return false, err
	}

	return tag.RowsAffected() > 0, nil
}

// UpdateAccrued replaces the accrued amount of the run's PENDING
// transaction. The update is rejected, reported as a no-op, when the run
// has no PENDING entry or when the incoming timestamp does not advance
// the stored watermark; a same-timestamp heartbeat is dropped too, on
// purpose. Returns the previous amount for balance-crossing detection.
func (r *TransactionRepository) UpdateAccrued(
	ctx context.Context,
	runID uuid.UUID,
	at time.Time,
	amount domain.Credits,
) (domain.Credits, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "run_id", runID, "error", err)
		return 0, false, err
	}
	defer tx.Rollback(ctx)

	var (
		txID      uuid.UUID
		oldAmount int64
		watermark time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT id, credits, last_heartbeat_at
		FROM credit_transactions
		WHERE run_id=$1 AND status=$2
		FOR UPDATE
	`,
		runID,
		domain.TxPending,
	).Scan(&txID, &oldAmount, &watermark)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		r.logger.Error("read pending transaction failed", "run_id", runID, "error", err)
		return 0, false, err
	}

	if !at.After(watermark) {
		return 0, false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE credit_transactions
		SET credits=$2, last_heartbeat_at=$3
		WHERE id=$1
	`,
		txID,
		int64(amount),
		at,
	); err != nil {
		r.logger.Error("update accrued credits failed", "run_id", runID, "error", err)
		return 0, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit accrual failed", "run_id", runID, "error", err)
		return 0, false, err
	}

	return domain.Credits(oldAmount), true, nil
}

// CloseTransaction settles the run's PENDING transaction exactly once.
// When statusOverride is nil the terminal status is decided from the
// wallet balance excluding this transaction, inside the same database
// transaction as the close: BILLED when the balance covers the final
// amount, IN_DEBT otherwise.
func (r *TransactionRepository) CloseTransaction(
	ctx context.Context,
	runID uuid.UUID,
	amount domain.Credits,
	statusOverride *domain.TransactionStatus,
) (domain.TransactionStatus, uuid.UUID, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "run_id", runID, "error", err)
		return "", uuid.Nil, false, err
	}
	defer tx.Rollback(ctx)

	var (
		txID     uuid.UUID
		walletID uuid.UUID
	)
	err = tx.QueryRow(ctx, `
		SELECT id, wallet_id
		FROM credit_transactions
		WHERE run_id=$1 AND status=$2
		FOR UPDATE
	`,
		runID,
		domain.TxPending,
	).Scan(&txID, &walletID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", uuid.Nil, false, nil
		}
		r.logger.Error("read pending transaction failed", "run_id", runID, "error", err)
		return "", uuid.Nil, false, err
	}

	finalStatus := domain.TxBilled
	if statusOverride != nil {
		finalStatus = *statusOverride
	} else {
		var balanceExcluding int64
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(credits), 0)
			FROM credit_transactions
			WHERE wallet_id=$1
			  AND status IN ($2, $3, $4)
			  AND id <> $5
		`,
			walletID,
			domain.TxBilled,
			domain.TxPending,
			domain.TxInDebt,
			txID,
		).Scan(&balanceExcluding); err != nil {
			r.logger.Error("sum balance excluding failed", "run_id", runID, "wallet_id", walletID, "error", err)
			return "", uuid.Nil, false, err
		}

		if balanceExcluding+int64(amount) < 0 {
			finalStatus = domain.TxInDebt
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE credit_transactions
		SET status=$2, credits=$3
		WHERE id=$1 AND status=$4
	`,
		txID,
		finalStatus,
		int64(amount),
		domain.TxPending,
	); err != nil {
		r.logger.Error("close transaction failed", "run_id", runID, "error", err)
		return "", uuid.Nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit close failed", "run_id", runID, "error", err)
		return "", uuid.Nil, false, err
	}

	return finalStatus, walletID, true, nil
}

// SumBalance computes the wallet balance over BILLED and IN_DEBT entries,
// optionally including open PENDING accruals.
func (r *TransactionRepository) SumBalance(ctx context.Context, walletID uuid.UUID, includePending bool) (domain.Credits, error) {
	statuses := []any{walletID, domain.TxBilled, domain.TxInDebt}
	query := `
		SELECT COALESCE(SUM(credits), 0)
		FROM credit_transactions
		WHERE wallet_id=$1 AND status IN ($2, $3)
	`
	if includePending {
		statuses = append(statuses, domain.TxPending)
		query = `
			SELECT COALESCE(SUM(credits), 0)
			FROM credit_transactions
			WHERE wallet_id=$1 AND status IN ($2, $3, $4)
		`
	}

	var sum int64
	if err := r.pool.QueryRow(ctx, query, statuses...).Scan(&sum); err != nil {
		r.logger.Error("sum balance failed", "wallet_id", walletID, "error", err)
		return 0, err
	}
	return domain.Credits(sum), nil
}

// CreateTopUp records a pre-authorized top-up as a settled positive entry.
func (r *TransactionRepository) CreateTopUp(
	ctx context.Context,
	walletID uuid.UUID,
	amount domain.Credits,
	reference string,
) (domain.CreditTransaction, error) {
	if amount <= 0 {
		return domain.CreditTransaction{}, domain.ErrInvalidCreditAmount
	}

	entry := domain.CreditTransaction{
		ID:        uuid.New(),
		WalletID:  walletID,
		Kind:      domain.TxAddWalletTopUp,
		Status:    domain.TxBilled,
		Credits:   amount,
		Reference: reference,
		CreatedAt: time.Now().UTC(),
	}
	entry.LastHeartbeatAt = entry.CreatedAt

	if err := insertTransaction(ctx, r.pool, entry); err != nil {
		r.logger.Error("create top-up failed", "wallet_id", walletID, "error", err)
		return domain.CreditTransaction{}, err
	}

	r.logger.Info("top-up recorded", "wallet_id", walletID, "credits", amount.String())
	return entry, nil
}

// ListTransactions returns a wallet's ledger entries, newest first.
func (r *TransactionRepository) ListTransactions(ctx context.Context, walletID uuid.UUID, limit int) ([]domain.CreditTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, wallet_id, run_id, kind, status, credits, reference, created_at, last_heartbeat_at
		FROM credit_transactions
		WHERE wallet_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`,
		walletID,
		limit,
	)
	if err != nil {
		r.logger.Error("list transactions failed", "wallet_id", walletID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.CreditTransaction, 0, 16)
	for rows.Next() {
		var (
			entry  domain.CreditTransaction
			amount int64
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.WalletID,
			&entry.RunID,
			&entry.Kind,
			&entry.Status,
			&amount,
			&entry.Reference,
			&entry.CreatedAt,
			&entry.LastHeartbeatAt,
		); err != nil {
			return nil, err
		}
		entry.Credits = domain.Credits(amount)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// dbExecer is satisfied by both *pgxpool.Pool and pgx.Tx, so ledger
// entries can be inserted standalone or inside an enclosing transaction.
type dbExecer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertTransaction(ctx context.Context, db dbExecer, entry domain.CreditTransaction) error {
	_, err := db.Exec(ctx, `
		INSERT INTO credit_transactions (id, wallet_id, run_id, kind, status, credits, reference, created_at, last_heartbeat_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		entry.ID,
		entry.WalletID,
		entry.RunID,
		entry.Kind,
		entry.Status,
		int64(entry.Credits),
		entry.Reference,
		entry.CreatedAt,
		entry.LastHeartbeatAt,
	)
	return err
}
