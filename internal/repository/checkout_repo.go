// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/runledger/runledger/internal/domain"
)

// CheckoutRepository is the license seat inventory. Checkout admission
// runs under a per-(item, wallet) transaction-scoped advisory lock, so
// two concurrent checkouts against the same pool serialize and cannot
// both pass a stale availability check.
type CheckoutRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewCheckoutRepository(pool *pgxpool.Pool, logger *slog.Logger) *CheckoutRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &CheckoutRepository{
		pool:   pool,
		logger: logger,
	}
}

type CheckoutParams struct {
	LicensedItemID uuid.UUID
	WalletID       uuid.UUID
	RunID          uuid.UUID
	NumSeats       int
	CheckedOutBy   string
}

// Checkout reserves seats for a run. Purchased quota, current usage, the
// admission rules and the insert all execute inside one transaction
// holding the pool lock.
func (r *CheckoutRepository) Checkout(ctx context.Context, params CheckoutParams) (domain.LicenseSeatCheckout, error) {
	if params.NumSeats <= 0 {
		return domain.LicenseSeatCheckout{}, domain.ErrInvalidSeatCount
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return domain.LicenseSeatCheckout{}, err
	}
	defer tx.Rollback(ctx)

	// Serialize all checkouts against this (item, wallet) pool. The lock
	// is released automatically at commit/rollback.
	poolKey := params.LicensedItemID.String() + ":" + params.WalletID.String()
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, poolKey); err != nil {
		r.logger.Error("acquire seat pool lock failed", "pool", poolKey, "error", err)
		return domain.LicenseSeatCheckout{}, err
	}

	now := time.Now().UTC()

	var purchased int
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(num_seats), 0)
		FROM license_purchases
		WHERE licensed_item_id=$1
		  AND wallet_id=$2
		  AND valid_from <= $3
		  AND (valid_until IS NULL OR valid_until > $3)
	`,
		params.LicensedItemID,
		params.WalletID,
		now,
	).Scan(&purchased); err != nil {
		r.logger.Error("sum purchased seats failed", "pool", poolKey, "error", err)
		return domain.LicenseSeatCheckout{}, err
	}

	var used int
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(num_seats), 0)
		FROM license_checkouts
		WHERE licensed_item_id=$1
		  AND wallet_id=$2
		  AND stopped_at IS NULL
	`,
		params.LicensedItemID,
		params.WalletID,
	).Scan(&used); err != nil {
		r.logger.Error("sum used seats failed", "pool", poolKey, "error", err)
		return domain.LicenseSeatCheckout{}, err
	}

	if err := domain.CheckSeatAvailability(purchased, used, params.NumSeats); err != nil {
		r.logger.Warn("seat checkout rejected",
			"licensed_item_id", params.LicensedItemID,
			"wallet_id", params.WalletID,
			"run_id", params.RunID,
			"purchased", purchased,
			"used", used,
			"requested", params.NumSeats,
			"error", err,
		)
		return domain.LicenseSeatCheckout{}, err
	}

	// FOR SHARE blocks a concurrent CloseRun on the same row until this
	// transaction commits, so the stop handler's ForceReleaseByRun always
	// sees the checkout we are about to insert.
	var runStatus domain.RunStatus
	err = tx.QueryRow(ctx, `SELECT status FROM service_runs WHERE id=$1 FOR SHARE`, params.RunID).Scan(&runStatus)
	if err != nil && err != pgx.ErrNoRows {
		r.logger.Error("read owning run failed", "run_id", params.RunID, "error", err)
		return domain.LicenseSeatCheckout{}, err
	}
	if err == pgx.ErrNoRows || runStatus != domain.RunRunning {
		return domain.LicenseSeatCheckout{}, domain.ErrCheckoutServiceNotRunning
	}

	checkout := domain.LicenseSeatCheckout{
		ID:             uuid.New(),
		LicensedItemID: params.LicensedItemID,
		WalletID:       params.WalletID,
		RunID:          params.RunID,
		NumSeats:       params.NumSeats,
		CheckedOutBy:   params.CheckedOutBy,
		StartedAt:      now,
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO license_checkouts (id, licensed_item_id, wallet_id, run_id, num_seats, checked_out_by, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		checkout.ID,
		checkout.LicensedItemID,
		checkout.WalletID,
		checkout.RunID,
		checkout.NumSeats,
		checkout.CheckedOutBy,
		checkout.StartedAt,
	); err != nil {
		r.logger.Error("insert checkout failed", "run_id", params.RunID, "error", err)
		return domain.LicenseSeatCheckout{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit checkout failed", "run_id", params.RunID, "error", err)
		return domain.LicenseSeatCheckout{}, err
	}

	r.logger.Info("seats checked out",
		"checkout_id", checkout.ID,
		"licensed_item_id", params.LicensedItemID,
		"wallet_id", params.WalletID,
		"run_id", params.RunID,
		"num_seats", params.NumSeats,
	)

	return checkout, nil
}

// Release closes an open checkout. Re-releasing is a no-op, not an error;
// an unknown checkout id reports pgx.ErrNoRows.
func (r *CheckoutRepository) Release(ctx context.Context, checkoutID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE license_checkouts
		SET stopped_at=NOW()
		WHERE id=$1 AND stopped_at IS NULL
	`, checkoutID)
	if err != nil {
		r.logger.Error("release checkout failed", "checkout_id", checkoutID, "error", err)
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM license_checkouts WHERE id=$1)`,
		checkoutID,
	).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, pgx.ErrNoRows
	}
	return false, nil
}

// ForceReleaseByRun bulk-closes every open checkout owned by a run when
// the run stops. Clients should have released explicitly; each forced
// release is logged as an upstream invariant violation signal.
func (r *CheckoutRepository) ForceReleaseByRun(ctx context.Context, runID uuid.UUID, stoppedAt time.Time) (int, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE license_checkouts
		SET stopped_at=$2
		WHERE run_id=$1 AND stopped_at IS NULL
		RETURNING id, licensed_item_id, num_seats
	`,
		runID,
		stoppedAt,
	)
	if err != nil {
		r.logger.Error("force release checkouts failed", "run_id", runID, "error", err)
		return 0, err
	}
	defer rows.Close()

	released := 0
	for rows.Next() {
		var (
			checkoutID uuid.UUID
			itemID     uuid.UUID
			numSeats   int
		)
		if err := rows.Scan(&checkoutID, &itemID, &numSeats); err != nil {
			return released, err
		}
		released++
		r.logger.Warn("checkout force-released on run close",
			"checkout_id", checkoutID,
			"licensed_item_id", itemID,
			"run_id", runID,
			"num_seats", numSeats,
		)
	}
	return released, rows.Err()
}

func (r *CheckoutRepository) GetCheckout(ctx context.Context, id uuid.UUID) (domain.LicenseSeatCheckout, error) {
	var out domain.LicenseSeatCheckout
	err := r.pool.QueryRow(ctx, `
		SELECT id, licensed_item_id, wallet_id, run_id, num_seats, checked_out_by, started_at, stopped_at
		FROM license_checkouts
		WHERE id=$1
	`, id).Scan(
		&out.ID,
		&out.LicensedItemID,
		&out.WalletID,
		&out.RunID,
		&out.NumSeats,
		&out.CheckedOutBy,
		&out.StartedAt,
		&out.StoppedAt,
	)
	if err != nil {
		if err != pgx.ErrNoRows {
			r.logger.Error("get checkout failed", "checkout_id", id, "error", err)
		}
		return domain.LicenseSeatCheckout{}, err
	}
	return out, nil
}

func (r *CheckoutRepository) ListCheckouts(ctx context.Context, filter domain.CheckoutFilter) ([]domain.LicenseSeatCheckout, error) {
	query := `
		SELECT id, licensed_item_id, wallet_id, run_id, num_seats, checked_out_by, started_at, stopped_at
		FROM license_checkouts
		WHERE TRUE
	`
	args := make([]any, 0, 3)

	if filter.WalletID != nil {
		args = append(args, *filter.WalletID)
		query += ` AND wallet_id=$1`
	}
	if filter.RunID != nil {
		args = append(args, *filter.RunID)
		query += ` AND run_id=$` + strconv.Itoa(len(args))
	}
	if filter.OpenOnly {
		query += ` AND stopped_at IS NULL`
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += ` ORDER BY started_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("list checkouts failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.LicenseSeatCheckout, 0, 16)
	for rows.Next() {
		var c domain.LicenseSeatCheckout
		if err := rows.Scan(
			&c.ID,
			&c.LicensedItemID,
			&c.WalletID,
			&c.RunID,
			&c.NumSeats,
			&c.CheckedOutBy,
			&c.StartedAt,
			&c.StoppedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type PurchaseParams struct {
	LicensedItemID uuid.UUID
	WalletID       uuid.UUID
	NumSeats       int
	Price          domain.Credits
	ValidFrom      time.Time
	ValidUntil     *time.Time
}

// CreatePurchase records a seat quota purchase and its license-purchase
// deduction in one transaction, so the quota never appears without its
// ledger entry.
func (r *CheckoutRepository) CreatePurchase(ctx context.Context, params PurchaseParams) (domain.LicensePurchase, error) {
	if params.NumSeats <= 0 {
		return domain.LicensePurchase{}, domain.ErrInvalidSeatCount
	}
	if params.Price < 0 {
		return domain.LicensePurchase{}, domain.ErrInvalidCreditAmount
	}

	now := time.Now().UTC()
	validFrom := params.ValidFrom
	if validFrom.IsZero() {
		validFrom = now
	}

	purchase := domain.LicensePurchase{
		ID:             uuid.New(),
		LicensedItemID: params.LicensedItemID,
		WalletID:       params.WalletID,
		NumSeats:       params.NumSeats,
		Price:          params.Price,
		ValidFrom:      validFrom,
		ValidUntil:     params.ValidUntil,
		CreatedAt:      now,
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return domain.LicensePurchase{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO license_purchases (id, licensed_item_id, wallet_id, num_seats, price, valid_from, valid_until, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		purchase.ID,
		purchase.LicensedItemID,
		purchase.WalletID,
		purchase.NumSeats,
		int64(purchase.Price),
		purchase.ValidFrom,
		purchase.ValidUntil,
		purchase.CreatedAt,
	); err != nil {
		r.logger.Error("insert purchase failed", "wallet_id", params.WalletID, "error", err)
		return domain.LicensePurchase{}, err
	}

	if params.Price > 0 {
		if err := insertTransaction(ctx, tx, domain.CreditTransaction{
			ID:              uuid.New(),
			WalletID:        purchase.WalletID,
			Kind:            domain.TxDeductLicensePurchase,
			Status:          domain.TxBilled,
			Credits:         purchase.Price.Negate(),
			Reference:       purchase.ID.String(),
			CreatedAt:       now,
			LastHeartbeatAt: now,
		}); err != nil {
			r.logger.Error("insert purchase deduction failed", "wallet_id", params.WalletID, "error", err)
			return domain.LicensePurchase{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit purchase failed", "wallet_id", params.WalletID, "error", err)
		return domain.LicensePurchase{}, err
	}

	r.logger.Info("license purchase recorded",
		"purchase_id", purchase.ID,
		"licensed_item_id", purchase.LicensedItemID,
		"wallet_id", purchase.WalletID,
		"num_seats", purchase.NumSeats,
		"price", purchase.Price.String(),
	)

	return purchase, nil
}

func (r *CheckoutRepository) ListPurchases(ctx context.Context, walletID uuid.UUID) ([]domain.LicensePurchase, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, licensed_item_id, wallet_id, num_seats, price, valid_from, valid_until, created_at
		FROM license_purchases
		WHERE wallet_id=$1
		ORDER BY created_at DESC
	`, walletID)
	if err != nil {
		r.logger.Error("list purchases failed", "wallet_id", walletID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.LicensePurchase, 0, 8)
	for rows.Next() {
		var (
			p     domain.LicensePurchase
			price int64
		)
		if err := rows.Scan(
			&p.ID,
			&p.LicensedItemID,
			&p.WalletID,
			&p.NumSeats,
			&price,
			&p.ValidFrom,
			&p.ValidUntil,
			&p.CreatedAt,
		); err != nil {
			return nil, err
		}
		p.Price = domain.Credits(price)
		out = append(out, p)
	}
	return out, rows.Err()
}
