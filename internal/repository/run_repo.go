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

// RunRepository is the service run registry. Every mutation is a
// conditional update keyed on the expected prior state; a race loser
// observes "no row updated" and reports false instead of failing.
type RunRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewRunRepository(pool *pgxpool.Pool, logger *slog.Logger) *RunRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &RunRepository{
		pool:   pool,
		logger: logger,
	}
}

const runColumns = `id, wallet_id, unit_cost, kind, product_name, status, status_message,
	started_at, stopped_at, last_heartbeat_at, missed_heartbeats, updated_at`

// CreateRun inserts a new RUNNING run. Returns false when a run with the
// same id already exists (duplicate Started delivery).
func (r *RunRepository) CreateRun(ctx context.Context, run domain.ServiceRun) (bool, error) {
	var unitCost *int64
	if run.UnitCost != nil {
		v := int64(*run.UnitCost)
		unitCost = &v
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO service_runs
			(id, wallet_id, unit_cost, kind, product_name, status, started_at, last_heartbeat_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO NOTHING
	`,
		run.ID,
		run.WalletID,
		unitCost,
		run.Kind,
		run.ProductName,
		domain.RunRunning,
		run.StartedAt,
		run.LastHeartbeatAt,
	)
	if err != nil {
		r.logger.Error("insert run failed", "run_id", run.ID, "error", err)
		return false, err
	}

	return tag.RowsAffected() > 0, nil
}

func (r *RunRepository) GetRun(ctx context.Context, id uuid.UUID) (domain.ServiceRun, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM service_runs WHERE id=$1`, id)
	run, err := scanRun(row)
	if err != nil {
		if err != pgx.ErrNoRows {
			r.logger.Error("get run failed", "run_id", id, "error", err)
		}
		return domain.ServiceRun{}, err
	}
	return run, nil
}

// RecordHeartbeat advances last_heartbeat_at and resets the missed
// counter. No-op when the run is absent or terminal. The GREATEST guard
// keeps the watermark monotonic under reordered deliveries.
func (r *RunRepository) RecordHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE service_runs
		SET last_heartbeat_at = GREATEST(last_heartbeat_at, $2),
		    missed_heartbeats = 0,
		    updated_at = NOW()
		WHERE id=$1 AND status=$3
	`,
		id,
		at,
		domain.RunRunning,
	)
	if err != nil {
		r.logger.Error("record heartbeat failed", "run_id", id, "error", err)
		return false, err
	}

	return tag.RowsAffected() > 0, nil
}

// CloseRun transitions a RUNNING run to a terminal status exactly once.
func (r *RunRepository) CloseRun(
	ctx context.Context,
	id uuid.UUID,
	status domain.RunStatus,
	message string,
	stoppedAt time.Time,
) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE service_runs
		SET status=$2,
		    status_message=$3,
		    stopped_at=$4,
		    updated_at=NOW()
		WHERE id=$1 AND status=$5
	`,
		id,
		status,
		message,
		stoppedAt,
		domain.RunRunning,
	)
	if err != nil {
		r.logger.Error("close run failed", "run_id", id, "status", status, "error", err)
		return false, err
	}

	return tag.RowsAffected() > 0, nil
}

// IncrementMissedHeartbeats bumps the missed counter, guarded by an
// optimistic precondition on last_heartbeat_at: if a real heartbeat
// arrived since the sweep read the row, the update matches nothing and
// the sweep skips the run.
func (r *RunRepository) IncrementMissedHeartbeats(
	ctx context.Context,
	id uuid.UUID,
	expectedLastHeartbeat time.Time,
) (int, bool, error) {
	var counter int
	err := r.pool.QueryRow(ctx, `
		UPDATE service_runs
		SET missed_heartbeats = missed_heartbeats + 1,
		    updated_at = NOW()
		WHERE id=$1 AND status=$2 AND last_heartbeat_at=$3
		RETURNING missed_heartbeats
	`,
		id,
		domain.RunRunning,
		expectedLastHeartbeat,
	).Scan(&counter)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		r.logger.Error("increment missed heartbeats failed", "run_id", id, "error", err)
		return 0, false, err
	}

	return counter, true, nil
}

// ListRunningPage returns RUNNING runs with id > afterID in id order, for
// the monitor's bounded sweep pages.
func (r *RunRepository) ListRunningPage(ctx context.Context, afterID uuid.UUID, limit int) ([]domain.ServiceRun, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM service_runs
		WHERE status=$1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`,
		domain.RunRunning,
		afterID,
		limit,
	)
	if err != nil {
		r.logger.Error("list running page failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	return collectRuns(rows)
}

// ListRunningBillableRunIDs lists ids of RUNNING billable runs on a
// wallet, for low-balance notifications.
func (r *RunRepository) ListRunningBillableRunIDs(ctx context.Context, walletID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id
		FROM service_runs
		WHERE wallet_id=$1 AND status=$2 AND unit_cost IS NOT NULL
		ORDER BY started_at ASC
	`,
		walletID,
		domain.RunRunning,
	)
	if err != nil {
		r.logger.Error("list running billable runs failed", "wallet_id", walletID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]uuid.UUID, 0, 8)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListRuns serves the reporting surface with wallet/status/time filters.
func (r *RunRepository) ListRuns(ctx context.Context, filter domain.RunFilter) ([]domain.ServiceRun, error) {
	query := `SELECT ` + runColumns + ` FROM service_runs WHERE TRUE`
	args := make([]any, 0, 5)

	appendArg := func(clause string, value any) {
		args = append(args, value)
		query += " AND " + clause + "$" + strconv.Itoa(len(args))
	}

	if filter.WalletID != nil {
		appendArg("wallet_id=", *filter.WalletID)
	}
	if filter.Status != nil {
		appendArg("status=", *filter.Status)
	}
	if filter.From != nil {
		appendArg("started_at >= ", *filter.From)
	}
	if filter.To != nil {
		appendArg("started_at < ", *filter.To)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += " ORDER BY started_at DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("list runs failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	return collectRuns(rows)
}

func scanRun(row pgx.Row) (domain.ServiceRun, error) {
	var (
		run      domain.ServiceRun
		unitCost *int64
	)
	if err := row.Scan(
		&run.ID,
		&run.WalletID,
		&unitCost,
		&run.Kind,
		&run.ProductName,
		&run.Status,
		&run.StatusMessage,
		&run.StartedAt,
		&run.StoppedAt,
		&run.LastHeartbeatAt,
		&run.MissedHeartbeats,
		&run.UpdatedAt,
	); err != nil {
		return domain.ServiceRun{}, err
	}
	if unitCost != nil {
		c := domain.Credits(*unitCost)
		run.UnitCost = &c
	}
	return run, nil
}

func collectRuns(rows pgx.Rows) ([]domain.ServiceRun, error) {
	out := make([]domain.ServiceRun, 0, 16)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

