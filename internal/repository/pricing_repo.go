// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/runledger/runledger/internal/domain"
)

type PricingRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPricingRepository(pool *pgxpool.Pool, logger *slog.Logger) *PricingRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PricingRepository{
		pool:   pool,
		logger: logger,
	}
}

// UnitCostAt resolves the hourly unit cost for a product valid at the
// given moment. Returns nil when no price is configured; such runs are
// tracked but not billed.
func (r *PricingRepository) UnitCostAt(ctx context.Context, productName string, at time.Time) (*domain.Credits, error) {
	var unitCost int64
	err := r.pool.QueryRow(ctx, `
		SELECT unit_cost
		FROM pricing_unit_costs
		WHERE product_name=$1
		  AND valid_from <= $2
		  AND (valid_until IS NULL OR valid_until > $2)
		ORDER BY valid_from DESC
		LIMIT 1
	`,
		productName,
		at,
	).Scan(&unitCost)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		r.logger.Error("resolve unit cost failed", "product_name", productName, "error", err)
		return nil, err
	}

	cost := domain.Credits(unitCost)
	return &cost, nil
}
