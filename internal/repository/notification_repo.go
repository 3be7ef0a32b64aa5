// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NotificationRecord is one outbound wallet notification row awaiting a
// downstream relay.
type NotificationRecord struct {
	ID          uuid.UUID       `json:"id"`
	WalletID    uuid.UUID       `json:"wallet_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}

// NotificationRepository is the outbox for wallet notifications.
type NotificationRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewNotificationRepository(pool *pgxpool.Pool, logger *slog.Logger) *NotificationRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &NotificationRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *NotificationRepository) Append(ctx context.Context, walletID uuid.UUID, kind string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if _, err := r.pool.Exec(ctx, `
		INSERT INTO wallet_notifications (id, wallet_id, kind, payload)
		VALUES ($1, $2, $3, $4)
	`,
		uuid.New(),
		walletID,
		kind,
		body,
	); err != nil {
		r.logger.Error("append wallet notification failed", "wallet_id", walletID, "kind", kind, "error", err)
		return err
	}

	return nil
}

// ListUnpublished returns notifications the relay has not drained yet,
// oldest first.
func (r *NotificationRepository) ListUnpublished(ctx context.Context, limit int) ([]NotificationRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, wallet_id, kind, payload, created_at, published_at
		FROM wallet_notifications
		WHERE published_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		r.logger.Error("list unpublished notifications failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]NotificationRecord, 0, limit)
	for rows.Next() {
		var rec NotificationRecord
		if err := rows.Scan(&rec.ID, &rec.WalletID, &rec.Kind, &rec.Payload, &rec.CreatedAt, &rec.PublishedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *NotificationRepository) MarkPublished(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := r.pool.Exec(ctx, `
		UPDATE wallet_notifications
		SET published_at=NOW()
		WHERE id = ANY($1) AND published_at IS NULL
	`, ids)
	if err != nil {
		r.logger.Error("mark notifications published failed", "error", err)
	}
	return err
}
