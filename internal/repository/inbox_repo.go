// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/runledger/runledger/internal/domain"
)

const (
	inboxPending = "PENDING"
	inboxClaimed = "CLAIMED"
	inboxDone    = "DONE"
	inboxDead    = "DEAD"
)

// InboxEvent is one durably queued lifecycle event awaiting processing.
type InboxEvent struct {
	ID       uuid.UUID
	RunID    uuid.UUID
	Kind     domain.EventKind
	Payload  json.RawMessage
	Attempts int
}

// InboxRepository is the durable lifecycle-event queue. Delivery is
// at-least-once: a claimed event that is never acked is reclaimed after
// reclaimAfter, and a failed event returns to PENDING until its attempts
// are exhausted.
type InboxRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewInboxRepository(pool *pgxpool.Pool, logger *slog.Logger) *InboxRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &InboxRepository{
		pool:   pool,
		logger: logger,
	}
}

// Append enqueues one raw lifecycle event envelope. The envelope is
// decoded first so malformed payloads are rejected at the door.
func (r *InboxRepository) Append(ctx context.Context, payload []byte) (uuid.UUID, error) {
	ev, err := domain.DecodeLifecycleEvent(payload)
	if err != nil {
		return uuid.Nil, err
	}

	eventID := uuid.New()
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO lifecycle_events (id, run_id, kind, payload, status)
		VALUES ($1, $2, $3, $4, $5)
	`,
		eventID,
		ev.Run(),
		ev.Kind(),
		payload,
		inboxPending,
	); err != nil {
		r.logger.Error("append lifecycle event failed", "run_id", ev.Run(), "kind", ev.Kind(), "error", err)
		return uuid.Nil, err
	}

	return eventID, nil
}

// ClaimBatch claims up to limit deliverable events in arrival order.
// Events stuck in CLAIMED longer than reclaimAfter are claimed again;
// every claim counts as an attempt.
func (r *InboxRepository) ClaimBatch(
	ctx context.Context,
	limit int,
	reclaimAfter time.Duration,
) ([]InboxEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	reclaimBefore := time.Now().Add(-reclaimAfter)

	rows, err := tx.Query(ctx, `
		SELECT id, run_id, kind, payload, attempts
		FROM lifecycle_events
		WHERE status = $1
		   OR (status = $2 AND claimed_at IS NOT NULL AND claimed_at < $3)
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $4
	`,
		inboxPending,
		inboxClaimed,
		reclaimBefore,
		limit,
	)
	if err != nil {
		return nil, err
	}

	events := make([]InboxEvent, 0, limit)
	for rows.Next() {
		var ev InboxEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Kind, &ev.Payload, &ev.Attempts); err != nil {
			rows.Close()
			return nil, err
		}
		events = append(events, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range events {
		if _, err := tx.Exec(ctx, `
			UPDATE lifecycle_events
			SET status=$2, claimed_at=NOW(), attempts=attempts+1
			WHERE id=$1
		`,
			events[i].ID,
			inboxClaimed,
		); err != nil {
			return nil, err
		}
		events[i].Attempts++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return events, nil
}

// Ack marks a claimed event as processed.
func (r *InboxRepository) Ack(ctx context.Context, eventID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE lifecycle_events
		SET status=$2
		WHERE id=$1
	`, eventID, inboxDone)
	if err != nil {
		r.logger.Error("ack lifecycle event failed", "event_id", eventID, "error", err)
	}
	return err
}

// Fail records a handling failure. The event returns to PENDING for
// redelivery, or is parked as DEAD once its attempts are exhausted.
func (r *InboxRepository) Fail(ctx context.Context, eventID uuid.UUID, attempts, maxAttempts int, handleErr error) error {
	status := inboxPending
	if attempts >= maxAttempts {
		status = inboxDead
		r.logger.Error("lifecycle event dead-lettered",
			"event_id", eventID,
			"attempts", attempts,
			"error", handleErr,
		)
	}

	_, err := r.pool.Exec(ctx, `
		UPDATE lifecycle_events
		SET status=$2, last_error=$3
		WHERE id=$1
	`,
		eventID,
		status,
		handleErr.Error(),
	)
	if err != nil {
		r.logger.Error("mark lifecycle event failed", "event_id", eventID, "error", err)
	}
	return err
}
