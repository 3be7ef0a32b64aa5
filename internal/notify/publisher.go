// SPDX-License-Identifier: Apache-2.0

// Package notify publishes wallet notifications produced by the billing
// pipeline. Notifications are appended to a durable outbox table so that
// delivery survives process restarts; an external relay drains the outbox.
package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/runledger/runledger/internal/domain"
	"github.com/runledger/runledger/internal/metrics"
)

// Publisher emits wallet notifications. Implementations must be safe for
// concurrent use.
type Publisher interface {
	BalanceChanged(ctx context.Context, event domain.WalletBalanceChanged) error
	LowBalance(ctx context.Context, event domain.WalletLowBalanceReached) error
}

// outboxStore is the subset of the notification repository the publisher
// needs.
type outboxStore interface {
	Append(ctx context.Context, walletID uuid.UUID, kind string, payload any) error
}

// OutboxPublisher writes notifications to the wallet_notifications outbox.
type OutboxPublisher struct {
	store  outboxStore
	logger *slog.Logger
}

func NewOutboxPublisher(store outboxStore, logger *slog.Logger) *OutboxPublisher {
	if logger == nil {
		logger = slog.Default()
	}

	return &OutboxPublisher{
		store:  store,
		logger: logger,
	}
}

func (p *OutboxPublisher) BalanceChanged(ctx context.Context, event domain.WalletBalanceChanged) error {
	if err := p.store.Append(ctx, event.WalletID, domain.NotificationBalanceChanged, event); err != nil {
		p.logger.Error("append balance changed notification failed",
			"wallet_id", event.WalletID,
			"error", err)
		return err
	}

	metrics.IncNotification(domain.NotificationBalanceChanged)
	p.logger.Info("wallet balance changed",
		"wallet_id", event.WalletID,
		"credits", event.Credits.String())
	return nil
}

func (p *OutboxPublisher) LowBalance(ctx context.Context, event domain.WalletLowBalanceReached) error {
	if err := p.store.Append(ctx, event.WalletID, domain.NotificationLowBalanceReached, event); err != nil {
		p.logger.Error("append low balance notification failed",
			"wallet_id", event.WalletID,
			"error", err)
		return err
	}

	metrics.IncNotification(domain.NotificationLowBalanceReached)
	p.logger.Warn("wallet low balance reached",
		"wallet_id", event.WalletID,
		"credits", event.Credits.String(),
		"credits_limit", event.CreditsLimit.String(),
		"affected_runs", len(event.AffectedRunIDs))
	return nil
}
