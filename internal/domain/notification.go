// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	NotificationBalanceChanged    = "WALLET_BALANCE_CHANGED"
	NotificationLowBalanceReached = "WALLET_LOW_BALANCE_REACHED"
)

// WalletBalanceChanged is published after every balance-affecting commit.
type WalletBalanceChanged struct {
	WalletID    uuid.UUID `json:"wallet_id"`
	Credits     Credits   `json:"credits"`
	ProductName string    `json:"product_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// WalletLowBalanceReached is published when a wallet balance crosses
// below the configured limit while billable runs remain active.
type WalletLowBalanceReached struct {
	WalletID       uuid.UUID   `json:"wallet_id"`
	Credits        Credits     `json:"credits"`
	CreditsLimit   Credits     `json:"credits_limit"`
	AffectedRunIDs []uuid.UUID `json:"affected_run_ids"`
	CreatedAt      time.Time   `json:"created_at"`
}
