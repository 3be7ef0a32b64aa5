// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

// LicenseSeatCheckout reserves seats of a licensed item for one run.
// A checkout is open while stopped_at is null; the sum of open-checkout
// seats per (item, wallet) never exceeds the purchased seats valid at
// that moment.
type LicenseSeatCheckout struct {
	ID             uuid.UUID  `json:"id"`
	LicensedItemID uuid.UUID  `json:"licensed_item_id"`
	WalletID       uuid.UUID  `json:"wallet_id"`
	RunID          uuid.UUID  `json:"run_id"`
	NumSeats       int        `json:"num_seats"`
	CheckedOutBy   string     `json:"checked_out_by,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
}

func (c LicenseSeatCheckout) Open() bool { return c.StoppedAt == nil }

// LicensePurchase grants a seat quota for a licensed item to a wallet
// within a validity window.
type LicensePurchase struct {
	ID             uuid.UUID  `json:"id"`
	LicensedItemID uuid.UUID  `json:"licensed_item_id"`
	WalletID       uuid.UUID  `json:"wallet_id"`
	NumSeats       int        `json:"num_seats"`
	Price          Credits    `json:"price"`
	ValidFrom      time.Time  `json:"valid_from"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// CheckSeatAvailability applies the checkout admission rules to a seat
// pool snapshot. The caller must hold the (item, wallet) pool lock so the
// snapshot cannot go stale between check and insert.
func CheckSeatAvailability(purchased, used, requested int) error {
	available := purchased - used
	if available <= 0 {
		return ErrNotEnoughAvailableSeats
	}
	if available < requested {
		return ErrCheckoutNotEnoughAvailableSeats
	}
	return nil
}

type CheckoutFilter struct {
	WalletID *uuid.UUID
	RunID    *uuid.UUID
	OpenOnly bool
	Limit    int
}
