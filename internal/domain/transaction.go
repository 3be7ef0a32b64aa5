// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

type TransactionStatus string

const (
	// TxPending is an open, still-accruing entry tied to a RUNNING run.
	TxPending TransactionStatus = "PENDING"
	// TxBilled is a settled entry fully covered by the wallet.
	TxBilled TransactionStatus = "BILLED"
	// TxInDebt is a settled entry whose cost exceeded the balance.
	TxInDebt TransactionStatus = "IN_DEBT"
	// TxNotBilled is a written-off entry (unhealthy platform stop or a
	// force-closed computational run).
	TxNotBilled TransactionStatus = "NOT_BILLED"
)

func (s TransactionStatus) Terminal() bool { return s != TxPending }

type TransactionKind string

const (
	TxDeductServiceRun      TransactionKind = "DEDUCT_SERVICE_RUN"
	TxAddWalletTopUp        TransactionKind = "ADD_WALLET_TOP_UP"
	TxDeductLicensePurchase TransactionKind = "DEDUCT_LICENSE_PURCHASE"
)

// CreditTransaction is one wallet ledger entry. Deductions carry a
// negative amount, top-ups a positive one. At most one PENDING entry
// exists per run. Wallet balance is the sum over BILLED, PENDING and
// IN_DEBT entries.
type CreditTransaction struct {
	ID              uuid.UUID         `json:"id"`
	WalletID        uuid.UUID         `json:"wallet_id"`
	RunID           *uuid.UUID        `json:"run_id,omitempty"`
	Kind            TransactionKind   `json:"kind"`
	Status          TransactionStatus `json:"status"`
	Credits         Credits           `json:"credits"`
	Reference       string            `json:"reference,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	LastHeartbeatAt time.Time         `json:"last_heartbeat_at"`
}
