// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

const DefaultMaxRequestsPerMin = 120

// CreateAPIKeyParams describes a new reporting-API key. A nil WalletID
// creates an operator key that can read every wallet; a set WalletID
// scopes the key to that wallet's runs, balance and checkouts.
type CreateAPIKeyParams struct {
	Name              string
	WalletID          *uuid.UUID
	MaxRequestsPerMin int
}

// CreatedAPIKey carries the one-time plaintext token. Only its hash is
// stored, so the token cannot be recovered later.
type CreatedAPIKey struct {
	ID    uuid.UUID
	Token string
}

type APIKeyRecord struct {
	ID                uuid.UUID  `json:"id"`
	Name              string     `json:"name"`
	WalletID          *uuid.UUID `json:"wallet_id,omitempty"`
	MaxRequestsPerMin int        `json:"max_requests_per_min"`
	CreatedAt         time.Time  `json:"created_at"`
}
