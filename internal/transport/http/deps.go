// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/google/uuid"

	"github.com/runledger/runledger/internal/auth"
	"github.com/runledger/runledger/internal/domain"
	"github.com/runledger/runledger/internal/repository"
)

// EventIngestor accepts raw lifecycle event envelopes into the durable
// inbox.
type EventIngestor interface {
	Append(ctx context.Context, payload []byte) (uuid.UUID, error)
}

type RunReader interface {
	GetRun(ctx context.Context, id uuid.UUID) (domain.ServiceRun, error)
	ListRuns(ctx context.Context, filter domain.RunFilter) ([]domain.ServiceRun, error)
}

type WalletLedger interface {
	SumBalance(ctx context.Context, walletID uuid.UUID, includePending bool) (domain.Credits, error)
	CreateTopUp(ctx context.Context, walletID uuid.UUID, amount domain.Credits, reference string) (domain.CreditTransaction, error)
	ListTransactions(ctx context.Context, walletID uuid.UUID, limit int) ([]domain.CreditTransaction, error)
}

type SeatManager interface {
	Checkout(ctx context.Context, params repository.CheckoutParams) (domain.LicenseSeatCheckout, error)
	Release(ctx context.Context, checkoutID uuid.UUID) (bool, error)
	GetCheckout(ctx context.Context, id uuid.UUID) (domain.LicenseSeatCheckout, error)
	ListCheckouts(ctx context.Context, filter domain.CheckoutFilter) ([]domain.LicenseSeatCheckout, error)
	CreatePurchase(ctx context.Context, params repository.PurchaseParams) (domain.LicensePurchase, error)
	ListPurchases(ctx context.Context, walletID uuid.UUID) ([]domain.LicensePurchase, error)
}

type APIKeyResolver interface {
	ResolveAPIKey(ctx context.Context, bearerToken string) (auth.APIKey, bool, error)
}

type APIKeyManager interface {
	CreateAPIKey(ctx context.Context, params domain.CreateAPIKeyParams) (domain.CreatedAPIKey, error)
	ListAPIKeys(ctx context.Context) ([]domain.APIKeyRecord, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
