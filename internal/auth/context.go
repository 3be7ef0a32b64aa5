// SPDX-License-Identifier: Apache-2.0

// Package auth carries the authenticated API key through request context.
package auth

import (
	"context"

	"github.com/google/uuid"
)

// APIKey is the resolved caller identity. WalletID is nil for operator
// keys; when set, the key may only read that wallet's data.
type APIKey struct {
	ID                uuid.UUID
	WalletID          *uuid.UUID
	MaxRequestsPerMin int
}

// CanAccessWallet reports whether the key may read walletID.
func (k APIKey) CanAccessWallet(walletID uuid.UUID) bool {
	return k.WalletID == nil || *k.WalletID == walletID
}

type apiKeyContextKey struct{}

var ctxAPIKeyKey apiKeyContextKey

func WithAPIKey(ctx context.Context, key APIKey) context.Context {
	return context.WithValue(ctx, ctxAPIKeyKey, key)
}

func APIKeyFromContext(ctx context.Context) (APIKey, bool) {
	key, ok := ctx.Value(ctxAPIKeyKey).(APIKey)
	if !ok || key.ID == uuid.Nil {
		return APIKey{}, false
	}
	return key, true
}

func APIKeyIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	key, ok := APIKeyFromContext(ctx)
	if !ok {
		return uuid.Nil, false
	}
	return key.ID, true
}
