// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/runledger/runledger/internal/auth"
	"github.com/runledger/runledger/internal/domain"
)

// tokenPrefix marks ledger API tokens so leaked strings are recognizable
// in scans. The stored hash covers the full prefixed token.
const tokenPrefix = "lk_live_"

type APIKeyRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewAPIKeyRepository(pool *pgxpool.Pool, logger *slog.Logger) *APIKeyRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &APIKeyRepository{
		pool:   pool,
		logger: logger,
	}
}

// ResolveAPIKey maps a bearer token to its key row. An unknown or revoked
// token resolves to (zero, false, nil); only infrastructure failures error.
func (r *APIKeyRepository) ResolveAPIKey(ctx context.Context, bearerToken string) (auth.APIKey, bool, error) {
	if bearerToken == "" {
		return auth.APIKey{}, false, nil
	}

	var key auth.APIKey
	err := r.pool.QueryRow(ctx,
		`SELECT id, wallet_id, max_requests_per_min
		 FROM api_keys
		 WHERE token_hash=$1 AND revoked_at IS NULL`,
		sha256Hex(bearerToken),
	).Scan(&key.ID, &key.WalletID, &key.MaxRequestsPerMin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.APIKey{}, false, nil
		}
		r.logger.Error("resolve api key failed", "error", err)
		return auth.APIKey{}, false, err
	}

	if key.MaxRequestsPerMin <= 0 {
		key.MaxRequestsPerMin = domain.DefaultMaxRequestsPerMin
	}

	return key, true, nil
}

// CreateAPIKey mints a key and returns the plaintext token exactly once.
func (r *APIKeyRepository) CreateAPIKey(ctx context.Context, params domain.CreateAPIKeyParams) (domain.CreatedAPIKey, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return domain.CreatedAPIKey{}, domain.ErrInvalidAPIKeyName
	}

	maxRequestsPerMin := params.MaxRequestsPerMin
	if maxRequestsPerMin <= 0 {
		maxRequestsPerMin = domain.DefaultMaxRequestsPerMin
	}

	token, tokenHash, err := mintToken()
	if err != nil {
		r.logger.Error("mint api key token failed", "error", err)
		return domain.CreatedAPIKey{}, err
	}

	keyID := uuid.New()
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, token_hash, wallet_id, max_requests_per_min)
		VALUES ($1, $2, $3, $4, $5)
	`,
		keyID,
		name,
		tokenHash,
		params.WalletID,
		maxRequestsPerMin,
	); err != nil {
		r.logger.Error("create api key failed", "name", name, "error", err)
		return domain.CreatedAPIKey{}, err
	}

	r.logger.Info("api key created", "api_key_id", keyID, "name", name, "wallet_scoped", params.WalletID != nil)

	return domain.CreatedAPIKey{
		ID:    keyID,
		Token: token,
	}, nil
}

func (r *APIKeyRepository) ListAPIKeys(ctx context.Context) ([]domain.APIKeyRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, wallet_id, max_requests_per_min, created_at
		FROM api_keys
		WHERE revoked_at IS NULL
		ORDER BY created_at DESC
	`)
	if err != nil {
		r.logger.Error("list api keys query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	keys := make([]domain.APIKeyRecord, 0, 32)
	for rows.Next() {
		var record domain.APIKeyRecord
		if err := rows.Scan(
			&record.ID,
			&record.Name,
			&record.WalletID,
			&record.MaxRequestsPerMin,
			&record.CreatedAt,
		); err != nil {
			return nil, err
		}
		keys = append(keys, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return keys, nil
}

// RevokeAPIKey revokes once; revoking an already revoked or unknown key
// reports pgx.ErrNoRows.
func (r *APIKeyRepository) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE api_keys
		SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, id)
	if err != nil {
		r.logger.Error("revoke api key failed", "api_key_id", id, "error", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func mintToken() (token, tokenHash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	token = tokenPrefix + hex.EncodeToString(raw)
	return token, sha256Hex(token), nil
}

func sha256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
