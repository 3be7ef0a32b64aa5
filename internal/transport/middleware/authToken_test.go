// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/google/uuid"

	"github.com/runledger/runledger/internal/auth"
)

func TestAPITokenAuth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	apiKeyID := uuid.New()

	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("allows open paths without auth", func(t *testing.T) {
		for _, path := range []string{"/healthz", "/metrics", "/version"} {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			rec := httptest.NewRecorder()

			APITokenAuth(&mockAPIKeyResolver{}, logger)(okHandler).ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("%s: expected status %d got %d", path, http.StatusOK, rec.Code)
			}
		}
	})

	t.Run("rejects missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/runs", nil)
		rec := httptest.NewRecorder()

		APITokenAuth(&mockAPIKeyResolver{}, logger)(okHandler).ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected status %d got %d", http.StatusUnauthorized, rec.Code)
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
			t.Fatalf("expected WWW-Authenticate header %q got %q", "Bearer", got)
		}
	})

	t.Run("rejects unknown token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/runs", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()

		APITokenAuth(&mockAPIKeyResolver{}, logger)(okHandler).ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected status %d got %d", http.StatusUnauthorized, rec.Code)
		}
	})

	t.Run("resolver error returns internal server error", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/runs", nil)
		req.Header.Set("Authorization", "Bearer super-secret")
		rec := httptest.NewRecorder()

		APITokenAuth(&mockAPIKeyResolver{err: errors.New("db down")}, logger)(okHandler).ServeHTTP(rec, req)

		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("expected status %d got %d", http.StatusInternalServerError, rec.Code)
		}
	})

	t.Run("accepts valid token and sets api key id in context", func(t *testing.T) {
		resolver := &mockAPIKeyResolver{
			keyByToken: map[string]auth.APIKey{
				"super-secret": {
					ID:                apiKeyID,
					MaxRequestsPerMin: 60,
				},
			},
		}

		req := httptest.NewRequest(http.MethodGet, "/runs", nil)
		req.Header.Set("Authorization", "Bearer super-secret")
		rec := httptest.NewRecorder()

		APITokenAuth(resolver, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.APIKeyIDFromContext(r.Context())
			if !ok {
				t.Fatal("expected api key id in request context")
			}
			if id != apiKeyID {
				t.Fatalf("expected api key id %s got %s", apiKeyID, id)
			}
			if got := w.Header().Get(headerRateLimitLimit); got != "60" {
				t.Fatalf("expected %s header %q got %q", headerRateLimitLimit, "60", got)
			}
			if got := w.Header().Get(headerRateLimitRemaining); got == "" {
				t.Fatalf("expected %s header to be set", headerRateLimitRemaining)
			}
			w.WriteHeader(http.StatusOK)
		})).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d got %d", http.StatusOK, rec.Code)
		}
	})

	t.Run("preserves wallet scope on the context key", func(t *testing.T) {
		walletID := uuid.New()
		resolver := &mockAPIKeyResolver{
			keyByToken: map[string]auth.APIKey{
				"scoped": {
					ID:                uuid.New(),
					WalletID:          &walletID,
					MaxRequestsPerMin: 60,
				},
			},
		}

		req := httptest.NewRequest(http.MethodGet, "/runs", nil)
		req.Header.Set("Authorization", "Bearer scoped")
		rec := httptest.NewRecorder()

		APITokenAuth(resolver, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := auth.APIKeyFromContext(r.Context())
			if !ok {
				t.Fatal("expected api key in request context")
			}
			if key.WalletID == nil || *key.WalletID != walletID {
				t.Fatalf("expected wallet scope %s got %v", walletID, key.WalletID)
			}
			if key.CanAccessWallet(uuid.New()) {
				t.Fatal("expected scoped key to be denied other wallets")
			}
			w.WriteHeader(http.StatusOK)
		})).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d got %d", http.StatusOK, rec.Code)
		}
	})

	t.Run("rate limits per api key and sets retry header", func(t *testing.T) {
		resolver := &mockAPIKeyResolver{
			keyByToken: map[string]auth.APIKey{
				"low-limit": {
					ID:                uuid.New(),
					MaxRequestsPerMin: 1,
				},
			},
		}

		handler := APITokenAuth(resolver, logger)(okHandler)

		req1 := httptest.NewRequest(http.MethodGet, "/runs", nil)
		req1.Header.Set("Authorization", "Bearer low-limit")
		rec1 := httptest.NewRecorder()
		handler.ServeHTTP(rec1, req1)

		if rec1.Code != http.StatusOK {
			t.Fatalf("expected first request status 200 got %d", rec1.Code)
		}
		if got := rec1.Header().Get(headerRateLimitRemaining); got != "0" {
			t.Fatalf("expected first %s header %q got %q", headerRateLimitRemaining, "0", got)
		}

		req2 := httptest.NewRequest(http.MethodGet, "/runs", nil)
		req2.Header.Set("Authorization", "Bearer low-limit")
		rec2 := httptest.NewRecorder()
		handler.ServeHTTP(rec2, req2)

		if rec2.Code != http.StatusTooManyRequests {
			t.Fatalf("expected second request status 429 got %d", rec2.Code)
		}
		retryAfter := rec2.Header().Get(headerRetryAfter)
		if retryAfter == "" {
			t.Fatalf("expected %s header to be set", headerRetryAfter)
		}
		if _, err := strconv.Atoi(retryAfter); err != nil {
			t.Fatalf("expected numeric %s header, got %q", headerRetryAfter, retryAfter)
		}
	})
}

func TestAPITokenAuthPanicsWithoutResolver(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected APITokenAuth to panic when resolver is nil")
		}
	}()

	APITokenAuth(nil, nil)
}

func TestBearerToken(t *testing.T) {
	if got, ok := bearerToken("Bearer secret"); !ok || got != "secret" {
		t.Fatal("expected exact bearer token to be valid")
	}
	if got, ok := bearerToken("bearer secret"); !ok || got != "secret" {
		t.Fatal("expected bearer scheme to be case-insensitive")
	}
	if _, ok := bearerToken("Token secret"); ok {
		t.Fatal("expected non-bearer scheme to be invalid")
	}
	if _, ok := bearerToken("Bearer"); ok {
		t.Fatal("expected malformed header to be invalid")
	}
	if _, ok := bearerToken("Bearer "); ok {
		t.Fatal("expected empty token to be invalid")
	}
}

type mockAPIKeyResolver struct {
	keyByToken map[string]auth.APIKey
	err        error
}

func (m *mockAPIKeyResolver) ResolveAPIKey(ctx context.Context, bearerToken string) (auth.APIKey, bool, error) {
	if m.err != nil {
		return auth.APIKey{}, false, m.err
	}

	if key, ok := m.keyByToken[bearerToken]; ok {
		return key, true, nil
	}

	return auth.APIKey{}, false, nil
}
