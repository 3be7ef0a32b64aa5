// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/runledger/runledger/internal/auth"
)

const (
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRetryAfter         = "Retry-After"
)

// openPaths are reachable without an API token.
var openPaths = map[string]struct{}{
	"/healthz": {},
	"/metrics": {},
	"/version": {},
}

type APIKeyResolver interface {
	ResolveAPIKey(ctx context.Context, bearerToken string) (auth.APIKey, bool, error)
}

// APITokenAuth authenticates every request outside the open paths against
// the API key store and attaches the resolved key, including its wallet
// scope, to the request context. Per-key rate limits ride on the same
// middleware so one lookup serves both.
func APITokenAuth(resolver APIKeyResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return apiTokenAuthWithLimiter(resolver, newInMemoryRateLimiter(), logger)
}

func apiTokenAuthWithLimiter(
	resolver APIKeyResolver,
	limiter *inMemoryRateLimiter,
	logger *slog.Logger,
) func(http.Handler) http.Handler {
	if resolver == nil {
		panic("middleware.APITokenAuth requires a resolver")
	}
	if limiter == nil {
		panic("middleware.APITokenAuth requires a limiter")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, open := openPaths[r.URL.Path]; open {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				logger.Warn("request without bearer token rejected",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				rejectUnauthorized(w)
				return
			}

			key, found, err := resolver.ResolveAPIKey(r.Context(), token)
			if err != nil {
				logger.Error("api key resolution failed",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"error", err,
				)
				http.Error(w, "auth lookup failed", http.StatusInternalServerError)
				return
			}
			if !found {
				logger.Warn("unknown or revoked api token rejected",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				rejectUnauthorized(w)
				return
			}

			decision := limiter.Allow(key.ID, key.MaxRequestsPerMin, time.Now())
			w.Header().Set(headerRateLimitLimit, strconv.Itoa(decision.LimitPerMinute))
			w.Header().Set(headerRateLimitRemaining, strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				w.Header().Set(headerRetryAfter, strconv.Itoa(decision.RetryAfterSeconds))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			// Swap the context on the current request pointer so outer
			// middleware (request logging) can read api_key_id after next
			// returns.
			*r = *r.WithContext(auth.WithAPIKey(r.Context(), key))
			next.ServeHTTP(w, r)
		})
	}
}

func rejectUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "missing or invalid API token", http.StatusUnauthorized)
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || token == "" {
		return "", false
	}
	if !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return token, true
}
