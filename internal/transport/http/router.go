// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/runledger/runledger/internal/auth"
	"github.com/runledger/runledger/internal/domain"
	"github.com/runledger/runledger/internal/metrics"
	"github.com/runledger/runledger/internal/notify"
	"github.com/runledger/runledger/internal/repository"
	"github.com/runledger/runledger/internal/transport/middleware"
)

const maxEventBodyBytes = 64 * 1024

type topUpRequest struct {
	Credits   domain.Credits `json:"credits"`
	Reference string         `json:"reference"`
}

type checkoutRequest struct {
	WalletID     uuid.UUID `json:"wallet_id"`
	RunID        uuid.UUID `json:"run_id"`
	NumSeats     int       `json:"num_seats"`
	CheckedOutBy string    `json:"checked_out_by"`
}

type purchaseRequest struct {
	WalletID   uuid.UUID      `json:"wallet_id"`
	NumSeats   int            `json:"num_seats"`
	Price      domain.Credits `json:"price"`
	ValidFrom  *time.Time     `json:"valid_from"`
	ValidUntil *time.Time     `json:"valid_until"`
}

type createAPIKeyRequest struct {
	Name              string     `json:"name"`
	WalletID          *uuid.UUID `json:"wallet_id"`
	MaxRequestsPerMin int        `json:"max_requests_per_min"`
}

type Deps struct {
	Inbox          EventIngestor
	Runs           RunReader
	Ledger         WalletLedger
	Seats          SeatManager
	Publisher      notify.Publisher
	APIKeyAdmin    APIKeyManager
	APIKeyResolver APIKeyResolver
	Health         HealthChecker
	Logger         *slog.Logger
	AdminToken     string
	Version        string
	Commit         string
	BuildDate      string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health.Check(r.Context()); err != nil {
				logger.Error("health check failed", "error", err)
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- API KEY LIFECYCLE (ADMIN) ----------------

	if deps.APIKeyAdmin != nil {
		r.Route("/api-keys", func(admin chi.Router) {
			admin.Use(middleware.AdminTokenAuth(deps.AdminToken, logger))

			admin.Post("/", func(w http.ResponseWriter, r *http.Request) {
				reqBody, err := decodeCreateAPIKeyRequest(r)
				if err != nil {
					http.Error(w, "invalid request body", http.StatusBadRequest)
					return
				}

				created, err := deps.APIKeyAdmin.CreateAPIKey(r.Context(), domain.CreateAPIKeyParams{
					Name:              reqBody.Name,
					WalletID:          reqBody.WalletID,
					MaxRequestsPerMin: reqBody.MaxRequestsPerMin,
				})
				if err != nil {
					if errors.Is(err, domain.ErrInvalidAPIKeyName) {
						http.Error(w, "invalid api key name", http.StatusBadRequest)
						return
					}
					logger.Error("create api key failed", "error", err)
					http.Error(w, "failed to create api key", http.StatusInternalServerError)
					return
				}

				writeJSON(w, http.StatusOK, map[string]string{
					"api_key_id": created.ID.String(),
					"token":      created.Token,
				})
			})

			admin.Get("/", func(w http.ResponseWriter, r *http.Request) {
				keys, err := deps.APIKeyAdmin.ListAPIKeys(r.Context())
				if err != nil {
					logger.Error("list api keys failed", "error", err)
					http.Error(w, "failed to list api keys", http.StatusInternalServerError)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{
					"api_keys": keys,
				})
			})

			admin.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
				id, err := uuid.Parse(chi.URLParam(r, "id"))
				if err != nil {
					http.Error(w, "invalid api key ID", http.StatusBadRequest)
					return
				}

				if err := deps.APIKeyAdmin.RevokeAPIKey(r.Context(), id); err != nil {
					if errors.Is(err, pgx.ErrNoRows) {
						http.Error(w, "api key not found", http.StatusNotFound)
						return
					}
					logger.Error("delete api key failed", "api_key_id", id, "error", err)
					http.Error(w, "failed to delete api key", http.StatusInternalServerError)
					return
				}

				w.WriteHeader(http.StatusNoContent)
			})
		})
	}

	// ---------------- AUTHENTICATED API ----------------

	r.Group(func(r chi.Router) {
		if deps.APIKeyResolver != nil {
			r.Use(middleware.APITokenAuth(deps.APIKeyResolver, logger))
		}

		// ---------------- INGEST LIFECYCLE EVENT ----------------

		r.Post("/events", func(w http.ResponseWriter, r *http.Request) {
			payload, err := io.ReadAll(io.LimitReader(r.Body, maxEventBodyBytes))
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}

			eventID, err := deps.Inbox.Append(r.Context(), payload)
			if err != nil {
				if errors.Is(err, domain.ErrMalformedEvent) {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				logger.Error("ingest lifecycle event failed", "error", err)
				http.Error(w, "failed to ingest event", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusAccepted, map[string]string{
				"event_id": eventID.String(),
			})
		})

		// ---------------- RUNS ----------------

		r.Get("/runs", func(w http.ResponseWriter, r *http.Request) {
			filter, err := parseRunFilter(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			if scope := callerWalletScope(r); scope != nil {
				if filter.WalletID != nil && *filter.WalletID != *scope {
					http.Error(w, "api key is not scoped to this wallet", http.StatusForbidden)
					return
				}
				filter.WalletID = scope
			}

			runs, err := deps.Runs.ListRuns(r.Context(), filter)
			if err != nil {
				logger.Error("list runs failed", "error", err)
				http.Error(w, "failed to list runs", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"runs": runs,
			})
		})

		r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
			runID, err := uuid.Parse(chi.URLParam(r, "id"))
			if err != nil {
				http.Error(w, "invalid run ID", http.StatusBadRequest)
				return
			}

			run, err := deps.Runs.GetRun(r.Context(), runID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					http.Error(w, "run not found", http.StatusNotFound)
					return
				}
				logger.Error("get run failed", "run_id", runID, "error", err)
				http.Error(w, "failed to get run", http.StatusInternalServerError)
				return
			}

			// Untracked runs carry no wallet; only operator keys see those.
			if scope := callerWalletScope(r); scope != nil {
				if run.WalletID == nil || *run.WalletID != *scope {
					http.Error(w, "api key is not scoped to this wallet", http.StatusForbidden)
					return
				}
			}

			writeJSON(w, http.StatusOK, run)
		})

		// ---------------- WALLETS ----------------

		r.Get("/wallets/{id}/balance", func(w http.ResponseWriter, r *http.Request) {
			walletID, ok := walletFromPath(w, r)
			if !ok {
				return
			}

			// Open accruals count by default so callers see the balance
			// that settlement would act on.
			includePending := true
			if raw := r.URL.Query().Get("include_pending"); raw != "" {
				parsed, err := strconv.ParseBool(raw)
				if err != nil {
					http.Error(w, "invalid include_pending", http.StatusBadRequest)
					return
				}
				includePending = parsed
			}

			balance, err := deps.Ledger.SumBalance(r.Context(), walletID, includePending)
			if err != nil {
				logger.Error("sum balance failed", "wallet_id", walletID, "error", err)
				http.Error(w, "failed to get balance", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"wallet_id":       walletID.String(),
				"credits":         balance,
				"include_pending": includePending,
			})
		})

		r.Post("/wallets/{id}/topups", func(w http.ResponseWriter, r *http.Request) {
			walletID, ok := walletFromPath(w, r)
			if !ok {
				return
			}

			var reqBody topUpRequest
			if err := decodeJSONBody(r, &reqBody); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			entry, err := deps.Ledger.CreateTopUp(r.Context(), walletID, reqBody.Credits, reqBody.Reference)
			if err != nil {
				if errors.Is(err, domain.ErrInvalidCreditAmount) {
					http.Error(w, "credits must be positive", http.StatusBadRequest)
					return
				}
				logger.Error("create top-up failed", "wallet_id", walletID, "error", err)
				http.Error(w, "failed to create top-up", http.StatusInternalServerError)
				return
			}

			notifyBalanceChanged(r, deps, walletID, logger)

			writeJSON(w, http.StatusOK, entry)
		})

		r.Get("/wallets/{id}/transactions", func(w http.ResponseWriter, r *http.Request) {
			walletID, ok := walletFromPath(w, r)
			if !ok {
				return
			}

			limit := 0
			if raw := r.URL.Query().Get("limit"); raw != "" {
				parsed, err := strconv.Atoi(raw)
				if err != nil || parsed < 0 {
					http.Error(w, "invalid limit", http.StatusBadRequest)
					return
				}
				limit = parsed
			}

			entries, err := deps.Ledger.ListTransactions(r.Context(), walletID, limit)
			if err != nil {
				logger.Error("list transactions failed", "wallet_id", walletID, "error", err)
				http.Error(w, "failed to list transactions", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"wallet_id":    walletID.String(),
				"transactions": entries,
			})
		})

		r.Get("/wallets/{id}/purchases", func(w http.ResponseWriter, r *http.Request) {
			walletID, ok := walletFromPath(w, r)
			if !ok {
				return
			}

			purchases, err := deps.Seats.ListPurchases(r.Context(), walletID)
			if err != nil {
				logger.Error("list purchases failed", "wallet_id", walletID, "error", err)
				http.Error(w, "failed to list purchases", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"wallet_id": walletID.String(),
				"purchases": purchases,
			})
		})

		// ---------------- LICENSE SEATS ----------------

		r.Post("/licenses/{item_id}/checkouts", func(w http.ResponseWriter, r *http.Request) {
			itemID, err := uuid.Parse(chi.URLParam(r, "item_id"))
			if err != nil {
				http.Error(w, "invalid licensed item ID", http.StatusBadRequest)
				return
			}

			var reqBody checkoutRequest
			if err := decodeJSONBody(r, &reqBody); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			if !callerCanAccessWallet(r, reqBody.WalletID) {
				http.Error(w, "api key is not scoped to this wallet", http.StatusForbidden)
				return
			}

			checkout, err := deps.Seats.Checkout(r.Context(), repository.CheckoutParams{
				LicensedItemID: itemID,
				WalletID:       reqBody.WalletID,
				RunID:          reqBody.RunID,
				NumSeats:       reqBody.NumSeats,
				CheckedOutBy:   reqBody.CheckedOutBy,
			})
			if err != nil {
				metrics.IncSeatCheckout(metrics.CheckoutRejected)
				switch {
				case errors.Is(err, domain.ErrInvalidSeatCount):
					http.Error(w, "num_seats must be positive", http.StatusBadRequest)
				case errors.Is(err, domain.ErrNotEnoughAvailableSeats):
					http.Error(w, "no seats available", http.StatusConflict)
				case errors.Is(err, domain.ErrCheckoutNotEnoughAvailableSeats):
					http.Error(w, "not enough seats available", http.StatusConflict)
				case errors.Is(err, domain.ErrCheckoutServiceNotRunning):
					http.Error(w, "service run is not running", http.StatusConflict)
				default:
					logger.Error("seat checkout failed",
						"licensed_item_id", itemID,
						"wallet_id", reqBody.WalletID,
						"error", err)
					http.Error(w, "failed to check out seats", http.StatusInternalServerError)
				}
				return
			}

			metrics.IncSeatCheckout(metrics.CheckoutAccepted)
			writeJSON(w, http.StatusOK, checkout)
		})

		r.Post("/checkouts/{id}/release", func(w http.ResponseWriter, r *http.Request) {
			checkoutID, err := uuid.Parse(chi.URLParam(r, "id"))
			if err != nil {
				http.Error(w, "invalid checkout ID", http.StatusBadRequest)
				return
			}

			checkout, err := deps.Seats.GetCheckout(r.Context(), checkoutID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					http.Error(w, "checkout not found", http.StatusNotFound)
					return
				}
				logger.Error("get checkout failed", "checkout_id", checkoutID, "error", err)
				http.Error(w, "failed to release checkout", http.StatusInternalServerError)
				return
			}
			if !callerCanAccessWallet(r, checkout.WalletID) {
				http.Error(w, "api key is not scoped to this wallet", http.StatusForbidden)
				return
			}

			released, err := deps.Seats.Release(r.Context(), checkoutID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					http.Error(w, "checkout not found", http.StatusNotFound)
					return
				}
				logger.Error("release checkout failed", "checkout_id", checkoutID, "error", err)
				http.Error(w, "failed to release checkout", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"id":       checkoutID.String(),
				"released": released,
			})
		})

		r.Get("/checkouts", func(w http.ResponseWriter, r *http.Request) {
			filter, err := parseCheckoutFilter(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			if scope := callerWalletScope(r); scope != nil {
				if filter.WalletID != nil && *filter.WalletID != *scope {
					http.Error(w, "api key is not scoped to this wallet", http.StatusForbidden)
					return
				}
				filter.WalletID = scope
			}

			checkouts, err := deps.Seats.ListCheckouts(r.Context(), filter)
			if err != nil {
				logger.Error("list checkouts failed", "error", err)
				http.Error(w, "failed to list checkouts", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"checkouts": checkouts,
			})
		})

		r.Get("/checkouts/{id}", func(w http.ResponseWriter, r *http.Request) {
			checkoutID, err := uuid.Parse(chi.URLParam(r, "id"))
			if err != nil {
				http.Error(w, "invalid checkout ID", http.StatusBadRequest)
				return
			}

			checkout, err := deps.Seats.GetCheckout(r.Context(), checkoutID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					http.Error(w, "checkout not found", http.StatusNotFound)
					return
				}
				logger.Error("get checkout failed", "checkout_id", checkoutID, "error", err)
				http.Error(w, "failed to get checkout", http.StatusInternalServerError)
				return
			}

			if !callerCanAccessWallet(r, checkout.WalletID) {
				http.Error(w, "api key is not scoped to this wallet", http.StatusForbidden)
				return
			}

			writeJSON(w, http.StatusOK, checkout)
		})

		r.Post("/licenses/{item_id}/purchases", func(w http.ResponseWriter, r *http.Request) {
			itemID, err := uuid.Parse(chi.URLParam(r, "item_id"))
			if err != nil {
				http.Error(w, "invalid licensed item ID", http.StatusBadRequest)
				return
			}

			var reqBody purchaseRequest
			if err := decodeJSONBody(r, &reqBody); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			if !callerCanAccessWallet(r, reqBody.WalletID) {
				http.Error(w, "api key is not scoped to this wallet", http.StatusForbidden)
				return
			}

			params := repository.PurchaseParams{
				LicensedItemID: itemID,
				WalletID:       reqBody.WalletID,
				NumSeats:       reqBody.NumSeats,
				Price:          reqBody.Price,
				ValidUntil:     reqBody.ValidUntil,
			}
			if reqBody.ValidFrom != nil {
				params.ValidFrom = *reqBody.ValidFrom
			}

			purchase, err := deps.Seats.CreatePurchase(r.Context(), params)
			if err != nil {
				switch {
				case errors.Is(err, domain.ErrInvalidSeatCount):
					http.Error(w, "num_seats must be positive", http.StatusBadRequest)
				case errors.Is(err, domain.ErrInvalidCreditAmount):
					http.Error(w, "price must not be negative", http.StatusBadRequest)
				default:
					logger.Error("create purchase failed",
						"licensed_item_id", itemID,
						"wallet_id", reqBody.WalletID,
						"error", err)
					http.Error(w, "failed to create purchase", http.StatusInternalServerError)
				}
				return
			}

			if purchase.Price > 0 {
				notifyBalanceChanged(r, deps, purchase.WalletID, logger)
			}

			writeJSON(w, http.StatusOK, purchase)
		})
	})

	return r
}

// walletFromPath parses the {id} path segment and rejects wallet-scoped
// keys reaching for another wallet. It writes the error response itself.
func walletFromPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	walletID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid wallet ID", http.StatusBadRequest)
		return uuid.Nil, false
	}

	if !callerCanAccessWallet(r, walletID) {
		http.Error(w, "api key is not scoped to this wallet", http.StatusForbidden)
		return uuid.Nil, false
	}

	return walletID, true
}

// callerWalletScope returns the wallet a scoped API key is limited to.
// Operator keys and routers without a resolver get nil, meaning no scope.
func callerWalletScope(r *http.Request) *uuid.UUID {
	key, ok := auth.APIKeyFromContext(r.Context())
	if !ok {
		return nil
	}
	return key.WalletID
}

func callerCanAccessWallet(r *http.Request, walletID uuid.UUID) bool {
	key, ok := auth.APIKeyFromContext(r.Context())
	if !ok {
		// No resolver configured on this router.
		return true
	}
	return key.CanAccessWallet(walletID)
}

// notifyBalanceChanged publishes the wallet's fresh balance after a
// synchronous ledger write. Failures are logged, never surfaced: the
// write already committed.
func notifyBalanceChanged(r *http.Request, deps Deps, walletID uuid.UUID, logger *slog.Logger) {
	if deps.Publisher == nil {
		return
	}

	balance, err := deps.Ledger.SumBalance(r.Context(), walletID, true)
	if err != nil {
		logger.Error("balance read for notification failed", "wallet_id", walletID, "error", err)
		return
	}
	if err := deps.Publisher.BalanceChanged(r.Context(), domain.WalletBalanceChanged{
		WalletID:  walletID,
		Credits:   balance,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		logger.Error("balance changed publish failed", "wallet_id", walletID, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody(r *http.Request, into any) error {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return errors.New("empty request body")
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return err
	}

	// Ensure there is only one JSON object.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain exactly one JSON object")
	}

	return nil
}

func decodeCreateAPIKeyRequest(r *http.Request) (createAPIKeyRequest, error) {
	var req createAPIKeyRequest
	if err := decodeJSONBody(r, &req); err != nil {
		return createAPIKeyRequest{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return createAPIKeyRequest{}, domain.ErrInvalidAPIKeyName
	}

	return req, nil
}

func parseRunFilter(r *http.Request) (domain.RunFilter, error) {
	var filter domain.RunFilter
	query := r.URL.Query()

	if raw := query.Get("wallet_id"); raw != "" {
		walletID, err := uuid.Parse(raw)
		if err != nil {
			return domain.RunFilter{}, errors.New("invalid wallet_id")
		}
		filter.WalletID = &walletID
	}

	if raw := query.Get("status"); raw != "" {
		status := domain.RunStatus(strings.ToUpper(raw))
		switch status {
		case domain.RunRunning, domain.RunSuccess, domain.RunError:
		default:
			return domain.RunFilter{}, errors.New("invalid status")
		}
		filter.Status = &status
	}

	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return domain.RunFilter{}, errors.New("invalid " + name)
		}
		*dst = &at
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return domain.RunFilter{}, errors.New("invalid limit")
		}
		filter.Limit = limit
	}

	return filter, nil
}

func parseCheckoutFilter(r *http.Request) (domain.CheckoutFilter, error) {
	var filter domain.CheckoutFilter
	query := r.URL.Query()

	if raw := query.Get("wallet_id"); raw != "" {
		walletID, err := uuid.Parse(raw)
		if err != nil {
			return domain.CheckoutFilter{}, errors.New("invalid wallet_id")
		}
		filter.WalletID = &walletID
	}

	if raw := query.Get("run_id"); raw != "" {
		runID, err := uuid.Parse(raw)
		if err != nil {
			return domain.CheckoutFilter{}, errors.New("invalid run_id")
		}
		filter.RunID = &runID
	}

	if raw := query.Get("open"); raw != "" {
		open, err := strconv.ParseBool(raw)
		if err != nil {
			return domain.CheckoutFilter{}, errors.New("invalid open")
		}
		filter.OpenOnly = open
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return domain.CheckoutFilter{}, errors.New("invalid limit")
		}
		filter.Limit = limit
	}

	return filter, nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
