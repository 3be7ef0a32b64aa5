// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/runledger/runledger/internal/auth"
	"github.com/runledger/runledger/internal/domain"
	"github.com/runledger/runledger/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockInbox struct {
	appendID  uuid.UUID
	appendErr error
	payloads  [][]byte
}

func (m *mockInbox) Append(_ context.Context, payload []byte) (uuid.UUID, error) {
	if m.appendErr != nil {
		return uuid.Nil, m.appendErr
	}
	m.payloads = append(m.payloads, payload)
	return m.appendID, nil
}

type mockRunReader struct {
	run    domain.ServiceRun
	getErr error
	runs   []domain.ServiceRun
	filter domain.RunFilter
}

func (m *mockRunReader) GetRun(_ context.Context, id uuid.UUID) (domain.ServiceRun, error) {
	if m.getErr != nil {
		return domain.ServiceRun{}, m.getErr
	}
	return m.run, nil
}

func (m *mockRunReader) ListRuns(_ context.Context, filter domain.RunFilter) ([]domain.ServiceRun, error) {
	m.filter = filter
	return m.runs, nil
}

type mockLedger struct {
	balance   domain.Credits
	topUp     domain.CreditTransaction
	topUpErr  error
	entries   []domain.CreditTransaction
	topUpArgs []domain.Credits
}

func (m *mockLedger) SumBalance(_ context.Context, _ uuid.UUID, _ bool) (domain.Credits, error) {
	return m.balance, nil
}

func (m *mockLedger) CreateTopUp(_ context.Context, _ uuid.UUID, amount domain.Credits, _ string) (domain.CreditTransaction, error) {
	if m.topUpErr != nil {
		return domain.CreditTransaction{}, m.topUpErr
	}
	m.topUpArgs = append(m.topUpArgs, amount)
	return m.topUp, nil
}

func (m *mockLedger) ListTransactions(_ context.Context, _ uuid.UUID, _ int) ([]domain.CreditTransaction, error) {
	return m.entries, nil
}

type mockSeats struct {
	checkout       domain.LicenseSeatCheckout
	checkoutErr    error
	checkouts      int
	released       bool
	releases       int
	releaseErr     error
	getCheckoutErr error
	checkoutFilter domain.CheckoutFilter
	purchase       domain.LicensePurchase
	purchaseErr    error
}

func (m *mockSeats) Checkout(_ context.Context, _ repository.CheckoutParams) (domain.LicenseSeatCheckout, error) {
	m.checkouts++
	if m.checkoutErr != nil {
		return domain.LicenseSeatCheckout{}, m.checkoutErr
	}
	return m.checkout, nil
}

func (m *mockSeats) Release(_ context.Context, _ uuid.UUID) (bool, error) {
	m.releases++
	if m.releaseErr != nil {
		return false, m.releaseErr
	}
	return m.released, nil
}

func (m *mockSeats) GetCheckout(_ context.Context, _ uuid.UUID) (domain.LicenseSeatCheckout, error) {
	if m.getCheckoutErr != nil {
		return domain.LicenseSeatCheckout{}, m.getCheckoutErr
	}
	return m.checkout, nil
}

func (m *mockSeats) ListCheckouts(_ context.Context, filter domain.CheckoutFilter) ([]domain.LicenseSeatCheckout, error) {
	m.checkoutFilter = filter
	return []domain.LicenseSeatCheckout{m.checkout}, nil
}

func (m *mockSeats) CreatePurchase(_ context.Context, _ repository.PurchaseParams) (domain.LicensePurchase, error) {
	if m.purchaseErr != nil {
		return domain.LicensePurchase{}, m.purchaseErr
	}
	return m.purchase, nil
}

func (m *mockSeats) ListPurchases(_ context.Context, _ uuid.UUID) ([]domain.LicensePurchase, error) {
	return []domain.LicensePurchase{m.purchase}, nil
}

type mockRouterPublisher struct {
	balanceChanged []domain.WalletBalanceChanged
}

func (m *mockRouterPublisher) BalanceChanged(_ context.Context, event domain.WalletBalanceChanged) error {
	m.balanceChanged = append(m.balanceChanged, event)
	return nil
}

func (m *mockRouterPublisher) LowBalance(_ context.Context, _ domain.WalletLowBalanceReached) error {
	return nil
}

func testDeps() (Deps, *mockInbox, *mockLedger, *mockSeats, *mockRouterPublisher) {
	inbox := &mockInbox{appendID: uuid.New()}
	ledger := &mockLedger{}
	seats := &mockSeats{}
	pub := &mockRouterPublisher{}
	deps := Deps{
		Inbox:     inbox,
		Runs:      &mockRunReader{},
		Ledger:    ledger,
		Seats:     seats,
		Publisher: pub,
		Logger:    discardLogger(),
	}
	return deps, inbox, ledger, seats, pub
}

func TestRouter_IngestEvent(t *testing.T) {
	deps, inbox, _, _, _ := testDeps()
	router := NewRouter(deps)

	body := fmt.Sprintf(`{"type":"HEARTBEAT","run_id":%q,"created_at":%q}`,
		uuid.NewString(), time.Now().UTC().Format(time.RFC3339))
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202 got %d", rec.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["event_id"] != inbox.appendID.String() {
		t.Fatalf("expected event_id %s got %s", inbox.appendID, resp["event_id"])
	}
	if len(inbox.payloads) != 1 {
		t.Fatalf("expected one appended payload got %d", len(inbox.payloads))
	}
}

func TestRouter_IngestEventRejectsMalformedPayload(t *testing.T) {
	deps, inbox, _, _, _ := testDeps()
	inbox.appendErr = fmt.Errorf("%w: missing run_id", domain.ErrMalformedEvent)
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString(`{"type":"STARTED"}`))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
}

func TestRouter_GetRun(t *testing.T) {
	deps, _, _, _, _ := testDeps()
	runID := uuid.New()
	deps.Runs = &mockRunReader{run: domain.ServiceRun{ID: runID, Status: domain.RunRunning}}
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/runs/"+runID.String(), nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	var resp domain.ServiceRun
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != runID || resp.Status != domain.RunRunning {
		t.Fatalf("unexpected run payload: %+v", resp)
	}
}

func TestRouter_GetRunNotFound(t *testing.T) {
	deps, _, _, _, _ := testDeps()
	deps.Runs = &mockRunReader{getErr: pgx.ErrNoRows}
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/runs/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
}

func TestRouter_ListRunsFilter(t *testing.T) {
	deps, _, _, _, _ := testDeps()
	runs := &mockRunReader{}
	deps.Runs = runs
	router := NewRouter(deps)

	walletID := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/runs?wallet_id="+walletID.String()+"&status=running&limit=5", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if runs.filter.WalletID == nil || *runs.filter.WalletID != walletID {
		t.Fatal("expected wallet filter to be forwarded")
	}
	if runs.filter.Status == nil || *runs.filter.Status != domain.RunRunning {
		t.Fatal("expected status filter to be uppercased and forwarded")
	}
	if runs.filter.Limit != 5 {
		t.Fatalf("expected limit 5 got %d", runs.filter.Limit)
	}
}

func TestRouter_ListRunsRejectsBadStatus(t *testing.T) {
	deps, _, _, _, _ := testDeps()
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/runs?status=paused", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
}

func TestRouter_WalletBalance(t *testing.T) {
	deps, _, ledger, _, _ := testDeps()
	ledger.balance = domain.Credits(700)
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/wallets/"+uuid.NewString()+"/balance", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["credits"] != 7.00 {
		t.Fatalf("expected credits 7.00 got %v", resp["credits"])
	}
	if resp["include_pending"] != true {
		t.Fatal("expected include_pending to default to true")
	}
}

func TestRouter_WalletScopedKeyCannotReadOtherWallet(t *testing.T) {
	deps, _, ledger, _, _ := testDeps()
	ledger.balance = domain.Credits(700)
	router := NewRouter(deps)

	ownWallet := uuid.New()
	otherWallet := uuid.New()
	key := auth.APIKey{ID: uuid.New(), WalletID: &ownWallet, MaxRequestsPerMin: 60}

	req := httptest.NewRequest(http.MethodGet, "/wallets/"+otherWallet.String()+"/balance", nil)
	req = req.WithContext(auth.WithAPIKey(req.Context(), key))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/wallets/"+ownWallet.String()+"/balance", nil)
	req = req.WithContext(auth.WithAPIKey(req.Context(), key))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 for the key's own wallet, got %d", rec.Code)
	}
}

func TestRouter_WalletScopedKeyCannotCheckOutForOtherWallet(t *testing.T) {
	deps, _, _, seats, _ := testDeps()
	router := NewRouter(deps)

	ownWallet := uuid.New()
	key := auth.APIKey{ID: uuid.New(), WalletID: &ownWallet, MaxRequestsPerMin: 60}

	body, _ := json.Marshal(map[string]any{
		"wallet_id": uuid.New(),
		"run_id":    uuid.New(),
		"num_seats": 1,
	})
	req := httptest.NewRequest(http.MethodPost, "/licenses/"+uuid.NewString()+"/checkouts", bytes.NewReader(body))
	req = req.WithContext(auth.WithAPIKey(req.Context(), key))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 got %d", rec.Code)
	}
	if seats.checkouts != 0 {
		t.Fatal("expected no checkout to reach the store")
	}
}

func TestRouter_WalletScopedKeyListsOnlyItsRuns(t *testing.T) {
	deps, _, _, _, _ := testDeps()
	runs := &mockRunReader{}
	deps.Runs = runs
	router := NewRouter(deps)

	ownWallet := uuid.New()
	key := auth.APIKey{ID: uuid.New(), WalletID: &ownWallet, MaxRequestsPerMin: 60}

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	req = req.WithContext(auth.WithAPIKey(req.Context(), key))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if runs.filter.WalletID == nil || *runs.filter.WalletID != ownWallet {
		t.Fatal("expected list filter to be pinned to the key's wallet")
	}

	req = httptest.NewRequest(http.MethodGet, "/runs?wallet_id="+uuid.NewString(), nil)
	req = req.WithContext(auth.WithAPIKey(req.Context(), key))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 for another wallet's filter, got %d", rec.Code)
	}
}

func TestRouter_WalletScopedKeyCannotReadOtherRun(t *testing.T) {
	deps, _, _, _, _ := testDeps()
	ownWallet := uuid.New()
	otherWallet := uuid.New()
	runID := uuid.New()
	deps.Runs = &mockRunReader{run: domain.ServiceRun{
		ID:       runID,
		WalletID: &otherWallet,
		Status:   domain.RunRunning,
	}}
	router := NewRouter(deps)

	key := auth.APIKey{ID: uuid.New(), WalletID: &ownWallet, MaxRequestsPerMin: 60}

	req := httptest.NewRequest(http.MethodGet, "/runs/"+runID.String(), nil)
	req = req.WithContext(auth.WithAPIKey(req.Context(), key))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 got %d", rec.Code)
	}
}

func TestRouter_WalletScopedKeyListsOnlyItsCheckouts(t *testing.T) {
	deps, _, _, seats, _ := testDeps()
	router := NewRouter(deps)

	ownWallet := uuid.New()
	key := auth.APIKey{ID: uuid.New(), WalletID: &ownWallet, MaxRequestsPerMin: 60}

	req := httptest.NewRequest(http.MethodGet, "/checkouts", nil)
	req = req.WithContext(auth.WithAPIKey(req.Context(), key))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if seats.checkoutFilter.WalletID == nil || *seats.checkoutFilter.WalletID != ownWallet {
		t.Fatal("expected list filter to be pinned to the key's wallet")
	}

	req = httptest.NewRequest(http.MethodGet, "/checkouts?wallet_id="+uuid.NewString(), nil)
	req = req.WithContext(auth.WithAPIKey(req.Context(), key))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 for another wallet's filter, got %d", rec.Code)
	}
}

func TestRouter_WalletScopedKeyCannotReadOtherCheckout(t *testing.T) {
	deps, _, _, seats, _ := testDeps()
	ownWallet := uuid.New()
	checkoutID := uuid.New()
	seats.checkout = domain.LicenseSeatCheckout{
		ID:       checkoutID,
		WalletID: uuid.New(),
		NumSeats: 1,
	}
	router := NewRouter(deps)

	key := auth.APIKey{ID: uuid.New(), WalletID: &ownWallet, MaxRequestsPerMin: 60}

	req := httptest.NewRequest(http.MethodGet, "/checkouts/"+checkoutID.String(), nil)
	req = req.WithContext(auth.WithAPIKey(req.Context(), key))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 got %d", rec.Code)
	}
}

func TestRouter_WalletScopedKeyCannotReleaseOtherCheckout(t *testing.T) {
	deps, _, _, seats, _ := testDeps()
	ownWallet := uuid.New()
	checkoutID := uuid.New()
	seats.checkout = domain.LicenseSeatCheckout{
		ID:       checkoutID,
		WalletID: uuid.New(),
		NumSeats: 1,
	}
	seats.released = true
	router := NewRouter(deps)

	key := auth.APIKey{ID: uuid.New(), WalletID: &ownWallet, MaxRequestsPerMin: 60}

	req := httptest.NewRequest(http.MethodPost, "/checkouts/"+checkoutID.String()+"/release", nil)
	req = req.WithContext(auth.WithAPIKey(req.Context(), key))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 got %d", rec.Code)
	}
	if seats.releases != 0 {
		t.Fatal("expected no release to reach the store")
	}

	seats.checkout.WalletID = ownWallet
	req = httptest.NewRequest(http.MethodPost, "/checkouts/"+checkoutID.String()+"/release", nil)
	req = req.WithContext(auth.WithAPIKey(req.Context(), key))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 for the key's own checkout, got %d", rec.Code)
	}
	if seats.releases != 1 {
		t.Fatalf("expected one release got %d", seats.releases)
	}
}

func TestRouter_TopUpPublishesBalanceChanged(t *testing.T) {
	deps, _, ledger, _, pub := testDeps()
	walletID := uuid.New()
	ledger.balance = domain.Credits(1200)
	ledger.topUp = domain.CreditTransaction{
		ID:       uuid.New(),
		WalletID: walletID,
		Kind:     domain.TxAddWalletTopUp,
		Status:   domain.TxBilled,
		Credits:  domain.Credits(500),
	}
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodPost, "/wallets/"+walletID.String()+"/topups",
		bytes.NewBufferString(`{"credits":5.00,"reference":"invoice-42"}`))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if len(ledger.topUpArgs) != 1 || ledger.topUpArgs[0] != domain.Credits(500) {
		t.Fatalf("expected top-up of 5.00, got %v", ledger.topUpArgs)
	}
	if len(pub.balanceChanged) != 1 {
		t.Fatalf("expected one balance changed notification got %d", len(pub.balanceChanged))
	}
	if pub.balanceChanged[0].Credits != domain.Credits(1200) {
		t.Fatalf("expected notified balance 12.00 got %s", pub.balanceChanged[0].Credits)
	}
}

func TestRouter_TopUpRejectsNonPositiveAmount(t *testing.T) {
	deps, _, ledger, _, _ := testDeps()
	ledger.topUpErr = domain.ErrInvalidCreditAmount
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodPost, "/wallets/"+uuid.NewString()+"/topups",
		bytes.NewBufferString(`{"credits":-1.00}`))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
}

func TestRouter_CheckoutSeatErrorsMapToConflict(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"pool exhausted", domain.ErrNotEnoughAvailableSeats, http.StatusConflict},
		{"partial availability", domain.ErrCheckoutNotEnoughAvailableSeats, http.StatusConflict},
		{"run not running", domain.ErrCheckoutServiceNotRunning, http.StatusConflict},
		{"bad seat count", domain.ErrInvalidSeatCount, http.StatusBadRequest},
		{"storage failure", errors.New("pool down"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deps, _, _, seats, _ := testDeps()
			seats.checkoutErr = tc.err
			router := NewRouter(deps)

			body := fmt.Sprintf(`{"wallet_id":%q,"run_id":%q,"num_seats":2}`,
				uuid.NewString(), uuid.NewString())
			req := httptest.NewRequest(http.MethodPost, "/licenses/"+uuid.NewString()+"/checkouts",
				bytes.NewBufferString(body))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Fatalf("expected status %d got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestRouter_CheckoutSuccess(t *testing.T) {
	deps, _, _, seats, _ := testDeps()
	checkoutID := uuid.New()
	seats.checkout = domain.LicenseSeatCheckout{ID: checkoutID, NumSeats: 2}
	router := NewRouter(deps)

	body := fmt.Sprintf(`{"wallet_id":%q,"run_id":%q,"num_seats":2}`,
		uuid.NewString(), uuid.NewString())
	req := httptest.NewRequest(http.MethodPost, "/licenses/"+uuid.NewString()+"/checkouts",
		bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	var resp domain.LicenseSeatCheckout
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != checkoutID {
		t.Fatalf("expected checkout %s got %s", checkoutID, resp.ID)
	}
}

func TestRouter_ReleaseUnknownCheckout(t *testing.T) {
	deps, _, _, seats, _ := testDeps()
	seats.getCheckoutErr = pgx.ErrNoRows
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodPost, "/checkouts/"+uuid.NewString()+"/release", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
}

func TestRouter_ReleaseIsIdempotent(t *testing.T) {
	deps, _, _, seats, _ := testDeps()
	seats.released = false // already released earlier
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodPost, "/checkouts/"+uuid.NewString()+"/release", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["released"] != false {
		t.Fatal("expected released=false for an already-released checkout")
	}
}

func TestRouter_CreatePurchasePublishesBalanceChanged(t *testing.T) {
	deps, _, ledger, seats, pub := testDeps()
	walletID := uuid.New()
	ledger.balance = domain.Credits(-500)
	seats.purchase = domain.LicensePurchase{
		ID:       uuid.New(),
		WalletID: walletID,
		NumSeats: 3,
		Price:    domain.Credits(1000),
	}
	router := NewRouter(deps)

	body := fmt.Sprintf(`{"wallet_id":%q,"num_seats":3,"price":10.00}`, walletID)
	req := httptest.NewRequest(http.MethodPost, "/licenses/"+uuid.NewString()+"/purchases",
		bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if len(pub.balanceChanged) != 1 {
		t.Fatalf("expected one balance changed notification got %d", len(pub.balanceChanged))
	}
}

func TestRouter_Version(t *testing.T) {
	deps, _, _, _, _ := testDeps()
	deps.Version = "1.2.3"
	deps.Commit = "abc123"
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["version"] != "1.2.3" || resp["commit"] != "abc123" {
		t.Fatalf("unexpected version payload: %v", resp)
	}
}

func TestRouter_HealthzUsesChecker(t *testing.T) {
	deps, _, _, _, _ := testDeps()
	deps.Health = &failingHealthChecker{}
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 got %d", rec.Code)
	}
}

type failingHealthChecker struct{}

func (f *failingHealthChecker) Check(_ context.Context) error {
	return errors.New("schema missing")
}
