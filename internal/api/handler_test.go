package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tempocall/billing-engine/internal/api"
	"github.com/tempocall/billing-engine/internal/call"
	"github.com/tempocall/billing-engine/internal/kyc"
	"github.com/tempocall/billing-engine/internal/ledger"
	"github.com/tempocall/billing-engine/internal/metering"
	"github.com/tempocall/billing-engine/internal/model"
	"github.com/tempocall/billing-engine/internal/payment"
	"github.com/tempocall/billing-engine/internal/store"
	"github.com/tempocall/billing-engine/internal/withdrawal"
)

type testEnv struct {
	router http.Handler
	store  *store.MemoryStore
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store: store.NewMemoryStore(),
		now:   time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return env.now }

	l := ledger.New(env.store, ledger.WithClock(clock), ledger.WithHoldPeriod(30*24*time.Hour))
	engine := metering.New(env.store, l, metering.Config{Interval: time.Hour}, metering.WithClock(clock))
	t.Cleanup(engine.Shutdown)
	calls := call.NewService(env.store, engine, nil, call.WithClock(clock))
	engine.SetEnder(calls)

	gate := kyc.NewStoreGate(env.store)
	cfg := withdrawal.DefaultConfig()
	cfg.AnticipationFee = decimal.RequireFromString("0.05")
	mgr := withdrawal.NewManager(env.store, l, gate, payment.LogDispatcher{}, nil, cfg, withdrawal.WithClock(clock))

	h := api.NewHandler(api.Deps{
		Store:       env.store,
		Ledger:      l,
		Calls:       calls,
		Withdrawals: mgr,
		Payments:    payment.NewService(l),
		KYC:         gate,
	})
	r := chi.NewRouter()
	r.Route("/api/v1", h.Routes)
	env.router = r
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func (env *testEnv) topUp(t *testing.T, externalID, accountID string, cents int64) {
	t.Helper()
	w := env.do(t, "POST", "/api/v1/payments/confirmations", map[string]any{
		"external_id": externalID, "account_id": accountID, "amount_cents": cents,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("top-up: expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func (env *testEnv) approveKYC(t *testing.T, streamerID string) {
	t.Helper()
	w := env.do(t, "PUT", "/api/v1/admin/kyc/"+streamerID, map[string]any{"status": "approved"})
	if w.Code != http.StatusOK {
		t.Fatalf("kyc: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func (env *testEnv) balance(t *testing.T, accountID string) int64 {
	t.Helper()
	w := env.do(t, "GET", "/api/v1/accounts/"+accountID+"/balance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d", w.Code)
	}
	return decode[struct {
		BalanceCents int64 `json:"balance_cents"`
	}](t, w).BalanceCents
}

func TestCallLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.topUp(t, "pay-1", "viewer-1", 10000)

	w := env.do(t, "POST", "/api/v1/calls", map[string]any{
		"viewer_id": "viewer-1", "streamer_id": "streamer-1", "price_per_minute_cents": 150,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	c := decode[model.Call](t, w)
	if c.State != model.CallRequested {
		t.Fatalf("expected requested, got %s", c.State)
	}

	w = env.do(t, "POST", "/api/v1/calls/"+c.ID+"/accept", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	env.now = env.now.Add(90 * time.Second)
	w = env.do(t, "POST", "/api/v1/calls/"+c.ID+"/end", map[string]any{"ended_by": "viewer"})
	if w.Code != http.StatusOK {
		t.Fatalf("end: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	ended := decode[model.Call](t, w)
	if ended.State != model.CallEnded || ended.EndReason != model.EndViewerHangup {
		t.Fatalf("expected ended/viewer_hangup, got %s/%s", ended.State, ended.EndReason)
	}
	if ended.TotalChargedCents != 300 {
		t.Errorf("expected 2 started minutes charged (300), got %d", ended.TotalChargedCents)
	}

	if got := env.balance(t, "viewer-1"); got != 9700 {
		t.Errorf("viewer balance: expected 9700, got %d", got)
	}
	if got := env.balance(t, "streamer-1"); got != 210 {
		t.Errorf("streamer balance: expected 210, got %d", got)
	}

	// Ending again is a conflict, not a second settlement.
	w = env.do(t, "POST", "/api/v1/calls/"+c.ID+"/end", map[string]any{"ended_by": "streamer"})
	if w.Code != http.StatusConflict {
		t.Errorf("second end: expected 409, got %d", w.Code)
	}
	if got := env.balance(t, "viewer-1"); got != 9700 {
		t.Errorf("viewer balance changed after second end: %d", got)
	}
}

func TestRequestCall_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing viewer", map[string]any{"streamer_id": "s", "price_per_minute_cents": 100}},
		{"same party", map[string]any{"viewer_id": "a", "streamer_id": "a", "price_per_minute_cents": 100}},
		{"zero price", map[string]any{"viewer_id": "a", "streamer_id": "b", "price_per_minute_cents": 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/calls", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}

	req := httptest.NewRequest("POST", "/api/v1/calls", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", rec.Code)
	}
}

func TestEndCall_RequiresKnownParty(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/calls", map[string]any{
		"viewer_id": "v", "streamer_id": "s", "price_per_minute_cents": 100,
	})
	c := decode[model.Call](t, w)

	w = env.do(t, "POST", "/api/v1/calls/"+c.ID+"/end", map[string]any{"ended_by": "moderator"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestRejectAndTerminate(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/calls", map[string]any{
		"viewer_id": "v", "streamer_id": "s", "price_per_minute_cents": 100,
	})
	c := decode[model.Call](t, w)
	w = env.do(t, "POST", "/api/v1/calls/"+c.ID+"/reject", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reject: expected 200, got %d", w.Code)
	}
	if got := decode[model.Call](t, w); got.EndReason != model.EndRejected {
		t.Errorf("expected rejected, got %s", got.EndReason)
	}

	w = env.do(t, "POST", "/api/v1/calls", map[string]any{
		"viewer_id": "v", "streamer_id": "s", "price_per_minute_cents": 100,
	})
	c = decode[model.Call](t, w)
	w = env.do(t, "POST", "/api/v1/admin/calls/"+c.ID+"/terminate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("terminate: expected 200, got %d", w.Code)
	}
	if got := decode[model.Call](t, w); got.EndReason != model.EndModeration {
		t.Errorf("expected moderation, got %s", got.EndReason)
	}
}

func TestGetCall_NotFound(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/calls/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestPaymentConfirmation_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	env.topUp(t, "pay-9", "viewer-9", 2500)

	w := env.do(t, "POST", "/api/v1/payments/confirmations", map[string]any{
		"external_id": "pay-9", "account_id": "viewer-9", "amount_cents": 2500,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate: expected 200, got %d", w.Code)
	}
	if r := decode[payment.Receipt](t, w); !r.Duplicate || len(r.EntryIDs) != 1 {
		t.Errorf("expected duplicate receipt with original entry, got %+v", r)
	}
	if got := env.balance(t, "viewer-9"); got != 2500 {
		t.Errorf("expected single credit 2500, got %d", got)
	}

	w = env.do(t, "GET", "/api/v1/accounts/viewer-9/entries", nil)
	if entries := decode[[]model.LedgerEntry](t, w); len(entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(entries))
	}
}

func TestWithdrawal_KYCRequired(t *testing.T) {
	env := newTestEnv(t)
	env.topUp(t, "pay-1", "streamer-1", 50000)

	w := env.do(t, "POST", "/api/v1/withdrawals", map[string]any{
		"streamer_id": "streamer-1", "amount_cents": 10000,
		"pix_key": "streamer@example.com", "pix_key_type": "email",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestWithdrawal_KYCCheckedBeforeBodyFields(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/withdrawals", map[string]any{
		"streamer_id": "streamer-1", "amount_cents": 0,
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for unverified streamer, got %d: %s", w.Code, w.Body.String())
	}
}

func TestWithdrawal_ValidationRule(t *testing.T) {
	env := newTestEnv(t)
	env.approveKYC(t, "streamer-1")
	env.topUp(t, "pay-1", "streamer-1", 50000)

	tests := []struct {
		name   string
		amount int64
		key    string
		kind   string
		rule   string
	}{
		{"zero amount", 0, "streamer@example.com", "email", withdrawal.RuleAmountBounds},
		{"below minimum", 5000, "streamer@example.com", "email", withdrawal.RuleAmountBounds},
		{"missing pix", 10000, "", "", withdrawal.RulePixKey},
		{"bad pix", 10000, "12345", "cpf", withdrawal.RulePixKey},
		{"unknown pix type", 10000, "abc", "iban", withdrawal.RulePixKey},
		{"over available", 60000, "streamer@example.com", "email", withdrawal.RuleAvailableBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/withdrawals", map[string]any{
				"streamer_id": "streamer-1", "amount_cents": tt.amount,
				"pix_key": tt.key, "pix_key_type": tt.kind,
			})
			if w.Code != http.StatusUnprocessableEntity {
				t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
			}
			body := decode[map[string]string](t, w)
			if body["rule"] != tt.rule {
				t.Errorf("expected rule %s, got %s", tt.rule, body["rule"])
			}
		})
	}
}

func TestWithdrawal_FullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.approveKYC(t, "streamer-1")
	env.topUp(t, "pay-1", "streamer-1", 50000)

	w := env.do(t, "POST", "/api/v1/withdrawals", map[string]any{
		"streamer_id": "streamer-1", "amount_cents": 10000,
		"pix_key": "streamer@example.com", "pix_key_type": "email", "is_anticipated": true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	wr := decode[model.WithdrawalRequest](t, w)
	if wr.FeeCents != 500 || wr.NetAmountCents != 9500 {
		t.Errorf("expected fee 500 net 9500, got %d/%d", wr.FeeCents, wr.NetAmountCents)
	}

	w = env.do(t, "GET", "/api/v1/streamers/streamer-1/available", nil)
	avail := decode[struct {
		Standard    int64 `json:"standard_cents"`
		Anticipated int64 `json:"anticipated_cents"`
	}](t, w)
	if avail.Anticipated != 40000 {
		t.Errorf("expected pending request to lock 10000, got available %d", avail.Anticipated)
	}

	w = env.do(t, "POST", "/api/v1/admin/withdrawals/"+wr.ID+"/approve", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := env.balance(t, "streamer-1"); got != 40000 {
		t.Errorf("expected streamer debited to 40000, got %d", got)
	}

	w = env.do(t, "POST", "/api/v1/withdrawals/"+wr.ID+"/payout-result", map[string]any{"success": true})
	if w.Code != http.StatusOK {
		t.Fatalf("payout-result: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode[model.WithdrawalRequest](t, w); got.Status != model.WithdrawalCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}

	w = env.do(t, "POST", "/api/v1/withdrawals/"+wr.ID+"/payout-result", map[string]any{"success": true})
	if w.Code != http.StatusConflict {
		t.Errorf("completed is terminal: expected 409, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/streamers/streamer-1/withdrawals", nil)
	if list := decode[[]model.WithdrawalRequest](t, w); len(list) != 1 {
		t.Errorf("expected 1 withdrawal, got %d", len(list))
	}
}

func TestWithdrawal_FailedPayoutRestoresBalance(t *testing.T) {
	env := newTestEnv(t)
	env.approveKYC(t, "streamer-1")
	env.topUp(t, "pay-1", "streamer-1", 20000)

	w := env.do(t, "POST", "/api/v1/withdrawals", map[string]any{
		"streamer_id": "streamer-1", "amount_cents": 15000,
		"pix_key": "+5511987654321", "pix_key_type": "phone",
	})
	wr := decode[model.WithdrawalRequest](t, w)
	env.do(t, "POST", "/api/v1/admin/withdrawals/"+wr.ID+"/approve", nil)

	w = env.do(t, "POST", "/api/v1/withdrawals/"+wr.ID+"/payout-result", map[string]any{"success": false})
	if w.Code != http.StatusBadRequest {
		t.Errorf("failure without reason: expected 400, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/withdrawals/"+wr.ID+"/payout-result", map[string]any{
		"success": false, "reason": "pix key closed",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got := decode[model.WithdrawalRequest](t, w)
	if got.Status != model.WithdrawalPending || got.FailureReason != "pix key closed" {
		t.Errorf("expected pending with failure reason, got %s/%q", got.Status, got.FailureReason)
	}
	if b := env.balance(t, "streamer-1"); b != 20000 {
		t.Errorf("expected balance restored to 20000, got %d", b)
	}
}

func TestWithdrawal_RejectNeedsReason(t *testing.T) {
	env := newTestEnv(t)
	env.approveKYC(t, "streamer-1")
	env.topUp(t, "pay-1", "streamer-1", 20000)

	w := env.do(t, "POST", "/api/v1/withdrawals", map[string]any{
		"streamer_id": "streamer-1", "amount_cents": 10000,
		"pix_key": "streamer@example.com", "pix_key_type": "email",
	})
	wr := decode[model.WithdrawalRequest](t, w)

	w = env.do(t, "POST", "/api/v1/admin/withdrawals/"+wr.ID+"/reject", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	w = env.do(t, "POST", "/api/v1/admin/withdrawals/"+wr.ID+"/reject", map[string]any{"reason": "fraud review"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode[model.WithdrawalRequest](t, w); got.Status != model.WithdrawalRejected {
		t.Errorf("expected rejected, got %s", got.Status)
	}
}

func TestWithdrawal_DailyLimit(t *testing.T) {
	env := newTestEnv(t)
	env.approveKYC(t, "streamer-1")
	env.topUp(t, "pay-1", "streamer-1", 100000)

	for i := 0; i < 3; i++ {
		w := env.do(t, "POST", "/api/v1/withdrawals", map[string]any{
			"streamer_id": "streamer-1", "amount_cents": 10000,
			"pix_key": "streamer@example.com", "pix_key_type": "email",
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i+1, w.Code)
		}
	}
	w := env.do(t, "POST", "/api/v1/withdrawals", map[string]any{
		"streamer_id": "streamer-1", "amount_cents": 10000,
		"pix_key": "streamer@example.com", "pix_key_type": "email",
	})
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", w.Code)
	}
}

func TestPutCommission(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "PUT", "/api/v1/admin/commission/streamer-1", map[string]any{
		"base_commission_pct": 90, "loyalty_bonus_pct": 0,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("out of range: expected 400, got %d", w.Code)
	}

	w = env.do(t, "PUT", "/api/v1/admin/commission/streamer-1", map[string]any{
		"base_commission_pct": 83, "loyalty_bonus_pct": 5, "notes": "top partner",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decode[struct {
		EffectiveRate int `json:"effective_rate"`
	}](t, w)
	if body.EffectiveRate != 85 {
		t.Errorf("expected effective rate clamped to 85, got %d", body.EffectiveRate)
	}

	p, err := env.store.GetCommissionProfile(context.Background(), "streamer-1")
	if err != nil {
		t.Fatalf("profile not stored: %v", err)
	}
	if p.BaseCommissionPct != 83 || p.LoyaltyBonusPct != 5 {
		t.Errorf("unexpected stored profile %+v", p)
	}
}

func TestPutKYC_InvalidStatus(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "PUT", "/api/v1/admin/kyc/streamer-1", map[string]any{"status": "verified"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
