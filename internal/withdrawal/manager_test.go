package withdrawal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tempocall/billing-engine/internal/events"
	"github.com/tempocall/billing-engine/internal/kyc"
	"github.com/tempocall/billing-engine/internal/ledger"
	"github.com/tempocall/billing-engine/internal/model"
	"github.com/tempocall/billing-engine/internal/payment"
	"github.com/tempocall/billing-engine/internal/store"
)

var t0 = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []payment.Instruction
	err  error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, in payment.Instruction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, in)
	return nil
}

type capture struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capture) Publish(_ context.Context, e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *capture) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

type testEnv struct {
	store    *store.MemoryStore
	ledger   *ledger.Ledger
	gate     *kyc.StoreGate
	payouts  *fakeDispatcher
	events   *capture
	mgr      *Manager
	now      time.Time
	location *time.Location
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    store.NewMemoryStore(),
		payouts:  &fakeDispatcher{},
		events:   &capture{},
		now:      t0,
		location: time.FixedZone("BRT", -3*60*60),
	}
	clock := func() time.Time { return env.now }
	env.ledger = ledger.New(env.store, ledger.WithClock(clock), ledger.WithHoldPeriod(30*24*time.Hour))
	env.gate = kyc.NewStoreGate(env.store)
	cfg := DefaultConfig()
	cfg.Location = env.location
	env.mgr = NewManager(env.store, env.ledger, env.gate, env.payouts, env.events, cfg, WithClock(clock))
	return env
}

func (env *testEnv) approveKYC(t *testing.T, streamerID string) {
	t.Helper()
	err := env.gate.UpsertRecord(context.Background(), &model.KYCRecord{StreamerID: streamerID, Status: model.KYCApproved})
	if err != nil {
		t.Fatalf("approve kyc: %v", err)
	}
}

// earn credits a call earning created age ago.
func (env *testEnv) earn(t *testing.T, streamerID string, cents int64, age time.Duration) {
	t.Helper()
	_, err := env.ledger.Append(context.Background(), model.LedgerEntry{
		AccountID:   streamerID,
		AmountCents: cents,
		Kind:        model.KindCallEarning,
		CreatedAt:   env.now.Add(-age),
	})
	if err != nil {
		t.Fatalf("earn: %v", err)
	}
}

func (env *testEnv) balance(t *testing.T, account string) int64 {
	t.Helper()
	b, err := env.ledger.BalanceOf(context.Background(), account)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

const mature = 40 * 24 * time.Hour

func params(amount int64, anticipated bool) RequestParams {
	return RequestParams{
		StreamerID:    "s1",
		AmountCents:   amount,
		PixKey:        "streamer@example.com",
		PixKeyType:    model.PixEmail,
		IsAnticipated: anticipated,
	}
}

func TestRequest_AnticipatedFee(t *testing.T) {
	env := newTestEnv(t)
	env.approveKYC(t, "s1")
	env.earn(t, "s1", 20000, time.Hour)

	w, err := env.mgr.Request(context.Background(), params(10000, true))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if w.FeeCents != 500 || w.NetAmountCents != 9500 {
		t.Errorf("expected fee 500 / net 9500, got %d / %d", w.FeeCents, w.NetAmountCents)
	}
	if w.Status != model.WithdrawalPending {
		t.Errorf("expected pending, got %s", w.Status)
	}
	if got := env.events.types(); len(got) != 1 || got[0] != events.WithdrawalRequested {
		t.Errorf("expected withdrawal.requested event, got %v", got)
	}
}

func TestRequest_StandardHasNoFee(t *testing.T) {
	env := newTestEnv(t)
	env.approveKYC(t, "s1")
	env.earn(t, "s1", 20000, mature)

	w, err := env.mgr.Request(context.Background(), params(15000, false))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if w.FeeCents != 0 || w.NetAmountCents != 15000 {
		t.Errorf("expected fee 0 / net 15000, got %d / %d", w.FeeCents, w.NetAmountCents)
	}
}

func TestFee_RoundsHalfAwayFromZero(t *testing.T) {
	env := newTestEnv(t)
	cases := map[int64]int64{10000: 500, 10010: 501, 10009: 500, 1000000: 50000}
	for amount, want := range cases {
		if got := env.mgr.Fee(amount, true); got != want {
			t.Errorf("Fee(%d) = %d, want %d", amount, got, want)
		}
		if got := env.mgr.Fee(amount, false); got != 0 {
			t.Errorf("standard Fee(%d) = %d, want 0", amount, got)
		}
	}
}

func TestRequest_HoldPeriodBlocksStandardWithdrawal(t *testing.T) {
	env := newTestEnv(t)
	env.approveKYC(t, "s1")
	env.earn(t, "s1", 5000, mature)
	env.earn(t, "s1", 50000, 10*24*time.Hour)

	_, err := env.mgr.Request(context.Background(), params(20000, false))
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Rule != RuleAvailableBalance {
		t.Fatalf("expected available_balance validation error, got %v", err)
	}

	// Anticipation waives the hold.
	if _, err := env.mgr.Request(context.Background(), params(20000, true)); err != nil {
		t.Errorf("expected anticipated request to pass, got %v", err)
	}
}

func TestRequest_InsufficientAvailableWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.approveKYC(t, "s1")
	env.earn(t, "s1", 5000, mature)
	before, _ := env.ledger.Entries(context.Background(), "s1")

	for _, amount := range []int64{8000, 10000} {
		_, err := env.mgr.Request(context.Background(), params(amount, false))
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("amount %d: expected ValidationError, got %v", amount, err)
		}
	}
	_, err := env.mgr.Request(context.Background(), params(10000, false))
	var ve *ValidationError
	if errors.As(err, &ve) && ve.Rule != RuleAvailableBalance {
		t.Errorf("expected available_balance rule, got %s", ve.Rule)
	}

	after, _ := env.ledger.Entries(context.Background(), "s1")
	if len(after) != len(before) {
		t.Errorf("expected no ledger mutation, entries %d → %d", len(before), len(after))
	}
	list, _ := env.mgr.List(context.Background(), "s1")
	if len(list) != 0 {
		t.Errorf("expected no request recorded, got %d", len(list))
	}
}

func TestRequest_KYCCheckedFirst(t *testing.T) {
	env := newTestEnv(t)
	// Every other rule would fail too.
	p := RequestParams{StreamerID: "s1", AmountCents: 1, PixKey: "", PixKeyType: "bogus"}

	_, err := env.mgr.Request(context.Background(), p)
	if !errors.Is(err, ErrKYCRequired) {
		t.Fatalf("expected ErrKYCRequired, got %v", err)
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		t.Errorf("expected no validation error before the kyc check, got %v", ve)
	}
}

func TestRequest_KYCPendingOrExpired(t *testing.T) {
	env := newTestEnv(t)
	env.earn(t, "s1", 50000, mature)
	past := time.Now().Add(-time.Hour)
	env.gate.UpsertRecord(context.Background(), &model.KYCRecord{StreamerID: "s1", Status: model.KYCApproved, ExpiresAt: &past})

	if _, err := env.mgr.Request(context.Background(), params(10000, false)); !errors.Is(err, ErrKYCRequired) {
		t.Errorf("expected ErrKYCRequired for expired kyc, got %v", err)
	}
}

func TestRequest_AmountBounds(t *testing.T) {
	env := newTestEnv(t)
	env.approveKYC(t, "s1")
	env.earn(t, "s1", 5000000, mature)

	for _, amount := range []int64{0, 9999, 1000001} {
		_, err := env.mgr.Request(context.Background(), params(amount, false))
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Rule != RuleAmountBounds {
			t.Errorf("amount %d: expected amount_bounds, got %v", amount, err)
		}
	}
	for _, amount := range []int64{10000, 1000000} {
		if _, err := env.mgr.Request(context.Background(), params(amount, false)); err != nil {
			t.Errorf("amount %d: expected success, got %v", amount, err)
		}
	}
}

func TestRequest_PixKeyShape(t *testing.T) {
	env := newTestEnv(t)
	env.approveKYC(t, "s1")
	env.earn(t, "s1", 50000, mature)

	p := params(10000, false)
	p.PixKeyType = model.PixCPF
	p.PixKey = "123"
	_, err := env.mgr.Request(context.Background(), p)
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Rule != RulePixKey {
		t.Errorf("expected pix_key rule, got %v", err)
	}
}

func TestValidatePixKey(t *testing.T) {
	cases := []struct {
		typ  model.PixKeyType
		key  string
		want bool
	}{
		{model.PixCPF, "123.456.789-09", true},
		{model.PixCPF, "12345678909", true},
		{model.PixCPF, "1234567890", false},
		{model.PixCNPJ, "12.345.678/0001-95", true},
		{model.PixCNPJ, "12345678000195", true},
		{model.PixCNPJ, "1234567800019", false},
		{model.PixEmail, "a@b.com", true},
		{model.PixEmail, "not-an-email", false},
		{model.PixPhone, "+5511987654321", true},
		{model.PixPhone, "11987654321", false},
		{model.PixRandom, "123e4567-e89b-12d3-a456-426614174000", true},
		{model.PixRandom, "random", false},
		{model.PixEmail, "   ", false},
		{"iban", "DE89370400440532013000", false},
	}
	for _, tc := range cases {
		err := ValidatePixKey(tc.typ, tc.key)
		if (err == nil) != tc.want {
			t.Errorf("ValidatePixKey(%s, %q) = %v, want valid=%v", tc.typ, tc.key, err, tc.want)
		}
	}
}

func TestRequest_DailyLimit(t *testing.T) {
	env := newTestEnv(t)
	env.approveKYC(t, "s1")
	env.earn(t, "s1", 500000, mature)
	ctx := context.Background()

	var first *model.WithdrawalRequest
	for i := 0; i < 3; i++ {
		w, err := env.mgr.Request(ctx, params(10000, false))
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if first == nil {
			first = w
		}
	}
	if _, err := env.mgr.Request(ctx, params(10000, false)); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// Rejected requests do not count.
	if _, err := env.mgr.Reject(ctx, first.ID, "duplicate request"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := env.mgr.Request(ctx, params(10000, false)); err != nil {
		t.Errorf("expected request after rejection to pass, got %v", err)
	}
}

func TestRequest_DailyLimitResetsAtLocalMidnight(t *testing.T) {
	env := newTestEnv(t)
	env.approveKYC(t, "s1")
	env.earn(t, "s1", 500000, mature)
	ctx := context.Background()

	// 23:00 local (UTC-3) on the 10th.
	env.now = time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, err := env.mgr.Request(ctx, params(10000, false)); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	// 00:30 local on the 11th; the UTC date did not change.
	env.now = time.Date(2026, 3, 11, 3, 30, 0, 0, time.UTC)
	if _, err := env.mgr.Request(ctx, params(10000, false)); err != nil {
		t.Errorf("expected a new business day, got %v", err)
	}
}

func TestRequest_ConcurrentRequestsCannotOverdraw(t *testing.T) {
	env := newTestEnv(t)
	env.approveKYC(t, "s1")
	env.earn(t, "s1", 15000, mature)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.mgr.Request(context.Background(), params(15000, false)); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if ok != 1 {
		t.Errorf("expected exactly one accepted request, got %d", ok)
	}
}

func TestRequest_SeparateManagersShareStoreLock(t *testing.T) {
	env := newTestEnv(t)
	env.approveKYC(t, "s1")
	env.earn(t, "s1", 15000, mature)

	// A second manager has its own in-process locks, like another instance.
	cfg := DefaultConfig()
	cfg.Location = env.location
	other := NewManager(env.store, env.ledger, env.gate, env.payouts, env.events, cfg,
		WithClock(func() time.Time { return env.now }))

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for _, m := range []*Manager{env.mgr, other, env.mgr, other} {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			if _, err := m.Request(context.Background(), params(15000, false)); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(m)
	}
	wg.Wait()
	if ok != 1 {
		t.Errorf("expected exactly one accepted request, got %d", ok)
	}
}

// lockingStore records store-level withdrawal locks.
type lockingStore struct {
	*store.MemoryStore
	mu              sync.Mutex
	held            int
	acquired        int
	released        int
	err             error
	countedUnlocked bool
}

func (s *lockingStore) LockWithdrawals(ctx context.Context, streamerID string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.held++
	s.acquired++
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.held--
		s.released++
	}, nil
}

func (s *lockingStore) CountWithdrawalsSince(ctx context.Context, streamerID string, since time.Time) (int, error) {
	s.mu.Lock()
	if s.held == 0 {
		s.countedUnlocked = true
	}
	s.mu.Unlock()
	return s.MemoryStore.CountWithdrawalsSince(ctx, streamerID, since)
}

func TestRequest_HoldsStoreLock(t *testing.T) {
	env := newTestEnv(t)
	env.approveKYC(t, "s1")
	env.earn(t, "s1", 30000, mature)

	st := &lockingStore{MemoryStore: env.store}
	cfg := DefaultConfig()
	cfg.Location = env.location
	mgr := NewManager(st, env.ledger, env.gate, env.payouts, env.events, cfg,
		WithClock(func() time.Time { return env.now }))
	ctx := context.Background()

	if _, err := mgr.Request(ctx, params(10000, false)); err != nil {
		t.Fatalf("request: %v", err)
	}
	if st.acquired != 1 || st.released != 1 {
		t.Errorf("expected one lock acquired and released, got %d/%d", st.acquired, st.released)
	}
	if st.countedUnlocked {
		t.Error("daily count ran without the store lock")
	}

	st.err = errors.New("connection refused")
	if _, err := mgr.Request(ctx, params(10000, false)); !errors.Is(err, st.err) {
		t.Fatalf("expected lock error, got %v", err)
	}
	list, _ := env.store.ListWithdrawalsByStreamer(ctx, "s1")
	if len(list) != 1 {
		t.Errorf("expected nothing written after lock failure, got %d requests", len(list))
	}
}

func TestApprove_DebitsAndDispatches(t *testing.T) {
	env := newTestEnv(t)
	env.approveKYC(t, "s1")
	env.earn(t, "s1", 20000, time.Hour)
	ctx := context.Background()

	w, _ := env.mgr.Request(ctx, params(10000, true))
	approved, err := env.mgr.Approve(ctx, w.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != model.WithdrawalApproved || approved.ProcessedAt == nil {
		t.Errorf("expected approved with processedAt, got %+v", approved)
	}
	if got := env.balance(t, "s1"); got != 10000 {
		t.Errorf("expected streamer debited to 10000, got %d", got)
	}
	if got := env.balance(t, "platform"); got != 500 {
		t.Errorf("expected platform fee 500, got %d", got)
	}
	if len(env.payouts.sent) != 1 {
		t.Fatalf("expected one payout instruction, got %d", len(env.payouts.sent))
	}
	in := env.payouts.sent[0]
	if in.WithdrawalID != w.ID || in.NetAmountCents != 9500 || in.PixKey != w.PixKey || in.PixKeyType != model.PixEmail {
		t.Errorf("unexpected instruction %+v", in)
	}
}

func TestApprove_DispatchFailureCompensates(t *testing.T) {
	env := newTestEnv(t)
	env.approveKYC(t, "s1")
	env.earn(t, "s1", 20000, time.Hour)
	ctx := context.Background()
	w, _ := env.mgr.Request(ctx, params(10000, true))

	env.payouts.err = errors.New("broker unavailable")
	_, err := env.mgr.Approve(ctx, w.ID)
	var pf *PayoutFailedError
	if !errors.As(err, &pf) {
		t.Fatalf("expected PayoutFailedError, got %v", err)
	}

	got, _ := env.mgr.Get(ctx, w.ID)
	if got.Status != model.WithdrawalPending || got.FailureReason == "" {
		t.Errorf("expected pending with failure reason, got %s / %q", got.Status, got.FailureReason)
	}
	if b := env.balance(t, "s1"); b != 20000 {
		t.Errorf("expected streamer re-credited to 20000, got %d", b)
	}
	if b := env.balance(t, "platform"); b != 0 {
		t.Errorf("expected platform fee reversed, got %d", b)
	}

	// The request can be approved again once the provider is back.
	env.payouts.err = nil
	if _, err := env.mgr.Approve(ctx, w.ID); err != nil {
		t.Errorf("expected re-approval to succeed, got %v", err)
	}
}

func TestApprove_OnlyPending(t *testing.T) {
	env := newTestEnv(t)
	env.approveKYC(t, "s1")
	env.earn(t, "s1", 20000, mature)
	ctx := context.Background()
	w, _ := env.mgr.Request(ctx, params(10000, false))
	env.mgr.Approve(ctx, w.ID)

	if _, err := env.mgr.Approve(ctx, w.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if b := env.balance(t, "s1"); b != 10000 {
		t.Errorf("expected a single debit, balance %d", b)
	}
}

func TestMarkCompleted(t *testing.T) {
	env := newTestEnv(t)
	env.approveKYC(t, "s1")
	env.earn(t, "s1", 20000, mature)
	ctx := context.Background()
	w, _ := env.mgr.Request(ctx, params(10000, false))

	if _, err := env.mgr.MarkCompleted(ctx, w.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected pending → completed to be invalid, got %v", err)
	}

	env.mgr.Approve(ctx, w.ID)
	done, err := env.mgr.MarkCompleted(ctx, w.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != model.WithdrawalCompleted {
		t.Errorf("expected completed, got %s", done.Status)
	}
	types := env.events.types()
	if types[len(types)-1] != events.WithdrawalCompleted {
		t.Errorf("expected withdrawal.completed event, got %v", types)
	}

	// Completed is terminal.
	if _, err := env.mgr.Reject(ctx, w.ID, "too late"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on reject, got %v", err)
	}
	if _, err := env.mgr.MarkFailed(ctx, w.ID, "bounced"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on fail, got %v", err)
	}
	if _, err := env.mgr.Approve(ctx, w.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on approve, got %v", err)
	}
}

func TestMarkFailed_ReversesAndReturnsToPending(t *testing.T) {
	env := newTestEnv(t)
	env.approveKYC(t, "s1")
	env.earn(t, "s1", 20000, time.Hour)
	ctx := context.Background()
	w, _ := env.mgr.Request(ctx, params(10000, true))
	env.mgr.Approve(ctx, w.ID)

	failed, err := env.mgr.MarkFailed(ctx, w.ID, "pix key closed")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if failed.Status != model.WithdrawalPending || failed.FailureReason != "pix key closed" {
		t.Errorf("expected pending with reason, got %s / %q", failed.Status, failed.FailureReason)
	}
	if b := env.balance(t, "s1"); b != 20000 {
		t.Errorf("expected streamer re-credited, got %d", b)
	}
	if b := env.balance(t, "platform"); b != 0 {
		t.Errorf("expected platform fee reversed, got %d", b)
	}
	types := env.events.types()
	if types[len(types)-1] != events.PaymentFailed {
		t.Errorf("expected payment.failed event, got %v", types)
	}

	entries, _ := env.ledger.Entries(ctx, "s1")
	last := entries[len(entries)-1]
	if last.Kind != model.KindWithdrawalReversal || last.WithdrawalID != w.ID {
		t.Errorf("expected reversal entry for %s, got %+v", w.ID, last)
	}
}

func TestReject_RequiresReason(t *testing.T) {
	env := newTestEnv(t)
	env.approveKYC(t, "s1")
	env.earn(t, "s1", 20000, mature)
	ctx := context.Background()
	w, _ := env.mgr.Request(ctx, params(10000, false))

	if _, err := env.mgr.Reject(ctx, w.ID, ""); !errors.Is(err, ErrReasonRequired) {
		t.Errorf("expected ErrReasonRequired, got %v", err)
	}
	rejected, err := env.mgr.Reject(ctx, w.ID, "suspicious activity")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != model.WithdrawalRejected || rejected.RejectionReason != "suspicious activity" {
		t.Errorf("unexpected rejected request %+v", rejected)
	}
	if _, err := env.mgr.Approve(ctx, w.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected rejected to be terminal, got %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.mgr.Approve(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
