// Package withdrawal manages streamer withdrawal requests from validation
// through payout: pending → approved → completed, or pending → rejected.
//
// Funds are committed at approval: the streamer is debited the gross amount
// and the anticipation fee is credited to the platform. A failed payout is
// compensated with reversal entries and the request returns to pending.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tempocall/billing-engine/internal/events"
	"github.com/tempocall/billing-engine/internal/keylock"
	"github.com/tempocall/billing-engine/internal/kyc"
	"github.com/tempocall/billing-engine/internal/ledger"
	"github.com/tempocall/billing-engine/internal/metrics"
	"github.com/tempocall/billing-engine/internal/model"
	"github.com/tempocall/billing-engine/internal/payment"
	"github.com/tempocall/billing-engine/internal/store"
)

var (
	ErrNotFound          = store.ErrNotFound
	ErrKYCRequired       = errors.New("withdrawal: kyc verification required")
	ErrRateLimited       = errors.New("withdrawal: daily request limit reached")
	ErrInvalidTransition = errors.New("withdrawal: invalid status transition")
	ErrReasonRequired    = errors.New("withdrawal: a reason is required")
)

// Validation rules reported by ValidationError.
const (
	RuleAmountBounds     = "amount_bounds"
	RulePixKey           = "pix_key"
	RuleAvailableBalance = "available_balance"
)

// ValidationError names the request rule that failed.
type ValidationError struct {
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("withdrawal validation failed (%s): %s", e.Rule, e.Message)
}

// PayoutFailedError is returned when a payout could not be handed to the
// provider. The approval has already been compensated.
type PayoutFailedError struct {
	WithdrawalID string
	Err          error
}

func (e *PayoutFailedError) Error() string {
	return fmt.Sprintf("payout for withdrawal %s failed: %v", e.WithdrawalID, e.Err)
}

func (e *PayoutFailedError) Unwrap() error { return e.Err }

// Config holds the withdrawal policy.
type Config struct {
	MinAmountCents    int64
	MaxAmountCents    int64
	DailyLimit        int
	AnticipationFee   decimal.Decimal // fraction, 0.05 = 5%
	Location          *time.Location  // business day boundaries
	PlatformAccountID string
}

// DefaultConfig returns the standard policy.
func DefaultConfig() Config {
	return Config{
		MinAmountCents:    10000,
		MaxAmountCents:    1000000,
		DailyLimit:        3,
		AnticipationFee:   decimal.NewFromFloat(0.05),
		Location:          time.UTC,
		PlatformAccountID: "platform",
	}
}

// RequestParams is a streamer's withdrawal request.
type RequestParams struct {
	StreamerID    string
	AmountCents   int64
	PixKey        string
	PixKeyType    model.PixKeyType
	IsAnticipated bool
}

// Manager runs the withdrawal lifecycle.
type Manager struct {
	store   store.Store
	ledger  *ledger.Ledger
	gate    kyc.Gate
	payouts payment.Dispatcher
	events  events.Publisher
	cfg     Config
	now     func() time.Time
	locks   keylock.Map // per streamer
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a withdrawal manager. pub may be nil.
func NewManager(st store.Store, l *ledger.Ledger, gate kyc.Gate, payouts payment.Dispatcher, pub events.Publisher, cfg Config, opts ...Option) *Manager {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	m := &Manager{
		store:   st,
		ledger:  l,
		gate:    gate,
		payouts: payouts,
		events:  pub,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Fee returns the anticipation fee for amountCents, rounded half away from
// zero. Standard withdrawals carry no fee.
func (m *Manager) Fee(amountCents int64, anticipated bool) int64 {
	if !anticipated {
		return 0
	}
	return decimal.NewFromInt(amountCents).Mul(m.cfg.AnticipationFee).Round(0).IntPart()
}

// Request validates and records a new pending request. Checks run in order
// and the first failure is returned: KYC, amount bounds, PIX key, daily
// limit, available balance. Nothing is written on failure.
func (m *Manager) Request(ctx context.Context, p RequestParams) (*model.WithdrawalRequest, error) {
	if p.StreamerID == "" {
		return nil, &ValidationError{Rule: "streamer_id", Message: "streamer_id is required"}
	}

	elig, err := m.gate.IsWithdrawalEligible(ctx, p.StreamerID)
	if err != nil {
		return nil, fmt.Errorf("kyc gate: %w", err)
	}
	if !elig.Eligible {
		metrics.WithdrawalRejections.WithLabelValues("kyc").Inc()
		return nil, fmt.Errorf("%w: %s", ErrKYCRequired, elig.Reason)
	}

	if p.AmountCents < m.cfg.MinAmountCents || p.AmountCents > m.cfg.MaxAmountCents {
		return nil, m.invalid(RuleAmountBounds, "amount %d outside [%d, %d]",
			p.AmountCents, m.cfg.MinAmountCents, m.cfg.MaxAmountCents)
	}

	if err := ValidatePixKey(p.PixKeyType, p.PixKey); err != nil {
		return nil, m.invalid(RulePixKey, "%v", err)
	}

	unlock := m.locks.Lock(p.StreamerID)
	defer unlock()
	release, err := m.store.LockWithdrawals(ctx, p.StreamerID)
	if err != nil {
		return nil, fmt.Errorf("lock withdrawals of %s: %w", p.StreamerID, err)
	}
	defer release()

	now := m.now()
	local := now.In(m.cfg.Location)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, m.cfg.Location)
	count, err := m.store.CountWithdrawalsSince(ctx, p.StreamerID, dayStart)
	if err != nil {
		return nil, fmt.Errorf("count withdrawals of %s: %w", p.StreamerID, err)
	}
	if count >= m.cfg.DailyLimit {
		metrics.WithdrawalRejections.WithLabelValues("rate_limit").Inc()
		return nil, fmt.Errorf("%w: %d requests today", ErrRateLimited, count)
	}

	available, err := m.ledger.AvailableForWithdrawal(ctx, p.StreamerID, p.IsAnticipated)
	if err != nil {
		return nil, err
	}
	if available < p.AmountCents {
		return nil, m.invalid(RuleAvailableBalance, "available %d, requested %d", available, p.AmountCents)
	}

	fee := m.Fee(p.AmountCents, p.IsAnticipated)
	w := &model.WithdrawalRequest{
		ID:             uuid.New().String(),
		StreamerID:     p.StreamerID,
		AmountCents:    p.AmountCents,
		FeeCents:       fee,
		NetAmountCents: p.AmountCents - fee,
		PixKeyType:     p.PixKeyType,
		PixKey:         p.PixKey,
		IsAnticipated:  p.IsAnticipated,
		Status:         model.WithdrawalPending,
		RequestedAt:    now.UTC(),
	}
	if err := m.store.CreateWithdrawal(ctx, w); err != nil {
		return nil, fmt.Errorf("create withdrawal: %w", err)
	}

	metrics.Withdrawals.WithLabelValues(string(model.WithdrawalPending)).Inc()
	slog.Info("withdrawal requested", "withdrawal_id", w.ID, "streamer_id", w.StreamerID,
		"amount_cents", w.AmountCents, "fee_cents", w.FeeCents, "anticipated", w.IsAnticipated)
	events.Emit(ctx, m.events, events.New(events.WithdrawalRequested, w, w.StreamerID))
	return w, nil
}

func (m *Manager) invalid(rule, format string, args ...any) error {
	metrics.WithdrawalRejections.WithLabelValues(rule).Inc()
	return &ValidationError{Rule: rule, Message: fmt.Sprintf(format, args...)}
}

// Get returns a request by id.
func (m *Manager) Get(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	return m.store.GetWithdrawal(ctx, id)
}

// List returns a streamer's requests, newest first.
func (m *Manager) List(ctx context.Context, streamerID string) ([]model.WithdrawalRequest, error) {
	return m.store.ListWithdrawalsByStreamer(ctx, streamerID)
}

// Approve commits the funds of a pending request and hands the payout to
// the provider. If the hand-off fails the approval is reverted and a
// *PayoutFailedError is returned.
func (m *Manager) Approve(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	w, unlock, err := m.lockRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if w.Status != model.WithdrawalPending {
		return nil, fmt.Errorf("%w: cannot approve a %s request", ErrInvalidTransition, w.Status)
	}

	now := m.now().UTC()
	approved := *w
	approved.Status = model.WithdrawalApproved
	approved.ProcessedAt = &now
	approved.FailureReason = ""
	if err := m.transition(ctx, &approved, model.WithdrawalPending); err != nil {
		return nil, err
	}

	entries := []model.LedgerEntry{{
		AccountID:    w.StreamerID,
		AmountCents:  -w.AmountCents,
		Kind:         model.KindWithdrawal,
		WithdrawalID: w.ID,
	}}
	if w.FeeCents > 0 {
		entries = append(entries, model.LedgerEntry{
			AccountID:    m.cfg.PlatformAccountID,
			AmountCents:  w.FeeCents,
			Kind:         model.KindPlatformFee,
			WithdrawalID: w.ID,
		})
	}
	if _, err := m.ledger.Append(ctx, entries...); err != nil {
		// Funds are gone (or the ledger is down): leave the request pending.
		if rbErr := m.transition(ctx, w, model.WithdrawalApproved); rbErr != nil {
			slog.Error("withdrawal approval rollback failed", "withdrawal_id", id, "err", rbErr)
		}
		return nil, fmt.Errorf("debit withdrawal %s: %w", id, err)
	}
	metrics.Withdrawals.WithLabelValues(string(model.WithdrawalApproved)).Inc()
	slog.Info("withdrawal approved", "withdrawal_id", id, "amount_cents", w.AmountCents)

	err = m.payouts.Dispatch(ctx, payment.Instruction{
		WithdrawalID:   w.ID,
		StreamerID:     w.StreamerID,
		NetAmountCents: w.NetAmountCents,
		PixKey:         w.PixKey,
		PixKeyType:     w.PixKeyType,
	})
	if err != nil {
		if _, cErr := m.fail(ctx, &approved, err.Error()); cErr != nil {
			slog.Error("payout compensation failed", "withdrawal_id", id, "err", cErr)
		}
		return nil, &PayoutFailedError{WithdrawalID: id, Err: err}
	}
	return &approved, nil
}

// Reject closes a pending request. The reason is mandatory.
func (m *Manager) Reject(ctx context.Context, id, reason string) (*model.WithdrawalRequest, error) {
	if reason == "" {
		return nil, ErrReasonRequired
	}
	w, unlock, err := m.lockRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if w.Status != model.WithdrawalPending {
		return nil, fmt.Errorf("%w: cannot reject a %s request", ErrInvalidTransition, w.Status)
	}
	now := m.now().UTC()
	w.Status = model.WithdrawalRejected
	w.RejectionReason = reason
	w.ProcessedAt = &now
	if err := m.transition(ctx, w, model.WithdrawalPending); err != nil {
		return nil, err
	}
	metrics.Withdrawals.WithLabelValues(string(model.WithdrawalRejected)).Inc()
	slog.Info("withdrawal rejected", "withdrawal_id", id, "reason", reason)
	return w, nil
}

// MarkCompleted records a successful payout.
func (m *Manager) MarkCompleted(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	w, unlock, err := m.lockRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if w.Status != model.WithdrawalApproved {
		return nil, fmt.Errorf("%w: cannot complete a %s request", ErrInvalidTransition, w.Status)
	}
	now := m.now().UTC()
	w.Status = model.WithdrawalCompleted
	w.ProcessedAt = &now
	if err := m.transition(ctx, w, model.WithdrawalApproved); err != nil {
		return nil, err
	}
	metrics.Withdrawals.WithLabelValues(string(model.WithdrawalCompleted)).Inc()
	slog.Info("withdrawal completed", "withdrawal_id", id, "net_amount_cents", w.NetAmountCents)
	events.Emit(ctx, m.events, events.New(events.WithdrawalCompleted, w, w.StreamerID))
	return w, nil
}

// MarkFailed records a failed payout: the approval is reversed in the
// ledger and the request returns to pending with the failure reason.
func (m *Manager) MarkFailed(ctx context.Context, id, reason string) (*model.WithdrawalRequest, error) {
	if reason == "" {
		return nil, ErrReasonRequired
	}
	w, unlock, err := m.lockRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if w.Status != model.WithdrawalApproved {
		return nil, fmt.Errorf("%w: cannot fail a %s request", ErrInvalidTransition, w.Status)
	}
	return m.fail(ctx, w, reason)
}

// fail compensates an approved request. The caller holds the streamer lock.
func (m *Manager) fail(ctx context.Context, w *model.WithdrawalRequest, reason string) (*model.WithdrawalRequest, error) {
	reverted := *w
	reverted.Status = model.WithdrawalPending
	reverted.FailureReason = reason
	reverted.ProcessedAt = nil
	if err := m.transition(ctx, &reverted, model.WithdrawalApproved); err != nil {
		return nil, err
	}

	entries := []model.LedgerEntry{{
		AccountID:    w.StreamerID,
		AmountCents:  w.AmountCents,
		Kind:         model.KindWithdrawalReversal,
		WithdrawalID: w.ID,
	}}
	if w.FeeCents > 0 {
		entries = append(entries, model.LedgerEntry{
			AccountID:    m.cfg.PlatformAccountID,
			AmountCents:  -w.FeeCents,
			Kind:         model.KindWithdrawalReversal,
			WithdrawalID: w.ID,
		})
	}
	if _, err := m.ledger.Append(ctx, entries...); err != nil {
		return nil, fmt.Errorf("reverse withdrawal %s: %w", w.ID, err)
	}

	metrics.Withdrawals.WithLabelValues("failed").Inc()
	slog.Warn("withdrawal payout failed", "withdrawal_id", w.ID, "reason", reason)
	events.Emit(ctx, m.events, events.New(events.PaymentFailed, &reverted, w.StreamerID))
	return &reverted, nil
}

// lockRequest loads a request and locks its streamer, then reloads it so
// the returned copy is current under the lock.
func (m *Manager) lockRequest(ctx context.Context, id string) (*model.WithdrawalRequest, func(), error) {
	w, err := m.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	unlock := m.locks.Lock(w.StreamerID)
	w, err = m.store.GetWithdrawal(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return w, unlock, nil
}

func (m *Manager) transition(ctx context.Context, w *model.WithdrawalRequest, from model.WithdrawalStatus) error {
	err := m.store.UpdateWithdrawal(ctx, w, from)
	if errors.Is(err, store.ErrStaleState) {
		return fmt.Errorf("%w: request %s changed concurrently", ErrInvalidTransition, w.ID)
	}
	return err
}
