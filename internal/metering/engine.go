// Package metering bills active calls per started minute.
//
// Each active call owns one goroutine driven by a ticker. A tick computes the
// minutes started since the call's paid-through instant, charges the viewer,
// credits the streamer and the platform in one ledger unit of work, and
// advances the paid-through instant by whole minutes. Ticks for one call are
// serialized; different calls bill concurrently.
package metering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tempocall/billing-engine/internal/commission"
	"github.com/tempocall/billing-engine/internal/keylock"
	"github.com/tempocall/billing-engine/internal/ledger"
	"github.com/tempocall/billing-engine/internal/metrics"
	"github.com/tempocall/billing-engine/internal/model"
	"github.com/tempocall/billing-engine/internal/store"
)

// Minute is the billing unit. It is independent of the tick interval.
const Minute = time.Minute

// Outcome classifies what a tick did.
type Outcome string

const (
	OutcomeCharged      Outcome = "charged"
	OutcomeIdle         Outcome = "idle"      // nothing new to bill
	OutcomeDuplicate    Outcome = "duplicate" // period already in the ledger
	OutcomeSkipped      Outcome = "skipped"   // call not active or closed
	OutcomeInsufficient Outcome = "insufficient_balance"
	OutcomeFailed       Outcome = "billing_failure"
)

// TickResult reports one tick.
type TickResult struct {
	Outcome     Outcome
	Minutes     int64
	ChargeCents int64
}

// Ender ends calls on behalf of the engine. The call state machine
// implements it.
type Ender interface {
	End(ctx context.Context, callID, reason string) (*model.Call, error)
}

// Config holds engine settings.
type Config struct {
	Interval             time.Duration
	RingTimeout          time.Duration
	PlatformAccountID    string
	DefaultCommissionPct int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used by timers and reconciliation.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine runs per-call meters.
type Engine struct {
	store  store.Store
	ledger *ledger.Ledger
	cfg    Config
	now    func() time.Time
	ender  Ender

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	locks keylock.Map // per call, serializes billing

	mu     sync.Mutex
	meters map[string]context.CancelFunc
	closed map[string]bool
}

// New creates an engine. SetEnder must be called before calls can be
// terminated by the engine.
func New(st store.Store, l *ledger.Ledger, cfg Config, opts ...Option) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = Minute
	}
	if cfg.PlatformAccountID == "" {
		cfg.PlatformAccountID = "platform"
	}
	if cfg.DefaultCommissionPct == 0 {
		cfg.DefaultCommissionPct = 70
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:   st,
		ledger:  l,
		cfg:     cfg,
		now:     time.Now,
		baseCtx: ctx,
		cancel:  cancel,
		meters:  make(map[string]context.CancelFunc),
		closed:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetEnder wires the component that ends calls.
func (e *Engine) SetEnder(ender Ender) { e.ender = ender }

// Start begins metering an active call. Starting a call that is already
// metered or has been finished is a no-op.
func (e *Engine) Start(c model.Call) {
	e.mu.Lock()
	if e.closed[c.ID] || e.meters[c.ID] != nil || e.baseCtx.Err() != nil {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(e.baseCtx)
	e.meters[c.ID] = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	metrics.ActiveMeters.Inc()
	slog.Info("metering started", "call_id", c.ID, "price_per_minute_cents", c.PricePerMinuteCents)

	go e.run(ctx, c.ID)
}

func (e *Engine) run(ctx context.Context, callID string) {
	defer e.wg.Done()
	defer metrics.ActiveMeters.Dec()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := e.Tick(ctx, callID, e.now())
			if err != nil {
				slog.Error("metering tick failed", "call_id", callID, "err", err)
			}
			switch res.Outcome {
			case OutcomeSkipped, OutcomeInsufficient, OutcomeFailed:
				e.Stop(callID)
				return
			}
		}
	}
}

// Stop cancels a call's timer without waiting for it. It reports whether a
// meter was running.
func (e *Engine) Stop(callID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.meters[callID]
	if !ok {
		return false
	}
	cancel()
	delete(e.meters, callID)
	return true
}

// Metered reports whether a timer is running for the call.
func (e *Engine) Metered(callID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.meters[callID]
	return ok
}

// Tick bills the minutes started since the call's paid-through instant.
// A tick for a call that is not active (or already finished) does nothing.
// When the viewer cannot cover the charge, or the ledger write fails, the
// call is ended through the Ender.
func (e *Engine) Tick(ctx context.Context, callID string, now time.Time) (TickResult, error) {
	if e.isClosed(callID) {
		metrics.MeteringTicks.WithLabelValues(string(OutcomeSkipped)).Inc()
		return TickResult{Outcome: OutcomeSkipped}, nil
	}

	unlock := e.locks.Lock(callID)
	res, err := e.bill(ctx, callID, now)
	unlock()

	metrics.MeteringTicks.WithLabelValues(string(res.Outcome)).Inc()

	switch res.Outcome {
	case OutcomeInsufficient:
		e.terminate(ctx, callID, model.EndInsufficientBalance)
	case OutcomeFailed:
		e.terminate(ctx, callID, model.EndBillingFailure)
	}
	return res, err
}

// Finish settles a call that is being ended: the timer stops, and for
// hangups and moderation any started, unbilled minute is charged. It returns
// the reason the call should be ended with, which becomes
// insufficient_balance when the viewer cannot cover the final minute.
func (e *Engine) Finish(ctx context.Context, callID string, now time.Time, reason string) string {
	e.Stop(callID)

	e.mu.Lock()
	first := !e.closed[callID]
	e.closed[callID] = true
	e.mu.Unlock()

	if !first || !settles(reason) {
		return reason
	}

	unlock := e.locks.Lock(callID)
	res, err := e.bill(ctx, callID, now)
	unlock()

	switch res.Outcome {
	case OutcomeInsufficient:
		slog.Info("final minute not covered", "call_id", callID)
		return model.EndInsufficientBalance
	case OutcomeFailed:
		slog.Error("final charge failed", "call_id", callID, "err", err)
		return model.EndBillingFailure
	}
	return reason
}

func settles(reason string) bool {
	switch reason {
	case model.EndViewerHangup, model.EndStreamerHangup, model.EndModeration:
		return true
	}
	return false
}

// bill runs one billing step. The caller holds the call lock.
func (e *Engine) bill(ctx context.Context, callID string, now time.Time) (TickResult, error) {
	c, err := e.store.GetCall(ctx, callID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return TickResult{Outcome: OutcomeSkipped}, nil
		}
		return TickResult{Outcome: OutcomeFailed}, fmt.Errorf("load call %s: %w", callID, err)
	}
	if c.State != model.CallActive || c.StartedAt == nil {
		return TickResult{Outcome: OutcomeSkipped}, nil
	}

	startedAt := *c.StartedAt
	paid := startedAt
	if c.LastChargedAt != nil {
		paid = *c.LastChargedAt
	}
	if !now.After(paid) {
		return TickResult{Outcome: OutcomeIdle}, nil
	}

	minutes := ceilMinutes(now.Sub(paid))
	charge := minutes * c.PricePerMinuteCents
	period := int64(paid.Sub(startedAt) / Minute)
	res := TickResult{Minutes: minutes, ChargeCents: charge}

	key := ChargeKey(c.ID, period)
	entries, err := e.chargeEntries(ctx, c, charge, key)
	if err != nil {
		res.Outcome = OutcomeFailed
		return res, err
	}

	_, err = e.ledger.Append(ctx, entries...)
	switch {
	case err == nil:
		res.Outcome = OutcomeCharged
		metrics.ChargedCents.Add(float64(charge))
	case errors.Is(err, ledger.ErrDuplicate):
		// The period was billed by an earlier delivery, possibly for fewer
		// minutes. Progress advances only by what that batch charged; the
		// next tick bills the rest under a new period key.
		return e.catchUp(ctx, c, paid, now, key)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		res.Outcome = OutcomeInsufficient
		return res, nil
	default:
		res.Outcome = OutcomeFailed
		return res, err
	}

	e.saveProgress(ctx, c, paid.Add(time.Duration(minutes)*Minute), now, c.TotalChargedCents+charge)
	return res, nil
}

// catchUp restores a call's progress from the batch already written under
// key.
func (e *Engine) catchUp(ctx context.Context, c *model.Call, paid, now time.Time, key string) (TickResult, error) {
	batch, err := e.ledger.Batch(ctx, key)
	if err != nil {
		return TickResult{Outcome: OutcomeFailed}, fmt.Errorf("load charge %s: %w", key, err)
	}
	var billed int64
	for _, entry := range batch {
		if entry.Kind == model.KindCallCharge {
			billed -= entry.AmountCents
		}
	}
	minutes := billed / c.PricePerMinuteCents
	if minutes <= 0 {
		return TickResult{Outcome: OutcomeFailed}, fmt.Errorf("charge %s covers no whole minute (%d cents)", key, billed)
	}

	e.saveProgress(ctx, c, paid.Add(time.Duration(minutes)*Minute), now, c.TotalChargedCents+billed)
	return TickResult{Outcome: OutcomeDuplicate, Minutes: minutes, ChargeCents: billed}, nil
}

func (e *Engine) saveProgress(ctx context.Context, c *model.Call, paidThrough, now time.Time, total int64) {
	elapsed := int64(now.Sub(*c.StartedAt) / time.Second)
	if err := e.store.UpdateCallMetering(ctx, c.ID, paidThrough, elapsed, total); err != nil {
		slog.Warn("call metering progress not saved", "call_id", c.ID, "err", err)
	}
}

// chargeEntries builds the (debit, earning, fee) triple for one charge.
func (e *Engine) chargeEntries(ctx context.Context, c *model.Call, charge int64, key string) ([]model.LedgerEntry, error) {
	profile, err := e.store.GetCommissionProfile(ctx, c.StreamerID)
	if errors.Is(err, store.ErrNotFound) {
		p := commission.DefaultProfile(c.StreamerID, e.cfg.DefaultCommissionPct)
		profile, err = &p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("commission profile of %s: %w", c.StreamerID, err)
	}
	streamerShare, platformShare := commission.Split(charge, commission.EffectiveRate(*profile))

	entries := []model.LedgerEntry{{
		AccountID:      c.ViewerID,
		AmountCents:    -charge,
		Kind:           model.KindCallCharge,
		CallID:         c.ID,
		IdempotencyKey: key,
	}}
	if streamerShare > 0 {
		entries = append(entries, model.LedgerEntry{
			AccountID:      c.StreamerID,
			AmountCents:    streamerShare,
			Kind:           model.KindCallEarning,
			CallID:         c.ID,
			IdempotencyKey: key,
		})
	}
	if platformShare > 0 {
		entries = append(entries, model.LedgerEntry{
			AccountID:      e.cfg.PlatformAccountID,
			AmountCents:    platformShare,
			Kind:           model.KindPlatformFee,
			CallID:         c.ID,
			IdempotencyKey: key,
		})
	}
	return entries, nil
}

// ChargeKey is the idempotency key of the charge that starts at the given
// billed-minute offset of a call.
func ChargeKey(callID string, period int64) string {
	return fmt.Sprintf("call:%s:period:%d", callID, period)
}

func ceilMinutes(d time.Duration) int64 {
	m := int64(d / Minute)
	if d%Minute != 0 {
		m++
	}
	return m
}

func (e *Engine) terminate(ctx context.Context, callID, reason string) {
	e.Stop(callID)
	if e.ender == nil {
		slog.Error("no ender configured, call left active", "call_id", callID, "reason", reason)
		return
	}
	// The meter's own context is cancelled by Stop.
	ctx = context.WithoutCancel(ctx)
	if _, err := e.ender.End(ctx, callID, reason); err != nil {
		slog.Warn("engine could not end call", "call_id", callID, "reason", reason, "err", err)
	}
}

// Recover resumes metering for every active call after a restart. The
// paid-through instant and total are rebuilt from the call's charges in the
// ledger, so the first resumed tick bills the gap.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	calls, err := e.store.ListCallsByState(ctx, model.CallActive)
	if err != nil {
		return 0, fmt.Errorf("list active calls: %w", err)
	}

	resumed := 0
	for _, c := range calls {
		if c.StartedAt == nil || c.PricePerMinuteCents <= 0 {
			continue
		}
		total, err := e.ledger.CallCharges(ctx, c.ID)
		if err != nil {
			return resumed, fmt.Errorf("replay charges of %s: %w", c.ID, err)
		}
		paidThrough := c.StartedAt.Add(time.Duration(total/c.PricePerMinuteCents) * Minute)
		if c.LastChargedAt == nil || !c.LastChargedAt.Equal(paidThrough) || c.TotalChargedCents != total {
			slog.Warn("call progress rebuilt from ledger",
				"call_id", c.ID, "total_charged_cents", total, "paid_through", paidThrough)
			if err := e.store.UpdateCallMetering(ctx, c.ID, paidThrough, c.ElapsedSeconds, total); err != nil {
				return resumed, fmt.Errorf("restore call %s: %w", c.ID, err)
			}
			c.LastChargedAt = &paidThrough
			c.TotalChargedCents = total
		}
		e.Start(c)
		resumed++
	}
	return resumed, nil
}

// Reconcile restarts meters missing for active calls and times out calls
// that have been ringing longer than the ring timeout.
func (e *Engine) Reconcile(ctx context.Context) {
	active, err := e.store.ListCallsByState(ctx, model.CallActive)
	if err != nil {
		slog.Error("reconcile: list active calls", "err", err)
		return
	}
	live := make(map[string]bool, len(active))
	for _, c := range active {
		live[c.ID] = true
		if !e.Metered(c.ID) && !e.isClosed(c.ID) {
			slog.Warn("reconcile: resuming unmetered call", "call_id", c.ID)
			e.Start(c)
		}
	}

	e.mu.Lock()
	for id := range e.closed {
		if !live[id] {
			delete(e.closed, id)
		}
	}
	e.mu.Unlock()

	if e.cfg.RingTimeout <= 0 {
		return
	}
	ringing, err := e.store.ListCallsByState(ctx, model.CallRequested)
	if err != nil {
		slog.Error("reconcile: list requested calls", "err", err)
		return
	}
	now := e.now()
	for _, c := range ringing {
		if now.Sub(c.CreatedAt) > e.cfg.RingTimeout {
			slog.Info("reconcile: ring timeout", "call_id", c.ID)
			e.terminate(ctx, c.ID, model.EndTimeout)
		}
	}
}

// Shutdown stops every meter and waits for their goroutines to exit.
func (e *Engine) Shutdown() {
	e.cancel()
	e.mu.Lock()
	e.meters = make(map[string]context.CancelFunc)
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) isClosed(callID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed[callID]
}
