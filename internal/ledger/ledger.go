// Package ledger is the append-only source of truth for account balances.
//
// Every balance-affecting event is a signed entry; a balance is the sum of an
// account's entries. Appends touching the same account are linearized so a
// sufficiency check and the write it guards happen atomically.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tempocall/billing-engine/internal/keylock"
	"github.com/tempocall/billing-engine/internal/metrics"
	"github.com/tempocall/billing-engine/internal/model"
	"github.com/tempocall/billing-engine/internal/store"
)

var (
	// ErrInsufficientFunds is returned when a debit would drive a balance negative.
	ErrInsufficientFunds = store.ErrInsufficientFunds

	// ErrDuplicate is returned when a batch's idempotency key was already applied.
	ErrDuplicate = store.ErrDuplicate

	ErrEmptyBatch   = errors.New("ledger: empty batch")
	ErrMixedKeys    = errors.New("ledger: entries in one batch must share an idempotency key")
	ErrZeroAmount   = errors.New("ledger: entry amount must be non-zero")
	ErrMissingField = errors.New("ledger: entry is missing account or kind")
)

// InsufficientFundsError carries the account and amounts of a rejected debit.
type InsufficientFundsError = store.InsufficientFundsError

// Ledger appends entries and answers balance queries.
type Ledger struct {
	store      store.Store
	primary    store.Store
	locks      keylock.Map
	holdPeriod time.Duration
	now        func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithHoldPeriod sets how long a call earning must age before a standard
// (fee-free) withdrawal may draw on it.
func WithHoldPeriod(d time.Duration) Option {
	return func(l *Ledger) { l.holdPeriod = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger over st. The default hold period is 30 days.
func New(st store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:      st,
		primary:    store.Uncached(st),
		holdPeriod: 30 * 24 * time.Hour,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append writes entries as one unit of work and returns their ids.
// Missing ids and timestamps are filled in. All entries must share the same
// IdempotencyKey (possibly empty). On ErrDuplicate the ids of the batch
// previously written under that key are returned alongside the error.
func (l *Ledger) Append(ctx context.Context, entries ...model.LedgerEntry) ([]string, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyBatch
	}

	now := l.now().UTC()
	key := entries[0].IdempotencyKey
	batch := make([]model.LedgerEntry, len(entries))
	accounts := make([]string, 0, len(entries))
	for i, e := range entries {
		if e.AccountID == "" || e.Kind == "" {
			return nil, ErrMissingField
		}
		if e.AmountCents == 0 {
			return nil, ErrZeroAmount
		}
		if e.IdempotencyKey != key {
			return nil, ErrMixedKeys
		}
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		batch[i] = e
		accounts = append(accounts, e.AccountID)
	}

	unlock := l.locks.LockAll(accounts)
	defer unlock()

	start := time.Now()
	err := l.store.AppendEntries(ctx, batch)
	if errors.Is(err, store.ErrConflict) {
		// One automatic retry under the same locks; business logic never retries.
		metrics.LedgerRetries.Inc()
		slog.Warn("ledger append conflict, retrying", "accounts", accounts, "err", err)
		err = l.store.AppendEntries(ctx, batch)
	}
	metrics.LedgerAppendLatency.Observe(time.Since(start).Seconds())

	if errors.Is(err, store.ErrDuplicate) {
		existing, lookupErr := l.store.GetEntriesByIdempotencyKey(ctx, key)
		if lookupErr != nil {
			return nil, err
		}
		return entryIDs(existing), err
	}
	if err != nil {
		return nil, fmt.Errorf("ledger append: %w", err)
	}

	for _, e := range batch {
		metrics.LedgerEntries.WithLabelValues(string(e.Kind)).Inc()
	}
	return entryIDs(batch), nil
}

// BalanceOf returns the sum of an account's entries.
func (l *Ledger) BalanceOf(ctx context.Context, accountID string) (int64, error) {
	return l.store.Balance(ctx, accountID)
}

// AvailableForWithdrawal returns what a streamer may withdraw right now:
// the balance minus amounts locked by pending withdrawals. Standard
// withdrawals additionally exclude call earnings younger than the hold
// period; anticipated withdrawals waive the hold. Never negative.
// Reads bypass any cache layer.
func (l *Ledger) AvailableForWithdrawal(ctx context.Context, streamerID string, anticipated bool) (int64, error) {
	balance, err := l.primary.Balance(ctx, streamerID)
	if err != nil {
		return 0, fmt.Errorf("balance of %s: %w", streamerID, err)
	}
	locked, err := l.primary.SumPendingWithdrawals(ctx, streamerID)
	if err != nil {
		return 0, fmt.Errorf("pending withdrawals of %s: %w", streamerID, err)
	}

	available := balance - locked
	if !anticipated {
		cutoff := l.now().Add(-l.holdPeriod)
		immature, err := l.primary.EarningsSince(ctx, streamerID, cutoff)
		if err != nil {
			return 0, fmt.Errorf("immature earnings of %s: %w", streamerID, err)
		}
		available -= immature
	}

	if available < 0 {
		return 0, nil
	}
	return available, nil
}

// Entries returns an account statement, oldest first.
func (l *Ledger) Entries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	return l.store.GetEntriesByAccount(ctx, accountID)
}

// CallCharges replays a call's billing from the ledger: the sum of its
// call_charge debits.
func (l *Ledger) CallCharges(ctx context.Context, callID string) (int64, error) {
	entries, err := l.store.GetEntriesByCall(ctx, callID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if e.Kind == model.KindCallCharge {
			total -= e.AmountCents
		}
	}
	return total, nil
}

// Batch returns the entries written under an idempotency key.
func (l *Ledger) Batch(ctx context.Context, key string) ([]model.LedgerEntry, error) {
	return l.store.GetEntriesByIdempotencyKey(ctx, key)
}

func entryIDs(entries []model.LedgerEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}
