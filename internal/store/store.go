// Package store defines the persistence interface for the billing engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tempocall/billing-engine/internal/model"
)

var (
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a ledger batch reuses an idempotency key.
	// Nothing is written.
	ErrDuplicate = errors.New("store: duplicate idempotency key")

	// ErrInsufficientFunds is returned when a debit would drive an account
	// balance below zero. Nothing is written.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrConflict signals a serialization failure or deadlock; the caller may
	// retry the whole unit of work.
	ErrConflict = errors.New("store: serialization conflict")

	// ErrStaleState is returned by conditional updates when the row is no
	// longer in the expected state.
	ErrStaleState = errors.New("store: state changed concurrently")
)

// InsufficientFundsError carries the account and amounts of a rejected debit.
type InsufficientFundsError struct {
	AccountID    string
	BalanceCents int64
	DebitCents   int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on account %s: balance %d, debit %d",
		e.AccountID, e.BalanceCents, e.DebitCents)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Append-only ledger ---

	// AppendEntries writes all entries or none. Debits are validated against
	// the committed balance of their account inside the same unit of work.
	// When entries carry an IdempotencyKey already seen, ErrDuplicate is
	// returned.
	AppendEntries(ctx context.Context, entries []model.LedgerEntry) error

	// GetEntriesByIdempotencyKey returns the batch written under key.
	GetEntriesByIdempotencyKey(ctx context.Context, key string) ([]model.LedgerEntry, error)

	// GetEntriesByAccount returns an account's entries oldest first.
	GetEntriesByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error)

	// GetEntriesByCall returns every entry related to a call oldest first.
	GetEntriesByCall(ctx context.Context, callID string) ([]model.LedgerEntry, error)

	// Balance folds an account's entries into its current balance.
	Balance(ctx context.Context, accountID string) (int64, error)

	// EarningsSince sums call_earning entries created at or after since.
	EarningsSince(ctx context.Context, accountID string, since time.Time) (int64, error)

	// --- Calls ---

	CreateCall(ctx context.Context, c *model.Call) error
	GetCall(ctx context.Context, id string) (*model.Call, error)
	ListCallsByState(ctx context.Context, state model.CallState) ([]model.Call, error)

	// ActivateCall moves a requested call to active. ErrStaleState otherwise.
	ActivateCall(ctx context.Context, id string, startedAt time.Time) error

	// UpdateCallMetering records billing progress on an active call.
	// ErrStaleState if the call is no longer active.
	UpdateCallMetering(ctx context.Context, id string, lastChargedAt time.Time, elapsedSeconds, totalChargedCents int64) error

	// EndCall moves a non-ended call to ended. ErrStaleState if it already was.
	EndCall(ctx context.Context, id string, endedAt time.Time, reason string, elapsedSeconds int64) error

	// --- Commission profiles ---

	GetCommissionProfile(ctx context.Context, streamerID string) (*model.CommissionProfile, error)
	UpsertCommissionProfile(ctx context.Context, p *model.CommissionProfile) error

	// --- Withdrawals ---

	CreateWithdrawal(ctx context.Context, w *model.WithdrawalRequest) error
	GetWithdrawal(ctx context.Context, id string) (*model.WithdrawalRequest, error)
	ListWithdrawalsByStreamer(ctx context.Context, streamerID string) ([]model.WithdrawalRequest, error)

	// UpdateWithdrawal persists w only if the stored status still equals from.
	UpdateWithdrawal(ctx context.Context, w *model.WithdrawalRequest, from model.WithdrawalStatus) error

	// CountWithdrawalsSince counts non-rejected requests made at or after since.
	CountWithdrawalsSince(ctx context.Context, streamerID string, since time.Time) (int, error)

	// SumPendingWithdrawals sums the amounts of pending requests.
	SumPendingWithdrawals(ctx context.Context, streamerID string) (int64, error)

	// LockWithdrawals serializes withdrawal requests of one streamer across
	// every process sharing the store. The returned func releases the lock.
	LockWithdrawals(ctx context.Context, streamerID string) (func(), error)

	// --- KYC ---

	GetKYCRecord(ctx context.Context, streamerID string) (*model.KYCRecord, error)
	UpsertKYCRecord(ctx context.Context, r *model.KYCRecord) error
}

// Uncached unwraps cache layers and returns the store that answers reads
// from the source of truth.
func Uncached(st Store) Store {
	for {
		c, ok := st.(interface{ Primary() Store })
		if !ok {
			return st
		}
		st = c.Primary()
	}
}
