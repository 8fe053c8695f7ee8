package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tempocall/billing-engine/internal/keylock"
	"github.com/tempocall/billing-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	ledger      []model.LedgerEntry
	idempotency map[string]struct{}
	calls       map[string]*model.Call
	profiles    map[string]*model.CommissionProfile
	withdrawals map[string]*model.WithdrawalRequest
	kyc         map[string]*model.KYCRecord
	streamers   keylock.Map
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		idempotency: make(map[string]struct{}),
		calls:       make(map[string]*model.Call),
		profiles:    make(map[string]*model.CommissionProfile),
		withdrawals: make(map[string]*model.WithdrawalRequest),
		kyc:         make(map[string]*model.KYCRecord),
	}
}

// --- Ledger ---

func (s *MemoryStore) AppendEntries(_ context.Context, entries []model.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entries[0].IdempotencyKey
	if key != "" {
		if _, seen := s.idempotency[key]; seen {
			return ErrDuplicate
		}
	}

	// Validate every debited account before writing anything.
	deltas := make(map[string]int64)
	debits := make(map[string]int64)
	for _, e := range entries {
		deltas[e.AccountID] += e.AmountCents
		if e.IsDebit() {
			debits[e.AccountID] -= e.AmountCents
		}
	}
	for account, delta := range deltas {
		if debits[account] == 0 {
			continue
		}
		balance := s.balanceLocked(account)
		if balance+delta < 0 {
			return &InsufficientFundsError{AccountID: account, BalanceCents: balance, DebitCents: debits[account]}
		}
	}

	s.ledger = append(s.ledger, entries...)
	if key != "" {
		s.idempotency[key] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) GetEntriesByIdempotencyKey(_ context.Context, key string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.IdempotencyKey == key {
			result = append(result, e)
		}
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}
	return result, nil
}

func (s *MemoryStore) GetEntriesByAccount(_ context.Context, accountID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.AccountID == accountID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetEntriesByCall(_ context.Context, callID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.CallID == callID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) Balance(_ context.Context, accountID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balanceLocked(accountID), nil
}

func (s *MemoryStore) EarningsSince(_ context.Context, accountID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, e := range s.ledger {
		if e.AccountID == accountID && e.Kind == model.KindCallEarning && !e.CreatedAt.Before(since) {
			sum += e.AmountCents
		}
	}
	return sum, nil
}

func (s *MemoryStore) balanceLocked(accountID string) int64 {
	var sum int64
	for _, e := range s.ledger {
		if e.AccountID == accountID {
			sum += e.AmountCents
		}
	}
	return sum
}

// --- Calls ---

func (s *MemoryStore) CreateCall(_ context.Context, c *model.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	s.calls[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCall(_ context.Context, id string) (*model.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListCallsByState(_ context.Context, state model.CallState) ([]model.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Call
	for _, c := range s.calls {
		if c.State == state {
			result = append(result, *c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) ActivateCall(_ context.Context, id string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[id]
	if !ok {
		return ErrNotFound
	}
	if c.State != model.CallRequested {
		return ErrStaleState
	}
	c.State = model.CallActive
	c.StartedAt = &startedAt
	c.LastChargedAt = &startedAt
	return nil
}

func (s *MemoryStore) UpdateCallMetering(_ context.Context, id string, lastChargedAt time.Time, elapsedSeconds, totalChargedCents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[id]
	if !ok {
		return ErrNotFound
	}
	if c.State != model.CallActive {
		return ErrStaleState
	}
	c.LastChargedAt = &lastChargedAt
	c.ElapsedSeconds = elapsedSeconds
	c.TotalChargedCents = totalChargedCents
	return nil
}

func (s *MemoryStore) EndCall(_ context.Context, id string, endedAt time.Time, reason string, elapsedSeconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[id]
	if !ok {
		return ErrNotFound
	}
	if c.State == model.CallEnded {
		return ErrStaleState
	}
	c.State = model.CallEnded
	c.EndedAt = &endedAt
	c.EndReason = reason
	c.ElapsedSeconds = elapsedSeconds
	return nil
}

// --- Commission profiles ---

func (s *MemoryStore) GetCommissionProfile(_ context.Context, streamerID string) (*model.CommissionProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[streamerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UpsertCommissionProfile(_ context.Context, p *model.CommissionProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.profiles[p.StreamerID] = &cp
	return nil
}

// --- Withdrawals ---

func (s *MemoryStore) CreateWithdrawal(_ context.Context, w *model.WithdrawalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *w
	s.withdrawals[w.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWithdrawal(_ context.Context, id string) (*model.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.withdrawals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) ListWithdrawalsByStreamer(_ context.Context, streamerID string) ([]model.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WithdrawalRequest
	for _, w := range s.withdrawals {
		if w.StreamerID == streamerID {
			result = append(result, *w)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RequestedAt.After(result[j].RequestedAt) })
	return result, nil
}

func (s *MemoryStore) UpdateWithdrawal(_ context.Context, w *model.WithdrawalRequest, from model.WithdrawalStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.withdrawals[w.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Status != from {
		return ErrStaleState
	}
	cp := *w
	s.withdrawals[w.ID] = &cp
	return nil
}

func (s *MemoryStore) CountWithdrawalsSince(_ context.Context, streamerID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, w := range s.withdrawals {
		if w.StreamerID == streamerID && w.Status != model.WithdrawalRejected && !w.RequestedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SumPendingWithdrawals(_ context.Context, streamerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, w := range s.withdrawals {
		if w.StreamerID == streamerID && w.Status == model.WithdrawalPending {
			sum += w.AmountCents
		}
	}
	return sum, nil
}

// LockWithdrawals only serializes callers within this process.
func (s *MemoryStore) LockWithdrawals(_ context.Context, streamerID string) (func(), error) {
	return s.streamers.Lock(streamerID), nil
}

// --- KYC ---

func (s *MemoryStore) GetKYCRecord(_ context.Context, streamerID string) (*model.KYCRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.kyc[streamerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) UpsertKYCRecord(_ context.Context, r *model.KYCRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	s.kyc[r.StreamerID] = &cp
	return nil
}
