package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tempocall/billing-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for account balances and KYC records. Writes go to the primary store
// and invalidate the cache; reads check Redis first then fall back to the
// primary. Debit validation never reads the cache: it happens inside the
// primary's AppendEntries. Withdrawal availability reads the primary via
// Uncached.
type CachedStore struct {
	Store
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// Primary returns the store behind the cache.
func (s *CachedStore) Primary() Store { return s.Store }

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) AppendEntries(ctx context.Context, entries []model.LedgerEntry) error {
	if err := s.Store.AppendEntries(ctx, entries); err != nil {
		return err
	}
	keys := make([]string, 0, len(entries))
	seen := make(map[string]bool)
	for _, e := range entries {
		if !seen[e.AccountID] {
			seen[e.AccountID] = true
			keys = append(keys, balanceKey(e.AccountID))
		}
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("balance cache invalidation failed", "err", err)
	}
	return nil
}

func (s *CachedStore) UpsertKYCRecord(ctx context.Context, r *model.KYCRecord) error {
	if err := s.Store.UpsertKYCRecord(ctx, r); err != nil {
		return err
	}
	s.rdb.Del(ctx, kycKey(r.StreamerID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Balance(ctx context.Context, accountID string) (int64, error) {
	if v, err := s.rdb.Get(ctx, balanceKey(accountID)).Result(); err == nil {
		if balance, err := strconv.ParseInt(v, 10, 64); err == nil {
			return balance, nil
		}
	}

	balance, err := s.Store.Balance(ctx, accountID)
	if err != nil {
		return 0, err
	}
	s.rdb.Set(ctx, balanceKey(accountID), strconv.FormatInt(balance, 10), s.ttl)
	return balance, nil
}

func (s *CachedStore) GetKYCRecord(ctx context.Context, streamerID string) (*model.KYCRecord, error) {
	data, err := s.rdb.Get(ctx, kycKey(streamerID)).Bytes()
	if err == nil {
		var r model.KYCRecord
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.Store.GetKYCRecord(ctx, streamerID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(r); err == nil {
		s.rdb.Set(ctx, kycKey(streamerID), data, s.ttl)
	}
	return r, nil
}

// --- Cache helpers ---

func balanceKey(accountID string) string { return fmt.Sprintf("balance:%s", accountID) }
func kycKey(streamerID string) string    { return fmt.Sprintf("kyc:%s", streamerID) }
