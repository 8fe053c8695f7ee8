package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tempocall/billing-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Ledger appends take one transaction-scoped advisory lock per affected
// account, acquired in sorted order, so balance checks are linearized
// across every instance sharing the database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// --- Ledger ---

func (s *PostgresStore) AppendEntries(ctx context.Context, entries []model.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback(ctx)

	deltas := make(map[string]int64)
	debits := make(map[string]int64)
	for _, e := range entries {
		deltas[e.AccountID] += e.AmountCents
		if e.IsDebit() {
			debits[e.AccountID] -= e.AmountCents
		}
	}
	accounts := make([]string, 0, len(deltas))
	for a := range deltas {
		accounts = append(accounts, a)
	}
	// Lock accounts in consistent order to prevent deadlocks.
	sort.Strings(accounts)
	for _, a := range accounts {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, a); err != nil {
			return mapErr(err)
		}
	}

	if key := entries[0].IdempotencyKey; key != "" {
		tag, err := tx.Exec(ctx,
			`INSERT INTO ledger_idempotency (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, key)
		if err != nil {
			return mapErr(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrDuplicate
		}
	}

	for _, a := range accounts {
		if debits[a] == 0 {
			continue
		}
		var balance int64
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(amount_cents), 0) FROM ledger_entries WHERE account_id = $1`, a).
			Scan(&balance); err != nil {
			return mapErr(err)
		}
		if balance+deltas[a] < 0 {
			return &InsufficientFundsError{AccountID: a, BalanceCents: balance, DebitCents: debits[a]}
		}
	}

	for _, e := range entries {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, account_id, amount_cents, kind, call_id, withdrawal_id, reverses_id, idempotency_key, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, e.AccountID, e.AmountCents, string(e.Kind),
			e.CallID, e.WithdrawalID, e.ReversesID, e.IdempotencyKey, e.CreatedAt,
		); err != nil {
			return mapErr(err)
		}
	}

	return mapErr(tx.Commit(ctx))
}

const entryColumns = `id, account_id, amount_cents, kind, call_id, withdrawal_id, reverses_id, idempotency_key, created_at`

func (s *PostgresStore) GetEntriesByIdempotencyKey(ctx context.Context, key string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1 ORDER BY created_at, id`, key)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	entries, err := scanLedgerEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return entries, nil
}

func (s *PostgresStore) GetEntriesByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE account_id = $1 ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetEntriesByCall(ctx context.Context, callID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE call_id = $1 ORDER BY created_at, id`, callID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM ledger_entries WHERE account_id = $1`, accountID).
		Scan(&balance)
	return balance, mapErr(err)
}

func (s *PostgresStore) EarningsSince(ctx context.Context, accountID string, since time.Time) (int64, error) {
	var sum int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM ledger_entries
		 WHERE account_id = $1 AND kind = $2 AND created_at >= $3`,
		accountID, string(model.KindCallEarning), since).
		Scan(&sum)
	return sum, mapErr(err)
}

// --- Calls ---

const callColumns = `id, viewer_id, streamer_id, price_per_minute_cents, state,
	started_at, ended_at, last_charged_at, elapsed_seconds, total_charged_cents, end_reason, created_at`

func (s *PostgresStore) CreateCall(ctx context.Context, c *model.Call) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO calls (`+callColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.ViewerID, c.StreamerID, c.PricePerMinuteCents, string(c.State),
		c.StartedAt, c.EndedAt, c.LastChargedAt, c.ElapsedSeconds, c.TotalChargedCents,
		c.EndReason, c.CreatedAt,
	)
	return mapErr(err)
}

func (s *PostgresStore) GetCall(ctx context.Context, id string) (*model.Call, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1`, id)
	c, err := scanCall(row)
	if err != nil {
		return nil, fmt.Errorf("get call %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) ListCallsByState(ctx context.Context, state model.CallState) ([]model.Call, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+callColumns+` FROM calls WHERE state = $1 ORDER BY created_at`, string(state))
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var calls []model.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *c)
	}
	return calls, mapErr(rows.Err())
}

func (s *PostgresStore) ActivateCall(ctx context.Context, id string, startedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE calls SET state = $2, started_at = $3, last_charged_at = $3
		 WHERE id = $1 AND state = $4`,
		id, string(model.CallActive), startedAt, string(model.CallRequested))
	if err != nil {
		return mapErr(err)
	}
	return s.checkAffected(ctx, tag, id)
}

func (s *PostgresStore) UpdateCallMetering(ctx context.Context, id string, lastChargedAt time.Time, elapsedSeconds, totalChargedCents int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE calls SET last_charged_at = $2, elapsed_seconds = $3, total_charged_cents = $4
		 WHERE id = $1 AND state = $5`,
		id, lastChargedAt, elapsedSeconds, totalChargedCents, string(model.CallActive))
	if err != nil {
		return mapErr(err)
	}
	return s.checkAffected(ctx, tag, id)
}

func (s *PostgresStore) EndCall(ctx context.Context, id string, endedAt time.Time, reason string, elapsedSeconds int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE calls SET state = $2, ended_at = $3, end_reason = $4, elapsed_seconds = $5
		 WHERE id = $1 AND state <> $2`,
		id, string(model.CallEnded), endedAt, reason, elapsedSeconds)
	if err != nil {
		return mapErr(err)
	}
	return s.checkAffected(ctx, tag, id)
}

// checkAffected distinguishes a missing call from a failed state guard.
func (s *PostgresStore) checkAffected(ctx context.Context, tag pgconn.CommandTag, id string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM calls WHERE id = $1)`, id).Scan(&exists); err != nil {
		return mapErr(err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleState
}

// --- Commission profiles ---

func (s *PostgresStore) GetCommissionProfile(ctx context.Context, streamerID string) (*model.CommissionProfile, error) {
	var p model.CommissionProfile
	err := s.pool.QueryRow(ctx,
		`SELECT streamer_id, base_commission_pct, loyalty_bonus_pct, notes, updated_at
		 FROM commission_profiles WHERE streamer_id = $1`, streamerID).
		Scan(&p.StreamerID, &p.BaseCommissionPct, &p.LoyaltyBonusPct, &p.Notes, &p.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (s *PostgresStore) UpsertCommissionProfile(ctx context.Context, p *model.CommissionProfile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO commission_profiles (streamer_id, base_commission_pct, loyalty_bonus_pct, notes, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (streamer_id) DO UPDATE
		 SET base_commission_pct = EXCLUDED.base_commission_pct,
		     loyalty_bonus_pct = EXCLUDED.loyalty_bonus_pct,
		     notes = EXCLUDED.notes,
		     updated_at = EXCLUDED.updated_at`,
		p.StreamerID, p.BaseCommissionPct, p.LoyaltyBonusPct, p.Notes, p.UpdatedAt)
	return mapErr(err)
}

// --- Withdrawals ---

const withdrawalColumns = `id, streamer_id, amount_cents, fee_cents, net_amount_cents, pix_key_type, pix_key,
	is_anticipated, status, requested_at, processed_at, rejection_reason, failure_reason`

func (s *PostgresStore) CreateWithdrawal(ctx context.Context, w *model.WithdrawalRequest) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO withdrawal_requests (`+withdrawalColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		w.ID, w.StreamerID, w.AmountCents, w.FeeCents, w.NetAmountCents,
		string(w.PixKeyType), w.PixKey, w.IsAnticipated, string(w.Status),
		w.RequestedAt, w.ProcessedAt, w.RejectionReason, w.FailureReason,
	)
	return mapErr(err)
}

func (s *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1`, id)
	w, err := scanWithdrawal(row)
	if err != nil {
		return nil, fmt.Errorf("get withdrawal %s: %w", id, err)
	}
	return w, nil
}

func (s *PostgresStore) ListWithdrawalsByStreamer(ctx context.Context, streamerID string) ([]model.WithdrawalRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawal_requests
		 WHERE streamer_id = $1 ORDER BY requested_at DESC`, streamerID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var result []model.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *w)
	}
	return result, mapErr(rows.Err())
}

func (s *PostgresStore) UpdateWithdrawal(ctx context.Context, w *model.WithdrawalRequest, from model.WithdrawalStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE withdrawal_requests
		 SET status = $2, processed_at = $3, rejection_reason = $4, failure_reason = $5
		 WHERE id = $1 AND status = $6`,
		w.ID, string(w.Status), w.ProcessedAt, w.RejectionReason, w.FailureReason, string(from))
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetWithdrawal(ctx, w.ID); err != nil {
			return err
		}
		return ErrStaleState
	}
	return nil
}

func (s *PostgresStore) CountWithdrawalsSince(ctx context.Context, streamerID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM withdrawal_requests
		 WHERE streamer_id = $1 AND status <> $2 AND requested_at >= $3`,
		streamerID, string(model.WithdrawalRejected), since).
		Scan(&n)
	return n, mapErr(err)
}

func (s *PostgresStore) SumPendingWithdrawals(ctx context.Context, streamerID string) (int64, error) {
	var sum int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM withdrawal_requests
		 WHERE streamer_id = $1 AND status = $2`,
		streamerID, string(model.WithdrawalPending)).
		Scan(&sum)
	return sum, mapErr(err)
}

// LockWithdrawals holds a session advisory lock on a dedicated pool
// connection until the returned func runs. The key is namespaced so it never
// collides with the per-account locks taken by AppendEntries.
func (s *PostgresStore) LockWithdrawals(ctx context.Context, streamerID string) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	key := "withdrawal:" + streamerID
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		conn.Release()
		return nil, mapErr(err)
	}
	return func() {
		if _, err := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
			// Closing the session drops every advisory lock it holds.
			conn.Conn().Close(context.Background())
		}
		conn.Release()
	}, nil
}

// --- KYC ---

func (s *PostgresStore) GetKYCRecord(ctx context.Context, streamerID string) (*model.KYCRecord, error) {
	var r model.KYCRecord
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT streamer_id, status, expires_at, updated_at FROM kyc_records WHERE streamer_id = $1`, streamerID).
		Scan(&r.StreamerID, &status, &r.ExpiresAt, &r.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	r.Status = model.KYCStatus(status)
	return &r, nil
}

func (s *PostgresStore) UpsertKYCRecord(ctx context.Context, r *model.KYCRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kyc_records (streamer_id, status, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (streamer_id) DO UPDATE
		 SET status = EXCLUDED.status, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`,
		r.StreamerID, string(r.Status), r.ExpiresAt, r.UpdatedAt)
	return mapErr(err)
}

// --- Scanning ---

type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

// scanLedgerEntries reads pgx rows into LedgerEntry slices.
func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.AmountCents, &kind,
			&e.CallID, &e.WithdrawalID, &e.ReversesID, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, mapErr(err)
		}
		e.Kind = model.EntryKind(kind)
		entries = append(entries, e)
	}
	return entries, mapErr(rows.Err())
}

func scanCall(row pgx.Row) (*model.Call, error) {
	var c model.Call
	var state string
	if err := row.Scan(&c.ID, &c.ViewerID, &c.StreamerID, &c.PricePerMinuteCents, &state,
		&c.StartedAt, &c.EndedAt, &c.LastChargedAt, &c.ElapsedSeconds, &c.TotalChargedCents,
		&c.EndReason, &c.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	c.State = model.CallState(state)
	return &c, nil
}

func scanWithdrawal(row pgx.Row) (*model.WithdrawalRequest, error) {
	var w model.WithdrawalRequest
	var pixType, status string
	if err := row.Scan(&w.ID, &w.StreamerID, &w.AmountCents, &w.FeeCents, &w.NetAmountCents,
		&pixType, &w.PixKey, &w.IsAnticipated, &status,
		&w.RequestedAt, &w.ProcessedAt, &w.RejectionReason, &w.FailureReason); err != nil {
		return nil, mapErr(err)
	}
	w.PixKeyType = model.PixKeyType(pixType)
	w.Status = model.WithdrawalStatus(status)
	return &w, nil
}

// mapErr translates driver errors into store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		}
	}
	return err
}
