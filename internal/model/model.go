// Package model defines the core domain types shared across the billing engine.
// All money is int64 cents of a single currency. Never float64.
package model

import "time"

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	KindCallCharge         EntryKind = "call_charge"         // viewer debit
	KindCallEarning        EntryKind = "call_earning"        // streamer credit
	KindPlatformFee        EntryKind = "platform_fee"        // platform revenue
	KindWithdrawal         EntryKind = "withdrawal"          // streamer debit on approval
	KindWithdrawalReversal EntryKind = "withdrawal_reversal" // compensation after a failed payout
	KindCredit             EntryKind = "credit"              // top-up or administrative credit
)

// LedgerEntry is an immutable, signed movement on one account.
// Once created, entries are never modified or deleted; corrections are new
// entries referencing the original through ReversesID.
type LedgerEntry struct {
	ID             string    `json:"id" db:"id"`
	AccountID      string    `json:"account_id" db:"account_id"`
	AmountCents    int64     `json:"amount_cents" db:"amount_cents"` // signed: +credit, -debit
	Kind           EntryKind `json:"kind" db:"kind"`
	CallID         string    `json:"call_id,omitempty" db:"call_id"`
	WithdrawalID   string    `json:"withdrawal_id,omitempty" db:"withdrawal_id"`
	ReversesID     string    `json:"reverses_id,omitempty" db:"reverses_id"`
	IdempotencyKey string    `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// IsDebit reports whether the entry reduces its account's balance.
func (e LedgerEntry) IsDebit() bool { return e.AmountCents < 0 }

// CallState is the lifecycle state of a call.
type CallState string

const (
	CallRequested CallState = "requested"
	CallActive    CallState = "active"
	CallEnded     CallState = "ended"
)

// Reasons recorded when a call reaches CallEnded.
const (
	EndViewerHangup        = "viewer_hangup"
	EndStreamerHangup      = "streamer_hangup"
	EndRejected            = "rejected"
	EndTimeout             = "timeout"
	EndInsufficientBalance = "insufficient_balance"
	EndBillingFailure      = "billing_failure"
	EndModeration          = "moderation"
)

// Call is one paid call between a viewer and a streamer.
// ElapsedSeconds, TotalChargedCents and LastChargedAt are written only by the
// metering engine while the call is active.
type Call struct {
	ID                  string     `json:"id" db:"id"`
	ViewerID            string     `json:"viewer_id" db:"viewer_id"`
	StreamerID          string     `json:"streamer_id" db:"streamer_id"`
	PricePerMinuteCents int64      `json:"price_per_minute_cents" db:"price_per_minute_cents"`
	State               CallState  `json:"state" db:"state"`
	StartedAt           *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt             *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	LastChargedAt       *time.Time `json:"last_charged_at,omitempty" db:"last_charged_at"` // paid-through instant
	ElapsedSeconds      int64      `json:"elapsed_seconds" db:"elapsed_seconds"`
	TotalChargedCents   int64      `json:"total_charged_cents" db:"total_charged_cents"`
	EndReason           string     `json:"end_reason,omitempty" db:"end_reason"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
}

// CommissionProfile holds the payout tier inputs for one streamer.
type CommissionProfile struct {
	StreamerID        string    `json:"streamer_id" db:"streamer_id"`
	BaseCommissionPct int       `json:"base_commission_pct" db:"base_commission_pct"` // 60–85
	LoyaltyBonusPct   int       `json:"loyalty_bonus_pct" db:"loyalty_bonus_pct"`     // 0–5
	Notes             string    `json:"notes,omitempty" db:"notes"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// WithdrawalStatus is the lifecycle state of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalApproved  WithdrawalStatus = "approved"
	WithdrawalRejected  WithdrawalStatus = "rejected"
	WithdrawalCompleted WithdrawalStatus = "completed"
)

// PixKeyType is the kind of PIX key a payout is addressed to.
type PixKeyType string

const (
	PixCPF    PixKeyType = "cpf"
	PixCNPJ   PixKeyType = "cnpj"
	PixEmail  PixKeyType = "email"
	PixPhone  PixKeyType = "phone"
	PixRandom PixKeyType = "random"
)

// WithdrawalRequest is a streamer's request to move earnings out of the
// platform. Requests are never deleted; they form the audit trail.
type WithdrawalRequest struct {
	ID              string           `json:"id" db:"id"`
	StreamerID      string           `json:"streamer_id" db:"streamer_id"`
	AmountCents     int64            `json:"amount_cents" db:"amount_cents"`
	FeeCents        int64            `json:"fee_cents" db:"fee_cents"`
	NetAmountCents  int64            `json:"net_amount_cents" db:"net_amount_cents"`
	PixKeyType      PixKeyType       `json:"pix_key_type" db:"pix_key_type"`
	PixKey          string           `json:"pix_key" db:"pix_key"`
	IsAnticipated   bool             `json:"is_anticipated" db:"is_anticipated"`
	Status          WithdrawalStatus `json:"status" db:"status"`
	RequestedAt     time.Time        `json:"requested_at" db:"requested_at"`
	ProcessedAt     *time.Time       `json:"processed_at,omitempty" db:"processed_at"`
	RejectionReason string           `json:"rejection_reason,omitempty" db:"rejection_reason"`
	FailureReason   string           `json:"failure_reason,omitempty" db:"failure_reason"`
}

// KYCStatus is the identity-verification state of a streamer.
type KYCStatus string

const (
	KYCNone     KYCStatus = "none"
	KYCPending  KYCStatus = "pending"
	KYCApproved KYCStatus = "approved"
	KYCRejected KYCStatus = "rejected"
)

// KYCRecord is published by the administrative KYC workflow.
type KYCRecord struct {
	StreamerID string     `json:"streamer_id" db:"streamer_id"`
	Status     KYCStatus  `json:"status" db:"status"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}
