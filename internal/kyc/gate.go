// Package kyc answers whether a streamer's identity verification allows
// withdrawals.
package kyc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tempocall/billing-engine/internal/model"
	"github.com/tempocall/billing-engine/internal/store"
)

// Reasons a streamer is not eligible.
const (
	ReasonNotSubmitted = "kyc_not_submitted"
	ReasonPending      = "kyc_pending"
	ReasonRejected     = "kyc_rejected"
	ReasonExpired      = "kyc_expired"
)

var ErrInvalidStatus = errors.New("kyc: invalid status")

// Eligibility is the gate's answer.
type Eligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// Gate decides withdrawal eligibility.
type Gate interface {
	IsWithdrawalEligible(ctx context.Context, streamerID string) (Eligibility, error)
}

// StoreGate reads KYC records from the store.
type StoreGate struct {
	store store.Store
	now   func() time.Time
}

// NewStoreGate creates a gate over st.
func NewStoreGate(st store.Store) *StoreGate {
	return &StoreGate{store: st, now: time.Now}
}

// IsWithdrawalEligible is true only for an approved, unexpired record.
// A record without an expiry never expires.
func (g *StoreGate) IsWithdrawalEligible(ctx context.Context, streamerID string) (Eligibility, error) {
	r, err := g.store.GetKYCRecord(ctx, streamerID)
	if errors.Is(err, store.ErrNotFound) {
		return Eligibility{Reason: ReasonNotSubmitted}, nil
	}
	if err != nil {
		return Eligibility{}, fmt.Errorf("kyc record of %s: %w", streamerID, err)
	}

	switch r.Status {
	case model.KYCApproved:
		if r.ExpiresAt != nil && !g.now().Before(*r.ExpiresAt) {
			return Eligibility{Reason: ReasonExpired}, nil
		}
		return Eligibility{Eligible: true}, nil
	case model.KYCPending:
		return Eligibility{Reason: ReasonPending}, nil
	case model.KYCRejected:
		return Eligibility{Reason: ReasonRejected}, nil
	default:
		return Eligibility{Reason: ReasonNotSubmitted}, nil
	}
}

// UpsertRecord is the administrative write path.
func (g *StoreGate) UpsertRecord(ctx context.Context, r *model.KYCRecord) error {
	switch r.Status {
	case model.KYCNone, model.KYCPending, model.KYCApproved, model.KYCRejected:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, r.Status)
	}
	if r.StreamerID == "" {
		return fmt.Errorf("%w: streamer_id is required", ErrInvalidStatus)
	}
	r.UpdatedAt = g.now().UTC()
	return g.store.UpsertKYCRecord(ctx, r)
}
