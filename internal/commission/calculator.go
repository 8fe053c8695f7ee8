// Package commission computes the share of a call charge paid out to the
// streamer.
//
// A streamer's effective rate is their base commission plus a loyalty bonus,
// clamped to the legal range. Profiles are validated when written, so the
// calculator itself never sees out-of-range inputs.
package commission

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tempocall/billing-engine/internal/model"
)

// Legal ranges, in whole percent.
const (
	MinRate    = 60
	MaxRate    = 85
	MinLoyalty = 0
	MaxLoyalty = 5
)

// ErrInvalidCommission is returned when a profile write carries a base or
// loyalty value outside its legal range.
var ErrInvalidCommission = errors.New("commission: invalid commission profile")

var hundred = decimal.NewFromInt(100)

// Validate rejects a profile whose base or loyalty bonus is out of range.
func Validate(p model.CommissionProfile) error {
	if p.StreamerID == "" {
		return fmt.Errorf("%w: streamer_id is required", ErrInvalidCommission)
	}
	if p.BaseCommissionPct < MinRate || p.BaseCommissionPct > MaxRate {
		return fmt.Errorf("%w: base %d outside [%d,%d]", ErrInvalidCommission, p.BaseCommissionPct, MinRate, MaxRate)
	}
	if p.LoyaltyBonusPct < MinLoyalty || p.LoyaltyBonusPct > MaxLoyalty {
		return fmt.Errorf("%w: loyalty bonus %d outside [%d,%d]", ErrInvalidCommission, p.LoyaltyBonusPct, MinLoyalty, MaxLoyalty)
	}
	return nil
}

// EffectiveRate returns clamp(base + loyalty, MinRate, MaxRate).
func EffectiveRate(p model.CommissionProfile) int {
	rate := p.BaseCommissionPct + p.LoyaltyBonusPct
	if rate < MinRate {
		return MinRate
	}
	if rate > MaxRate {
		return MaxRate
	}
	return rate
}

// Split divides a charge into the streamer's share, floor(charge*rate/100),
// and the platform's remainder.
func Split(chargeCents int64, rate int) (streamerShare, platformShare int64) {
	share := decimal.NewFromInt(chargeCents).
		Mul(decimal.NewFromInt(int64(rate))).
		Div(hundred).
		Floor()
	streamerShare = share.IntPart()
	return streamerShare, chargeCents - streamerShare
}

// DefaultProfile is used for streamers without a stored profile.
func DefaultProfile(streamerID string, basePct int) model.CommissionProfile {
	return model.CommissionProfile{
		StreamerID:        streamerID,
		BaseCommissionPct: basePct,
		UpdatedAt:         time.Time{},
	}
}
