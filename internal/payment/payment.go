// Package payment connects the ledger to the payment provider: inbound
// top-up confirmations credit viewer balances, outbound payout instructions
// move approved withdrawals to the streamer's PIX key.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tempocall/billing-engine/internal/events"
	"github.com/tempocall/billing-engine/internal/ledger"
	"github.com/tempocall/billing-engine/internal/model"
)

var ErrInvalidConfirmation = errors.New("payment: invalid confirmation")

// Confirmation is a provider's notice that a top-up settled.
type Confirmation struct {
	ExternalID  string `json:"external_id" validate:"required"`
	AccountID   string `json:"account_id" validate:"required"`
	AmountCents int64  `json:"amount_cents" validate:"gt=0"`
}

// Receipt is the result of applying a confirmation.
type Receipt struct {
	EntryIDs  []string `json:"entry_ids"`
	Duplicate bool     `json:"duplicate"`
}

// Service applies top-up confirmations to the ledger.
type Service struct {
	ledger *ledger.Ledger
}

// NewService creates a payment service.
func NewService(l *ledger.Ledger) *Service {
	return &Service{ledger: l}
}

// ConfirmTopUp credits the account once per external id. A repeated
// confirmation returns the original entry ids and credits nothing.
func (s *Service) ConfirmTopUp(ctx context.Context, c Confirmation) (Receipt, error) {
	if c.ExternalID == "" || c.AccountID == "" || c.AmountCents <= 0 {
		return Receipt{}, fmt.Errorf("%w: external_id, account_id and a positive amount are required", ErrInvalidConfirmation)
	}

	ids, err := s.ledger.Append(ctx, model.LedgerEntry{
		AccountID:      c.AccountID,
		AmountCents:    c.AmountCents,
		Kind:           model.KindCredit,
		IdempotencyKey: "topup:" + c.ExternalID,
	})
	if errors.Is(err, ledger.ErrDuplicate) {
		slog.Info("duplicate top-up confirmation ignored", "external_id", c.ExternalID, "account_id", c.AccountID)
		return Receipt{EntryIDs: ids, Duplicate: true}, nil
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("credit top-up %s: %w", c.ExternalID, err)
	}
	slog.Info("top-up credited", "external_id", c.ExternalID, "account_id", c.AccountID, "amount_cents", c.AmountCents)
	return Receipt{EntryIDs: ids}, nil
}

// Instruction asks the payment provider to send a payout.
type Instruction struct {
	WithdrawalID   string           `json:"withdrawal_id"`
	StreamerID     string           `json:"streamer_id"`
	NetAmountCents int64            `json:"net_amount_cents"`
	PixKey         string           `json:"pix_key"`
	PixKeyType     model.PixKeyType `json:"pix_key_type"`
}

// Dispatcher hands payout instructions to the payment provider.
type Dispatcher interface {
	Dispatch(ctx context.Context, in Instruction) error
}

// RoutingKeyPayoutRequested is the routing key of payout instructions.
const RoutingKeyPayoutRequested = "payout.requested"

// AMQPDispatcher publishes instructions to a RabbitMQ exchange.
type AMQPDispatcher struct {
	producer *events.Producer
	exchange string
}

// NewAMQPDispatcher creates a dispatcher publishing to exchange.
func NewAMQPDispatcher(p *events.Producer, exchange string) *AMQPDispatcher {
	return &AMQPDispatcher{producer: p, exchange: exchange}
}

func (d *AMQPDispatcher) Dispatch(ctx context.Context, in Instruction) error {
	if err := d.producer.Publish(ctx, d.exchange, RoutingKeyPayoutRequested, in); err != nil {
		return fmt.Errorf("publish payout %s: %w", in.WithdrawalID, err)
	}
	return nil
}

// LogDispatcher only logs instructions. Used in development.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(_ context.Context, in Instruction) error {
	slog.Info("payout instruction", "withdrawal_id", in.WithdrawalID, "net_amount_cents", in.NetAmountCents,
		"pix_key_type", in.PixKeyType)
	return nil
}
