// Package events publishes domain notifications to downstream consumers.
//
// Delivery is best effort: publishers report errors, but domain operations
// log them and carry on.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	CallEnded           = "call.ended"
	WithdrawalRequested = "withdrawal.requested"
	WithdrawalCompleted = "withdrawal.completed"
	PaymentFailed       = "payment.failed"
)

// Event is one notification. Accounts lists the account ids the event
// concerns; WebSocket clients only receive events for their account.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Accounts   []string  `json:"accounts"`
	Payload    any       `json:"payload"`
	OccurredAt time.Time `json:"occurred_at"`
}

// New builds an event with a fresh id and timestamp.
func New(eventType string, payload any, accounts ...string) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Accounts:   accounts,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Multi fans an event out to several publishers. Every publisher is tried;
// the joined error of the failures is returned.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes events to a structured logger. Used when no broker is configured.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Publish(_ context.Context, e Event) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("event", "id", e.ID, "type", e.Type, "accounts", e.Accounts)
	return nil
}

// Emit publishes e and logs a failure instead of returning it.
func Emit(ctx context.Context, p Publisher, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		slog.Warn("event delivery failed", "type", e.Type, "id", e.ID, "err", err)
	}
}
