// Package call owns the lifecycle of a paid call:
// requested → active → ended, with requested → ended for rejections and
// timeouts. Ended is terminal and every call ends exactly once.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tempocall/billing-engine/internal/events"
	"github.com/tempocall/billing-engine/internal/metrics"
	"github.com/tempocall/billing-engine/internal/model"
	"github.com/tempocall/billing-engine/internal/store"
)

var (
	ErrNotFound          = store.ErrNotFound
	ErrCallEnded         = errors.New("call: already ended")
	ErrInvalidTransition = errors.New("call: invalid state transition")
	ErrInvalidRequest    = errors.New("call: invalid request")
)

var transitions = map[model.CallState][]model.CallState{
	model.CallRequested: {model.CallActive, model.CallEnded},
	model.CallActive:    {model.CallEnded},
}

// CanTransition reports whether a call may move from one state to another.
func CanTransition(from, to model.CallState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Meter is the billing side of an active call.
type Meter interface {
	Start(c model.Call)
	Finish(ctx context.Context, callID string, now time.Time, reason string) string
}

// Service drives call state transitions.
type Service struct {
	store  store.Store
	meter  Meter
	events events.Publisher
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a call service. pub may be nil.
func NewService(st store.Store, meter Meter, pub events.Publisher, opts ...Option) *Service {
	s := &Service{store: st, meter: meter, events: pub, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request creates a call in the requested state.
func (s *Service) Request(ctx context.Context, viewerID, streamerID string, pricePerMinuteCents int64) (*model.Call, error) {
	switch {
	case viewerID == "" || streamerID == "":
		return nil, fmt.Errorf("%w: viewer_id and streamer_id are required", ErrInvalidRequest)
	case viewerID == streamerID:
		return nil, fmt.Errorf("%w: viewer and streamer must differ", ErrInvalidRequest)
	case pricePerMinuteCents <= 0:
		return nil, fmt.Errorf("%w: price_per_minute_cents must be positive", ErrInvalidRequest)
	}

	c := &model.Call{
		ID:                  uuid.New().String(),
		ViewerID:            viewerID,
		StreamerID:          streamerID,
		PricePerMinuteCents: pricePerMinuteCents,
		State:               model.CallRequested,
		CreatedAt:           s.now().UTC(),
	}
	if err := s.store.CreateCall(ctx, c); err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}
	slog.Info("call requested", "call_id", c.ID, "viewer_id", viewerID, "streamer_id", streamerID,
		"price_per_minute_cents", pricePerMinuteCents)
	return c, nil
}

// Get returns a call by id.
func (s *Service) Get(ctx context.Context, id string) (*model.Call, error) {
	return s.store.GetCall(ctx, id)
}

// Accept activates a requested call and starts metering it.
func (s *Service) Accept(ctx context.Context, id string) (*model.Call, error) {
	c, err := s.store.GetCall(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(c.State, model.CallActive); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if err := s.store.ActivateCall(ctx, id, now); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			return nil, s.staleError(ctx, id, model.CallActive)
		}
		return nil, fmt.Errorf("activate call %s: %w", id, err)
	}

	c, err = s.store.GetCall(ctx, id)
	if err != nil {
		return nil, err
	}
	s.meter.Start(*c)
	slog.Info("call accepted", "call_id", id)
	return c, nil
}

// Reject ends a requested call with reason rejected.
func (s *Service) Reject(ctx context.Context, id string) (*model.Call, error) {
	c, err := s.store.GetCall(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.State != model.CallRequested {
		if c.State == model.CallEnded {
			return nil, ErrCallEnded
		}
		return nil, fmt.Errorf("%w: cannot reject a %s call", ErrInvalidTransition, c.State)
	}
	return s.End(ctx, id, model.EndRejected)
}

// End moves a call to ended. An active call is settled by the meter first,
// which may replace the reason with insufficient_balance. A call that is
// already ended returns ErrCallEnded.
func (s *Service) End(ctx context.Context, id, reason string) (*model.Call, error) {
	c, err := s.store.GetCall(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(c.State, model.CallEnded); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if c.State == model.CallActive {
		reason = s.meter.Finish(ctx, id, now, reason)
	}

	var elapsed int64
	if c.StartedAt != nil {
		elapsed = int64(now.Sub(*c.StartedAt) / time.Second)
	}
	if err := s.store.EndCall(ctx, id, now, reason, elapsed); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			return nil, ErrCallEnded
		}
		return nil, fmt.Errorf("end call %s: %w", id, err)
	}

	ended, err := s.store.GetCall(ctx, id)
	if err != nil {
		return nil, err
	}
	metrics.CallsEnded.WithLabelValues(reason).Inc()
	slog.Info("call ended", "call_id", id, "reason", reason,
		"elapsed_seconds", ended.ElapsedSeconds, "total_charged_cents", ended.TotalChargedCents)
	events.Emit(ctx, s.events, events.New(events.CallEnded, ended, ended.ViewerID, ended.StreamerID))
	return ended, nil
}

func checkTransition(from, to model.CallState) error {
	if from == model.CallEnded {
		return ErrCallEnded
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func (s *Service) staleError(ctx context.Context, id string, to model.CallState) error {
	c, err := s.store.GetCall(ctx, id)
	if err != nil {
		return err
	}
	if err := checkTransition(c.State, to); err != nil {
		return err
	}
	return fmt.Errorf("%w: call %s changed concurrently", ErrInvalidTransition, id)
}
