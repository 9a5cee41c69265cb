package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type names a domain event.
type Type string

const (
	PoolReady           Type = "pool.ready"
	CycleScheduled      Type = "cycle.scheduled"
	CycleActivated      Type = "cycle.activated"
	CycleProcessing     Type = "cycle.processing"
	CycleCompleted      Type = "cycle.completed"
	SettlementFailed    Type = "settlement.failed"
	CertificateIssued   Type = "certificate.issued"
	CertificateRevoked  Type = "certificate.revoked"
	UnitAdmitted        Type = "unit.admitted"
	CommodityRevaluated Type = "commodity.revalued"
)

// Event is published after the transaction that produced it has committed.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Type       Type           `json:"type"`
	PoolID     uuid.UUID      `json:"pool_id,omitempty"`
	CycleID    uuid.UUID      `json:"cycle_id,omitempty"`
	UnitID     uuid.UUID      `json:"unit_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type Handler func(ctx context.Context, e Event) error

// Publisher is what domain services depend on.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Bus delivers events synchronously to subscribers in registration order.
// A failing or panicking subscriber is logged and does not stop delivery.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	all      []Handler
	logger   *zap.Logger
}

// NewBus creates a new event bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[Type][]Handler),
		logger:   logger,
	}
}

// Subscribe registers h for events of type t
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish runs every subscriber in order. Handler errors are logged, not returned.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[e.Type])+len(b.all))
	hs = append(hs, b.handlers[e.Type]...)
	hs = append(hs, b.all...)
	b.mu.RUnlock()

	for _, h := range hs {
		if err := b.dispatch(ctx, h, e); err != nil {
			b.logger.Error("Event handler failed",
				zap.String("event_type", string(e.Type)),
				zap.String("pool_id", e.PoolID.String()),
				zap.String("cycle_id", e.CycleID.String()),
				zap.Error(err))
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, e)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
