// internal/events/types.go
package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EventType represents the type of event.
type EventType string

const (
	LiquidityDetected  EventType = "liquidity.detected"
	PollerStateChanged EventType = "poller.state_changed"
	PositionOpened     EventType = "position.opened"
	TierSold           EventType = "position.tier_sold"
	PositionClosed     EventType = "position.closed"
	ExecutionFailed    EventType = "execution.failed"
	MonitoringStopped  EventType = "monitoring.stopped"
)

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	EventType EventType
	EventTime time.Time
}

// NewBase stamps an event of type t with the current time.
func NewBase(t EventType) BaseEvent {
	return BaseEvent{EventType: t, EventTime: time.Now()}
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.EventTime }

// LiquidityDetectedEvent is emitted when the first executable route appears.
type LiquidityDetectedEvent struct {
	BaseEvent
	Token     string
	AmountIn  string
	AmountOut string
	Attempts  int
}

// PollerStateChangedEvent tracks liquidity poller transitions.
type PollerStateChangedEvent struct {
	BaseEvent
	Token string
	From  string
	To    string
}

// PositionOpenedEvent is emitted after a confirmed buy.
type PositionOpenedEvent struct {
	BaseEvent
	Token      string
	Symbol     string
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	Invested   decimal.Decimal
	TxHash     string
}

// TierSoldEvent is emitted after a confirmed tier sell.
type TierSoldEvent struct {
	BaseEvent
	Token          string
	Symbol         string
	Tier           string
	Quantity       decimal.Decimal
	NativeReceived decimal.Decimal
	Price          decimal.Decimal
	Remaining      decimal.Decimal
	TxHash         string
}

// PositionClosedEvent is emitted when a position stops being monitored.
type PositionClosedEvent struct {
	BaseEvent
	Token    string
	Reason   string // "dust", "manual", "balance_gone"
	Realized decimal.Decimal
}

// ExecutionFailedEvent is emitted when a buy or sell fails.
type ExecutionFailedEvent struct {
	BaseEvent
	Token     string
	Operation string
	Reason    string
	TxHash    string
	Err       error
}

// MonitoringStoppedEvent is emitted when the position monitor exits.
type MonitoringStoppedEvent struct {
	BaseEvent
	Reason string // "flat", "cancelled"
}

// Handler processes events of a specific type.
type Handler interface {
	// Handle processes an event. Should not block.
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle calls f(ctx, event).
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Subscription represents a subscription to events.
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	id  string
	bus *Bus
	typ EventType
}

func (s *subscription) Unsubscribe() {
	s.bus.unsubscribe(s.id, s.typ)
}

// Publisher is the sending side of the bus used by trading components.
type Publisher interface {
	Publish(event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) error { return nil }
