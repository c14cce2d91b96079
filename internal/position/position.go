// internal/position/position.go
package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status of a position.
type Status string

const (
	StatusOpen            Status = "OPEN"
	StatusPartiallyClosed Status = "PARTIALLY_CLOSED"
	StatusClosed          Status = "CLOSED"
)

// Close reasons.
const (
	ReasonDust   = "dust"
	ReasonManual = "manual"
	// ReasonBalanceGone: the wallet no longer holds the token.
	ReasonBalanceGone = "balance_gone"
)

var (
	ErrClosed        = errors.New("position is closed")
	ErrTierTriggered = errors.New("tier already triggered")
	ErrOversell      = errors.New("sell quantity exceeds remaining quantity")
)

// DefaultDust is the remaining/total ratio at or below which a position is
// considered fully sold.
var DefaultDust = decimal.New(1, -6)

// SellRecord is one confirmed tier sell.
type SellRecord struct {
	Tier           Tier            `json:"tier"`
	Fraction       decimal.Decimal `json:"fraction"`
	Quantity       decimal.Decimal `json:"quantity"`
	NativeReceived decimal.Decimal `json:"native_received"`
	Price          decimal.Decimal `json:"price"`
	TxHash         string          `json:"tx_hash"`
	ExecutedAt     time.Time       `json:"executed_at"`
}

// PendingSell marks a submitted sell whose outcome is not yet known. While
// set, no new sell may be submitted for the position.
type PendingSell struct {
	Tier           Tier            `json:"tier"`
	Quantity       decimal.Decimal `json:"quantity"`
	ExpectedNative decimal.Decimal `json:"expected_native"`
	Price          decimal.Decimal `json:"price"`
	TxHash         string          `json:"tx_hash"`
	SubmittedAt    time.Time       `json:"submitted_at"`
}

// Position is a held token bought by the hunter.
type Position struct {
	ID                string          `json:"id"`
	Token             common.Address  `json:"token"`
	Symbol            string          `json:"symbol"`
	Decimals          uint8           `json:"decimals"`
	EntryPrice        decimal.Decimal `json:"entry_price"`
	InvestedNative    decimal.Decimal `json:"invested_native"`
	TotalQuantity     decimal.Decimal `json:"total_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	TiersTriggered    TierSet         `json:"tiers_triggered"`
	Sells             []SellRecord    `json:"sells"`
	PendingSell       *PendingSell    `json:"pending_sell,omitempty"`
	Status            Status          `json:"status"`
	BuyTx             string          `json:"buy_tx"`
	OpenedAt          time.Time       `json:"opened_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`
	CloseReason       string          `json:"close_reason,omitempty"`
}

// New opens a position from a confirmed buy. The entry price is the native
// amount spent per token received.
func New(token common.Address, symbol string, decimals uint8, invested, quantity decimal.Decimal, buyTx string, now time.Time) (*Position, error) {
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("quantity must be positive, got %s", quantity)
	}
	if !invested.IsPositive() {
		return nil, fmt.Errorf("invested amount must be positive, got %s", invested)
	}

	return &Position{
		ID:                uuid.New().String(),
		Token:             token,
		Symbol:            symbol,
		Decimals:          decimals,
		EntryPrice:        invested.Div(quantity),
		InvestedNative:    invested,
		TotalQuantity:     quantity,
		RemainingQuantity: quantity,
		Sells:             []SellRecord{},
		Status:            StatusOpen,
		BuyTx:             buyTx,
		OpenedAt:          now,
		UpdatedAt:         now,
	}, nil
}

// Active reports whether the monitor still owns the position.
func (p *Position) Active() bool {
	return p.Status == StatusOpen || p.Status == StatusPartiallyClosed
}

// NeedsAttention reports whether a tick has anything to do: a pending sell to
// reconcile or a tier that has not fired yet.
func (p *Position) NeedsAttention() bool {
	return p.Active() && (p.PendingSell != nil || !p.TiersTriggered.Complete())
}

// Multiple is price relative to the entry price.
func (p *Position) Multiple(price decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return price.Div(p.EntryPrice)
}

// NextDue returns the lowest untriggered tier if price has reached it. A tier
// that is not reached blocks every tier above it.
func (p *Position) NextDue(price decimal.Decimal) (Rule, bool) {
	for _, r := range Rules {
		if p.TiersTriggered.Has(r.Tier) {
			continue
		}
		if price.GreaterThanOrEqual(r.Target(p.EntryPrice)) {
			return r, true
		}
		return Rule{}, false
	}
	return Rule{}, false
}

// SellQuantity is the amount a rule sells out of the current remainder.
func (p *Position) SellQuantity(r Rule) decimal.Decimal {
	return p.RemainingQuantity.Mul(r.Fraction)
}

// ApplySell records a confirmed tier sell. dust is the remaining/total ratio
// at which the position closes.
func (p *Position) ApplySell(rec SellRecord, dust decimal.Decimal, now time.Time) error {
	if p.Status == StatusClosed {
		return ErrClosed
	}
	if p.TiersTriggered.Has(rec.Tier) {
		return fmt.Errorf("%s: %w", rec.Tier, ErrTierTriggered)
	}
	if rec.Quantity.GreaterThan(p.RemainingQuantity) {
		return fmt.Errorf("sell %s of %s: %w", rec.Quantity, p.RemainingQuantity, ErrOversell)
	}

	p.RemainingQuantity = p.RemainingQuantity.Sub(rec.Quantity)
	p.TiersTriggered = p.TiersTriggered.With(rec.Tier)
	p.Sells = append(p.Sells, rec)
	p.PendingSell = nil
	p.Status = StatusPartiallyClosed
	p.UpdatedAt = now

	if p.RemainingQuantity.LessThanOrEqual(p.TotalQuantity.Mul(dust)) {
		p.Close(ReasonDust, now)
	}
	return nil
}

// Close stops monitoring without selling.
func (p *Position) Close(reason string, now time.Time) {
	p.Status = StatusClosed
	p.CloseReason = reason
	p.UpdatedAt = now
	closed := now
	p.ClosedAt = &closed
}

// Realized sums native received from all sells.
func (p *Position) Realized() decimal.Decimal {
	total := decimal.Zero
	for _, s := range p.Sells {
		total = total.Add(s.NativeReceived)
	}
	return total
}

// SoldFraction is the share of the original quantity already sold.
func (p *Position) SoldFraction() decimal.Decimal {
	if p.TotalQuantity.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).Sub(p.RemainingQuantity.Div(p.TotalQuantity))
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	c := *p
	c.Sells = append([]SellRecord{}, p.Sells...)
	if p.PendingSell != nil {
		ps := *p.PendingSell
		c.PendingSell = &ps
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}
