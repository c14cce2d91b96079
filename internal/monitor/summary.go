package monitor

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/alpha-hunter/internal/position"
)

// PositionSummary is the performance of one position.
type PositionSummary struct {
	ID           string
	Symbol       string
	Token        string
	Status       position.Status
	Tiers        string
	Invested     decimal.Decimal
	Realized     decimal.Decimal
	Remaining    decimal.Decimal
	SoldFraction decimal.Decimal
}

// Summary aggregates all positions.
type Summary struct {
	Positions     []PositionSummary
	Open          int
	Closed        int
	TotalInvested decimal.Decimal
	TotalRealized decimal.Decimal
}

// Summary builds a report from the committed positions.
func (m *Monitor) Summary() Summary {
	s := Summary{TotalInvested: decimal.Zero, TotalRealized: decimal.Zero}
	for _, p := range m.book.Snapshot() {
		ps := PositionSummary{
			ID:           p.ID,
			Symbol:       p.Symbol,
			Token:        p.Token.Hex(),
			Status:       p.Status,
			Tiers:        p.TiersTriggered.String(),
			Invested:     p.InvestedNative,
			Realized:     p.Realized(),
			Remaining:    p.RemainingQuantity,
			SoldFraction: p.SoldFraction(),
		}
		s.Positions = append(s.Positions, ps)

		if p.Active() {
			s.Open++
		} else {
			s.Closed++
		}
		s.TotalInvested = s.TotalInvested.Add(ps.Invested)
		s.TotalRealized = s.TotalRealized.Add(ps.Realized)
	}
	return s
}

// LogSummary writes the summary to the log.
func (m *Monitor) LogSummary() {
	s := m.Summary()
	for _, ps := range s.Positions {
		m.logger.Info("Position summary",
			zap.String("position_id", ps.ID),
			zap.String("symbol", ps.Symbol),
			zap.String("status", string(ps.Status)),
			zap.String("tiers", ps.Tiers),
			zap.String("invested", ps.Invested.String()),
			zap.String("realized", ps.Realized.String()),
			zap.String("remaining", ps.Remaining.String()),
			zap.String("sold", ps.SoldFraction.Mul(decimal.NewFromInt(100)).StringFixed(1)+"%"))
	}
	m.logger.Info("Portfolio summary",
		zap.Int("open", s.Open),
		zap.Int("closed", s.Closed),
		zap.String("invested", s.TotalInvested.String()),
		zap.String("realized", s.TotalRealized.String()))
}
