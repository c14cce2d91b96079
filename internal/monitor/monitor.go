// internal/monitor/monitor.go
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rovshanmuradov/alpha-hunter/internal/events"
	"github.com/rovshanmuradov/alpha-hunter/internal/executor"
	"github.com/rovshanmuradov/alpha-hunter/internal/metrics"
	"github.com/rovshanmuradov/alpha-hunter/internal/position"
)

var (
	ErrTooManyPositions = errors.New("max open positions reached")
	ErrPendingSell      = errors.New("position has an unconfirmed sell")
)

// PriceSource returns the native price of one token, measured for the given
// quantity.
type PriceSource interface {
	Price(ctx context.Context, token common.Address, quantity decimal.Decimal) (decimal.Decimal, error)
}

// Seller executes and reconciles tier sells.
type Seller interface {
	Sell(ctx context.Context, pos *position.Position, fraction decimal.Decimal, maxSlippageBps int, hooks ...executor.SubmitHook) (*executor.SellResult, error)
	Reconcile(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Config tunes the monitor.
type Config struct {
	CheckInterval time.Duration
	SlippageBps   int
	MaxParallel   int
	MaxPositions  int
	// Dust is the remaining/total ratio at which a position closes.
	Dust decimal.Decimal
	// PendingExpiry drops a sell that has had no receipt for this long.
	PendingExpiry time.Duration
}

func DefaultConfig() Config {
	return Config{
		CheckInterval: 60 * time.Second,
		SlippageBps:   1500,
		MaxParallel:   4,
		MaxPositions:  5,
		Dust:          position.DefaultDust,
		PendingExpiry: time.Hour,
	}
}

// Monitor watches open positions and sells the take-profit ladder.
type Monitor struct {
	cfg       Config
	book      *position.Book
	prices    PriceSource
	seller    Seller
	publisher events.Publisher
	logger    *zap.Logger
	metrics   *metrics.Collector
	now       func() time.Time
}

func New(cfg Config, book *position.Book, prices PriceSource, seller Seller, pub events.Publisher, logger *zap.Logger, m *metrics.Collector) *Monitor {
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = def.MaxParallel
	}
	if cfg.Dust.IsZero() {
		cfg.Dust = def.Dust
	}
	if cfg.PendingExpiry <= 0 {
		cfg.PendingExpiry = def.PendingExpiry
	}
	if pub == nil {
		pub = events.Nop{}
	}

	return &Monitor{
		cfg:       cfg,
		book:      book,
		prices:    prices,
		seller:    seller,
		publisher: pub,
		logger:    logger.Named("monitor"),
		metrics:   m,
		now:       time.Now,
	}
}

// Add starts tracking a freshly bought position.
func (m *Monitor) Add(p *position.Position) error {
	if m.cfg.MaxPositions > 0 && m.book.ActiveCount() >= m.cfg.MaxPositions {
		return fmt.Errorf("%w (%d)", ErrTooManyPositions, m.cfg.MaxPositions)
	}
	if err := m.book.Add(p); err != nil {
		return err
	}
	m.metrics.SetOpenPositions(m.book.ActiveCount())

	m.logger.Info("Position added",
		zap.String("position_id", p.ID),
		zap.String("symbol", p.Symbol),
		zap.String("token", p.Token.Hex()),
		zap.String("quantity", p.TotalQuantity.String()),
		zap.String("entry_price", p.EntryPrice.String()))
	return nil
}

// Close stops monitoring a position without selling. Closing a closed
// position is a no-op.
func (m *Monitor) Close(id string) error {
	return m.book.With(id, func(p *position.Position, save func() error) error {
		if !p.Active() {
			return nil
		}
		if p.PendingSell != nil {
			return fmt.Errorf("%s: %w", id, ErrPendingSell)
		}

		p.Close(position.ReasonManual, m.now())
		if err := save(); err != nil {
			return err
		}
		m.closed(p)
		return nil
	})
}

// Positions returns snapshots of all known positions.
func (m *Monitor) Positions() []*position.Position {
	return m.book.Snapshot()
}

// Done reports whether no position has work left: every one is closed or has
// fired its whole ladder.
func (m *Monitor) Done() bool {
	for _, p := range m.book.Snapshot() {
		if p.NeedsAttention() {
			return false
		}
	}
	return true
}

// Run ticks every CheckInterval until ctx is cancelled or Done.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Position monitor started",
		zap.Duration("interval", m.cfg.CheckInterval),
		zap.Int("positions", len(m.book.ActiveIDs())))

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		if m.Done() {
			m.stopped("flat")
			return nil
		}
		if err := m.Tick(ctx); err != nil {
			m.logger.Error("Tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			m.stopped("cancelled")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Monitor) stopped(reason string) {
	m.logger.Info("Position monitor stopped", zap.String("reason", reason))
	m.LogSummary()
	m.publish(events.MonitoringStoppedEvent{
		BaseEvent: events.NewBase(events.MonitoringStopped),
		Reason:    reason,
	})
}

// Tick evaluates every active position once. Positions run in parallel; the
// tiers of one position run in sequence under its lock.
func (m *Monitor) Tick(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(m.cfg.MaxParallel)

	for _, id := range m.book.ActiveIDs() {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return m.evaluate(ctx, id)
		})
	}

	err := g.Wait()
	m.metrics.SetOpenPositions(m.book.ActiveCount())
	return err
}

func (m *Monitor) evaluate(ctx context.Context, id string) error {
	return m.book.With(id, func(p *position.Position, save func() error) error {
		if !p.NeedsAttention() {
			return nil
		}
		log := m.logger.With(zap.String("position_id", p.ID), zap.String("symbol", p.Symbol))

		if p.PendingSell != nil && !m.resolvePending(ctx, p, save, log) {
			return nil
		}
		if !p.Active() || p.TiersTriggered.Complete() {
			return nil
		}

		price, err := m.prices.Price(ctx, p.Token, p.RemainingQuantity)
		if err != nil {
			log.Warn("Price unavailable, skipping position this tick", zap.Error(err))
			return nil
		}
		log.Debug("Price checked",
			zap.String("price", price.String()),
			zap.String("multiple", p.Multiple(price).StringFixed(2)))

		for p.Active() && ctx.Err() == nil {
			rule, due := p.NextDue(price)
			if !due {
				break
			}
			if err := m.sellTier(ctx, p, rule, price, save, log); err != nil {
				break
			}
		}
		return nil
	})
}

// sellTier sells one tier and persists it before returning. A failed sell
// leaves the tier unrecorded.
func (m *Monitor) sellTier(ctx context.Context, p *position.Position, rule position.Rule, price decimal.Decimal, save func() error, log *zap.Logger) error {
	log.Info("Take-profit tier reached",
		zap.String("tier", rule.Tier.String()),
		zap.String("price", price.String()),
		zap.String("target", rule.Target(p.EntryPrice).String()),
		zap.String("sell_quantity", p.SellQuantity(rule).String()))

	// persisted at broadcast so a crash during confirmation is recoverable
	markPending := func(r executor.SellResult) {
		p.PendingSell = &position.PendingSell{
			Tier:           rule.Tier,
			Quantity:       r.Quantity,
			ExpectedNative: r.NativeReceived,
			Price:          r.Price,
			TxHash:         r.TxHash.Hex(),
			SubmittedAt:    m.now(),
		}
		if err := save(); err != nil {
			log.Error("Failed to persist pending sell", zap.Error(err))
		}
	}

	res, err := m.seller.Sell(ctx, p, rule.Fraction, m.cfg.SlippageBps, markPending)
	if err != nil {
		m.sellFailed(p, rule, err, save, log)
		return err
	}

	rec := position.SellRecord{
		Tier:           rule.Tier,
		Fraction:       rule.Fraction,
		Quantity:       res.Quantity,
		NativeReceived: res.NativeReceived,
		Price:          res.Price,
		TxHash:         res.TxHash.Hex(),
		ExecutedAt:     m.now(),
	}
	return m.apply(p, rec, save, log)
}

func (m *Monitor) sellFailed(p *position.Position, rule position.Rule, err error, save func() error, log *zap.Logger) {
	reason := "sell"
	if executor.IsReason(err, executor.ReasonTimeout) {
		// PendingSell stays set and is reconciled next tick
		reason = string(executor.ReasonTimeout)
		log.Warn("Sell unconfirmed, will reconcile", zap.String("tier", rule.Tier.String()), zap.Error(err))
	} else {
		if p.PendingSell != nil {
			p.PendingSell = nil
			if serr := save(); serr != nil {
				log.Error("Failed to clear pending sell", zap.Error(serr))
			}
		}
		log.Error("Tier sell failed", zap.String("tier", rule.Tier.String()), zap.Error(err))
	}

	// tokens moved out of the wallet; no tier can ever sell again
	if errors.Is(err, executor.ErrNoBalance) {
		reason = position.ReasonBalanceGone
		p.Close(position.ReasonBalanceGone, m.now())
		if serr := save(); serr != nil {
			log.Error("Failed to persist closed position", zap.Error(serr))
		} else {
			m.closed(p)
		}
	}

	hash, _ := executor.Submitted(err)
	m.publish(events.ExecutionFailedEvent{
		BaseEvent: events.NewBase(events.ExecutionFailed),
		Token:     p.Token.Hex(),
		Operation: "sell " + rule.Tier.String(),
		Reason:    reason,
		TxHash:    hashString(hash),
		Err:       err,
	})
}

// apply records a confirmed sell and persists it.
func (m *Monitor) apply(p *position.Position, rec position.SellRecord, save func() error, log *zap.Logger) error {
	if err := p.ApplySell(rec, m.cfg.Dust, m.now()); err != nil {
		log.Error("Cannot apply sell", zap.String("tx_hash", rec.TxHash), zap.Error(err))
		return err
	}
	if err := save(); err != nil {
		return err
	}

	m.metrics.RecordTierSell(rec.Tier.String())
	log.Info("Tier sold",
		zap.String("tier", rec.Tier.String()),
		zap.String("quantity", rec.Quantity.String()),
		zap.String("native", rec.NativeReceived.String()),
		zap.String("remaining", p.RemainingQuantity.String()),
		zap.String("tx_hash", rec.TxHash))

	m.publish(events.TierSoldEvent{
		BaseEvent:      events.NewBase(events.TierSold),
		Token:          p.Token.Hex(),
		Symbol:         p.Symbol,
		Tier:           rec.Tier.String(),
		Quantity:       rec.Quantity,
		NativeReceived: rec.NativeReceived,
		Price:          rec.Price,
		Remaining:      p.RemainingQuantity,
		TxHash:         rec.TxHash,
	})
	if !p.Active() {
		m.closed(p)
	}
	return nil
}

// resolvePending reconciles an earlier unconfirmed sell. It returns true when
// the position may be evaluated further this tick.
func (m *Monitor) resolvePending(ctx context.Context, p *position.Position, save func() error, log *zap.Logger) bool {
	ps := p.PendingSell
	hash := common.HexToHash(ps.TxHash)
	log = log.With(zap.String("tier", ps.Tier.String()), zap.String("tx_hash", ps.TxHash))

	_, err := m.seller.Reconcile(ctx, hash)
	switch {
	case err == nil:
		log.Info("Pending sell confirmed")
		rule, _ := position.RuleFor(ps.Tier)
		rec := position.SellRecord{
			Tier:           ps.Tier,
			Fraction:       rule.Fraction,
			Quantity:       ps.Quantity,
			NativeReceived: ps.ExpectedNative,
			Price:          ps.Price,
			TxHash:         ps.TxHash,
			ExecutedAt:     m.now(),
		}
		return m.apply(p, rec, save, log) == nil

	case executor.IsReason(err, executor.ReasonRejected):
		log.Warn("Pending sell reverted, tier stays open")
		return m.clearPending(p, save, log)

	case errors.Is(err, executor.ErrStillPending):
		if m.now().Sub(ps.SubmittedAt) > m.cfg.PendingExpiry {
			log.Warn("Pending sell dropped after expiry", zap.Duration("age", m.now().Sub(ps.SubmittedAt)))
			return m.clearPending(p, save, log)
		}
		log.Info("Sell still pending, skipping position this tick")
		return false

	default:
		log.Warn("Reconcile failed", zap.Error(err))
		return false
	}
}

func (m *Monitor) clearPending(p *position.Position, save func() error, log *zap.Logger) bool {
	p.PendingSell = nil
	if err := save(); err != nil {
		log.Error("Failed to clear pending sell", zap.Error(err))
		return false
	}
	return true
}

func (m *Monitor) closed(p *position.Position) {
	m.logger.Info("Position closed",
		zap.String("position_id", p.ID),
		zap.String("symbol", p.Symbol),
		zap.String("reason", p.CloseReason),
		zap.String("realized", p.Realized().String()))
	m.publish(events.PositionClosedEvent{
		BaseEvent: events.NewBase(events.PositionClosed),
		Token:     p.Token.Hex(),
		Reason:    p.CloseReason,
		Realized:  p.Realized(),
	})
}

func (m *Monitor) publish(e events.Event) {
	if err := m.publisher.Publish(e); err != nil {
		m.logger.Debug("Event not published", zap.String("event_type", string(e.Type())), zap.Error(err))
	}
}

func hashString(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
