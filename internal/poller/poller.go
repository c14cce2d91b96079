// internal/poller/poller.go
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/alpha-hunter/internal/blockchain"
	"github.com/rovshanmuradov/alpha-hunter/internal/blockchain/rpc"
	"github.com/rovshanmuradov/alpha-hunter/internal/events"
	"github.com/rovshanmuradov/alpha-hunter/internal/executor"
	"github.com/rovshanmuradov/alpha-hunter/internal/metrics"
	"github.com/rovshanmuradov/alpha-hunter/internal/position"
	"github.com/rovshanmuradov/alpha-hunter/internal/quote"
)

// State of the liquidity poller.
type State string

const (
	StateWaiting     State = "WAITING"
	StateBuying      State = "BUYING"
	StateReconciling State = "RECONCILING"
	StateDone        State = "DONE"
	StateStopped     State = "STOPPED"
	StateFailed      State = "FAILED"
)

// ErrOutcomeUnknown is returned when a timed-out buy could not be
// reconciled. Buying again could double the position, so the poller stops.
var ErrOutcomeUnknown = errors.New("buy outcome unknown")

// Quoter fetches executable quotes.
type Quoter interface {
	GetQuote(ctx context.Context, req quote.Request) (*quote.Quote, error)
}

// Buyer executes and reconciles buys.
type Buyer interface {
	BuyWithQuote(ctx context.Context, q *quote.Quote, maxSlippageBps int) (*position.Position, error)
	Reconcile(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	PositionFromTx(ctx context.Context, q *quote.Quote, hash common.Hash) (*position.Position, error)
}

// Config describes one hunt.
type Config struct {
	Token       common.Address
	Symbol      string
	NativeToken common.Address
	AmountIn    decimal.Decimal
	SlippageBps int

	Interval      time.Duration
	MaxBackoff    time.Duration
	QuoteValidity time.Duration
	// WaitForLiquidity=false gives up after the first empty answer.
	WaitForLiquidity bool

	ReconcileInterval time.Duration
	ReconcileAttempts int
}

// Poller polls the aggregator until the token becomes tradeable, then buys
// exactly once.
type Poller struct {
	cfg       Config
	quoter    Quoter
	buyer     Buyer
	publisher events.Publisher
	logger    *zap.Logger
	metrics   *metrics.Collector

	sleep         func(ctx context.Context, d time.Duration) error
	now           func() time.Time
	onStateChange func(from, to State)

	mu       sync.Mutex
	state    State
	attempts int
}

type Option func(*Poller)

func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Poller) { p.sleep = sleep }
}

func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// OnStateChange registers a hook called on every transition.
func OnStateChange(fn func(from, to State)) Option {
	return func(p *Poller) { p.onStateChange = fn }
}

func New(cfg Config, quoter Quoter, buyer Buyer, pub events.Publisher, logger *zap.Logger, m *metrics.Collector, opts ...Option) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = 10 * cfg.Interval
	}
	if cfg.QuoteValidity <= 0 {
		cfg.QuoteValidity = 5 * time.Second
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 10 * time.Second
	}
	if cfg.ReconcileAttempts <= 0 {
		cfg.ReconcileAttempts = 30
	}
	if pub == nil {
		pub = events.Nop{}
	}

	p := &Poller{
		cfg:       cfg,
		quoter:    quoter,
		buyer:     buyer,
		publisher: pub,
		logger:    logger.Named("poller").With(zap.String("token", cfg.Token.Hex()), zap.String("symbol", cfg.Symbol)),
		metrics:   m,
		sleep:     sleepContext,
		now:       time.Now,
		state:     StateWaiting,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the current state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Attempts returns the number of quote polls so far.
func (p *Poller) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func (p *Poller) setState(to State) {
	p.mu.Lock()
	from := p.state
	p.state = to
	p.mu.Unlock()

	if from == to {
		return
	}
	p.logger.Info("Poller state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	p.publish(events.PollerStateChangedEvent{
		BaseEvent: events.NewBase(events.PollerStateChanged),
		Token:     p.cfg.Token.Hex(),
		From:      string(from),
		To:        string(to),
	})
	if p.onStateChange != nil {
		p.onStateChange(from, to)
	}
}

func (p *Poller) publish(e events.Event) {
	if err := p.publisher.Publish(e); err != nil {
		p.logger.Debug("Event not published", zap.String("event_type", string(e.Type())), zap.Error(err))
	}
}

func (p *Poller) request() quote.Request {
	return quote.Request{
		TokenIn:     p.cfg.NativeToken,
		TokenOut:    p.cfg.Token,
		AmountIn:    blockchain.ToBaseUnits(p.cfg.AmountIn, blockchain.NativeDecimals),
		SlippageBps: p.cfg.SlippageBps,
	}
}

// Run polls until a buy is confirmed, a definite failure occurs or ctx is
// cancelled. There is no overall deadline.
func (p *Poller) Run(ctx context.Context) (*position.Position, error) {
	p.logger.Info("Waiting for liquidity",
		zap.String("amount_in", p.cfg.AmountIn.String()),
		zap.Int("slippage_bps", p.cfg.SlippageBps),
		zap.Duration("interval", p.cfg.Interval),
		zap.Bool("wait_for_liquidity", p.cfg.WaitForLiquidity))

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			p.setState(StateStopped)
			return nil, err
		}

		p.mu.Lock()
		p.attempts++
		attempt := p.attempts
		p.mu.Unlock()
		p.metrics.IncPollAttempts()

		q, err := p.quoter.GetQuote(ctx, p.request())
		var wait time.Duration
		switch {
		case err == nil:
			failures = 0
			p.logger.Info("Liquidity detected",
				zap.Int("attempt", attempt),
				zap.String("expected_out", q.OutputAmount.String()),
				zap.String("tool", q.Tool))
			p.publish(events.LiquidityDetectedEvent{
				BaseEvent: events.NewBase(events.LiquidityDetected),
				Token:     p.cfg.Token.Hex(),
				AmountIn:  q.InputAmount.String(),
				AmountOut: q.OutputAmount.String(),
				Attempts:  attempt,
			})

			pos, done, err := p.buy(ctx, q)
			if done {
				return pos, err
			}
			p.logger.Warn("Buy attempt failed, back to waiting", zap.Error(err))
			p.setState(StateWaiting)
			failures++
			wait = p.backoff(failures)

		case errors.Is(err, quote.ErrNoRoute):
			if !p.cfg.WaitForLiquidity {
				p.fail("no route", err)
				return nil, err
			}
			p.logger.Info("No route yet", zap.Int("attempt", attempt), zap.Duration("retry_in", p.cfg.Interval))
			wait = p.cfg.Interval

		case ctx.Err() != nil:
			p.setState(StateStopped)
			return nil, ctx.Err()

		case errors.Is(err, rpc.ErrPoolExhausted):
			// the pool already waited MaxExhaustedRetries cool-downs
			p.fail("rpc pool exhausted", err)
			return nil, err

		default:
			failures++
			wait = p.backoff(failures)
			p.logger.Warn("Quote failed",
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", wait),
				zap.Error(err))
		}

		if err := p.sleep(ctx, wait); err != nil {
			p.setState(StateStopped)
			return nil, err
		}
	}
}

// buy runs the BUYING phase. done=false sends the poller back to waiting.
func (p *Poller) buy(ctx context.Context, q *quote.Quote) (pos *position.Position, done bool, err error) {
	p.setState(StateBuying)

	if !q.Fresh(p.now(), p.cfg.QuoteValidity) {
		p.logger.Debug("Quote expired, refreshing", zap.Duration("age", q.Age(p.now())))
		if q, err = p.quoter.GetQuote(ctx, p.request()); err != nil {
			if ctx.Err() != nil {
				p.setState(StateStopped)
				return nil, true, ctx.Err()
			}
			return nil, false, fmt.Errorf("refresh quote: %w", err)
		}
	}

	pos, err = p.buyer.BuyWithQuote(ctx, q, p.cfg.SlippageBps)
	switch {
	case err == nil:
		return p.opened(pos), true, nil

	case executor.IsReason(err, executor.ReasonTimeout):
		hash, _ := executor.Submitted(err)
		pos, err = p.reconcile(ctx, q, hash)
		if err != nil {
			p.fail("unconfirmed", err)
			return nil, true, err
		}
		return p.opened(pos), true, nil

	case executor.IsReason(err, executor.ReasonRejected), executor.IsReason(err, executor.ReasonInsufficientFunds):
		p.fail("execution", err)
		return nil, true, err

	case ctx.Err() != nil:
		// submit turns any send that may have left into a timeout with a
		// hash, so nothing is in flight here
		p.setState(StateStopped)
		return nil, true, ctx.Err()
	}
	return nil, false, err
}

func (p *Poller) reconcile(ctx context.Context, q *quote.Quote, hash common.Hash) (*position.Position, error) {
	p.setState(StateReconciling)
	rctx := context.WithoutCancel(ctx)

	for i := 1; i <= p.cfg.ReconcileAttempts; i++ {
		_, err := p.buyer.Reconcile(rctx, hash)
		switch {
		case err == nil:
			p.logger.Info("Timed-out buy confirmed on reconcile", zap.String("tx_hash", hash.Hex()))
			return p.buyer.PositionFromTx(rctx, q, hash)
		case executor.IsReason(err, executor.ReasonRejected):
			return nil, err
		case !errors.Is(err, executor.ErrStillPending):
			p.logger.Warn("Reconcile lookup failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		}
		if i < p.cfg.ReconcileAttempts {
			if err := p.sleep(rctx, p.cfg.ReconcileInterval); err != nil {
				return nil, err
			}
		}
	}
	return nil, &executor.ExecutionError{Reason: executor.ReasonTimeout, TxHash: hash, Err: ErrOutcomeUnknown}
}

func (p *Poller) opened(pos *position.Position) *position.Position {
	pos.Symbol = p.cfg.Symbol
	p.setState(StateDone)
	p.publish(events.PositionOpenedEvent{
		BaseEvent:  events.NewBase(events.PositionOpened),
		Token:      pos.Token.Hex(),
		Symbol:     pos.Symbol,
		Quantity:   pos.TotalQuantity,
		EntryPrice: pos.EntryPrice,
		Invested:   pos.InvestedNative,
		TxHash:     pos.BuyTx,
	})
	return pos
}

func (p *Poller) fail(reason string, err error) {
	p.logger.Error("Hunt failed", zap.String("reason", reason), zap.Error(err))
	hash, _ := executor.Submitted(err)
	p.publish(events.ExecutionFailedEvent{
		BaseEvent: events.NewBase(events.ExecutionFailed),
		Token:     p.cfg.Token.Hex(),
		Operation: "buy",
		Reason:    reason,
		TxHash:    txHashString(hash),
		Err:       err,
	})
	p.setState(StateFailed)
}

// backoff doubles the interval per consecutive failure, capped at MaxBackoff.
func (p *Poller) backoff(failures int) time.Duration {
	d := p.cfg.Interval
	for i := 0; i < failures && d < p.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.cfg.MaxBackoff {
		d = p.cfg.MaxBackoff
	}
	return d
}

func txHashString(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
