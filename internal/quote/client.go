// internal/quote/client.go
package quote

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dgraph-io/ristretto"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/alpha-hunter/internal/aggregator"
	"github.com/rovshanmuradov/alpha-hunter/internal/blockchain"
	"github.com/rovshanmuradov/alpha-hunter/internal/metrics"
	"github.com/rovshanmuradov/alpha-hunter/internal/ratelimit"
)

// Config tunes the quote client.
type Config struct {
	ChainID         int64
	Wallet          common.Address
	NativeToken     common.Address
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	CacheTTL        time.Duration
	PriceSlippage   int
}

// DefaultConfig returns retry settings close to the provider's guidance.
func DefaultConfig() Config {
	return Config{
		ChainID:         56,
		MaxRetries:      5,
		InitialInterval: 2 * time.Second,
		MaxInterval:     time.Minute,
		CacheTTL:        15 * time.Second,
		PriceSlippage:   100,
	}
}

// Client fetches quotes through the aggregator with pacing, retries and a
// short-lived cache for price reads.
type Client struct {
	cfg     Config
	agg     Aggregator
	nodes   NodeSource
	limiter Limiter
	tokens  TokenInfo
	cache   *ristretto.Cache
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewClient creates a quote client.
func NewClient(cfg Config, agg Aggregator, nodes NodeSource, limiter Limiter, tokens TokenInfo, logger *zap.Logger, m *metrics.Collector) (*Client, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create quote cache: %w", err)
	}

	return &Client{
		cfg:     cfg,
		agg:     agg,
		nodes:   nodes,
		limiter: limiter,
		tokens:  tokens,
		cache:   cache,
		logger:  logger.Named("quote"),
		metrics: m,
		now:     time.Now,
	}, nil
}

// Close releases the cache.
func (c *Client) Close() {
	c.cache.Close()
}

// GetQuote returns the best route for req. ErrNoRoute is returned as soon as
// the provider says there is no liquidity; transient failures are retried
// with jittered exponential backoff and end in *ProviderError.
func (c *Client) GetQuote(ctx context.Context, req Request) (*Quote, error) {
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
		return nil, fmt.Errorf("quote amount must be positive")
	}

	key := req.cacheKey()
	if req.UseCache && c.cfg.CacheTTL > 0 {
		if v, ok := c.cache.Get(key); ok {
			c.metrics.RecordQuote("cache_hit")
			return v.(*Quote), nil
		}
	}

	// маршрут исполняется на цепочке, без живой ноды котировка бесполезна
	if _, err := c.nodes.WaitAvailable(ctx); err != nil {
		return nil, err
	}

	aggReq := aggregator.Request{
		ChainID:     c.cfg.ChainID,
		FromToken:   req.TokenIn,
		ToToken:     req.TokenOut,
		FromAmount:  req.AmountIn,
		FromAddress: c.cfg.Wallet,
		SlippageBps: req.SlippageBps,
	}

	attempts := 0
	operation := func() (*aggregator.Response, error) {
		attempts++
		if err := c.limiter.Admit(ctx, ratelimit.CategoryQuote); err != nil {
			return nil, backoff.Permanent(err)
		}

		resp, err := c.agg.Quote(ctx, aggReq)
		switch {
		case err == nil:
			c.limiter.RecordSuccess(ratelimit.CategoryQuote)
			return resp, nil
		case errors.Is(err, aggregator.ErrNoRoute):
			c.limiter.RecordSuccess(ratelimit.CategoryQuote)
			return nil, backoff.Permanent(err)
		case ctx.Err() != nil:
			return nil, backoff.Permanent(ctx.Err())
		case errors.Is(err, aggregator.ErrThrottled), errors.Is(err, aggregator.ErrTransient):
			c.limiter.RecordFailure(ratelimit.CategoryQuote)
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialInterval
	policy.MaxInterval = c.cfg.MaxInterval
	policy.RandomizationFactor = 0.5

	notify := func(err error, d time.Duration) {
		c.logger.Info("Retrying quote after error",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", d),
			zap.Error(err))
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries)),
		backoff.WithNotify(notify))
	if err != nil {
		return nil, c.classify(ctx, err, attempts)
	}

	q := &Quote{
		InputToken:      req.TokenIn,
		OutputToken:     req.TokenOut,
		InputAmount:     new(big.Int).Set(req.AmountIn),
		OutputAmount:    resp.ToAmount,
		OutputAmountMin: resp.ToAmountMin,
		RouteID:         resp.ID,
		Tool:            resp.Tool,
		ApprovalAddress: resp.ApprovalAddress,
		Tx:              resp.Tx,
		FetchedAt:       c.now(),
	}
	if q.OutputAmount == nil || q.OutputAmount.Sign() == 0 {
		c.metrics.RecordQuote("no_route")
		return nil, ErrNoRoute
	}

	c.metrics.RecordQuote("ok")
	if c.cfg.CacheTTL > 0 {
		c.cache.SetWithTTL(key, q, 1, c.cfg.CacheTTL)
		c.cache.Wait()
	}
	return q, nil
}

func (c *Client) classify(ctx context.Context, err error, attempts int) error {
	switch {
	case errors.Is(err, aggregator.ErrNoRoute):
		c.metrics.RecordQuote("no_route")
		return ErrNoRoute
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, ratelimit.ErrRateLimited):
		c.metrics.RecordQuote("throttled")
		return err
	}

	c.metrics.RecordQuote("failed")
	c.logger.Warn("Quote provider failed",
		zap.Int("attempts", attempts),
		zap.Error(err))
	return &ProviderError{Attempts: attempts, Err: err}
}

// Price returns the native value of one token, measured by quoting the sale
// of quantity tokens. Reads may be served from the cache.
func (c *Client) Price(ctx context.Context, token common.Address, quantity decimal.Decimal) (decimal.Decimal, error) {
	if !quantity.IsPositive() {
		return decimal.Zero, fmt.Errorf("price quantity must be positive")
	}
	dec, err := c.tokens.TokenDecimals(ctx, token)
	if err != nil {
		return decimal.Zero, err
	}
	amount := blockchain.ToBaseUnits(quantity, dec)
	if amount.Sign() == 0 {
		return decimal.Zero, fmt.Errorf("quantity %s below token precision", quantity)
	}

	q, err := c.GetQuote(ctx, Request{
		TokenIn:     token,
		TokenOut:    c.cfg.NativeToken,
		AmountIn:    amount,
		SlippageBps: c.cfg.PriceSlippage,
		UseCache:    true,
	})
	if err != nil {
		return decimal.Zero, err
	}

	native := blockchain.ToDecimal(q.OutputAmount, blockchain.NativeDecimals)
	return native.Div(blockchain.ToDecimal(amount, dec)), nil
}
