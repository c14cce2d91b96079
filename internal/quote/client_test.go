package quote

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/alpha-hunter/internal/aggregator"
	"github.com/rovshanmuradov/alpha-hunter/internal/blockchain/rpc"
	"github.com/rovshanmuradov/alpha-hunter/internal/ratelimit"
)

var (
	native = common.Address{}
	token  = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

// scriptedAggregator answers from a list of responses, repeating the last one.
type scriptedAggregator struct {
	mu       sync.Mutex
	script   []func(aggregator.Request) (*aggregator.Response, error)
	calls    int
	requests []aggregator.Request
}

func (s *scriptedAggregator) Quote(_ context.Context, req aggregator.Request) (*aggregator.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	i := s.calls
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	s.calls++
	return s.script[i](req)
}

func (s *scriptedAggregator) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func route(out int64) func(aggregator.Request) (*aggregator.Response, error) {
	return func(aggregator.Request) (*aggregator.Response, error) {
		return &aggregator.Response{
			ID:          "route",
			Tool:        "pancakeswap",
			ToAmount:    big.NewInt(out),
			ToAmountMin: big.NewInt(out * 9 / 10),
			Tx:          &aggregator.TxRequest{To: token, Value: new(big.Int)},
		}, nil
	}
}

func failWith(err error) func(aggregator.Request) (*aggregator.Response, error) {
	return func(aggregator.Request) (*aggregator.Response, error) { return nil, err }
}

type staticNodes struct{ err error }

func (s staticNodes) WaitAvailable(context.Context) (*rpc.NodeClient, error) {
	if s.err != nil {
		return nil, s.err
	}
	return rpc.NewNodeClient("https://node.example", nil), nil
}

// recordingLimiter admits everything and counts feedback.
type recordingLimiter struct {
	mu        sync.Mutex
	admitErr  error
	admits    int
	failures  int
	successes int
}

func (l *recordingLimiter) Admit(context.Context, ratelimit.Category) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.admits++
	return l.admitErr
}

func (l *recordingLimiter) RecordFailure(ratelimit.Category) {
	l.mu.Lock()
	l.failures++
	l.mu.Unlock()
}

func (l *recordingLimiter) RecordSuccess(ratelimit.Category) {
	l.mu.Lock()
	l.successes++
	l.mu.Unlock()
}

type fixedDecimals uint8

func (d fixedDecimals) TokenDecimals(context.Context, common.Address) (uint8, error) {
	return uint8(d), nil
}

func newTestClient(t *testing.T, agg Aggregator, nodes NodeSource, limiter Limiter) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = 2 * time.Millisecond
	cfg.NativeToken = native

	c, err := NewClient(cfg, agg, nodes, limiter, fixedDecimals(18), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func buyRequest() Request {
	return Request{TokenIn: native, TokenOut: token, AmountIn: big.NewInt(5e16), SlippageBps: 1500}
}

func TestGetQuoteSuccess(t *testing.T) {
	agg := &scriptedAggregator{script: []func(aggregator.Request) (*aggregator.Response, error){route(1000)}}
	limiter := &recordingLimiter{}
	c := newTestClient(t, agg, staticNodes{}, limiter)

	before := time.Now()
	q, err := c.GetQuote(context.Background(), buyRequest())
	require.NoError(t, err)

	assert.Equal(t, int64(1000), q.OutputAmount.Int64())
	assert.Equal(t, int64(900), q.OutputAmountMin.Int64())
	assert.Equal(t, "route", q.RouteID)
	assert.False(t, q.FetchedAt.Before(before))
	assert.True(t, q.Fresh(q.FetchedAt.Add(5*time.Second), 5*time.Second))
	assert.False(t, q.Fresh(q.FetchedAt.Add(6*time.Second), 5*time.Second))

	require.Len(t, agg.requests, 1)
	assert.Equal(t, int64(56), agg.requests[0].ChainID)
	assert.Equal(t, 1500, agg.requests[0].SlippageBps)
	assert.Equal(t, 1, limiter.admits)
	assert.Equal(t, 1, limiter.successes)
}

func TestGetQuoteNoRouteIsNotRetried(t *testing.T) {
	agg := &scriptedAggregator{script: []func(aggregator.Request) (*aggregator.Response, error){failWith(aggregator.ErrNoRoute)}}
	c := newTestClient(t, agg, staticNodes{}, &recordingLimiter{})

	_, err := c.GetQuote(context.Background(), buyRequest())
	assert.ErrorIs(t, err, ErrNoRoute)
	var providerErr *ProviderError
	assert.False(t, errors.As(err, &providerErr))
	assert.Equal(t, 1, agg.Calls())
}

func TestGetQuoteRetriesTransient(t *testing.T) {
	agg := &scriptedAggregator{script: []func(aggregator.Request) (*aggregator.Response, error){
		failWith(aggregator.ErrTransient),
		failWith(aggregator.ErrThrottled),
		route(500),
	}}
	limiter := &recordingLimiter{}
	c := newTestClient(t, agg, staticNodes{}, limiter)

	q, err := c.GetQuote(context.Background(), buyRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(500), q.OutputAmount.Int64())
	assert.Equal(t, 3, agg.Calls())
	assert.Equal(t, 2, limiter.failures)
	assert.Equal(t, 3, limiter.admits)
}

func TestGetQuoteProviderErrorAfterRetries(t *testing.T) {
	agg := &scriptedAggregator{script: []func(aggregator.Request) (*aggregator.Response, error){failWith(aggregator.ErrTransient)}}
	c := newTestClient(t, agg, staticNodes{}, &recordingLimiter{})

	_, err := c.GetQuote(context.Background(), buyRequest())
	var providerErr *ProviderError
	require.ErrorAs(t, err, &providerErr)
	assert.Equal(t, 5, providerErr.Attempts)
	assert.ErrorIs(t, err, aggregator.ErrTransient)
	assert.Equal(t, 5, agg.Calls())
}

func TestGetQuotePermanentErrorStopsEarly(t *testing.T) {
	agg := &scriptedAggregator{script: []func(aggregator.Request) (*aggregator.Response, error){failWith(aggregator.ErrBadRequest)}}
	c := newTestClient(t, agg, staticNodes{}, &recordingLimiter{})

	_, err := c.GetQuote(context.Background(), buyRequest())
	var providerErr *ProviderError
	require.ErrorAs(t, err, &providerErr)
	assert.Equal(t, 1, providerErr.Attempts)
}

func TestGetQuotePoolExhausted(t *testing.T) {
	agg := &scriptedAggregator{script: []func(aggregator.Request) (*aggregator.Response, error){route(1)}}
	c := newTestClient(t, agg, staticNodes{err: rpc.ErrPoolExhausted}, &recordingLimiter{})

	_, err := c.GetQuote(context.Background(), buyRequest())
	assert.ErrorIs(t, err, rpc.ErrPoolExhausted)
	assert.Zero(t, agg.Calls())
}

func TestGetQuoteRateLimited(t *testing.T) {
	agg := &scriptedAggregator{script: []func(aggregator.Request) (*aggregator.Response, error){route(1)}}
	c := newTestClient(t, agg, staticNodes{}, &recordingLimiter{admitErr: ratelimit.ErrRateLimited})

	_, err := c.GetQuote(context.Background(), buyRequest())
	assert.ErrorIs(t, err, ratelimit.ErrRateLimited)
	assert.Zero(t, agg.Calls())
}

func TestGetQuoteCache(t *testing.T) {
	agg := &scriptedAggregator{script: []func(aggregator.Request) (*aggregator.Response, error){route(1000), route(2000)}}
	c := newTestClient(t, agg, staticNodes{}, &recordingLimiter{})

	req := buyRequest()
	req.UseCache = true
	first, err := c.GetQuote(context.Background(), req)
	require.NoError(t, err)
	second, err := c.GetQuote(context.Background(), req)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, agg.Calls())

	// execution paths bypass the cache
	req.UseCache = false
	fresh, err := c.GetQuote(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), fresh.OutputAmount.Int64())
}

func TestPrice(t *testing.T) {
	// selling 100 tokens yields 0.5 native
	agg := &scriptedAggregator{script: []func(aggregator.Request) (*aggregator.Response, error){route(5e17)}}
	c := newTestClient(t, agg, staticNodes{}, &recordingLimiter{})

	price, err := c.Price(context.Background(), token, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("0.005")), price.String())

	require.Len(t, agg.requests, 1)
	assert.Equal(t, token, agg.requests[0].FromToken)
	assert.Equal(t, native, agg.requests[0].ToToken)
	assert.Equal(t, "100000000000000000000", agg.requests[0].FromAmount.String())
}

func TestPriceFailureIsNotZero(t *testing.T) {
	agg := &scriptedAggregator{script: []func(aggregator.Request) (*aggregator.Response, error){failWith(aggregator.ErrNoRoute)}}
	c := newTestClient(t, agg, staticNodes{}, &recordingLimiter{})

	_, err := c.Price(context.Background(), token, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrNoRoute)

	_, err = c.Price(context.Background(), token, decimal.Zero)
	assert.Error(t, err)
}
