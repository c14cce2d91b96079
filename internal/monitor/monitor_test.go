package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/alpha-hunter/internal/events"
	"github.com/rovshanmuradov/alpha-hunter/internal/executor"
	"github.com/rovshanmuradov/alpha-hunter/internal/position"
)

var token = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakePrices struct {
	mu    sync.Mutex
	price decimal.Decimal
	err   error
	calls int
}

func (f *fakePrices) set(p decimal.Decimal) {
	f.mu.Lock()
	f.price = p
	f.mu.Unlock()
}

func (f *fakePrices) current() decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price
}

func (f *fakePrices) Price(context.Context, common.Address, decimal.Decimal) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.price, f.err
}

type fakeSeller struct {
	mu         sync.Mutex
	prices     *fakePrices
	fractions  []decimal.Decimal
	errs       []error
	reconciles []error
	sellAll    bool
}

func (s *fakeSeller) Sell(_ context.Context, pos *position.Position, fraction decimal.Decimal, _ int, hooks ...executor.SubmitHook) (*executor.SellResult, error) {
	s.mu.Lock()
	s.fractions = append(s.fractions, fraction)
	n := len(s.fractions)
	var err error
	if len(s.errs) > 0 {
		err = s.errs[0]
		s.errs = s.errs[1:]
	}
	s.mu.Unlock()

	qty := pos.RemainingQuantity.Mul(fraction)
	if s.sellAll {
		qty = pos.RemainingQuantity
	}
	price := s.prices.current()
	res := executor.SellResult{
		Quantity:       qty,
		NativeReceived: qty.Mul(price),
		Price:          price,
		TxHash:         common.BigToHash(big.NewInt(int64(n))),
	}

	_, broadcast := executor.Submitted(err)
	if err == nil || broadcast {
		for _, h := range hooks {
			h(res)
		}
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *fakeSeller) Reconcile(context.Context, common.Hash) (*types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reconciles) == 0 {
		return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
	}
	err := s.reconciles[0]
	s.reconciles = s.reconciles[1:]
	if err != nil {
		return nil, err
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func (s *fakeSeller) sold() []decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]decimal.Decimal{}, s.fractions...)
}

type harness struct {
	monitor *Monitor
	book    *position.Book
	prices  *fakePrices
	seller  *fakeSeller
	path    string
}

func newHarness(t *testing.T, cfg Config, pub events.Publisher) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "positions.json")
	book := position.NewBook(position.NewStore(path), zaptest.NewLogger(t))
	prices := &fakePrices{}
	seller := &fakeSeller{prices: prices}
	return &harness{
		monitor: New(cfg, book, prices, seller, pub, zaptest.NewLogger(t), nil),
		book:    book,
		prices:  prices,
		seller:  seller,
		path:    path,
	}
}

// open adds a position of 100 tokens bought for 0.05, entry 0.0005.
func (h *harness) open(t *testing.T) *position.Position {
	t.Helper()
	p, err := position.New(token, "HUNT", 18, dec("0.05"), dec("100"), "0xbuy", time.Now())
	require.NoError(t, err)
	require.NoError(t, h.monitor.Add(p))
	return p
}

func (h *harness) at(p *position.Position, multiple string) {
	h.prices.set(p.EntryPrice.Mul(dec(multiple)))
}

func (h *harness) get(t *testing.T, id string) *position.Position {
	t.Helper()
	p, ok := h.book.Get(id)
	require.True(t, ok)
	return p
}

func fractions(ss ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(ss))
	for i, s := range ss {
		out[i] = dec(s)
	}
	return out
}

func assertFractions(t *testing.T, want, got []decimal.Decimal) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Equal(got[i]), "sell %d: want %s got %s", i, want[i], got[i])
	}
}

func TestLadderAcrossTicks(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	p := h.open(t)
	ctx := context.Background()

	for _, m := range []string{"1.5", "2.1", "3.2", "5.5", "11"} {
		h.at(p, m)
		require.NoError(t, h.monitor.Tick(ctx))
		if m == "1.5" {
			assert.Empty(t, h.seller.sold(), "nothing fires below 2x")
		}
	}

	assertFractions(t, fractions("0.5", "0.1", "0.2", "0.2"), h.seller.sold())

	got := h.get(t, p.ID)
	assert.True(t, got.RemainingQuantity.Equal(dec("28.8")), got.RemainingQuantity.String())
	assert.True(t, got.RemainingQuantity.Div(got.TotalQuantity).Equal(dec("0.288")))
	assert.Equal(t, position.StatusPartiallyClosed, got.Status)
	assert.True(t, got.TiersTriggered.Complete())
	assert.True(t, h.monitor.Done())

	stored, err := position.NewStore(h.path).Load()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Len(t, stored[0].Sells, 4)
	assert.True(t, stored[0].RemainingQuantity.Equal(dec("28.8")))
}

func TestJumpSellsEveryTierInOrder(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	p := h.open(t)
	h.at(p, "11")

	require.NoError(t, h.monitor.Tick(context.Background()))

	assertFractions(t, fractions("0.5", "0.1", "0.2", "0.2"), h.seller.sold())
	got := h.get(t, p.ID)
	assert.Equal(t, []position.Tier{position.Tier2x, position.Tier3x, position.Tier5x, position.Tier10x}, got.TiersTriggered.Tiers())
}

func TestFailedSellStopsEvaluation(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.seller.errs = []error{errors.New("route expired")}
	p := h.open(t)
	h.at(p, "3.2")

	require.NoError(t, h.monitor.Tick(context.Background()))
	assert.Len(t, h.seller.sold(), 1, "3x is not tried after 2x failed")
	got := h.get(t, p.ID)
	assert.False(t, got.TiersTriggered.Has(position.Tier2x))
	assert.True(t, got.RemainingQuantity.Equal(dec("100")))
	assert.Nil(t, got.PendingSell)

	require.NoError(t, h.monitor.Tick(context.Background()))
	got = h.get(t, p.ID)
	assert.True(t, got.TiersTriggered.Has(position.Tier2x))
	assert.True(t, got.TiersTriggered.Has(position.Tier3x))
	assert.True(t, got.RemainingQuantity.Equal(dec("45")))
}

func TestPriceFailureSkipsPosition(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	p := h.open(t)
	h.at(p, "5")
	h.prices.err = errors.New("quote unavailable")

	require.NoError(t, h.monitor.Tick(context.Background()))
	assert.Empty(t, h.seller.sold())
	assert.Equal(t, position.StatusOpen, h.get(t, p.ID).Status)
}

func TestTimedOutSellReconciledBeforeNextSell(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.seller.errs = []error{&executor.ExecutionError{Reason: executor.ReasonTimeout, TxHash: common.HexToHash("0x01")}}
	h.seller.reconciles = []error{executor.ErrStillPending, nil}
	p := h.open(t)
	h.at(p, "2.1")
	ctx := context.Background()

	require.NoError(t, h.monitor.Tick(ctx))
	got := h.get(t, p.ID)
	require.NotNil(t, got.PendingSell)
	assert.Equal(t, position.Tier2x, got.PendingSell.Tier)
	assert.False(t, got.TiersTriggered.Has(position.Tier2x))

	stored, err := position.NewStore(h.path).Load()
	require.NoError(t, err)
	require.NotNil(t, stored[0].PendingSell, "pending sell is persisted")

	// still no receipt: nothing else happens, not even a price read
	calls := h.prices.calls
	require.NoError(t, h.monitor.Tick(ctx))
	assert.Len(t, h.seller.sold(), 1)
	assert.Equal(t, calls, h.prices.calls)

	require.NoError(t, h.monitor.Tick(ctx))
	got = h.get(t, p.ID)
	assert.Nil(t, got.PendingSell)
	assert.True(t, got.TiersTriggered.Has(position.Tier2x))
	assert.True(t, got.RemainingQuantity.Equal(dec("50")))
	assert.Len(t, h.seller.sold(), 1, "confirmed tier is not sold twice")
}

func TestRevertedPendingSellIsRetried(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.seller.errs = []error{&executor.ExecutionError{Reason: executor.ReasonTimeout, TxHash: common.HexToHash("0x01")}}
	h.seller.reconciles = []error{&executor.ExecutionError{Reason: executor.ReasonRejected}}
	p := h.open(t)
	h.at(p, "2.1")

	require.NoError(t, h.monitor.Tick(context.Background()))
	require.NoError(t, h.monitor.Tick(context.Background()))

	assert.Len(t, h.seller.sold(), 2)
	got := h.get(t, p.ID)
	assert.True(t, got.TiersTriggered.Has(position.Tier2x))
	assert.Nil(t, got.PendingSell)
}

func TestPendingSellExpires(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	p := h.open(t)
	require.NoError(t, h.book.With(p.ID, func(live *position.Position, save func() error) error {
		live.PendingSell = &position.PendingSell{Tier: position.Tier2x, TxHash: "0x01", SubmittedAt: time.Now().Add(-2 * time.Hour)}
		return save()
	}))
	h.seller.reconciles = []error{executor.ErrStillPending}
	h.at(p, "1.2")

	require.NoError(t, h.monitor.Tick(context.Background()))
	assert.Nil(t, h.get(t, p.ID).PendingSell)
}

func TestDustClosesPosition(t *testing.T) {
	bus := events.NewBus(zaptest.NewLogger(t), 16)
	defer bus.Shutdown(context.Background())
	closed := make(chan events.PositionClosedEvent, 1)
	bus.SubscribeFunc(events.PositionClosed, func(_ context.Context, e events.Event) error {
		closed <- e.(events.PositionClosedEvent)
		return nil
	})

	h := newHarness(t, DefaultConfig(), bus)
	h.seller.sellAll = true
	p := h.open(t)
	h.at(p, "11")

	require.NoError(t, h.monitor.Tick(context.Background()))

	assert.Len(t, h.seller.sold(), 1, "nothing left after the first tier")
	got := h.get(t, p.ID)
	assert.Equal(t, position.StatusClosed, got.Status)
	assert.Equal(t, position.ReasonDust, got.CloseReason)

	select {
	case e := <-closed:
		assert.Equal(t, position.ReasonDust, e.Reason)
		assert.True(t, e.Realized.IsPositive())
	case <-time.After(time.Second):
		t.Fatal("position.closed not published")
	}
}

func TestEmptyWalletClosesPosition(t *testing.T) {
	bus := events.NewBus(zaptest.NewLogger(t), 16)
	defer bus.Shutdown(context.Background())
	closed := make(chan events.PositionClosedEvent, 1)
	bus.SubscribeFunc(events.PositionClosed, func(_ context.Context, e events.Event) error {
		closed <- e.(events.PositionClosedEvent)
		return nil
	})

	h := newHarness(t, DefaultConfig(), bus)
	h.seller.errs = []error{&executor.ExecutionError{
		Reason: executor.ReasonInsufficientFunds,
		Err:    fmt.Errorf("%w: %s", executor.ErrNoBalance, token.Hex()),
	}}
	p := h.open(t)
	h.at(p, "2.5")

	require.NoError(t, h.monitor.Tick(context.Background()))

	got := h.get(t, p.ID)
	assert.Equal(t, position.StatusClosed, got.Status)
	assert.Equal(t, position.ReasonBalanceGone, got.CloseReason)
	assert.True(t, h.monitor.Done(), "a position without tokens has no work left")

	require.NoError(t, h.monitor.Tick(context.Background()))
	assert.Len(t, h.seller.sold(), 1, "no further sell attempts")

	stored, err := position.NewStore(h.path).Load()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, position.StatusClosed, stored[0].Status)

	select {
	case e := <-closed:
		assert.Equal(t, position.ReasonBalanceGone, e.Reason)
	case <-time.After(time.Second):
		t.Fatal("position.closed not published")
	}
}

func TestGasShortageKeepsPositionOpen(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.seller.errs = []error{&executor.ExecutionError{Reason: executor.ReasonInsufficientFunds, Err: errors.New("need 0.001 BNB for gas")}}
	p := h.open(t)
	h.at(p, "2.5")

	require.NoError(t, h.monitor.Tick(context.Background()))
	got := h.get(t, p.ID)
	assert.True(t, got.Active())
	assert.False(t, h.monitor.Done())
}

func TestManualCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	p := h.open(t)

	require.NoError(t, h.monitor.Close(p.ID))
	require.NoError(t, h.monitor.Close(p.ID))

	got := h.get(t, p.ID)
	assert.Equal(t, position.StatusClosed, got.Status)
	assert.Equal(t, position.ReasonManual, got.CloseReason)

	h.at(p, "11")
	require.NoError(t, h.monitor.Tick(context.Background()))
	assert.Empty(t, h.seller.sold())
	assert.True(t, h.monitor.Done())

	assert.ErrorIs(t, h.monitor.Close("missing"), position.ErrNotFound)
}

func TestCloseRefusesPendingSell(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	p := h.open(t)
	require.NoError(t, h.book.With(p.ID, func(live *position.Position, save func() error) error {
		live.PendingSell = &position.PendingSell{Tier: position.Tier2x, TxHash: "0x01", SubmittedAt: time.Now()}
		return save()
	}))

	assert.ErrorIs(t, h.monitor.Close(p.ID), ErrPendingSell)
}

func TestAddRespectsMaxPositions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPositions = 1
	h := newHarness(t, cfg, nil)
	h.open(t)

	p, err := position.New(token, "TWO", 18, dec("0.05"), dec("10"), "0xbuy2", time.Now())
	require.NoError(t, err)
	assert.ErrorIs(t, h.monitor.Add(p), ErrTooManyPositions)
}

func TestPositionsAreEvaluatedInParallel(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	a := h.open(t)
	b, err := position.New(token, "B", 18, dec("0.05"), dec("100"), "0xbuyb", time.Now())
	require.NoError(t, err)
	require.NoError(t, h.monitor.Add(b))
	h.at(a, "2.5")

	require.NoError(t, h.monitor.Tick(context.Background()))

	assert.True(t, h.get(t, a.ID).TiersTriggered.Has(position.Tier2x))
	assert.True(t, h.get(t, b.ID).TiersTriggered.Has(position.Tier2x))
	assert.Len(t, h.monitor.Positions(), 2)
}

func TestRunStopsWhenFlat(t *testing.T) {
	bus := events.NewBus(zaptest.NewLogger(t), 16)
	defer bus.Shutdown(context.Background())
	stopped := make(chan string, 1)
	bus.SubscribeFunc(events.MonitoringStopped, func(_ context.Context, e events.Event) error {
		stopped <- e.(events.MonitoringStoppedEvent).Reason
		return nil
	})

	cfg := DefaultConfig()
	cfg.CheckInterval = 5 * time.Millisecond
	h := newHarness(t, cfg, bus)
	p := h.open(t)
	h.at(p, "11")

	done := make(chan error, 1)
	go func() { done <- h.monitor.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after the ladder completed")
	}
	assert.Equal(t, "flat", <-stopped)
}

func TestRunCancelled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckInterval = 5 * time.Millisecond
	h := newHarness(t, cfg, nil)
	p := h.open(t)
	h.at(p, "1.1")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := h.monitor.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, h.seller.sold())
}

func TestSummary(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	p := h.open(t)
	h.at(p, "2")
	require.NoError(t, h.monitor.Tick(context.Background()))

	s := h.monitor.Summary()
	require.Len(t, s.Positions, 1)
	assert.Equal(t, 1, s.Open)
	// 50 tokens at 0.001
	assert.True(t, s.TotalRealized.Equal(dec("0.05")), s.TotalRealized.String())
	assert.True(t, s.Positions[0].SoldFraction.Equal(dec("0.5")))
	assert.Equal(t, "[2x]", s.Positions[0].Tiers)
}
