package bot

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/alpha-hunter/internal/events"
	"github.com/rovshanmuradov/alpha-hunter/internal/logger"
)

type memJournal struct {
	mu   sync.Mutex
	rows []logger.TradeRecord
	err  error
}

func (m *memJournal) Record(rec logger.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.rows = append(m.rows, rec)
	return nil
}

func TestJournalRecordsBuysAndSells(t *testing.T) {
	bus := events.NewBus(zaptest.NewLogger(t), 8)
	defer bus.Shutdown(context.Background())
	journal := &memJournal{}
	subscribeJournal(bus, journal, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, bus.PublishSync(ctx, events.PositionOpenedEvent{
		BaseEvent:  events.NewBase(events.PositionOpened),
		Token:      "0xa1",
		Symbol:     "HUNT",
		Quantity:   decimal.NewFromInt(100),
		EntryPrice: decimal.RequireFromString("0.0005"),
		Invested:   decimal.RequireFromString("0.05"),
		TxHash:     "0xbuy",
	}))
	require.NoError(t, bus.PublishSync(ctx, events.TierSoldEvent{
		BaseEvent:      events.NewBase(events.TierSold),
		Token:          "0xa1",
		Symbol:         "HUNT",
		Tier:           "2x",
		Quantity:       decimal.NewFromInt(50),
		NativeReceived: decimal.RequireFromString("0.05"),
		Price:          decimal.RequireFromString("0.001"),
		TxHash:         "0xsell",
	}))

	require.Len(t, journal.rows, 2)
	buy, sell := journal.rows[0], journal.rows[1]
	assert.Equal(t, logger.ActionBuy, buy.Action)
	assert.Equal(t, "100", buy.Quantity)
	assert.Equal(t, "0.05", buy.Native)
	assert.Empty(t, buy.Tier)
	assert.Equal(t, logger.ActionSell, sell.Action)
	assert.Equal(t, "2x", sell.Tier)
	assert.Equal(t, "HUNT", sell.Symbol)
	assert.Equal(t, "0xsell", sell.TxHash)
}

func TestJournalErrorReachesBus(t *testing.T) {
	bus := events.NewBus(zaptest.NewLogger(t), 8)
	defer bus.Shutdown(context.Background())
	subscribeJournal(bus, &memJournal{err: errors.New("disk full")}, zaptest.NewLogger(t))

	err := bus.PublishSync(context.Background(), events.TierSoldEvent{BaseEvent: events.NewBase(events.TierSold)})
	assert.Error(t, err)
}

func TestJournalWritesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	journal, err := logger.NewTradeJournal(path, time.Hour, zaptest.NewLogger(t))
	require.NoError(t, err)

	bus := events.NewBus(zaptest.NewLogger(t), 8)
	subscribeJournal(bus, journal, zaptest.NewLogger(t))
	require.NoError(t, bus.PublishSync(context.Background(), events.PositionOpenedEvent{
		BaseEvent: events.NewBase(events.PositionOpened),
		Token:     "0xa1",
		TxHash:    "0xbuy",
	}))
	require.NoError(t, bus.Shutdown(context.Background()))
	require.NoError(t, journal.Close())

	records, _ := journal.GetStats()
	assert.Equal(t, uint64(1), records)
}
