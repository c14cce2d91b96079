package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	c := NewCollector()

	c.RecordRPC("node-a", 20*time.Millisecond, nil)
	c.RecordRPC("node-a", 30*time.Millisecond, errors.New("timeout"))
	c.SetNodeHealthy("node-a", false)
	c.RecordQuote("no_route")
	c.RecordQuote("no_route")
	c.RecordTierSell("2x")
	c.SetOpenPositions(3)
	c.IncPollAttempts()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.rpcRequests.WithLabelValues("node-a", "failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.rpcNodeHealthy.WithLabelValues("node-a")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.quoteRequests.WithLabelValues("no_route")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tierSells.WithLabelValues("2x")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.openPositions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.pollAttempts))

	families, err := c.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRecordTradeStatus(t *testing.T) {
	c := NewCollector()

	c.RecordTrade(context.Background(), "buy", time.Second, nil)
	c.RecordTrade(context.Background(), "sell", time.Second, errors.New("reverted"))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	c.RecordTrade(cancelled, "sell", 0, context.Canceled)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.trades.WithLabelValues("buy", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.trades.WithLabelValues("sell", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.trades.WithLabelValues("sell", "cancelled")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordRPC("n", time.Second, nil)
		c.SetNodeHealthy("n", true)
		c.RecordRateLimitWait("quote", time.Second)
		c.RecordRateLimitDenied("quote")
		c.RecordQuote("ok")
		c.RecordTrade(context.Background(), "buy", time.Second, nil)
		c.RecordTierSell("3x")
		c.SetOpenPositions(1)
		c.IncPollAttempts()
	})
	assert.Nil(t, c.Registry())
}
