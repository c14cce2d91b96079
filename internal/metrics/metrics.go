// internal/metrics/metrics.go
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "alpha_hunter"

// Collector owns the hunter's prometheus collectors. A nil *Collector is
// valid and records nothing, so components can be built without metrics.
type Collector struct {
	registry *prometheus.Registry

	rpcRequests     *prometheus.CounterVec
	rpcLatency      *prometheus.HistogramVec
	rpcNodeHealthy  *prometheus.GaugeVec
	rateLimitWait   *prometheus.HistogramVec
	rateLimitDenied *prometheus.CounterVec
	quoteRequests   *prometheus.CounterVec
	trades          *prometheus.CounterVec
	tradeDuration   *prometheus.HistogramVec
	tierSells       *prometheus.CounterVec
	openPositions   prometheus.Gauge
	pollAttempts    prometheus.Counter
}

// NewCollector creates the collectors on a private registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "RPC calls by node and outcome",
		}, []string{"node", "outcome"}),
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_latency_seconds",
			Help:      "RPC call latency by node",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"node"}),
		rpcNodeHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_node_healthy",
			Help:      "1 when the node is eligible for selection",
		}, []string{"node"}),
		rateLimitWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting for a rate limit window",
			Buckets:   []float64{0, 0.1, 0.5, 1, 5, 15, 30, 60},
		}, []string{"category"}),
		rateLimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_denied_total",
			Help:      "Calls rejected because the wait exceeded the limit",
		}, []string{"category"}),
		quoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quote_requests_total",
			Help:      "Aggregator quote requests by result",
		}, []string{"result"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Submitted trades by side and status",
		}, []string{"side", "status"}),
		tradeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trade_duration_seconds",
			Help:      "Time from submission to confirmation",
			Buckets:   prometheus.LinearBuckets(1, 5, 12),
		}, []string{"side"}),
		tierSells: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_sells_total",
			Help:      "Confirmed take-profit sells by tier",
		}, []string{"tier"}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Positions currently monitored",
		}),
		pollAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidity_poll_attempts_total",
			Help:      "Liquidity poll iterations",
		}),
	}

	c.registry.MustRegister(
		c.rpcRequests, c.rpcLatency, c.rpcNodeHealthy,
		c.rateLimitWait, c.rateLimitDenied,
		c.quoteRequests,
		c.trades, c.tradeDuration, c.tierSells,
		c.openPositions, c.pollAttempts,
	)
	return c
}

// Registry exposes the registry for handlers and tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) RecordRPC(node string, latency time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failed"
	}
	c.rpcRequests.WithLabelValues(node, outcome).Inc()
	c.rpcLatency.WithLabelValues(node).Observe(latency.Seconds())
}

func (c *Collector) SetNodeHealthy(node string, healthy bool) {
	if c == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	c.rpcNodeHealthy.WithLabelValues(node).Set(v)
}

func (c *Collector) RecordRateLimitWait(category string, wait time.Duration) {
	if c == nil {
		return
	}
	c.rateLimitWait.WithLabelValues(category).Observe(wait.Seconds())
}

func (c *Collector) RecordRateLimitDenied(category string) {
	if c == nil {
		return
	}
	c.rateLimitDenied.WithLabelValues(category).Inc()
}

// RecordQuote counts one quote outcome: ok, cache_hit, no_route, throttled, failed.
func (c *Collector) RecordQuote(result string) {
	if c == nil {
		return
	}
	c.quoteRequests.WithLabelValues(result).Inc()
}

// RecordTrade records a trade with the same cancelled/failed/success split
// for both buys and sells.
func (c *Collector) RecordTrade(ctx context.Context, side string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	status := "success"
	switch {
	case ctx.Err() != nil:
		status = "cancelled"
	case err != nil:
		status = "failed"
	}
	c.trades.WithLabelValues(side, status).Inc()
	if err == nil {
		c.tradeDuration.WithLabelValues(side).Observe(duration.Seconds())
	}
}

func (c *Collector) RecordTierSell(tier string) {
	if c == nil {
		return
	}
	c.tierSells.WithLabelValues(tier).Inc()
}

func (c *Collector) SetOpenPositions(n int) {
	if c == nil {
		return
	}
	c.openPositions.Set(float64(n))
}

func (c *Collector) IncPollAttempts() {
	if c == nil {
		return
	}
	c.pollAttempts.Inc()
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
