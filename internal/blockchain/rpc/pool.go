// internal/blockchain/rpc/pool.go
package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/alpha-hunter/internal/config"
)

// NewNodeClient wraps an already dialed client. New nodes start healthy.
func NewNodeClient(url string, client EthClient) *NodeClient {
	return &NodeClient{
		Client:  client,
		URL:     url,
		name:    config.MaskRPC(url),
		healthy: true,
	}
}

// NewPool creates a pool over nodes.
func NewPool(nodes []*NodeClient, cfg PoolConfig, logger *zap.Logger, opts ...Option) *Pool {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.CooldownBase <= 0 {
		cfg.CooldownBase = DefaultCooldownBase
	}
	if cfg.CooldownMax < cfg.CooldownBase {
		cfg.CooldownMax = cfg.CooldownBase
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ExhaustedDelay <= 0 {
		cfg.ExhaustedDelay = DefaultExhaustedDelay
	}

	p := &Pool{
		nodes:  nodes,
		cfg:    cfg,
		logger: logger.Named("rpc-pool"),
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, n := range nodes {
		p.metrics.SetNodeHealthy(n.name, n.healthy)
	}
	return p
}

// AcquireNode returns the healthiest node: healthy nodes first, then the
// lowest observed latency. A node whose cool-down has elapsed is returned as
// a trial. When nothing is eligible the pool fails closed.
func (p *Pool) AcquireNode() (*NodeClient, error) {
	return p.acquire(nil)
}

// acquire prefers nodes not in tried; if every eligible node was tried it
// falls back to the best of them.
func (p *Pool) acquire(tried map[*NodeClient]bool) (*NodeClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var best, bestTried *NodeClient
	for _, n := range p.nodes {
		if !n.healthy && now.Before(n.cooldownUntil) {
			continue
		}
		if tried[n] {
			if bestTried == nil || preferred(n, bestTried) {
				bestTried = n
			}
			continue
		}
		if best == nil || preferred(n, best) {
			best = n
		}
	}
	if best == nil {
		best = bestTried
	}
	if best == nil {
		return nil, ErrPoolExhausted
	}
	return best, nil
}

func preferred(a, b *NodeClient) bool {
	if a.healthy != b.healthy {
		return a.healthy
	}
	return a.latency < b.latency
}

// ReportOutcome records the result of one call against node.
func (p *Pool) ReportOutcome(node *NodeClient, success bool, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if latency > 0 {
		if node.latency == 0 {
			node.latency = latency
		} else {
			node.latency = (node.latency + latency) / 2
		}
	}

	if success {
		node.successCount++
		node.consecutiveFailures = 0
		if !node.healthy {
			p.logger.Info("RPC node recovered", zap.String("node", node.name))
		}
		node.healthy = true
		node.cooldownStep = 0
		node.cooldownUntil = time.Time{}
		p.metrics.SetNodeHealthy(node.name, true)
		return
	}

	node.errorCount++
	node.consecutiveFailures++

	// a failed trial call goes straight back to cool-down with a longer wait
	if !node.healthy || node.consecutiveFailures >= p.cfg.FailureThreshold {
		wait := p.cooldown(node.cooldownStep)
		node.healthy = false
		node.cooldownUntil = p.now().Add(wait)
		node.cooldownStep++
		p.metrics.SetNodeHealthy(node.name, false)

		p.logger.Warn("RPC node marked unhealthy",
			zap.String("node", node.name),
			zap.Int("consecutive_failures", node.consecutiveFailures),
			zap.Duration("cooldown", wait))
	}
}

func (p *Pool) cooldown(step int) time.Duration {
	wait := p.cfg.CooldownBase
	for i := 0; i < step; i++ {
		wait *= 2
		if wait >= p.cfg.CooldownMax {
			return p.cfg.CooldownMax
		}
	}
	return wait
}

// WaitAvailable acquires a node, sleeping ExhaustedDelay between attempts
// while the pool is exhausted, at most MaxExhaustedRetries times.
func (p *Pool) WaitAvailable(ctx context.Context) (*NodeClient, error) {
	return p.waitAvailable(ctx, nil)
}

func (p *Pool) waitAvailable(ctx context.Context, tried map[*NodeClient]bool) (*NodeClient, error) {
	for waits := 0; ; waits++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		node, err := p.acquire(tried)
		if err == nil {
			return node, nil
		}
		if waits >= p.cfg.MaxExhaustedRetries {
			return nil, fmt.Errorf("%w after %d waits", ErrPoolExhausted, waits)
		}
		p.logger.Warn("RPC pool exhausted, waiting for cool-down",
			zap.Duration("delay", p.cfg.ExhaustedDelay),
			zap.Int("wait", waits+1))
		if err := p.sleep(ctx, p.cfg.ExhaustedDelay); err != nil {
			return nil, err
		}
	}
}

// Execute runs op against the best node, failing over to the next best
// untried node on node-level errors up to MaxAttempts times. Errors the node
// answered with (reverts, nonce errors, not found) are returned as is.
func (p *Pool) Execute(ctx context.Context, op func(ctx context.Context, node *NodeClient) error) error {
	var lastErr error
	tried := make(map[*NodeClient]bool, len(p.nodes))
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		node, err := p.waitAvailable(ctx, tried)
		if err != nil {
			if lastErr != nil && errors.Is(err, ErrPoolExhausted) {
				return fmt.Errorf("%w: last error: %w", err, lastErr)
			}
			return err
		}

		start := p.now()
		err = op(ctx, node)
		latency := p.now().Sub(start)
		p.metrics.RecordRPC(node.name, latency, err)

		if err == nil {
			p.ReportOutcome(node, true, latency)
			return nil
		}
		if ctx.Err() != nil {
			// the caller gave up; not the node's fault
			return ctx.Err()
		}
		if !IsNodeFailure(err) {
			p.ReportOutcome(node, true, latency)
			return err
		}

		p.ReportOutcome(node, false, latency)
		tried[node] = true
		lastErr = &Error{Err: err, NodeURL: node.name}
		p.logger.Debug("RPC call failed, trying another node",
			zap.String("node", node.name),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return lastErr
}

// Snapshot returns the health of every node.
func (p *Pool) Snapshot() []NodeStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]NodeStatus, len(p.nodes))
	for i, n := range p.nodes {
		out[i] = NodeStatus{
			Name:                n.name,
			Healthy:             n.healthy,
			ConsecutiveFailures: n.consecutiveFailures,
			Latency:             n.latency,
			CooldownUntil:       n.cooldownUntil,
			SuccessCount:        n.successCount,
			ErrorCount:          n.errorCount,
		}
	}
	return out
}

// HasHealthyNodes reports whether any node is currently healthy.
func (p *Pool) HasHealthyNodes() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.nodes {
		if n.healthy {
			return true
		}
	}
	return false
}

// Close closes every underlying client.
func (p *Pool) Close() {
	for _, n := range p.nodes {
		if n.Client != nil {
			n.Client.Close()
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
