// internal/blockchain/rpc/types.go
package rpc

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/alpha-hunter/internal/metrics"
)

const (
	DefaultFailureThreshold    = 3
	DefaultCooldownBase        = 5 * time.Second
	DefaultCooldownMax         = 60 * time.Second
	DefaultMaxAttempts         = 3
	DefaultExhaustedDelay      = 2 * time.Second
	DefaultMaxExhaustedRetries = 30
	DefaultDialTimeout         = 10 * time.Second
)

// EthClient is the part of *ethclient.Client the hunter uses.
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// NodeClient is one chain endpoint. Health fields are owned by the Pool and
// guarded by its mutex.
type NodeClient struct {
	Client EthClient
	URL    string
	name   string // URL with credentials masked

	healthy             bool
	consecutiveFailures int
	latency             time.Duration
	cooldownUntil       time.Time
	cooldownStep        int
	successCount        uint64
	errorCount          uint64
}

// Name is the loggable form of the node URL.
func (n *NodeClient) Name() string {
	return n.name
}

// NodeStatus is a read-only copy of a node's health.
type NodeStatus struct {
	Name                string
	Healthy             bool
	ConsecutiveFailures int
	Latency             time.Duration
	CooldownUntil       time.Time
	SuccessCount        uint64
	ErrorCount          uint64
}

// PoolConfig tunes failover behaviour.
type PoolConfig struct {
	FailureThreshold    int
	CooldownBase        time.Duration
	CooldownMax         time.Duration
	MaxAttempts         int
	ExhaustedDelay      time.Duration
	MaxExhaustedRetries int
}

// DefaultPoolConfig returns the recommended failover settings.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		FailureThreshold:    DefaultFailureThreshold,
		CooldownBase:        DefaultCooldownBase,
		CooldownMax:         DefaultCooldownMax,
		MaxAttempts:         DefaultMaxAttempts,
		ExhaustedDelay:      DefaultExhaustedDelay,
		MaxExhaustedRetries: DefaultMaxExhaustedRetries,
	}
}

// Pool is a set of chain endpoints with health tracking and failover.
type Pool struct {
	mu      sync.Mutex
	nodes   []*NodeClient
	cfg     PoolConfig
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option customises a Pool.
type Option func(*Pool)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithSleeper replaces the context-aware sleep used between exhausted retries.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pool) { p.sleep = sleep }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Pool) { p.metrics = c }
}
