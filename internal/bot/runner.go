// internal/bot/runner.go
package bot

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rovshanmuradov/alpha-hunter/internal/aggregator"
	"github.com/rovshanmuradov/alpha-hunter/internal/blockchain"
	"github.com/rovshanmuradov/alpha-hunter/internal/blockchain/rpc"
	"github.com/rovshanmuradov/alpha-hunter/internal/config"
	"github.com/rovshanmuradov/alpha-hunter/internal/events"
	"github.com/rovshanmuradov/alpha-hunter/internal/executor"
	"github.com/rovshanmuradov/alpha-hunter/internal/logger"
	"github.com/rovshanmuradov/alpha-hunter/internal/metrics"
	"github.com/rovshanmuradov/alpha-hunter/internal/monitor"
	"github.com/rovshanmuradov/alpha-hunter/internal/poller"
	"github.com/rovshanmuradov/alpha-hunter/internal/position"
	"github.com/rovshanmuradov/alpha-hunter/internal/quote"
	"github.com/rovshanmuradov/alpha-hunter/internal/ratelimit"
	"github.com/rovshanmuradov/alpha-hunter/internal/wallet"
)

const (
	busBufferSize        = 256
	journalFlushInterval = 5 * time.Second
	shutdownTimeout      = 30 * time.Second
)

// Options select what one session does.
type Options struct {
	Token       string
	Symbol      string
	MonitorOnly bool
	// Close lists position ids to close without selling. The session does
	// nothing else and needs no network.
	Close []string
}

// Runner wires the components together and runs one hunt and monitor
// session.
type Runner struct {
	logger   *zap.Logger
	config   *config.Config
	opts     Options
	token    common.Address
	metrics  *metrics.Collector
	shutdown *ShutdownHandler
}

// components of one session
type components struct {
	pool     *rpc.Pool
	executor *executor.Executor
	quotes   *quote.Client
	book     *position.Book
	bus      *events.Bus
	monitor  *monitor.Monitor
}

// NewRunner NewRunner: принимает cfg и logger
func NewRunner(cfg *config.Config, opts Options, logger *zap.Logger) (*Runner, error) {
	r := &Runner{
		logger:   logger,
		config:   cfg,
		opts:     opts,
		metrics:  metrics.NewCollector(),
		shutdown: NewShutdownHandler(logger, shutdownTimeout),
	}

	if !opts.MonitorOnly && len(opts.Close) == 0 {
		if !common.IsHexAddress(opts.Token) {
			return nil, fmt.Errorf("invalid token address %q", opts.Token)
		}
		r.token = common.HexToAddress(opts.Token)
	}
	return r, nil
}

// Run blocks until the session finishes, a fatal error occurs or SIGINT /
// SIGTERM arrives. A signal is a clean stop and returns nil.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.opts.Close) > 0 {
		return r.ClosePositions(r.opts.Close)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer r.Shutdown()

	r.logger.Info("🚀 Alpha hunter starting",
		zap.Int64("chain_id", r.config.ChainID),
		zap.Strings("rpc", r.config.MaskedRPCList()),
		zap.Bool("monitor_only", r.opts.MonitorOnly))

	s, err := r.build(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		// the session ending stops the watchdog and the metrics server
		defer cancel()
		return r.session(gctx, s)
	})
	g.Go(func() error {
		return r.watchPool(gctx, s.pool)
	})
	if r.config.MetricsAddr != "" {
		g.Go(func() error {
			return r.metrics.Serve(gctx, r.config.MetricsAddr, r.logger)
		})
	}

	err = g.Wait()
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		r.logger.Info("📡 Stop requested, positions are persisted")
		return nil
	}
	return err
}

func (r *Runner) build(ctx context.Context) (*components, error) {
	cfg := r.config

	poolCfg := rpc.DefaultPoolConfig()
	poolCfg.FailureThreshold = cfg.NodeFailureThreshold
	if cfg.MaxPoolExhaustedRetries > 0 {
		poolCfg.MaxExhaustedRetries = cfg.MaxPoolExhaustedRetries
	}
	pool, err := rpc.Dial(ctx, cfg.RPCList, poolCfg, r.logger.Named("rpc"), rpc.WithMetrics(r.metrics))
	if err != nil {
		return nil, fmt.Errorf("rpc pool: %w", err)
	}
	r.shutdown.AddFunc("rpc_pool", func() error {
		pool.Close()
		return nil
	})

	limiter := ratelimit.New(limiterConfig(cfg), r.logger, ratelimit.WithMetrics(r.metrics))

	chain, err := blockchain.NewClient(pool, limiter, r.logger)
	if err != nil {
		return nil, err
	}
	r.shutdown.AddFunc("chain_client", func() error {
		chain.Close()
		return nil
	})

	chainID, err := chain.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	if chainID.Int64() != cfg.ChainID {
		return nil, fmt.Errorf("rpc nodes serve chain %s, configured chain_id is %d", chainID, cfg.ChainID)
	}

	w, err := wallet.NewWallet(cfg.PrivateKey, big.NewInt(cfg.ChainID))
	if err != nil {
		return nil, fmt.Errorf("wallet: %w", err)
	}
	r.logger.Info("💳 Wallet loaded", zap.String("address", w.String()))

	agg, err := aggregator.NewClient(cfg.AggregatorURL, cfg.AggregatorAPIKey, r.logger)
	if err != nil {
		return nil, err
	}

	native := common.HexToAddress(cfg.NativeToken)
	quoteCfg := quote.DefaultConfig()
	quoteCfg.ChainID = cfg.ChainID
	quoteCfg.Wallet = w.Address
	quoteCfg.NativeToken = native
	quoteCfg.MaxRetries = cfg.QuoteRetries
	quoteCfg.CacheTTL = cfg.QuoteCacheTTL
	quotes, err := quote.NewClient(quoteCfg, agg, pool, limiter, chain, r.logger, r.metrics)
	if err != nil {
		return nil, err
	}
	r.shutdown.AddFunc("quote_cache", func() error {
		quotes.Close()
		return nil
	})

	execCfg := executor.DefaultConfig()
	execCfg.NativeToken = native
	execCfg.ConfirmTimeout = cfg.ConfirmTimeout
	execCfg.MaxSubmitAttempts = cfg.MaxSubmitAttempts
	if cfg.GasBumpPercent > 0 {
		execCfg.GasBumpPercent = cfg.GasBumpPercent
	}
	exec := executor.New(execCfg, chain, quotes, w, r.logger, r.metrics)

	book := position.NewBook(position.NewStore(cfg.PositionsFile), r.logger)
	if err := book.Load(); err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	bus := events.NewBus(r.logger, busBufferSize)
	// registered before the bus so the bus drains into an open journal
	if cfg.TradesFile != "" {
		journal, err := logger.NewTradeJournal(cfg.TradesFile, journalFlushInterval, r.logger.Named("journal"))
		if err != nil {
			return nil, fmt.Errorf("trade journal: %w", err)
		}
		r.shutdown.Add("trade_journal", journal)
		subscribeJournal(bus, journal, r.logger)
	}
	subscribeFailures(bus, r.logger)
	r.shutdown.AddFunc("event_bus", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return bus.Shutdown(ctx)
	})

	monCfg := monitor.DefaultConfig()
	monCfg.CheckInterval = cfg.CheckInterval
	monCfg.SlippageBps = cfg.SlippageBps
	monCfg.MaxPositions = cfg.MaxPositions
	mon := monitor.New(monCfg, book, quotes, exec, bus, r.logger, r.metrics)

	return &components{
		pool:     pool,
		executor: exec,
		quotes:   quotes,
		book:     book,
		bus:      bus,
		monitor:  mon,
	}, nil
}

// ClosePositions stops monitoring the given positions without selling, e.g.
// after their tokens were moved out by hand. Every id is tried.
func (r *Runner) ClosePositions(ids []string) error {
	book := position.NewBook(position.NewStore(r.config.PositionsFile), r.logger)
	if err := book.Load(); err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	mon := monitor.New(monitor.DefaultConfig(), book, nil, nil, nil, r.logger, r.metrics)

	var errs []error
	for _, id := range ids {
		if err := mon.Close(id); err != nil {
			r.logger.Error("Cannot close position", zap.String("position_id", id), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		r.logger.Info("🔒 Position closed on request", zap.String("position_id", id))
	}
	return errors.Join(errs...)
}

func limiterConfig(cfg *config.Config) ratelimit.Config {
	lc := ratelimit.DefaultConfig()
	lc.Windows = map[ratelimit.Category][]ratelimit.Window{
		ratelimit.CategoryQuote: {
			{Length: time.Minute, MaxCalls: cfg.QuoteRequestsPerMinute},
			{Length: time.Hour, MaxCalls: cfg.QuoteRequestsPerHour},
		},
		ratelimit.CategoryChain: {
			{Length: time.Second, MaxCalls: cfg.ChainRequestsPerSecond},
		},
	}
	if cfg.RateLimitWait > 0 {
		lc.MaxWait = cfg.RateLimitWait
	}
	return lc
}

// session hunts the configured token while persisted positions are
// monitored, then monitors until every position is flat.
func (r *Runner) session(ctx context.Context, s *components) error {
	mon := s.monitor
	if open := s.book.ActiveCount(); open > 0 {
		r.logger.Info("📂 Resuming persisted positions", zap.Int("open", open))
	}

	if r.opts.MonitorOnly {
		return mon.Run(ctx)
	}
	if s.book.ActiveCount() >= r.config.MaxPositions {
		return fmt.Errorf("%w: close a position before hunting", monitor.ErrTooManyPositions)
	}

	var g errgroup.Group
	if !mon.Done() {
		g.Go(func() error {
			return mon.Run(ctx)
		})
	}
	g.Go(func() error {
		pos, err := r.hunt(ctx, s)
		if err != nil {
			return err
		}
		return mon.Add(pos)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	// the bought position arrived after the first monitor run went flat
	if !mon.Done() {
		return mon.Run(ctx)
	}
	return nil
}

func (r *Runner) hunt(ctx context.Context, s *components) (*position.Position, error) {
	cfg := r.config
	p := poller.New(poller.Config{
		Token:            r.token,
		Symbol:           r.opts.Symbol,
		NativeToken:      common.HexToAddress(cfg.NativeToken),
		AmountIn:         cfg.Investment,
		SlippageBps:      cfg.SlippageBps,
		Interval:         cfg.PollInterval,
		QuoteValidity:    cfg.QuoteValidity,
		WaitForLiquidity: cfg.WaitForLiquidity,
	}, s.quotes, s.executor, s.bus, r.logger, r.metrics,
		poller.OnStateChange(func(from, to poller.State) {
			r.logger.Debug("Poller state", zap.String("from", string(from)), zap.String("to", string(to)))
		}))

	r.logger.Info("🎯 Hunting token",
		zap.String("token", r.token.Hex()),
		zap.String("symbol", r.opts.Symbol),
		zap.String("investment", cfg.Investment.String()))
	return p.Run(ctx)
}

// watchPool fails the session once the pool stays exhausted for
// MaxExhaustedRetries cool-downs.
func (r *Runner) watchPool(ctx context.Context, pool *rpc.Pool) error {
	ticker := time.NewTicker(r.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if pool.HasHealthyNodes() {
			continue
		}
		if _, err := pool.WaitAvailable(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("💥 RPC pool exhausted", zap.Any("nodes", pool.Snapshot()))
			return fmt.Errorf("fatal: %w", err)
		}
	}
}

// Shutdown closes every component and flushes the log.
func (r *Runner) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.shutdown.Shutdown(ctx); err != nil {
		r.logger.Warn("Shutdown finished with errors", zap.Error(err))
	}

	r.logger.Info("👋 Alpha hunter stopped")
	if err := logger.Sync(r.logger); err != nil {
		fmt.Fprintf(os.Stderr, "failed to sync logger during shutdown: %v\n", err)
	}
}
