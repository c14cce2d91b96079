// internal/executor/executor.go
package executor

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/alpha-hunter/internal/blockchain"
	"github.com/rovshanmuradov/alpha-hunter/internal/metrics"
	"github.com/rovshanmuradov/alpha-hunter/internal/position"
	"github.com/rovshanmuradov/alpha-hunter/internal/quote"
	"github.com/rovshanmuradov/alpha-hunter/internal/wallet"
)

const bpsDenominator = 10_000

// Chain is the subset of the chain client the executor needs.
type Chain interface {
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Quoter produces executable quotes.
type Quoter interface {
	GetQuote(ctx context.Context, req quote.Request) (*quote.Quote, error)
}

// Config tunes submission and confirmation.
type Config struct {
	NativeToken         common.Address
	GasBumpPercent      int
	GasLimitBufferPct   int
	MaxSubmitAttempts   int
	ConfirmTimeout      time.Duration
	ReceiptPollInterval time.Duration
	// PostTradeTimeout bounds the balance reads after a confirmed trade.
	PostTradeTimeout time.Duration
}

// DefaultConfig mirrors the hunter defaults: 300s to confirm, receipts
// polled every 3s.
func DefaultConfig() Config {
	return Config{
		NativeToken:         blockchain.NativeToken,
		GasBumpPercent:      20,
		GasLimitBufferPct:   20,
		MaxSubmitAttempts:   3,
		ConfirmTimeout:      300 * time.Second,
		ReceiptPollInterval: 3 * time.Second,
		PostTradeTimeout:    30 * time.Second,
	}
}

// Executor turns quotes into signed, confirmed transactions.
type Executor struct {
	cfg     Config
	chain   Chain
	quoter  Quoter
	wallet  *wallet.Wallet
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time

	// nonceMu serializes broadcasts so parallel sells do not race for a nonce.
	nonceMu    sync.Mutex
	nextNonce  uint64
	nonceKnown bool
}

func New(cfg Config, chain Chain, quoter Quoter, w *wallet.Wallet, logger *zap.Logger, m *metrics.Collector) *Executor {
	def := DefaultConfig()
	if cfg.MaxSubmitAttempts <= 0 {
		cfg.MaxSubmitAttempts = def.MaxSubmitAttempts
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = def.ReceiptPollInterval
	}
	if cfg.PostTradeTimeout <= 0 {
		cfg.PostTradeTimeout = def.PostTradeTimeout
	}
	if cfg.GasBumpPercent <= 0 {
		cfg.GasBumpPercent = def.GasBumpPercent
	}

	return &Executor{
		cfg:     cfg,
		chain:   chain,
		quoter:  quoter,
		wallet:  w,
		logger:  logger.Named("executor"),
		metrics: m,
		now:     time.Now,
	}
}

// Wallet returns the trading account.
func (e *Executor) Wallet() common.Address {
	return e.wallet.Address
}

// Buy quotes amountIn of native coin into token and executes the swap.
func (e *Executor) Buy(ctx context.Context, token common.Address, amountIn decimal.Decimal, maxSlippageBps int) (*position.Position, error) {
	if !amountIn.IsPositive() {
		return nil, fmt.Errorf("buy amount must be positive, got %s", amountIn)
	}

	q, err := e.quoter.GetQuote(ctx, quote.Request{
		TokenIn:     e.cfg.NativeToken,
		TokenOut:    token,
		AmountIn:    blockchain.ToBaseUnits(amountIn, blockchain.NativeDecimals),
		SlippageBps: maxSlippageBps,
	})
	if err != nil {
		return nil, fmt.Errorf("buy quote: %w", err)
	}
	return e.BuyWithQuote(ctx, q, maxSlippageBps)
}

// BuyWithQuote executes a quote obtained by the caller. The returned
// position is sized from the wallet's token balance change.
func (e *Executor) BuyWithQuote(ctx context.Context, q *quote.Quote, maxSlippageBps int) (p *position.Position, err error) {
	start := e.now()
	defer func() {
		e.metrics.RecordTrade(ctx, "buy", e.now().Sub(start), err)
	}()

	if err := checkQuote(q, maxSlippageBps); err != nil {
		return nil, err
	}
	token := q.OutputToken
	log := e.logger.With(
		zap.String("token", token.Hex()),
		zap.String("route", q.RouteID),
		zap.String("tool", q.Tool))

	value := q.Tx.Value
	if value == nil {
		value = new(big.Int).Set(q.InputAmount)
	}
	params, err := e.prepare(ctx, q.Tx.To, q.Tx.Data, value, q.Tx.GasLimit, q.Tx.GasPrice)
	if err != nil {
		return nil, err
	}
	if err := e.ensureNative(ctx, params.cost()); err != nil {
		return nil, err
	}

	decimals, err := e.chain.TokenDecimals(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("token decimals: %w", err)
	}
	before, err := e.chain.TokenBalance(ctx, token, e.wallet.Address)
	if err != nil {
		return nil, fmt.Errorf("token balance before buy: %w", err)
	}

	log.Info("Submitting buy",
		zap.String("amount_in", blockchain.ToDecimal(q.InputAmount, blockchain.NativeDecimals).String()),
		zap.String("expected_out", q.OutputAmount.String()),
		zap.String("min_out", bigString(q.OutputAmountMin)))

	hash, err := e.submit(ctx, params)
	if err != nil {
		return nil, err
	}
	if _, err := e.confirm(ctx, hash); err != nil {
		return nil, err
	}

	// the buy is on chain; finish sizing even if the caller is stopping
	post, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PostTradeTimeout)
	defer cancel()

	received := q.OutputAmount
	if after, err := e.chain.TokenBalance(post, token, e.wallet.Address); err != nil {
		log.Warn("Balance read after buy failed, sizing from quote", zap.Error(err))
	} else if delta := new(big.Int).Sub(after, before); delta.Sign() > 0 {
		received = delta
	} else {
		log.Warn("No balance change after buy, sizing from quote",
			zap.String("before", before.String()),
			zap.String("after", after.String()))
	}

	p, err = position.New(
		token, "", decimals,
		blockchain.ToDecimal(q.InputAmount, blockchain.NativeDecimals),
		blockchain.ToDecimal(received, decimals),
		hash.Hex(), e.now())
	if err != nil {
		return nil, err
	}

	log.Info("Buy confirmed",
		zap.String("tx_hash", hash.Hex()),
		zap.String("quantity", p.TotalQuantity.String()),
		zap.String("entry_price", p.EntryPrice.String()))
	return p, nil
}

// PositionFromTx sizes a position for a buy whose outcome was unknown and
// later reconciled as confirmed. The balance delta is not available, so the
// quote's expected output is used.
func (e *Executor) PositionFromTx(ctx context.Context, q *quote.Quote, hash common.Hash) (*position.Position, error) {
	decimals, err := e.chain.TokenDecimals(ctx, q.OutputToken)
	if err != nil {
		return nil, err
	}
	return position.New(
		q.OutputToken, "", decimals,
		blockchain.ToDecimal(q.InputAmount, blockchain.NativeDecimals),
		blockchain.ToDecimal(q.OutputAmount, decimals),
		hash.Hex(), e.now())
}

// checkQuote enforces the slippage bound: the aggregator's guaranteed
// minimum must not be below out·(10000−bps)/10000.
func checkQuote(q *quote.Quote, maxSlippageBps int) error {
	if q == nil || q.Tx == nil {
		return fmt.Errorf("quote carries no transaction")
	}
	if q.OutputAmount == nil || q.OutputAmount.Sign() <= 0 {
		return quote.ErrNoRoute
	}
	if maxSlippageBps < 0 || maxSlippageBps >= bpsDenominator {
		return fmt.Errorf("slippage %d bps out of range", maxSlippageBps)
	}

	minOut := MinOut(q.OutputAmount, maxSlippageBps)
	if q.OutputAmountMin != nil && q.OutputAmountMin.Cmp(minOut) < 0 {
		return &ExecutionError{
			Reason: ReasonSlippage,
			Err:    fmt.Errorf("guaranteed output %s below tolerance %s", q.OutputAmountMin, minOut),
		}
	}
	return nil
}

// MinOut is the smallest acceptable output for a slippage tolerance.
func MinOut(out *big.Int, bps int) *big.Int {
	m := new(big.Int).Mul(out, big.NewInt(int64(bpsDenominator-bps)))
	return m.Quo(m, big.NewInt(bpsDenominator))
}

func (e *Executor) ensureNative(ctx context.Context, need *big.Int) error {
	balance, err := e.chain.NativeBalance(ctx, e.wallet.Address)
	if err != nil {
		return fmt.Errorf("native balance: %w", err)
	}
	if balance.Cmp(need) < 0 {
		return &ExecutionError{
			Reason: ReasonInsufficientFunds,
			Err: fmt.Errorf("balance %s < required %s",
				blockchain.ToDecimal(balance, blockchain.NativeDecimals),
				blockchain.ToDecimal(need, blockchain.NativeDecimals)),
		}
	}
	return nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
