package executor

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/alpha-hunter/internal/blockchain"
	"github.com/rovshanmuradov/alpha-hunter/internal/position"
	"github.com/rovshanmuradov/alpha-hunter/internal/quote"
)

// SellResult describes a sell. NativeReceived is the quoted output of the
// executed route; the wallet's native balance is shared by concurrent sells
// and cannot attribute proceeds to one transaction.
type SellResult struct {
	Quantity       decimal.Decimal
	NativeReceived decimal.Decimal
	Price          decimal.Decimal
	TxHash         common.Hash
}

// SubmitHook observes a sell right after broadcast, before its outcome is
// known.
type SubmitHook func(pending SellResult)

// Sell sells fraction of the position's remaining quantity for native coin.
// The position itself is not modified.
func (e *Executor) Sell(ctx context.Context, pos *position.Position, fraction decimal.Decimal, maxSlippageBps int, hooks ...SubmitHook) (res *SellResult, err error) {
	start := e.now()
	defer func() {
		e.metrics.RecordTrade(ctx, "sell", e.now().Sub(start), err)
	}()

	if !pos.Active() {
		return nil, position.ErrClosed
	}
	if !fraction.IsPositive() || fraction.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("sell fraction %s out of range", fraction)
	}

	token := pos.Token
	log := e.logger.With(
		zap.String("position_id", pos.ID),
		zap.String("token", token.Hex()),
		zap.String("fraction", fraction.String()))

	amount := blockchain.ToBaseUnits(pos.RemainingQuantity.Mul(fraction), pos.Decimals)
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("sell quantity below token precision")
	}

	balance, err := e.chain.TokenBalance(ctx, token, e.wallet.Address)
	if err != nil {
		return nil, fmt.Errorf("token balance: %w", err)
	}
	if balance.Sign() == 0 {
		return nil, &ExecutionError{Reason: ReasonInsufficientFunds, Err: fmt.Errorf("%w: %s", ErrNoBalance, token.Hex())}
	}
	if balance.Cmp(amount) < 0 {
		// fee-on-transfer tokens hold slightly less than recorded
		log.Warn("Wallet holds less than the sell amount, selling balance",
			zap.String("amount", amount.String()),
			zap.String("balance", balance.String()))
		amount = balance
	}

	q, err := e.quoter.GetQuote(ctx, quote.Request{
		TokenIn:     token,
		TokenOut:    e.cfg.NativeToken,
		AmountIn:    amount,
		SlippageBps: maxSlippageBps,
	})
	if err != nil {
		return nil, fmt.Errorf("sell quote: %w", err)
	}
	if err := checkQuote(q, maxSlippageBps); err != nil {
		return nil, err
	}

	spender := q.ApprovalAddress
	if spender == (common.Address{}) {
		spender = q.Tx.To
	}
	if err := e.ensureAllowance(ctx, token, spender, amount); err != nil {
		return nil, err
	}

	params, err := e.prepare(ctx, q.Tx.To, q.Tx.Data, q.Tx.Value, q.Tx.GasLimit, q.Tx.GasPrice)
	if err != nil {
		return nil, err
	}
	if err := e.ensureNative(ctx, params.cost()); err != nil {
		return nil, err
	}

	qty := blockchain.ToDecimal(amount, pos.Decimals)
	native := blockchain.ToDecimal(q.OutputAmount, blockchain.NativeDecimals)
	result := SellResult{
		Quantity:       qty,
		NativeReceived: native,
		Price:          native.Div(qty),
	}

	log.Info("Submitting sell",
		zap.String("quantity", qty.String()),
		zap.String("expected_native", native.String()),
		zap.String("min_out", bigString(q.OutputAmountMin)))

	hash, err := e.submit(ctx, params)
	if err != nil {
		if inFlight, ok := Submitted(err); ok {
			result.TxHash = inFlight
			for _, hook := range hooks {
				hook(result)
			}
		}
		return nil, err
	}
	result.TxHash = hash
	for _, hook := range hooks {
		hook(result)
	}

	if _, err := e.confirm(ctx, hash); err != nil {
		return nil, err
	}

	log.Info("Sell confirmed",
		zap.String("tx_hash", hash.Hex()),
		zap.String("native", native.String()),
		zap.String("price", result.Price.String()))
	return &result, nil
}

// ensureAllowance approves spender for an unlimited amount when the current
// allowance does not cover amount. The approval is confirmed before return.
func (e *Executor) ensureAllowance(ctx context.Context, token, spender common.Address, amount *big.Int) error {
	if blockchain.IsNative(token) {
		return nil
	}

	allowance, err := e.chain.Allowance(ctx, token, e.wallet.Address, spender)
	if err != nil {
		return fmt.Errorf("allowance: %w", err)
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}

	e.logger.Info("Approving router",
		zap.String("token", token.Hex()),
		zap.String("spender", spender.Hex()),
		zap.String("current_allowance", allowance.String()))

	params, err := e.prepare(ctx, token, blockchain.ApproveData(spender, blockchain.MaxUint256), nil, 0, nil)
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	if err := e.ensureNative(ctx, params.cost()); err != nil {
		return err
	}

	hash, err := e.submit(ctx, params)
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	if _, err := e.confirm(ctx, hash); err != nil {
		return fmt.Errorf("approve: %w", err)
	}

	e.logger.Info("Approval confirmed", zap.String("tx_hash", hash.Hex()))
	return nil
}
