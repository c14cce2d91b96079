package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/alpha-hunter/internal/blockchain"
	"github.com/rovshanmuradov/alpha-hunter/internal/blockchain/rpc"
	"github.com/rovshanmuradov/alpha-hunter/internal/ratelimit"
)

type txParams struct {
	to       common.Address
	data     []byte
	value    *big.Int
	gasLimit uint64
	gasPrice *big.Int
}

// cost is the worst-case native spend: value plus gasLimit·gasPrice.
func (p txParams) cost() *big.Int {
	fee := new(big.Int).Mul(new(big.Int).SetUint64(p.gasLimit), p.gasPrice)
	return fee.Add(fee, p.value)
}

// prepare fills in gas parameters the aggregator left out.
func (e *Executor) prepare(ctx context.Context, to common.Address, data []byte, value *big.Int, gasLimit uint64, gasPrice *big.Int) (txParams, error) {
	p := txParams{to: to, data: data, value: value, gasLimit: gasLimit, gasPrice: gasPrice}
	if p.value == nil {
		p.value = new(big.Int)
	}

	if p.gasPrice == nil || p.gasPrice.Sign() == 0 {
		price, err := e.chain.SuggestGasPrice(ctx)
		if err != nil {
			return txParams{}, fmt.Errorf("suggest gas price: %w", err)
		}
		p.gasPrice = price
	}

	if p.gasLimit == 0 {
		estimate, err := e.chain.EstimateGas(ctx, ethereum.CallMsg{
			From:     e.wallet.Address,
			To:       &to,
			GasPrice: p.gasPrice,
			Value:    p.value,
			Data:     data,
		})
		if err != nil {
			return txParams{}, fmt.Errorf("estimate gas: %w", err)
		}
		p.gasLimit = estimate * uint64(100+e.cfg.GasLimitBufferPct) / 100
	}
	return p, nil
}

// isReplaceable reports errors that a fresh nonce or a higher gas price can
// fix.
func isReplaceable(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "underpriced") ||
		strings.Contains(msg, "replacement transaction")
}

// takenNonce reports that the nonce is already used, as opposed to a gas
// price below the node's floor.
func takenNonce(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") || strings.Contains(msg, "replacement transaction")
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// mayHaveBroadcast reports whether a failed send could still have reached a
// node. Only a node's own answer, the rate limiter, or an exhausted pool with
// no attempt made prove the transaction never left.
func mayHaveBroadcast(err error) bool {
	if errors.Is(err, ratelimit.ErrRateLimited) {
		return false
	}
	var nodeErr *rpc.Error
	if errors.Is(err, rpc.ErrPoolExhausted) && !errors.As(err, &nodeErr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return rpc.IsNodeFailure(err)
}

// submit signs and broadcasts p. Each attempt uses the current pending nonce;
// after a nonce or price conflict the gas price is raised by GasBumpPercent.
// A send that fails without a definite answer from the node returns an
// ExecutionError with ReasonTimeout carrying the signed hash, so the caller
// reconciles instead of sending again.
func (e *Executor) submit(ctx context.Context, p txParams) (common.Hash, error) {
	e.nonceMu.Lock()
	defer e.nonceMu.Unlock()

	gasPrice := new(big.Int).Set(p.gasPrice)
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxSubmitAttempts; attempt++ {
		nonce, err := e.chain.PendingNonce(ctx, e.wallet.Address)
		if err != nil {
			return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
		}
		// a lagging node may not see our previous broadcast yet
		if e.nonceKnown && e.nextNonce > nonce {
			nonce = e.nextNonce
		}

		to := p.to
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      p.gasLimit,
			To:       &to,
			Value:    p.value,
			Data:     p.data,
		})
		signed, err := e.wallet.SignTransaction(tx)
		if err != nil {
			return common.Hash{}, err
		}

		if err := ctx.Err(); err != nil {
			return common.Hash{}, err
		}
		err = e.chain.SendTransaction(ctx, signed)
		if err == nil || isAlreadyKnown(err) {
			e.logger.Debug("Transaction submitted",
				zap.String("tx_hash", signed.Hash().Hex()),
				zap.Uint64("nonce", nonce),
				zap.String("gas_price", gasPrice.String()),
				zap.Int("attempt", attempt))
			e.nextNonce, e.nonceKnown = nonce+1, true
			return signed.Hash(), nil
		}
		if ctx.Err() != nil || (!isReplaceable(err) && mayHaveBroadcast(err)) {
			e.logger.Warn("Send outcome unknown, transaction may be in flight",
				zap.String("tx_hash", signed.Hash().Hex()),
				zap.Uint64("nonce", nonce),
				zap.Error(err))
			return common.Hash{}, &ExecutionError{Reason: ReasonTimeout, TxHash: signed.Hash(), Err: err}
		}
		if !isReplaceable(err) {
			return common.Hash{}, fmt.Errorf("send transaction: %w", err)
		}

		lastErr = err
		if takenNonce(err) {
			e.nextNonce, e.nonceKnown = nonce+1, true
		}
		bumped := new(big.Int).Mul(gasPrice, big.NewInt(int64(100+e.cfg.GasBumpPercent)))
		gasPrice = bumped.Quo(bumped, big.NewInt(100))

		e.logger.Warn("Submission conflict, retrying with higher gas price",
			zap.Int("attempt", attempt),
			zap.Uint64("nonce", nonce),
			zap.String("next_gas_price", gasPrice.String()),
			zap.Error(err))
	}

	return common.Hash{}, fmt.Errorf("send transaction after %d attempts: %w", e.cfg.MaxSubmitAttempts, lastErr)
}

// confirm polls for the receipt. The wait is detached from ctx: a stop
// request must not abandon a transaction that may still land, so only
// ConfirmTimeout ends it.
func (e *Executor) confirm(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.chain.TransactionReceipt(waitCtx, hash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				e.logger.Error("Transaction reverted",
					zap.String("tx_hash", hash.Hex()),
					zap.Uint64("block", blockNumber(receipt)))
				return receipt, &ExecutionError{Reason: ReasonRejected, TxHash: hash}
			}
			return receipt, nil
		case errors.Is(err, blockchain.ErrReceiptNotFound):
		default:
			if waitCtx.Err() == nil {
				e.logger.Debug("Receipt lookup failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
			}
		}

		select {
		case <-waitCtx.Done():
			e.logger.Warn("Transaction not confirmed in time",
				zap.String("tx_hash", hash.Hex()),
				zap.Duration("timeout", e.cfg.ConfirmTimeout))
			return nil, &ExecutionError{
				Reason: ReasonTimeout,
				TxHash: hash,
				Err:    fmt.Errorf("no receipt after %s", e.cfg.ConfirmTimeout),
			}
		case <-ticker.C:
		}
	}
}

// Reconcile looks up the receipt of a transaction whose outcome was unknown.
// It returns the receipt when mined successfully, an ExecutionError with
// ReasonRejected when reverted, and ErrStillPending when there is no receipt.
func (e *Executor) Reconcile(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := e.chain.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, blockchain.ErrReceiptNotFound) {
			return nil, ErrStillPending
		}
		return nil, fmt.Errorf("reconcile %s: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, &ExecutionError{Reason: ReasonRejected, TxHash: hash}
	}
	return receipt, nil
}

func blockNumber(r *types.Receipt) uint64 {
	if r == nil || r.BlockNumber == nil {
		return 0
	}
	return r.BlockNumber.Uint64()
}
