// internal/blockchain/client.go
package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/alpha-hunter/internal/blockchain/rpc"
	"github.com/rovshanmuradov/alpha-hunter/internal/ratelimit"
)

const defaultCallTimeout = 10 * time.Second

// Client performs chain reads and writes through the RPC pool, paced by the
// chain budget of the rate limiter.
type Client struct {
	pool        *rpc.Pool
	limiter     *ratelimit.Limiter
	decimals    *ristretto.Cache
	logger      *zap.Logger
	callTimeout time.Duration
}

// NewClient creates a chain client.
func NewClient(pool *rpc.Pool, limiter *ratelimit.Limiter, logger *zap.Logger) (*Client, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create decimals cache: %w", err)
	}

	return &Client{
		pool:        pool,
		limiter:     limiter,
		decimals:    cache,
		logger:      logger.Named("chain"),
		callTimeout: defaultCallTimeout,
	}, nil
}

// Close releases the cache. The pool is owned by the caller.
func (c *Client) Close() {
	c.decimals.Close()
}

func (c *Client) do(ctx context.Context, op func(ctx context.Context, client rpc.EthClient) error) error {
	if c.limiter != nil {
		if err := c.limiter.Admit(ctx, ratelimit.CategoryChain); err != nil {
			return err
		}
	}
	return c.pool.Execute(ctx, func(ctx context.Context, node *rpc.NodeClient) error {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		return op(callCtx, node.Client)
	})
}

// ChainID returns the chain id reported by the nodes.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.do(ctx, func(ctx context.Context, client rpc.EthClient) error {
		var err error
		id, err = client.ChainID(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	return id, nil
}

// NativeBalance returns the native coin balance of account in wei.
func (c *Client) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	var bal *big.Int
	err := c.do(ctx, func(ctx context.Context, client rpc.EthClient) error {
		var err error
		bal, err = client.BalanceAt(ctx, account, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", account.Hex(), err)
	}
	return bal, nil
}

func (c *Client) callUint256(ctx context.Context, to common.Address, data []byte) (*big.Int, error) {
	var out []byte
	err := c.do(ctx, func(ctx context.Context, client rpc.EthClient) error {
		var err error
		out, err = client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrEmptyResult
	}
	return new(big.Int).SetBytes(out), nil
}

// TokenBalance returns the ERC-20 balance of owner in base units. The native
// token is answered from the account balance.
func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	if IsNative(token) {
		return c.NativeBalance(ctx, owner)
	}
	bal, err := c.callUint256(ctx, token, balanceOfData(owner))
	if err != nil {
		return nil, fmt.Errorf("balanceOf(%s) on %s: %w", owner.Hex(), token.Hex(), err)
	}
	return bal, nil
}

// TokenDecimals returns the ERC-20 decimals of token, cached for the process
// lifetime.
func (c *Client) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	if IsNative(token) {
		return NativeDecimals, nil
	}
	key := token.Hex()
	if v, ok := c.decimals.Get(key); ok {
		return v.(uint8), nil
	}

	raw, err := c.callUint256(ctx, token, decimalsData())
	if err != nil {
		return 0, fmt.Errorf("decimals() on %s: %w", token.Hex(), err)
	}
	if !raw.IsUint64() || raw.Uint64() > 255 {
		return 0, fmt.Errorf("decimals() on %s: implausible value %s", token.Hex(), raw)
	}
	dec := uint8(raw.Uint64())

	c.decimals.Set(key, dec, 1)
	c.decimals.Wait()
	return dec, nil
}

// Allowance returns the ERC-20 allowance owner granted to spender.
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	if IsNative(token) {
		return new(big.Int).Set(MaxUint256), nil
	}
	allowance, err := c.callUint256(ctx, token, allowanceData(owner, spender))
	if err != nil {
		return nil, fmt.Errorf("allowance(%s, %s) on %s: %w", owner.Hex(), spender.Hex(), token.Hex(), err)
	}
	return allowance, nil
}

// PendingNonce returns the next nonce of account including pending txs.
func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.do(ctx, func(ctx context.Context, client rpc.EthClient) error {
		var err error
		nonce, err = client.PendingNonceAt(ctx, account)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("pending nonce: %w", err)
	}
	return nonce, nil
}

// SuggestGasPrice returns the node's legacy gas price suggestion.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := c.do(ctx, func(ctx context.Context, client rpc.EthClient) error {
		var err error
		price, err = client.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	return price, nil
}

// EstimateGas estimates the gas of msg.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.do(ctx, func(ctx context.Context, client rpc.EthClient) error {
		var err error
		gas, err = client.EstimateGas(ctx, msg)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("estimate gas: %w", err)
	}
	return gas, nil
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	err := c.do(ctx, func(ctx context.Context, client rpc.EthClient) error {
		return client.SendTransaction(ctx, tx)
	})
	if err != nil {
		return fmt.Errorf("send transaction %s: %w", tx.Hash().Hex(), err)
	}
	c.logger.Debug("Transaction sent", zap.String("tx_hash", tx.Hash().Hex()))
	return nil
}

// TransactionReceipt returns the receipt of hash, or ErrReceiptNotFound
// while the transaction is pending.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.do(ctx, func(ctx context.Context, client rpc.EthClient) error {
		var err error
		receipt, err = client.TransactionReceipt(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
	}
	return receipt, nil
}
