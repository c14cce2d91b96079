// internal/quote/types.go
package quote

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rovshanmuradov/alpha-hunter/internal/aggregator"
	"github.com/rovshanmuradov/alpha-hunter/internal/blockchain/rpc"
	"github.com/rovshanmuradov/alpha-hunter/internal/ratelimit"
)

// ErrNoRoute: ликвидности пока нет. Это штатное состояние при ожидании пула.
var ErrNoRoute = aggregator.ErrNoRoute

// ProviderError возвращается, когда все попытки исчерпаны.
type ProviderError struct {
	Attempts int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("quote provider failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Quote is an immutable swap quote. Amounts are base units.
type Quote struct {
	InputToken      common.Address
	OutputToken     common.Address
	InputAmount     *big.Int
	OutputAmount    *big.Int
	OutputAmountMin *big.Int
	RouteID         string
	Tool            string
	ApprovalAddress common.Address
	Tx              *aggregator.TxRequest
	FetchedAt       time.Time
}

// Age returns how old the quote is at now.
func (q *Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.FetchedAt)
}

// Fresh reports whether the quote is still inside the validity window.
func (q *Quote) Fresh(now time.Time, validity time.Duration) bool {
	return q.Age(now) <= validity
}

// Request describes a quote lookup.
type Request struct {
	TokenIn     common.Address
	TokenOut    common.Address
	AmountIn    *big.Int
	SlippageBps int
	// UseCache allows a recent cached answer; execution paths leave it off.
	UseCache bool
}

func (r Request) cacheKey() string {
	return fmt.Sprintf("%s:%s:%s:%d", r.TokenIn.Hex(), r.TokenOut.Hex(), r.AmountIn.String(), r.SlippageBps)
}

// Aggregator fetches raw routes.
type Aggregator interface {
	Quote(ctx context.Context, req aggregator.Request) (*aggregator.Response, error)
}

// NodeSource hands out a healthy chain node.
type NodeSource interface {
	WaitAvailable(ctx context.Context) (*rpc.NodeClient, error)
}

// Limiter paces aggregator calls.
type Limiter interface {
	Admit(ctx context.Context, cat ratelimit.Category) error
	RecordFailure(cat ratelimit.Category)
	RecordSuccess(cat ratelimit.Category)
}

// TokenInfo resolves token precision on chain.
type TokenInfo interface {
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
}
