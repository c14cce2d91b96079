// internal/blockchain/rpc/client.go
package rpc

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/alpha-hunter/internal/config"
)

// Dial connects to every URL and builds a pool of the endpoints that answered.
// Unreachable endpoints are logged and skipped.
func Dial(ctx context.Context, urls []string, cfg PoolConfig, logger *zap.Logger, opts ...Option) (*Pool, error) {
	if len(urls) == 0 {
		return nil, ErrNoNodes
	}

	nodes := make([]*NodeClient, 0, len(urls))
	for _, url := range urls {
		dialCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
		client, err := ethclient.DialContext(dialCtx, url)
		cancel()
		if err != nil {
			logger.Warn("Failed to dial RPC node",
				zap.String("node", config.MaskRPC(url)),
				zap.Error(err))
			continue
		}
		nodes = append(nodes, NewNodeClient(url, client))
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: none of %d endpoints could be dialed", ErrNoNodes, len(urls))
	}

	logger.Info("RPC pool ready", zap.Int("nodes", len(nodes)))
	return NewPool(nodes, cfg, logger, opts...), nil
}
