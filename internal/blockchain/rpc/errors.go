// internal/blockchain/rpc/errors.go
package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrPoolExhausted is returned when every node is unhealthy and still
	// cooling down. Callers retry after a delay.
	ErrPoolExhausted = errors.New("all RPC nodes are unhealthy")

	// ErrNoNodes is returned by Dial when no endpoint could be dialed.
	ErrNoNodes = errors.New("no RPC nodes configured")
)

// Error wraps a node-level failure with the endpoint that produced it.
type Error struct {
	Err     error
	NodeURL string
}

func (e *Error) Error() string {
	return fmt.Sprintf("RPC error at %s: %v", e.NodeURL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNodeFailure reports whether err means the node itself misbehaved
// (transport error, HTTP error, timeout) as opposed to an answer the node
// gave correctly: execution reverts, "nonce too low", missing receipts.
func IsNodeFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ethereum.NotFound) {
		return false
	}
	var appErr gethrpc.Error
	if errors.As(err, &appErr) {
		return false
	}
	return true
}
