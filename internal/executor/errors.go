package executor

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Reason classifies a definite execution failure.
type Reason string

const (
	// ReasonRejected: the transaction was mined and reverted.
	ReasonRejected Reason = "rejected"
	// ReasonTimeout: submitted, but no receipt inside the confirmation window.
	// The outcome is unknown and must be reconciled.
	ReasonTimeout Reason = "timeout"
	// ReasonInsufficientFunds: the wallet cannot cover amount plus gas.
	ReasonInsufficientFunds Reason = "insufficient_funds"
	// ReasonSlippage: the quote's guaranteed minimum is below the tolerance.
	ReasonSlippage Reason = "slippage"
)

var (
	// ErrStillPending is returned by Reconcile while no receipt exists.
	ErrStillPending = errors.New("transaction still pending")

	// ErrNoBalance is wrapped by the ReasonInsufficientFunds error of a sell
	// when the wallet holds none of the token.
	ErrNoBalance = errors.New("no token balance")
)

// ExecutionError describes a failed buy, sell or approval.
type ExecutionError struct {
	Reason Reason
	TxHash common.Hash
	Err    error
}

func (e *ExecutionError) Error() string {
	msg := string(e.Reason)
	if e.TxHash != (common.Hash{}) {
		msg = fmt.Sprintf("%s (tx %s)", msg, e.TxHash.Hex())
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return "execution " + msg
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsReason reports whether err is an ExecutionError with the given reason.
func IsReason(err error, reason Reason) bool {
	var ee *ExecutionError
	return errors.As(err, &ee) && ee.Reason == reason
}

// Submitted returns the hash of a transaction that reached the network, if
// err carries one.
func Submitted(err error) (common.Hash, bool) {
	var ee *ExecutionError
	if errors.As(err, &ee) && ee.TxHash != (common.Hash{}) {
		return ee.TxHash, true
	}
	return common.Hash{}, false
}
