// internal/blockchain/types.go
package blockchain

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// NativeDecimals is the precision of BNB/ETH amounts.
const NativeDecimals = 18

var (
	// ErrReceiptNotFound means the transaction is not mined yet (or unknown).
	ErrReceiptNotFound = errors.New("receipt not found")

	// ErrEmptyResult is returned when a contract call returns no data,
	// usually because the address is not a contract.
	ErrEmptyResult = errors.New("empty contract call result")
)

var (
	// NativeToken is the zero address the aggregator uses for the chain's coin.
	NativeToken = common.Address{}

	nativePlaceholder = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")
)

// IsNative reports whether token denotes the chain's native coin.
func IsNative(token common.Address) bool {
	return token == NativeToken || token == nativePlaceholder
}

// ToDecimal converts base units to a human amount.
func ToDecimal(amount *big.Int, decimals uint8) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -int32(decimals))
}

// ToBaseUnits converts a human amount to base units, truncating the excess
// precision.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) *big.Int {
	return amount.Shift(int32(decimals)).Truncate(0).BigInt()
}
