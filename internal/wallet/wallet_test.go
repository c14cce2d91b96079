package wallet

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// well-known throwaway key from the go-ethereum test suite
const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func TestNewWalletDerivesAddress(t *testing.T) {
	w, err := NewWallet("0x"+testKey, big.NewInt(56))
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress("0x71562b71999873DB5b286dF957af199Ec94617F7"), w.Address)
	assert.Equal(t, w.Address.Hex(), w.String())
	assert.Equal(t, int64(56), w.ChainID().Int64())
}

func TestNewWalletRejectsBadInput(t *testing.T) {
	_, err := NewWallet("abc", big.NewInt(56))
	assert.Error(t, err)

	_, err = NewWallet(testKey, big.NewInt(0))
	assert.Error(t, err)

	_, err = NewWallet("zz"+testKey[2:], big.NewInt(56))
	assert.Error(t, err)
}

func TestSignTransactionRecoversSender(t *testing.T) {
	w, err := NewWallet(testKey, big.NewInt(56))
	require.NoError(t, err)

	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    7,
		GasPrice: big.NewInt(3_000_000_000),
		Gas:      21_000,
		To:       &to,
		Value:    big.NewInt(1),
	})

	signed, err := w.SignTransaction(tx)
	require.NoError(t, err)

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(56)), signed)
	require.NoError(t, err)
	assert.Equal(t, w.Address, sender)
	assert.Equal(t, int64(56), signed.ChainId().Int64())
}
