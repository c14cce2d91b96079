// ==================================
// File: internal/wallet/wallet.go
// ==================================
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet представляет EVM-кошелёк с ключом для подписи транзакций.
type Wallet struct {
	privateKey *ecdsa.PrivateKey
	Address    common.Address
	chainID    *big.Int
	signer     types.Signer
}

// NewWallet создаёт кошелёк из hex-encoded приватного ключа (с 0x или без).
func NewWallet(privateKeyHex string, chainID *big.Int) (*Wallet, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("invalid chain id: %v", chainID)
	}

	key := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("invalid private key length: expected 64 hex chars, got %d", len(key))
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}

	return &Wallet{
		privateKey: privateKey,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    new(big.Int).Set(chainID),
		signer:     types.LatestSignerForChainID(chainID),
	}, nil
}

// ChainID returns the chain the wallet signs for.
func (w *Wallet) ChainID() *big.Int {
	return new(big.Int).Set(w.chainID)
}

// SignTransaction подписывает транзакцию (EIP-155 replay protection).
func (w *Wallet) SignTransaction(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, w.signer, w.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// String возвращает адрес кошелька; ключ никогда не печатается.
func (w *Wallet) String() string {
	return w.Address.Hex()
}
