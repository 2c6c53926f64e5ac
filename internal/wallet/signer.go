package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidKey indicates unusable key material.
var ErrInvalidKey = errors.New("invalid signing key")

// KeySigner signs transactions with an in-memory secp256k1 key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner wraps an existing private key.
func NewKeySigner(key *ecdsa.PrivateKey) (*KeySigner, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: nil key", ErrInvalidKey)
	}
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// NewKeySignerFromHex parses a hex private key, with or without 0x.
func NewKeySignerFromHex(rawKey string) (*KeySigner, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(rawKey), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return NewKeySigner(key)
}

// NewKeySignerFromKeystore decrypts a V3 keystore file.
func NewKeySignerFromKeystore(path string, password string) (*KeySigner, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read keystore: %w", ErrInvalidKey, err)
	}
	decrypted, err := keystore.DecryptKey(contents, password)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt keystore: %w", ErrInvalidKey, err)
	}
	return NewKeySigner(decrypted.PrivateKey)
}

// Address returns the signing account.
func (signer *KeySigner) Address() common.Address {
	return signer.address
}

// SignTx signs transaction for chainID.
func (signer *KeySigner) SignTx(transaction *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if chainID == nil {
		return nil, errors.New("chain id is required")
	}
	return types.SignTx(transaction, types.LatestSignerForChainID(chainID), signer.key)
}
