package cryptoutils

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/inomad/custody-backend/interfaces"
)

// GenerateSigningKey returns a fresh secp256k1 private key scalar.
func GenerateSigningKey() ([]byte, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	raw := crypto.FromECDSA(key)
	wipeECDSA(key)
	return raw, nil
}

// ParseSigningKey parses a hex private key, with or without 0x prefix.
func ParseSigningKey(hexKey string) ([]byte, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidKey, err)
	}
	raw := crypto.FromECDSA(key)
	wipeECDSA(key)
	return raw, nil
}

// AddressOf derives the Ethereum address controlled by a private key scalar.
func AddressOf(signingKey []byte) (common.Address, error) {
	key, err := crypto.ToECDSA(signingKey)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", interfaces.ErrInvalidKey, err)
	}
	defer wipeECDSA(key)
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

// Signer is a reconstructed signing key scoped to a single signing call.
// Callers must Wipe it as soon as the signature is produced; it must never be
// cached, logged or persisted.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner wraps a private key scalar. The scalar is copied into the
// signer; callers wipe their own buffer.
func NewSigner(signingKey []byte) (*Signer, error) {
	key, err := crypto.ToECDSA(signingKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidKey, err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the address of the signing key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignTx signs a transaction with the latest signer for chainID.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s.key == nil {
		return nil, errors.New("signer already wiped")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// SignMessage produces an EIP-191 personal_sign signature with v in {27, 28}.
func (s *Signer) SignMessage(message []byte) ([]byte, error) {
	if s.key == nil {
		return nil, errors.New("signer already wiped")
	}
	sig, err := crypto.Sign(accounts.TextHash(message), s.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Wipe zeroes the private scalar. The signer is unusable afterwards.
func (s *Signer) Wipe() {
	if s.key == nil {
		return
	}
	wipeECDSA(s.key)
	s.key = nil
}

func wipeECDSA(key *ecdsa.PrivateKey) {
	if key == nil || key.D == nil {
		return
	}
	words := key.D.Bits()
	for i := range words {
		words[i] = 0
	}
	key.D.SetInt64(0)
}

// RecoverMessageSigner returns the address that produced a SignMessage
// signature.
func RecoverMessageSigner(message, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.New("invalid signature length")
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(message), normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
