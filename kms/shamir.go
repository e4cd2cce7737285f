package kms

import (
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/shamir"
	"github.com/inomad/custody-backend/cryptoutils"
)

// MasterKeyLength is the size of the master key sealing every server share.
const MasterKeyLength = 32

const keyCheckLabel = "custody-master-key-check"

var (
	ErrAlreadyUnsealed  = errors.New("master key already unsealed")
	ErrUnknownOperator  = errors.New("unregistered operator")
	ErrInvalidSignature = errors.New("invalid operator signature")
	ErrKeyCheckFailed   = errors.New("reconstructed master key failed verification")
)

// UnsealConfig configures a MasterKeyUnsealer.
type UnsealConfig struct {
	// Threshold is the number of operator shares needed to rebuild the key.
	Threshold int
	// Operators maps operator id to a PEM encoded ECDSA or Ed25519 public key.
	Operators map[string][]byte
	// KeyCheck is the MasterKeyCheck of the expected key. When set, a
	// reconstruction producing another key is rejected.
	KeyCheck string
}

// MasterKeyUnsealer rebuilds the master key from operator shares so it never
// sits in configuration or on disk. Each registered operator submits one
// signed share; once Threshold shares are in the key is combined, the shares
// are wiped and waiters are released.
type MasterKeyUnsealer struct {
	mu        sync.Mutex
	threshold int
	operators map[string]crypto.PublicKey
	keyCheck  string
	received  map[string][]byte
	masterKey []byte
	done      chan struct{}
}

func NewMasterKeyUnsealer(cfg UnsealConfig) (*MasterKeyUnsealer, error) {
	if cfg.Threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if len(cfg.Operators) < cfg.Threshold {
		return nil, fmt.Errorf("threshold %d exceeds the %d registered operators", cfg.Threshold, len(cfg.Operators))
	}

	u := &MasterKeyUnsealer{
		threshold: cfg.Threshold,
		operators: make(map[string]crypto.PublicKey, len(cfg.Operators)),
		keyCheck:  cfg.KeyCheck,
		received:  make(map[string][]byte),
		done:      make(chan struct{}),
	}
	for id, pubPEM := range cfg.Operators {
		pub, err := ParseOperatorPublicKey(pubPEM)
		if err != nil {
			return nil, fmt.Errorf("operator %s: %w", id, err)
		}
		u.operators[id] = pub
	}
	return u, nil
}

// SplitMasterKey splits masterKey into parts shares, any threshold of which
// rebuild it. It also returns the MasterKeyCheck of the key.
func SplitMasterKey(masterKey []byte, parts, threshold int) ([][]byte, string, error) {
	if len(masterKey) != MasterKeyLength {
		return nil, "", fmt.Errorf("master key must be %d bytes", MasterKeyLength)
	}
	if threshold < 2 {
		return nil, "", errors.New("threshold must be at least 2")
	}
	if parts < threshold {
		return nil, "", errors.New("total shares must be at least equal to threshold")
	}

	shares, err := shamir.Split(masterKey, parts, threshold)
	if err != nil {
		return nil, "", fmt.Errorf("failed to split master key: %w", err)
	}
	return shares, MasterKeyCheck(masterKey), nil
}

// MasterKeyCheck is a public fingerprint of the master key, safe to put in
// configuration.
func MasterKeyCheck(masterKey []byte) string {
	h := sha256.New()
	h.Write([]byte(keyCheckLabel))
	h.Write(masterKey)
	return hex.EncodeToString(h.Sum(nil))
}

// SubmitShare records the share of operatorID. signature must be
// SignShare(share) by the operator's key. A later submission from the same
// operator replaces the earlier one. It reports whether the key is now
// unsealed.
func (u *MasterKeyUnsealer) SubmitShare(operatorID string, share, signature []byte) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.masterKey != nil {
		return true, ErrAlreadyUnsealed
	}
	pub, ok := u.operators[operatorID]
	if !ok {
		return false, ErrUnknownOperator
	}
	if !VerifyOperatorSignature(pub, shareDigest(share), signature) {
		return false, ErrInvalidSignature
	}

	if prev, ok := u.received[operatorID]; ok {
		cryptoutils.WipeBytes(prev)
	}
	u.received[operatorID] = append([]byte(nil), share...)

	if len(u.received) < u.threshold {
		return false, nil
	}
	return true, u.reconstruct()
}

// reconstruct combines the received shares. Callers hold mu. On failure all
// received shares are dropped so operators start over.
func (u *MasterKeyUnsealer) reconstruct() error {
	shares := make([][]byte, 0, len(u.received))
	for _, share := range u.received {
		shares = append(shares, share)
	}
	defer func() {
		for id, share := range u.received {
			cryptoutils.WipeBytes(share)
			delete(u.received, id)
		}
	}()

	key, err := shamir.Combine(shares)
	if err != nil {
		return fmt.Errorf("failed to reconstruct master key: %w", err)
	}
	if len(key) != MasterKeyLength {
		cryptoutils.WipeBytes(key)
		return ErrKeyCheckFailed
	}
	if u.keyCheck != "" && subtle.ConstantTimeCompare([]byte(u.keyCheck), []byte(MasterKeyCheck(key))) != 1 {
		cryptoutils.WipeBytes(key)
		return ErrKeyCheckFailed
	}

	u.masterKey = key
	close(u.done)
	return nil
}

// Unsealed reports whether the master key is available.
func (u *MasterKeyUnsealer) Unsealed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.masterKey != nil
}

// Progress returns the number of shares held and the threshold.
func (u *MasterKeyUnsealer) Progress() (received, threshold int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.masterKey != nil {
		return u.threshold, u.threshold
	}
	return len(u.received), u.threshold
}

// Wait blocks until the master key is unsealed and returns a copy of it.
func (u *MasterKeyUnsealer) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-u.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]byte(nil), u.masterKey...), nil
}
