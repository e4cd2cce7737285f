package cryptoutils

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/hashicorp/vault/shamir"
	"github.com/inomad/custody-backend/interfaces"
)

const (
	// SigningKeyLength is the size of a secp256k1 private key scalar.
	SigningKeyLength = 32

	// ShareLength is the size of one Shamir share of a signing key: one byte
	// per key byte plus the x-coordinate tag.
	ShareLength = SigningKeyLength + 1

	// ShareThreshold shares out of ShareCount reconstruct the key.
	ShareThreshold = 2
	ShareCount     = 3
)

// KeyShares are the three shares produced by Split. Any two of them
// reconstruct the signing key; no single share reveals anything about it.
type KeyShares struct {
	Device   []byte
	Server   []byte
	Recovery []byte
}

// Wipe zeroes all share buffers.
func (s *KeyShares) Wipe() {
	WipeBytes(s.Device)
	WipeBytes(s.Server)
	WipeBytes(s.Recovery)
}

// Split divides a signing key into device, server and recovery shares using a
// 2-of-3 Shamir secret sharing scheme over GF(2^8).
func Split(signingKey []byte) (*KeyShares, error) {
	if len(signingKey) != SigningKeyLength {
		return nil, fmt.Errorf("%w: signing key must be %d bytes, got %d", interfaces.ErrInvalidShareFormat, SigningKeyLength, len(signingKey))
	}

	parts, err := shamir.Split(signingKey, ShareCount, ShareThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split signing key: %w", err)
	}

	return &KeyShares{
		Device:   parts[0],
		Server:   parts[1],
		Recovery: parts[2],
	}, nil
}

// Combine reconstructs a signing key from two distinct shares. Shares that did
// not come from the same split combine into an unrelated key; callers verify
// the result against the wallet address.
func Combine(a, b []byte) ([]byte, error) {
	if len(a) != ShareLength || len(b) != ShareLength {
		return nil, fmt.Errorf("%w: shares must be %d bytes", interfaces.ErrInvalidShareFormat, ShareLength)
	}
	if a[ShareLength-1] == b[ShareLength-1] {
		return nil, fmt.Errorf("%w: shares carry the same tag", interfaces.ErrInvalidShareFormat)
	}

	key, err := shamir.Combine([][]byte{a, b})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidShareFormat, err)
	}
	return key, nil
}

// EncodeShare renders a share for transport to the device.
func EncodeShare(share []byte) string {
	return "0x" + hex.EncodeToString(share)
}

// DecodeShare parses a hex share as produced by EncodeShare. The 0x prefix is
// optional.
func DecodeShare(encoded string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(encoded), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidShareFormat, err)
	}
	if len(raw) != ShareLength {
		WipeBytes(raw)
		return nil, fmt.Errorf("%w: share must be %d bytes", interfaces.ErrInvalidShareFormat, ShareLength)
	}
	return raw, nil
}

// WipeBytes zeroes data in place.
func WipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
