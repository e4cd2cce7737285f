package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/inomad/custody-backend/interfaces"
	"golang.org/x/crypto/hkdf"
)

const (
	// MasterKeyLength is the required size of the server-share master key.
	MasterKeyLength = 32

	gcmNonceSize = 12
	gcmTagSize   = 16

	shareKeyInfo = "custody/server-share/v1"
)

// DeriveShareKey derives the AES-256 key sealing one wallet's server share.
// Each wallet gets an independent key so a leaked per-wallet key exposes only
// that wallet.
func DeriveShareKey(masterKey []byte, walletID string) ([]byte, error) {
	if len(masterKey) != MasterKeyLength {
		return nil, fmt.Errorf("master key must be %d bytes", MasterKeyLength)
	}
	if walletID == "" {
		return nil, errors.New("wallet id is required for key derivation")
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, masterKey, []byte(walletID), []byte(shareKeyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive share key: %w", err)
	}
	return key, nil
}

// SealShare encrypts a share with AES-256-GCM under a fresh random nonce.
// aad is bound to the ciphertext and must be presented again to OpenShare.
//
// The result is hex(nonce):hex(tag):hex(ciphertext).
func SealShare(key, share, aad []byte) (string, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aesGCM.Seal(nil, nonce, share, aad)
	ciphertext, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	return strings.Join([]string{
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, ":"), nil
}

// OpenShare decrypts a blob produced by SealShare. It fails closed: a wrong
// key, a wrong aad or any tampering yields ErrAuthenticationFailed and no
// plaintext.
func OpenShare(key []byte, blob string, aad []byte) ([]byte, error) {
	parts := strings.Split(blob, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected nonce:tag:ciphertext", interfaces.ErrInvalidShareFormat)
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != gcmNonceSize {
		return nil, fmt.Errorf("%w: bad nonce", interfaces.ErrInvalidShareFormat)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != gcmTagSize {
		return nil, fmt.Errorf("%w: bad tag", interfaces.ErrInvalidShareFormat)
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil || len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: bad ciphertext", interfaces.ErrInvalidShareFormat)
	}

	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aesGCM.Open(nil, nonce, append(ciphertext, tag...), aad)
	if err != nil {
		return nil, interfaces.ErrAuthenticationFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}
