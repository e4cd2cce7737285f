package kms

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
)

// Operator is one entry of the operators file.
type Operator struct {
	ID     string `json:"id"`
	PubKey string `json:"pubkey"`
	// Recipient is the age recipient share files are encrypted to.
	Recipient string `json:"recipient,omitempty"`
}

// OperatorsConfig is the operators file shared by walletd and the admin CLI.
type OperatorsConfig struct {
	Threshold int        `json:"threshold"`
	KeyCheck  string     `json:"key_check,omitempty"`
	Operators []Operator `json:"operators"`
}

// LoadOperators decodes an operators file and validates every public key.
func LoadOperators(r io.Reader) (*OperatorsConfig, error) {
	var cfg OperatorsConfig
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode operators JSON: %w", err)
	}
	for _, op := range cfg.Operators {
		if _, err := ParseOperatorPublicKey([]byte(op.PubKey)); err != nil {
			return nil, fmt.Errorf("operator %s: %w", op.ID, err)
		}
	}
	return &cfg, nil
}

// UnsealConfig converts the file into an UnsealConfig.
func (c *OperatorsConfig) UnsealConfig() UnsealConfig {
	ops := make(map[string][]byte, len(c.Operators))
	for _, op := range c.Operators {
		ops[op.ID] = []byte(op.PubKey)
	}
	return UnsealConfig{Threshold: c.Threshold, Operators: ops, KeyCheck: c.KeyCheck}
}

// OperatorID is the hex SHA-256 fingerprint of a PEM public key.
func OperatorID(publicKeyPEM []byte) string {
	h := sha256.Sum256(publicKeyPEM)
	return hex.EncodeToString(h[:])
}

// ParseOperatorPublicKey accepts PEM encoded PKIX ECDSA and Ed25519 keys.
func ParseOperatorPublicKey(publicKeyPEM []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	switch pub.(type) {
	case *ecdsa.PublicKey, ed25519.PublicKey:
		return pub, nil
	default:
		return nil, errors.New("public key is neither ECDSA nor ED25519 key")
	}
}

// VerifyOperatorSignature checks an ASN.1 ECDSA signature over a digest, or
// an Ed25519 signature over the same bytes.
func VerifyOperatorSignature(pub crypto.PublicKey, digest, signature []byte) bool {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(k, digest, signature)
	case ed25519.PublicKey:
		return ed25519.Verify(k, digest, signature)
	default:
		return false
	}
}

// SignShare signs a master key share for submission.
func SignShare(share []byte, key crypto.Signer) ([]byte, error) {
	return SignDigest(key, shareDigest(share))
}

// SignDigest produces the signature VerifyOperatorSignature expects: ASN.1
// ECDSA over the digest, or Ed25519 over the digest bytes.
func SignDigest(key crypto.Signer, digest []byte) ([]byte, error) {
	switch key.Public().(type) {
	case *ecdsa.PublicKey:
		return key.Sign(rand.Reader, digest, crypto.SHA256)
	case ed25519.PublicKey:
		return key.Sign(rand.Reader, digest, crypto.Hash(0))
	default:
		return nil, errors.New("operator key is neither ECDSA nor ED25519 key")
	}
}

// GenerateOperatorKey creates a P-256 operator key pair and returns both
// halves PEM encoded.
func GenerateOperatorKey() (privPEM, pubPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privPEM, pubPEM, nil
}

// ParseOperatorPrivateKey accepts PKCS#8 ECDSA or Ed25519 keys and SEC 1 EC
// keys.
func ParseOperatorPrivateKey(privPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing private key")
	}
	if block.Type == "EC PRIVATE KEY" {
		return x509.ParseECPrivateKey(block.Bytes)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, errors.New("private key is neither ECDSA nor ED25519 key")
	}
}

func shareDigest(share []byte) []byte {
	h := sha256.Sum256(share)
	return h[:]
}
