package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// ContentID addresses an escrow blob by the SHA-256 of its ciphertext. Its
// hex form is the escrow reference recorded on a wallet.
type ContentID [sha256.Size]byte

// NewContentIDFromHex parses an escrow reference. A 0x prefix is accepted.
func NewContentIDFromHex(ref string) (ContentID, error) {
	var id ContentID
	ref = strings.TrimPrefix(ref, "0x")
	if hex.DecodedLen(len(ref)) != len(id) {
		return id, fmt.Errorf("escrow reference must be %d hex characters, got %d", hex.EncodedLen(len(id)), len(ref))
	}
	if _, err := hex.Decode(id[:], []byte(ref)); err != nil {
		return ContentID{}, fmt.Errorf("escrow reference is not hex: %w", err)
	}
	return id, nil
}

func ComputeID(blob []byte) ContentID {
	return sha256.Sum256(blob)
}

func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ContentID) Equal(other ContentID) bool {
	return id == other
}

// ContentType partitions a backend so unrelated blobs never share a path.
type ContentType int

const (
	// RecoveryShareType is the namespace of age-encrypted recovery shares.
	RecoveryShareType ContentType = iota
)

func (ct ContentType) String() string {
	if ct == RecoveryShareType {
		return "recovery-shares"
	}
	return "unknown"
}

// StorageBackendLocation is a URI naming an escrow storage backend.
//
//	file:///var/lib/custody/escrow
//	s3://bucket/prefix?region=eu-central-1
//	vault://vault.internal:8200/secret/custody
type StorageBackendLocation string

// Validate checks the URI parses and uses a supported scheme.
func (loc StorageBackendLocation) Validate() error {
	u, err := url.Parse(string(loc))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}
	if u.Scheme != "file" && u.Scheme != "s3" && u.Scheme != "vault" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, u.Scheme)
	}
	return nil
}

// StorageBackend keeps escrow blobs under their ContentID. Implementations
// must not rewrite a blob; the same bytes always land under the same id.
type StorageBackend interface {
	// Fetch returns ErrContentNotFound when no blob is stored under id.
	Fetch(ctx context.Context, id ContentID, contentType ContentType) ([]byte, error)
	Store(ctx context.Context, data []byte, contentType ContentType) (ContentID, error)
	// Available is a cheap reachability probe used to skip dead replicas.
	Available(ctx context.Context) bool
	Name() string
	LocationURI() string
}
