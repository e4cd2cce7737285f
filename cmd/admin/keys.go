package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/inomad/custody-backend/kms"
)

func generateAgeIdentity() (identity, recipient string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate age identity: %w", err)
	}
	return id.String(), id.Recipient().String(), nil
}

// loadAgeIdentities reads X25519 identities from an age identity file.
func loadAgeIdentities(path string) ([]*age.X25519Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	parsed, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	out := make([]*age.X25519Identity, 0, len(parsed))
	for _, id := range parsed {
		x, ok := id.(*age.X25519Identity)
		if !ok {
			return nil, fmt.Errorf("%s: only X25519 identities are supported", path)
		}
		out = append(out, x)
	}
	return out, nil
}

// buildOperatorsConfig turns PUBKEY_FILE=AGE_RECIPIENT pairs into an
// operators file.
func buildOperatorsConfig(entries []string, threshold int) (*kms.OperatorsConfig, error) {
	if threshold < 2 || threshold > len(entries) {
		return nil, fmt.Errorf("threshold %d is invalid for %d operators", threshold, len(entries))
	}

	cfg := &kms.OperatorsConfig{Threshold: threshold}
	seen := map[string]bool{}
	for _, entry := range entries {
		file, recipient, ok := strings.Cut(entry, "=")
		if !ok || recipient == "" {
			return nil, fmt.Errorf("operator %q: expected PUBKEY_FILE=AGE_RECIPIENT", entry)
		}
		if _, err := age.ParseX25519Recipient(recipient); err != nil {
			return nil, fmt.Errorf("operator %q: %w", entry, err)
		}

		pubPEM, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if _, err := kms.ParseOperatorPublicKey(pubPEM); err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}

		id := kms.OperatorID(pubPEM)
		if seen[id] {
			return nil, fmt.Errorf("%s: duplicate operator %s", file, id)
		}
		seen[id] = true
		cfg.Operators = append(cfg.Operators, kms.Operator{ID: id, PubKey: string(pubPEM), Recipient: recipient})
	}
	return cfg, nil
}

func operatorRecipients(cfg *kms.OperatorsConfig) ([]age.Recipient, error) {
	out := make([]age.Recipient, len(cfg.Operators))
	for i, op := range cfg.Operators {
		if op.Recipient == "" {
			return nil, fmt.Errorf("operator %s has no age recipient", op.ID)
		}
		r, err := age.ParseX25519Recipient(op.Recipient)
		if err != nil {
			return nil, fmt.Errorf("operator %s: %w", op.ID, err)
		}
		out[i] = r
	}
	return out, nil
}

func sealMasterShare(share []byte, recipient age.Recipient) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(share); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func openMasterShare(sealed []byte, identities []*age.X25519Identity) ([]byte, error) {
	ids := make([]age.Identity, len(identities))
	for i, id := range identities {
		ids[i] = id
	}
	r, err := age.Decrypt(bytes.NewReader(sealed), ids...)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt share: %w", err)
	}
	share, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read share: %w", err)
	}
	if len(share) != kms.MasterKeyLength+1 {
		return nil, fmt.Errorf("share has unexpected length %d", len(share))
	}
	return share, nil
}
