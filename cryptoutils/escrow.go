package cryptoutils

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"github.com/inomad/custody-backend/interfaces"
)

// ParseEscrowRecipients parses age recipients (one per line, # comments
// allowed). These are the public halves of the recovery domain's offline keys.
func ParseEscrowRecipients(text string) ([]age.Recipient, error) {
	recipients, err := age.ParseRecipients(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow recipients: %w", err)
	}
	return recipients, nil
}

// EscrowSeal encrypts a recovery share to the recovery domain. The server
// holds no identity able to open the result.
func EscrowSeal(share []byte, recipients ...age.Recipient) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, errors.New("at least one escrow recipient is required")
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return nil, fmt.Errorf("failed to start escrow encryption: %w", err)
	}
	if _, err := w.Write(share); err != nil {
		return nil, fmt.Errorf("failed to write escrow payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish escrow encryption: %w", err)
	}
	return buf.Bytes(), nil
}

// EscrowOpen decrypts an escrowed recovery share. It runs in the recovery
// domain, never in the signing path.
func EscrowOpen(blob []byte, identities ...age.Identity) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(blob), identities...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrAuthenticationFailed, err)
	}
	share, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrAuthenticationFailed, err)
	}
	if len(share) != ShareLength {
		WipeBytes(share)
		return nil, fmt.Errorf("%w: escrowed share has wrong length", interfaces.ErrInvalidShareFormat)
	}
	return share, nil
}
