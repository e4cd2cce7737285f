package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"filippo.io/age"
	"github.com/inomad/custody-backend/cryptoutils"
	"github.com/inomad/custody-backend/interfaces"
)

// RecoveryEscrow deposits recovery shares encrypted to the recovery domain.
// The service only holds recipients; opening a deposit requires identities
// that live offline.
type RecoveryEscrow struct {
	backend    interfaces.StorageBackend
	recipients []age.Recipient
	log        *slog.Logger
}

func NewRecoveryEscrow(backend interfaces.StorageBackend, recipients []age.Recipient, log *slog.Logger) (*RecoveryEscrow, error) {
	if backend == nil {
		return nil, errors.New("escrow backend is required")
	}
	if len(recipients) == 0 {
		return nil, errors.New("at least one escrow recipient is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &RecoveryEscrow{
		backend:    backend,
		recipients: recipients,
		log:        log,
	}, nil
}

// Deposit seals share and stores it. The returned reference is the content id
// of the sealed blob.
func (e *RecoveryEscrow) Deposit(ctx context.Context, share []byte) (string, error) {
	blob, err := cryptoutils.EscrowSeal(share, e.recipients...)
	if err != nil {
		return "", err
	}

	id, err := e.backend.Store(ctx, blob, interfaces.RecoveryShareType)
	if err != nil {
		return "", fmt.Errorf("failed to store escrowed share: %w", err)
	}

	e.log.Debug("Deposited recovery share", "ref", id.String(), "backend", e.backend.Name())
	return id.String(), nil
}

// Retrieve fetches and opens a deposit. It is used by recovery tooling
// holding the offline identities.
func (e *RecoveryEscrow) Retrieve(ctx context.Context, ref string, identities ...age.Identity) ([]byte, error) {
	id, err := interfaces.NewContentIDFromHex(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidArgument, err)
	}

	blob, err := e.backend.Fetch(ctx, id, interfaces.RecoveryShareType)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch escrowed share: %w", err)
	}
	return cryptoutils.EscrowOpen(blob, identities...)
}

// Location reports where deposits are kept.
func (e *RecoveryEscrow) Location() string {
	return e.backend.LocationURI()
}
