package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/inomad/custody-backend/interfaces"
	"github.com/inomad/custody-backend/shares"
)

const completedMessage = "Recovery completed. Register a new device to continue."

// RecoveryResult reports a completed recovery. It carries no key material.
type RecoveryResult struct {
	SessionID   string    `json:"sessionId"`
	WalletID    string    `json:"walletId"`
	Address     string    `json:"address"`
	CompletedAt time.Time `json:"completedAt"`
	Message     string    `json:"message"`
}

// InitiateRecovery opens a recovery session for the wallet at address and
// puts the wallet into RECOVERY_MODE. Notifications go out after the session
// is committed; delivery failures are logged and never fail the call.
func (c *Coordinator) InitiateRecovery(ctx context.Context, address string, method interfaces.RecoveryMethod) (*interfaces.RecoverySession, error) {
	if !method.Valid() {
		return nil, fmt.Errorf("%w: unknown recovery method %q", interfaces.ErrInvalidArgument, method)
	}

	var code string
	if method != interfaces.RecoverySocial {
		var err error
		if code, err = c.newCode(); err != nil {
			return nil, fmt.Errorf("failed to generate verification code: %w", err)
		}
	}

	var (
		session   *interfaces.RecoverySession
		wallet    *interfaces.Wallet
		guardians []*interfaces.RecoveryGuardian
	)
	err := c.store.RunInTx(ctx, func(tx interfaces.Store) error {
		w, err := tx.GetWalletByAddress(ctx, address)
		if err != nil {
			return err
		}
		wallet = w

		active, err := tx.FindActiveSession(ctx, w.ID)
		switch {
		case errors.Is(err, interfaces.ErrNotFound):
		case err != nil:
			return err
		default:
			expired, err := c.expireIfStale(ctx, tx, active)
			if err != nil {
				return err
			}
			if !expired {
				return interfaces.ErrAlreadyInProgress
			}
		}

		now := c.now().UTC()
		s := &interfaces.RecoverySession{
			ID:        uuid.NewString(),
			WalletID:  w.ID,
			Status:    interfaces.SessionPending,
			Method:    method,
			CreatedAt: now,
			ExpiresAt: now.Add(interfaces.RecoverySessionTTL),
		}

		if method == interfaces.RecoverySocial {
			all, err := tx.ListGuardians(ctx, w.ID)
			if err != nil {
				return err
			}
			for _, g := range all {
				if g.Confirmed {
					guardians = append(guardians, g)
				}
			}
			if len(guardians) < 2 {
				return fmt.Errorf("%w: %d confirmed, 2 required", interfaces.ErrInsufficientGuardians, len(guardians))
			}
			s.RequiredApprovals = interfaces.RequiredApprovalsFor(len(guardians))
		} else {
			s.VerificationCodeHash = HashCode(code)
		}

		// Approvals from an earlier round never count towards this one.
		if err := tx.ResetGuardianApprovals(ctx, w.ID); err != nil {
			return err
		}
		if err := tx.CreateSession(ctx, s); err != nil {
			return err
		}
		if err := c.wallets.SetStatus(ctx, tx, w.ID, interfaces.WalletRecoveryMode); err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.metrics.RecoverySession(string(method), string(interfaces.SessionPending))
	c.log.Info("Recovery initiated",
		"wallet_id", wallet.ID,
		"address", wallet.Address,
		"session_id", session.ID,
		"method", method,
		"required_approvals", session.RequiredApprovals)

	if method == interfaces.RecoverySocial {
		c.notifyGuardians(ctx, wallet, session, guardians)
	} else {
		c.sendCode(ctx, wallet, session, code)
	}
	return session, nil
}

// ApproveRecovery records one guardian approval on a SOCIAL session. The
// guardian flag and the session counter change in one transaction, so a
// guardian is counted at most once.
func (c *Coordinator) ApproveRecovery(ctx context.Context, sessionID, guardianUserID string) (*interfaces.RecoverySession, error) {
	var (
		session *interfaces.RecoverySession
		expired bool
	)
	err := c.store.RunInTx(ctx, func(tx interfaces.Store) error {
		s, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if expired, err = c.expireIfStale(ctx, tx, s); err != nil || expired {
			return err
		}
		if !s.Status.Active() {
			return fmt.Errorf("%w: session is %s", interfaces.ErrInvalidTransition, s.Status)
		}
		if s.Method != interfaces.RecoverySocial {
			return fmt.Errorf("%w: %s sessions do not take guardian approvals", interfaces.ErrInvalidTransition, s.Method)
		}

		g, err := tx.FindGuardianByUser(ctx, s.WalletID, guardianUserID)
		if errors.Is(err, interfaces.ErrNotFound) {
			return interfaces.ErrInvalidGuardian
		}
		if err != nil {
			return err
		}
		if !g.Confirmed {
			return interfaces.ErrInvalidGuardian
		}
		if g.RecoveryApproved {
			return interfaces.ErrAlreadyApproved
		}

		if err := s.Approve(); err != nil {
			return err
		}
		now := c.now().UTC()
		g.RecoveryApproved = true
		g.ApprovedAt = &now
		if err := tx.UpdateGuardian(ctx, g); err != nil {
			return err
		}
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, interfaces.ErrExpired
	}

	c.metrics.GuardianApproved()
	c.log.Info("Guardian approved recovery",
		"session_id", sessionID,
		"guardian_user_id", guardianUserID,
		"approvals", session.CurrentApprovals,
		"required", session.RequiredApprovals)
	return session, nil
}

// ConfirmRecovery completes a session. EMAIL and PHONE sessions need the
// exact verification code; SOCIAL sessions need a quorum of approvals. On
// success the wallet returns to ACTIVE and every device share is revoked.
func (c *Coordinator) ConfirmRecovery(ctx context.Context, sessionID, code string) (*RecoveryResult, error) {
	var (
		result  *RecoveryResult
		wallet  *interfaces.Wallet
		session *interfaces.RecoverySession
		expired bool
	)
	err := c.store.RunInTx(ctx, func(tx interfaces.Store) error {
		s, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if expired, err = c.expireIfStale(ctx, tx, s); err != nil || expired {
			return err
		}
		if !s.Status.Active() {
			return fmt.Errorf("%w: session is %s", interfaces.ErrInvalidTransition, s.Status)
		}

		if s.Method == interfaces.RecoverySocial {
			if !s.HasQuorum() {
				return fmt.Errorf("%w: need %d more", interfaces.ErrInsufficientApprovals, s.RequiredApprovals-s.CurrentApprovals)
			}
		} else if err := c.verifyCode(ctx, s, code); err != nil {
			return err
		}

		w, err := tx.GetWallet(ctx, s.WalletID)
		if err != nil {
			return err
		}

		now := c.now().UTC()
		if err := s.Complete(now); err != nil {
			return err
		}
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		if err := c.wallets.SetStatus(ctx, tx, s.WalletID, interfaces.WalletActive); err != nil {
			return err
		}
		if _, err := c.devices.RevokeAllDevices(ctx, tx, s.WalletID, shares.ReasonRecoveryCompleted); err != nil {
			return err
		}

		wallet, session = w, s
		result = &RecoveryResult{
			SessionID:   s.ID,
			WalletID:    w.ID,
			Address:     w.Address,
			CompletedAt: now,
			Message:     completedMessage,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, interfaces.ErrExpired
	}

	if session.Method != interfaces.RecoverySocial {
		if err := c.limiter.Reset(ctx, sessionID); err != nil {
			c.log.Warn("Failed to reset code attempts", "session_id", sessionID, "err", err)
		}
	}
	c.metrics.RecoverySession(string(session.Method), string(interfaces.SessionCompleted))
	c.log.Info("Recovery completed", "wallet_id", wallet.ID, "address", wallet.Address, "session_id", sessionID)

	c.notifyCompleted(ctx, wallet, session)
	return result, nil
}

// GetSession reads a session, persisting EXPIRED first if its deadline
// passed.
func (c *Coordinator) GetSession(ctx context.Context, sessionID string) (*interfaces.RecoverySession, error) {
	var session *interfaces.RecoverySession
	err := c.store.RunInTx(ctx, func(tx interfaces.Store) error {
		s, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if _, err := c.expireIfStale(ctx, tx, s); err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// expireIfStale reports whether s is expired. An active session past its
// deadline is marked EXPIRED and its wallet restored to ACTIVE within tx.
func (c *Coordinator) expireIfStale(ctx context.Context, tx interfaces.Store, s *interfaces.RecoverySession) (bool, error) {
	if s.Status == interfaces.SessionExpired {
		return true, nil
	}
	if !s.Status.Active() || !s.IsExpiredAt(c.now()) {
		return false, nil
	}

	if err := s.Expire(); err != nil {
		return false, err
	}
	if err := tx.UpdateSession(ctx, s); err != nil {
		return false, err
	}
	if err := c.wallets.SetStatus(ctx, tx, s.WalletID, interfaces.WalletActive); err != nil {
		return false, err
	}

	c.metrics.RecoverySession(string(s.Method), string(interfaces.SessionExpired))
	c.log.Info("Recovery session expired", "session_id", s.ID, "wallet_id", s.WalletID)
	return true, nil
}

// verifyCode checks code against the session digest, counting failures.
// Once the limit is reached even the right code is refused.
func (c *Coordinator) verifyCode(ctx context.Context, s *interfaces.RecoverySession, code string) error {
	failures, err := c.limiter.Failures(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("failed to read code attempts: %w", err)
	}
	if failures >= c.cfg.MaxCodeAttempts {
		c.metrics.CodeRejected()
		return interfaces.ErrTooManyAttempts
	}
	if CodeMatches(s.VerificationCodeHash, code) {
		return nil
	}

	c.metrics.CodeRejected()
	ttl := s.ExpiresAt.Sub(c.now())
	if ttl < time.Minute {
		ttl = time.Minute
	}
	if _, err := c.limiter.RecordFailure(ctx, s.ID, ttl); err != nil {
		c.log.Warn("Failed to record code attempt", "session_id", s.ID, "err", err)
	}
	return interfaces.ErrInvalidCode
}
