package recovery

import (
	"context"
	"errors"
	"strings"

	"github.com/inomad/custody-backend/interfaces"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentNotifications = 4

// owner resolves the wallet owner. A missing record yields an empty user.
func (c *Coordinator) owner(ctx context.Context, wallet *interfaces.Wallet) *interfaces.User {
	u, err := c.directory.LookupUser(ctx, wallet.UserID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			c.log.Warn("Failed to look up wallet owner", "wallet_id", wallet.ID, "err", err)
		}
		return &interfaces.User{ID: wallet.UserID}
	}
	return u
}

// deliveryContext detaches delivery from the request so a client hanging
// up after a committed state change does not drop its notifications.
func (c *Coordinator) deliveryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.NotifyTimeout)
}

func (c *Coordinator) sendCode(ctx context.Context, wallet *interfaces.Wallet, session *interfaces.RecoverySession, code string) {
	owner := c.owner(ctx, wallet)
	destination := owner.Email
	if session.Method == interfaces.RecoveryPhone {
		destination = owner.Phone
	}
	if destination == "" {
		c.log.Warn("No destination for verification code",
			"wallet_id", wallet.ID, "session_id", session.ID, "method", session.Method)
		c.metrics.NotificationFailed("verification_code")
		return
	}

	dctx, cancel := c.deliveryContext(ctx)
	defer cancel()

	err := c.notifier.SendCode(dctx, destination, code, interfaces.CodeContext{
		Channel:       session.Method,
		WalletAddress: wallet.Address,
		SessionID:     session.ID,
	})
	if err != nil {
		c.log.Warn("Failed to send verification code", "session_id", session.ID, "err", err)
		c.metrics.NotificationFailed("verification_code")
	}
}

// notifyGuardians asks every confirmed guardian for approval. Deliveries
// run concurrently; one failing guardian does not stop the others.
func (c *Coordinator) notifyGuardians(ctx context.Context, wallet *interfaces.Wallet, session *interfaces.RecoverySession, guardians []*interfaces.RecoveryGuardian) {
	owner := c.owner(ctx, wallet)
	requester := owner.Username
	if requester == "" {
		requester = wallet.Address
	}
	link := strings.TrimRight(c.cfg.ApprovalURL, "/") + "/" + session.ID

	dctx, cancel := c.deliveryContext(ctx)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(maxConcurrentNotifications)
	for _, guardian := range guardians {
		destination := c.guardianDestination(dctx, guardian)
		g.Go(func() error {
			if err := c.notifier.NotifyGuardian(dctx, destination, requester, wallet.Address, link); err != nil {
				c.log.Warn("Failed to notify guardian",
					"session_id", session.ID, "guardian_id", guardian.ID, "err", err)
				c.metrics.NotificationFailed("guardian_approval")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// guardianDestination prefers the linked user's email over the raw
// reference given when the guardian was added.
func (c *Coordinator) guardianDestination(ctx context.Context, g *interfaces.RecoveryGuardian) string {
	if g.LinkedUserID == "" {
		return g.Ref
	}
	u, err := c.directory.LookupUser(ctx, g.LinkedUserID)
	if err != nil || u.Email == "" {
		return g.Ref
	}
	return u.Email
}

func (c *Coordinator) notifyCompleted(ctx context.Context, wallet *interfaces.Wallet, session *interfaces.RecoverySession) {
	owner := c.owner(ctx, wallet)
	destination := owner.Email
	if destination == "" {
		destination = owner.Phone
	}
	if destination == "" {
		return
	}

	dctx, cancel := c.deliveryContext(ctx)
	defer cancel()

	if err := c.notifier.NotifyRecoveryComplete(dctx, destination, wallet.Address); err != nil {
		c.log.Warn("Failed to send recovery completion notice", "session_id", session.ID, "err", err)
		c.metrics.NotificationFailed("recovery_complete")
	}
}
