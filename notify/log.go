package notify

import (
	"context"
	"log/slog"

	"github.com/inomad/custody-backend/interfaces"
)

// LogNotifier logs notifications instead of delivering them.
type LogNotifier struct {
	log         *slog.Logger
	revealCodes bool
}

// NewLogNotifier returns a notifier writing to log. Verification codes are
// only included when revealCodes is set, which is for local development.
func NewLogNotifier(log *slog.Logger, revealCodes bool) *LogNotifier {
	return &LogNotifier{log: log, revealCodes: revealCodes}
}

func (n *LogNotifier) SendCode(_ context.Context, destination, code string, codeCtx interfaces.CodeContext) error {
	attrs := []any{
		"kind", KindVerificationCode,
		"destination", destination,
		"channel", codeCtx.Channel,
		"wallet", codeCtx.WalletAddress,
		"session_id", codeCtx.SessionID,
	}
	if n.revealCodes {
		attrs = append(attrs, "code", code)
	}
	n.log.Info("Notification", attrs...)
	return nil
}

func (n *LogNotifier) NotifyGuardian(_ context.Context, destination, requesterName, walletRef, approvalLink string) error {
	n.log.Info("Notification",
		"kind", KindGuardianApproval,
		"destination", destination,
		"requester", requesterName,
		"wallet", walletRef,
		"approval_link", approvalLink)
	return nil
}

func (n *LogNotifier) NotifyRecoveryComplete(_ context.Context, destination, walletRef string) error {
	n.log.Info("Notification",
		"kind", KindRecoveryComplete,
		"destination", destination,
		"wallet", walletRef)
	return nil
}
