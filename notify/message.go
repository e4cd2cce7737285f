package notify

import (
	"time"

	"github.com/inomad/custody-backend/interfaces"
)

// Kind names the notification templates the delivery service renders.
type Kind string

const (
	KindVerificationCode Kind = "verification_code"
	KindGuardianApproval Kind = "guardian_approval"
	KindRecoveryComplete Kind = "recovery_complete"
)

// Message is the wire format of one notification.
type Message struct {
	Kind          Kind                      `json:"kind"`
	Destination   string                    `json:"destination"`
	Channel       interfaces.RecoveryMethod `json:"channel,omitempty"`
	Code          string                    `json:"code,omitempty"`
	SessionID     string                    `json:"sessionId,omitempty"`
	WalletRef     string                    `json:"walletRef"`
	RequesterName string                    `json:"requesterName,omitempty"`
	ApprovalLink  string                    `json:"approvalLink,omitempty"`
	CreatedAt     time.Time                 `json:"createdAt"`
}
