// Package recoveryapi serves wallet recovery. Initiation, confirmation and
// session lookups are public; guardian approvals need a bearer token.
package recoveryapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/inomad/custody-backend/api"
	"github.com/inomad/custody-backend/api/auth"
	"github.com/inomad/custody-backend/interfaces"
	"github.com/inomad/custody-backend/recovery"
)

const initiatedMessage = "Recovery initiated. Check your email or phone, or contact your guardians."

// Coordinator is the part of recovery.Coordinator the handler needs.
type Coordinator interface {
	InitiateRecovery(ctx context.Context, address string, method interfaces.RecoveryMethod) (*interfaces.RecoverySession, error)
	ApproveRecovery(ctx context.Context, sessionID, guardianUserID string) (*interfaces.RecoverySession, error)
	ConfirmRecovery(ctx context.Context, sessionID, code string) (*recovery.RecoveryResult, error)
	GetSession(ctx context.Context, sessionID string) (*interfaces.RecoverySession, error)
}

type Handler struct {
	log         *slog.Logger
	coord       Coordinator
	requireAuth func(http.Handler) http.Handler
}

func NewHandler(log *slog.Logger, coord Coordinator, requireAuth func(http.Handler) http.Handler) *Handler {
	return &Handler{log: log, coord: coord, requireAuth: requireAuth}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/recovery", func(r chi.Router) {
		r.Post("/initiate", h.handleInitiate)
		r.Post("/confirm", h.handleConfirm)
		r.Get("/sessions/{session_id}", h.handleGetSession)
		r.With(h.requireAuth).Post("/approve", h.handleApprove)
	})
}

// SessionView is the public form of a session. It never includes the
// verification code digest or the wallet id.
type SessionView struct {
	SessionID         string                    `json:"sessionId"`
	Method            interfaces.RecoveryMethod `json:"method"`
	Status            interfaces.SessionStatus  `json:"status"`
	RequiredApprovals int                       `json:"requiredApprovals"`
	CurrentApprovals  int                       `json:"currentApprovals"`
	CreatedAt         time.Time                 `json:"createdAt"`
	ExpiresAt         time.Time                 `json:"expiresAt"`
	CompletedAt       *time.Time                `json:"completedAt,omitempty"`
}

func newSessionView(s *interfaces.RecoverySession) SessionView {
	return SessionView{
		SessionID:         s.ID,
		Method:            s.Method,
		Status:            s.Status,
		RequiredApprovals: s.RequiredApprovals,
		CurrentApprovals:  s.CurrentApprovals,
		CreatedAt:         s.CreatedAt,
		ExpiresAt:         s.ExpiresAt,
		CompletedAt:       s.CompletedAt,
	}
}

func (h *Handler) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string                    `json:"address"`
		Method  interfaces.RecoveryMethod `json:"method"`
	}
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}

	session, err := h.coord.InitiateRecovery(r.Context(), req.Address, req.Method)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, map[string]any{
		"session": newSessionView(session),
		"message": initiatedMessage,
	})
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID        string `json:"sessionId"`
		VerificationCode string `json:"verificationCode"`
	}
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}

	result, err := h.coord.ConfirmRecovery(r.Context(), req.SessionID, req.VerificationCode)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}

	session, err := h.coord.ApproveRecovery(r.Context(), req.SessionID, auth.UserID(r.Context()))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, newSessionView(session))
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.coord.GetSession(r.Context(), r.PathValue("session_id"))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, newSessionView(session))
}
