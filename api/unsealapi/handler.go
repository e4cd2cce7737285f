// Package unsealapi serves the operator API used to unseal the master key at
// startup. Every mutating request is signed by a registered operator key.
package unsealapi

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/inomad/custody-backend/api"
	"github.com/inomad/custody-backend/kms"
)

const (
	// OperatorIDHeader names the operator signing the request.
	OperatorIDHeader = "X-Operator-ID"
	// SignatureHeader carries the base64 signature over sha256(path || body).
	SignatureHeader = "X-Operator-Signature"
)

// Status is the body of GET /admin/status.
type Status struct {
	State     string `json:"state"`
	Received  int    `json:"received"`
	Threshold int    `json:"threshold"`
}

// SubmitShareRequest is the body of POST /admin/share. Both fields are base64.
type SubmitShareRequest struct {
	Share     string `json:"share"`
	Signature string `json:"signature"`
}

// SubmitShareResponse reports progress after a submission.
type SubmitShareResponse struct {
	Unsealed  bool   `json:"unsealed"`
	Received  int    `json:"received"`
	Threshold int    `json:"threshold"`
	Message   string `json:"message"`
}

// Handler collects operator shares into a kms.MasterKeyUnsealer.
type Handler struct {
	log       *slog.Logger
	unsealer  *kms.MasterKeyUnsealer
	operators map[string]crypto.PublicKey
}

// NewHandler registers the operators allowed to sign requests, keyed by
// operator id, with PEM public keys.
func NewHandler(log *slog.Logger, unsealer *kms.MasterKeyUnsealer, operators map[string][]byte) (*Handler, error) {
	h := &Handler{
		log:       log,
		unsealer:  unsealer,
		operators: make(map[string]crypto.PublicKey, len(operators)),
	}
	for id, pubPEM := range operators {
		pub, err := kms.ParseOperatorPublicKey(pubPEM)
		if err != nil {
			return nil, fmt.Errorf("operator %s: %w", id, err)
		}
		h.operators[id] = pub
	}
	return h, nil
}

// WaitForUnseal blocks until the master key is available or ctx is done.
func (h *Handler) WaitForUnseal(ctx context.Context) ([]byte, error) {
	return h.unsealer.Wait(ctx)
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/admin/status", h.handleStatus)
	r.Post("/admin/share", h.handleSubmitShare)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	received, threshold := h.unsealer.Progress()
	state := "sealed"
	if h.unsealer.Unsealed() {
		state = "unsealed"
	}
	api.WriteJSON(w, http.StatusOK, Status{State: state, Received: received, Threshold: threshold})
}

func (h *Handler) handleSubmitShare(w http.ResponseWriter, r *http.Request) {
	operatorID, ok := h.verifyOperator(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var submission SubmitShareRequest
	if err := api.DecodeJSON(r, &submission); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	share, err := base64.StdEncoding.DecodeString(submission.Share)
	if err != nil {
		http.Error(w, "Invalid share encoding", http.StatusBadRequest)
		return
	}
	signature, err := base64.StdEncoding.DecodeString(submission.Signature)
	if err != nil {
		http.Error(w, "Invalid signature encoding", http.StatusBadRequest)
		return
	}

	unsealed, err := h.unsealer.SubmitShare(operatorID, share, signature)
	switch {
	case errors.Is(err, kms.ErrAlreadyUnsealed):
		http.Error(w, "Master key already unsealed", http.StatusConflict)
		return
	case errors.Is(err, kms.ErrUnknownOperator):
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	case err != nil:
		h.log.Warn("Share submission failed", "operator_id", operatorID, "err", err)
		http.Error(w, "Share submission failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	received, threshold := h.unsealer.Progress()
	resp := SubmitShareResponse{Unsealed: unsealed, Received: received, Threshold: threshold}
	if unsealed {
		resp.Message = "Master key unsealed"
		h.log.Info("Master key unsealed", "operator_id", operatorID)
	} else {
		resp.Message = "Share accepted, waiting for more shares"
		h.log.Info("Share accepted", "operator_id", operatorID, "received", received, "threshold", threshold)
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

// verifyOperator checks the request signature and restores the body for the
// handler.
func (h *Handler) verifyOperator(r *http.Request) (string, bool) {
	operatorID := r.Header.Get(OperatorIDHeader)
	sigHeader := r.Header.Get(SignatureHeader)
	if operatorID == "" || sigHeader == "" {
		return "", false
	}

	pub, exists := h.operators[operatorID]
	if !exists {
		h.log.Warn("Authentication failed: unknown operator", "operator_id", operatorID)
		return operatorID, false
	}
	signature, err := base64.StdEncoding.DecodeString(sigHeader)
	if err != nil {
		h.log.Warn("Authentication failed: invalid signature encoding", "operator_id", operatorID, "err", err)
		return operatorID, false
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, api.MaxRequestBodySize))
		if err != nil {
			h.log.Error("Failed to read request body", "err", err)
			return operatorID, false
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	if !kms.VerifyOperatorSignature(pub, RequestDigest(r.URL.Path, body), signature) {
		h.log.Warn("Authentication failed: invalid signature", "operator_id", operatorID)
		return operatorID, false
	}
	return operatorID, true
}

// RequestDigest is the digest an operator signs for a request.
func RequestDigest(path string, body []byte) []byte {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write(body)
	return h.Sum(nil)
}
