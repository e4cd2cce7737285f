// Package walletapi serves the authenticated wallet surface: provisioning,
// signing, device management and guardian management.
package walletapi

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/go-chi/chi/v5"
	"github.com/inomad/custody-backend/api"
	"github.com/inomad/custody-backend/api/auth"
	"github.com/inomad/custody-backend/cryptoutils"
	"github.com/inomad/custody-backend/interfaces"
	"github.com/inomad/custody-backend/kms"
	"github.com/inomad/custody-backend/recovery"
	"github.com/inomad/custody-backend/shares"
)

const (
	createdMessage  = "Wallet created. Store deviceShare securely on your device."
	migratedMessage = "Wallet migrated. The old private key is no longer valid."
	guardianMessage = "Guardian added. They will need to confirm."
)

// Custody is the part of kms.CustodyService the handler needs.
type Custody interface {
	CreateWallet(ctx context.Context, userID string, method interfaces.RecoveryMethod) (*kms.ProvisionedWallet, error)
	MigrateFromPrivateKey(ctx context.Context, userID, rawKey string) (*kms.ProvisionedWallet, error)
	GetWallet(ctx context.Context, userID string) (*interfaces.Wallet, error)
	WalletStatus(ctx context.Context, userID string) (*interfaces.WalletView, error)
	SignTransaction(ctx context.Context, walletID string, deviceShare []byte, req kms.TxRequest) (*kms.SignedTx, error)
	SignMessage(ctx context.Context, walletID string, deviceShare []byte, message []byte) (string, error)
}

// Devices is the part of shares.Registry the handler needs.
type Devices interface {
	RegisterDevice(ctx context.Context, walletID, deviceID, deviceName, userAgent string) (*interfaces.KeyShare, error)
	RevokeDevice(ctx context.Context, walletID, deviceID, reason string) error
	GetActiveDevices(ctx context.Context, walletID string) ([]*interfaces.KeyShare, error)
	AuthorizeDevice(ctx context.Context, walletID, deviceID string) (*interfaces.KeyShare, error)
	TouchDevice(ctx context.Context, walletID, deviceID string) error
}

// Guardians is the part of recovery.Coordinator the handler needs.
type Guardians interface {
	AddGuardian(ctx context.Context, walletID string, in recovery.GuardianInput) (*interfaces.RecoveryGuardian, error)
	ListGuardians(ctx context.Context, walletID string) ([]*interfaces.RecoveryGuardian, error)
	ConfirmGuardian(ctx context.Context, guardianID, userID string) (*interfaces.RecoveryGuardian, error)
	SuggestGuardians(ctx context.Context, userID string) []interfaces.GuardianSuggestion
}

type Handler struct {
	log         *slog.Logger
	custody     Custody
	devices     Devices
	guardians   Guardians
	requireAuth func(http.Handler) http.Handler
}

// NewHandler creates the wallet handler. requireAuth must put the caller's
// user id into the request context, see auth.Authenticator.Middleware.
func NewHandler(log *slog.Logger, custody Custody, devices Devices, guardians Guardians, requireAuth func(http.Handler) http.Handler) *Handler {
	return &Handler{
		log:         log,
		custody:     custody,
		devices:     devices,
		guardians:   guardians,
		requireAuth: requireAuth,
	}
}

// RegisterRoutes mounts every route under /api/wallet behind requireAuth.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/wallet", func(r chi.Router) {
		r.Use(h.requireAuth)

		r.Post("/create", h.handleCreate)
		r.Post("/migrate", h.handleMigrate)
		r.Get("/me", h.handleMe)
		r.Post("/sign-transaction", h.handleSignTransaction)
		r.Post("/sign-message", h.handleSignMessage)

		r.Post("/devices", h.handleRegisterDevice)
		r.Get("/devices", h.handleListDevices)
		r.Delete("/devices/{device_id}", h.handleRevokeDevice)

		r.Post("/guardians", h.handleAddGuardian)
		r.Get("/guardians", h.handleListGuardians)
		r.Get("/guardians/suggest", h.handleSuggestGuardians)
		r.Post("/guardians/{guardian_id}/confirm", h.handleConfirmGuardian)
	})
}

type provisionedResponse struct {
	WalletID    string `json:"walletId"`
	Address     string `json:"address"`
	DeviceShare string `json:"deviceShare"`
	Message     string `json:"message"`
}

func (h *Handler) writeProvisioned(w http.ResponseWriter, p *kms.ProvisionedWallet, message string) {
	resp := provisionedResponse{
		WalletID:    p.WalletID,
		Address:     p.Address,
		DeviceShare: cryptoutils.EncodeShare(p.DeviceShare),
		Message:     message,
	}
	cryptoutils.WipeBytes(p.DeviceShare)
	api.WriteJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RecoveryMethod interfaces.RecoveryMethod `json:"recoveryMethod"`
	}
	if r.ContentLength != 0 {
		if err := api.DecodeJSON(r, &req); err != nil {
			api.WriteError(w, h.log, err)
			return
		}
	}

	p, err := h.custody.CreateWallet(r.Context(), auth.UserID(r.Context()), req.RecoveryMethod)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	h.writeProvisioned(w, p, createdMessage)
}

func (h *Handler) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PrivateKey string `json:"privateKey"`
	}
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}

	p, err := h.custody.MigrateFromPrivateKey(r.Context(), auth.UserID(r.Context()), req.PrivateKey)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	h.writeProvisioned(w, p, migratedMessage)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	view, err := h.custody.WalletStatus(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, view)
}

// txRequest carries numbers as decimal or 0x-prefixed hex strings.
type txRequest struct {
	To                   string `json:"to"`
	Value                string `json:"value"`
	Data                 string `json:"data"`
	GasLimit             uint64 `json:"gasLimit"`
	Nonce                uint64 `json:"nonce"`
	ChainID              string `json:"chainId"`
	GasPrice             string `json:"gasPrice"`
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
}

func parseBig(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := math.ParseBig256(s)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a valid number", interfaces.ErrInvalidArgument, field)
	}
	return v, nil
}

func (t txRequest) toKMS() (kms.TxRequest, error) {
	var (
		out kms.TxRequest
		err error
	)
	if t.To != "" {
		if !common.IsHexAddress(t.To) {
			return out, fmt.Errorf("%w: to is not an address", interfaces.ErrInvalidArgument)
		}
		to := common.HexToAddress(t.To)
		out.To = &to
	}
	if t.Data != "" {
		if out.Data, err = hexutil.Decode(t.Data); err != nil {
			return out, fmt.Errorf("%w: data must be 0x-prefixed hex", interfaces.ErrInvalidArgument)
		}
	}
	if out.Value, err = parseBig("value", t.Value); err != nil {
		return out, err
	}
	if out.ChainID, err = parseBig("chainId", t.ChainID); err != nil {
		return out, err
	}
	if out.GasPrice, err = parseBig("gasPrice", t.GasPrice); err != nil {
		return out, err
	}
	if out.GasFeeCap, err = parseBig("maxFeePerGas", t.MaxFeePerGas); err != nil {
		return out, err
	}
	if out.GasTipCap, err = parseBig("maxPriorityFeePerGas", t.MaxPriorityFeePerGas); err != nil {
		return out, err
	}
	out.Gas = t.GasLimit
	out.Nonce = t.Nonce
	return out, nil
}

// signingContext resolves the caller's wallet, checks that deviceID holds an
// active device share and decodes the share.
func (h *Handler) signingContext(r *http.Request, deviceID, encodedShare string) (*interfaces.Wallet, []byte, error) {
	wallet, err := h.custody.GetWallet(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		return nil, nil, err
	}
	if _, err := h.devices.AuthorizeDevice(r.Context(), wallet.ID, deviceID); err != nil {
		return nil, nil, err
	}
	share, err := cryptoutils.DecodeShare(encodedShare)
	if err != nil {
		return nil, nil, err
	}
	return wallet, share, nil
}

func (h *Handler) touch(ctx context.Context, walletID, deviceID string) {
	if err := h.devices.TouchDevice(ctx, walletID, deviceID); err != nil {
		h.log.Warn("Failed to refresh device last use", "wallet_id", walletID, "device_id", deviceID, "err", err)
	}
}

func (h *Handler) handleSignTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceShare string    `json:"deviceShare"`
		DeviceID    string    `json:"deviceId"`
		Transaction txRequest `json:"transaction"`
	}
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	tx, err := req.Transaction.toKMS()
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}

	wallet, share, err := h.signingContext(r, req.DeviceID, req.DeviceShare)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	defer cryptoutils.WipeBytes(share)

	signed, err := h.custody.SignTransaction(r.Context(), wallet.ID, share, tx)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	h.touch(r.Context(), wallet.ID, req.DeviceID)

	api.WriteJSON(w, http.StatusOK, map[string]string{
		"signedTransaction": signed.Raw,
		"hash":              signed.Hash,
	})
}

func (h *Handler) handleSignMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceShare string `json:"deviceShare"`
		DeviceID    string `json:"deviceId"`
		Message     string `json:"message"`
	}
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}

	wallet, share, err := h.signingContext(r, req.DeviceID, req.DeviceShare)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	defer cryptoutils.WipeBytes(share)

	sig, err := h.custody.SignMessage(r.Context(), wallet.ID, share, []byte(req.Message))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	h.touch(r.Context(), wallet.ID, req.DeviceID)

	api.WriteJSON(w, http.StatusOK, map[string]string{"signature": sig})
}

func (h *Handler) callerWallet(w http.ResponseWriter, r *http.Request) (*interfaces.Wallet, bool) {
	wallet, err := h.custody.GetWallet(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		api.WriteError(w, h.log, err)
		return nil, false
	}
	return wallet, true
}

func (h *Handler) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID   string `json:"deviceId"`
		DeviceName string `json:"deviceName"`
	}
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	wallet, ok := h.callerWallet(w, r)
	if !ok {
		return
	}

	row, err := h.devices.RegisterDevice(r.Context(), wallet.ID, req.DeviceID, req.DeviceName, r.UserAgent())
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, interfaces.NewDeviceView(row))
}

func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.callerWallet(w, r)
	if !ok {
		return
	}
	rows, err := h.devices.GetActiveDevices(r.Context(), wallet.ID)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}

	devices := make([]interfaces.DeviceView, 0, len(rows))
	for _, row := range rows {
		devices = append(devices, interfaces.NewDeviceView(row))
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (h *Handler) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.callerWallet(w, r)
	if !ok {
		return
	}
	if err := h.devices.RevokeDevice(r.Context(), wallet.ID, r.PathValue("device_id"), shares.ReasonUserRevoked); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GuardianView is the wire form of a guardian.
type GuardianView struct {
	ID               string                  `json:"id"`
	Type             interfaces.GuardianType `json:"type"`
	Ref              string                  `json:"ref"`
	Name             string                  `json:"name,omitempty"`
	LinkedUserID     string                  `json:"linkedUserId,omitempty"`
	Confirmed        bool                    `json:"confirmed"`
	RecoveryApproved bool                    `json:"recoveryApproved"`
	ApprovedAt       *time.Time              `json:"approvedAt,omitempty"`
	CreatedAt        time.Time               `json:"createdAt"`
}

func newGuardianView(g *interfaces.RecoveryGuardian) GuardianView {
	return GuardianView{
		ID:               g.ID,
		Type:             g.Type,
		Ref:              g.Ref,
		Name:             g.Name,
		LinkedUserID:     g.LinkedUserID,
		Confirmed:        g.Confirmed,
		RecoveryApproved: g.RecoveryApproved,
		ApprovedAt:       g.ApprovedAt,
		CreatedAt:        g.CreatedAt,
	}
}

func (h *Handler) handleAddGuardian(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GuardianType   interfaces.GuardianType `json:"guardianType"`
		GuardianRef    string                  `json:"guardianRef"`
		GuardianName   string                  `json:"guardianName"`
		GuardianUserID string                  `json:"guardianUserId"`
	}
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	wallet, ok := h.callerWallet(w, r)
	if !ok {
		return
	}

	g, err := h.guardians.AddGuardian(r.Context(), wallet.ID, recovery.GuardianInput{
		Type:         req.GuardianType,
		Ref:          req.GuardianRef,
		Name:         req.GuardianName,
		LinkedUserID: req.GuardianUserID,
	})
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, map[string]any{
		"guardian": newGuardianView(g),
		"message":  guardianMessage,
	})
}

func (h *Handler) handleListGuardians(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.callerWallet(w, r)
	if !ok {
		return
	}
	guardians, err := h.guardians.ListGuardians(r.Context(), wallet.ID)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}

	views := make([]GuardianView, 0, len(guardians))
	for _, g := range guardians {
		views = append(views, newGuardianView(g))
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"guardians": views})
}

func (h *Handler) handleSuggestGuardians(w http.ResponseWriter, r *http.Request) {
	suggestions := h.guardians.SuggestGuardians(r.Context(), auth.UserID(r.Context()))
	api.WriteJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

// handleConfirmGuardian is called by the guardian, not the wallet owner.
func (h *Handler) handleConfirmGuardian(w http.ResponseWriter, r *http.Request) {
	g, err := h.guardians.ConfirmGuardian(r.Context(), r.PathValue("guardian_id"), auth.UserID(r.Context()))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, newGuardianView(g))
}
