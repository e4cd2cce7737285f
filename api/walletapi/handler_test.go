package walletapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/go-chi/chi/v5"
	"github.com/inomad/custody-backend/api"
	"github.com/inomad/custody-backend/api/auth"
	"github.com/inomad/custody-backend/cryptoutils"
	"github.com/inomad/custody-backend/directory"
	"github.com/inomad/custody-backend/interfaces"
	"github.com/inomad/custody-backend/kms"
	"github.com/inomad/custody-backend/notify"
	"github.com/inomad/custody-backend/recovery"
	"github.com/inomad/custody-backend/shares"
	"github.com/inomad/custody-backend/storage"
	"github.com/inomad/custody-backend/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ownerID     = "u-owner"
	guardianID  = "u-guard"
	guardian2ID = "u-guard2"
)

type testAPI struct {
	router http.Handler
	authn  *auth.Authenticator
	coord  *recovery.Coordinator
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	backend, err := storage.NewFileBackend(t.TempDir(), log)
	require.NoError(t, err)
	escrow, err := storage.NewRecoveryEscrow(backend, []age.Recipient{identity.Recipient()}, log)
	require.NoError(t, err)

	dir := directory.NewStatic()
	dir.AddUser(interfaces.User{ID: ownerID, Username: "bat", Email: "bat@example.mn"})
	dir.AddUser(interfaces.User{ID: guardianID, Username: "saraa", Email: "saraa@example.mn"})
	dir.AddUser(interfaces.User{ID: guardian2ID, Username: "tuya", Email: "tuya@example.mn"})
	dir.SetSocialGraph(ownerID, interfaces.SocialGraph{Families: []interfaces.FamilyUnit{{SpouseID: guardianID}}})

	mem := store.NewMemory()
	custody, err := kms.NewCustodyService(kms.Config{
		MasterKey: bytes.Repeat([]byte{0x42}, cryptoutils.MasterKeyLength),
		ChainID:   big.NewInt(1337),
	}, mem, escrow, dir, log)
	require.NoError(t, err)
	devices := shares.NewRegistry(mem, log)
	coord, err := recovery.NewCoordinator(recovery.Config{ApprovalURL: "https://wallet.example.mn/approve"},
		mem, custody, devices, dir, notify.NewLogNotifier(log, false), log)
	require.NoError(t, err)

	authn, err := auth.NewAuthenticator("0123456789abcdef0123456789abcdef", "inomad")
	require.NoError(t, err)

	r := chi.NewRouter()
	NewHandler(log, custody, devices, coord, authn.Middleware(log)).RegisterRoutes(r)
	return &testAPI{router: r, authn: authn, coord: coord}
}

func (a *testAPI) do(t *testing.T, userID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		token, err := a.authn.IssueToken(userID, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, kind string) {
	t.Helper()
	assert.Equal(t, status, rec.Code)
	assert.Equal(t, kind, decode[api.ErrorResponse](t, rec).Error)
}

func (a *testAPI) createWallet(t *testing.T) provisionedResponse {
	t.Helper()
	rec := a.do(t, ownerID, http.MethodPost, "/api/wallet/create", map[string]string{"recoveryMethod": "SOCIAL"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[provisionedResponse](t, rec)
}

func (a *testAPI) registerDevice(t *testing.T, deviceID string) {
	t.Helper()
	rec := a.do(t, ownerID, http.MethodPost, "/api/wallet/devices", map[string]string{"deviceId": deviceID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (a *testAPI) signMessage(t *testing.T, deviceID, deviceShare string) *httptest.ResponseRecorder {
	t.Helper()
	return a.do(t, ownerID, http.MethodPost, "/api/wallet/sign-message", map[string]string{
		"deviceShare": deviceShare,
		"deviceId":    deviceID,
		"message":     "hello",
	})
}

func TestWalletAPI_RequiresAuth(t *testing.T) {
	a := newTestAPI(t)
	assertError(t, a.do(t, "", http.MethodGet, "/api/wallet/me", nil), http.StatusUnauthorized, "unauthorized")
}

func TestWalletAPI_CreateAndStatus(t *testing.T) {
	a := newTestAPI(t)

	created := a.createWallet(t)
	assert.NotEmpty(t, created.WalletID)
	assert.Len(t, created.Address, 42)
	share, err := cryptoutils.DecodeShare(created.DeviceShare)
	require.NoError(t, err)
	assert.Len(t, share, cryptoutils.ShareLength)

	rec := a.do(t, ownerID, http.MethodPost, "/api/wallet/create", nil)
	assertError(t, rec, http.StatusConflict, "already_exists")

	rec = a.do(t, ownerID, http.MethodGet, "/api/wallet/me", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[interfaces.WalletView](t, rec)
	assert.Equal(t, created.Address, view.Address)
	assert.Equal(t, interfaces.WalletActive, view.Status)
	assert.Empty(t, view.Devices)

	rec = a.do(t, guardianID, http.MethodGet, "/api/wallet/me", nil)
	assertError(t, rec, http.StatusNotFound, "not_found")
}

func TestWalletAPI_Migrate(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, ownerID, http.MethodPost, "/api/wallet/migrate", map[string]string{"privateKey": "0x1234"})
	assertError(t, rec, http.StatusBadRequest, "invalid_key")

	rec = a.do(t, ownerID, http.MethodPost, "/api/wallet/migrate", map[string]string{
		"privateKey": "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	migrated := decode[provisionedResponse](t, rec)
	assert.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", migrated.Address)
}

func TestWalletAPI_Sign(t *testing.T) {
	a := newTestAPI(t)
	created := a.createWallet(t)
	a.registerDevice(t, "phone")

	rec := a.signMessage(t, "phone", created.DeviceShare)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sig := decode[map[string]string](t, rec)["signature"]
	assert.Len(t, sig, 2+65*2)

	rec = a.do(t, ownerID, http.MethodPost, "/api/wallet/sign-transaction", map[string]any{
		"deviceShare": created.DeviceShare,
		"deviceId":    "phone",
		"transaction": map[string]any{
			"to":                   "0x00000000000000000000000000000000000000A1",
			"value":                "1000",
			"gasLimit":             21000,
			"maxFeePerGas":         "0x3b9aca00",
			"maxPriorityFeePerGas": "1",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	signed := decode[map[string]string](t, rec)
	assert.NotEmpty(t, signed["signedTransaction"])
	assert.Len(t, signed["hash"], 66)

	rec = a.do(t, ownerID, http.MethodPost, "/api/wallet/sign-transaction", map[string]any{
		"deviceShare": created.DeviceShare,
		"deviceId":    "phone",
		"transaction": map[string]any{"to": "not-an-address"},
	})
	assertError(t, rec, http.StatusBadRequest, "invalid_argument")

	rec = a.signMessage(t, "phone", "0xzz")
	assertError(t, rec, http.StatusBadRequest, "invalid_share_format")

	tampered, err := cryptoutils.DecodeShare(created.DeviceShare)
	require.NoError(t, err)
	tampered[0] ^= 0xff
	rec = a.signMessage(t, "phone", cryptoutils.EncodeShare(tampered))
	assertError(t, rec, http.StatusUnauthorized, "share_mismatch")
}

func TestWalletAPI_SignRequiresActiveDevice(t *testing.T) {
	a := newTestAPI(t)
	created := a.createWallet(t)

	assertError(t, a.signMessage(t, "", created.DeviceShare), http.StatusBadRequest, "invalid_argument")
	assertError(t, a.signMessage(t, "phone", created.DeviceShare), http.StatusForbidden, "device_not_authorized")

	a.registerDevice(t, "phone")
	require.Equal(t, http.StatusOK, a.signMessage(t, "phone", created.DeviceShare).Code)
	assertError(t, a.signMessage(t, "tablet", created.DeviceShare), http.StatusForbidden, "device_not_authorized")

	rec := a.do(t, ownerID, http.MethodDelete, "/api/wallet/devices/phone", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assertError(t, a.signMessage(t, "phone", created.DeviceShare), http.StatusForbidden, "device_not_authorized")

	rec = a.do(t, ownerID, http.MethodPost, "/api/wallet/sign-transaction", map[string]any{
		"deviceShare": created.DeviceShare,
		"deviceId":    "phone",
		"transaction": map[string]any{"to": "0x00000000000000000000000000000000000000A1", "gasLimit": 21000},
	})
	assertError(t, rec, http.StatusForbidden, "device_not_authorized")

	a.registerDevice(t, "phone")
	assert.Equal(t, http.StatusOK, a.signMessage(t, "phone", created.DeviceShare).Code, "re-registering restores access")
}

func TestWalletAPI_RecoveryCutsOffOldDevices(t *testing.T) {
	ctx := context.Background()
	a := newTestAPI(t)
	created := a.createWallet(t)
	a.registerDevice(t, "phone")
	require.Equal(t, http.StatusOK, a.signMessage(t, "phone", created.DeviceShare).Code)

	for _, g := range []struct{ user, ref string }{{guardianID, "saraa@example.mn"}, {guardian2ID, "tuya@example.mn"}} {
		rec := a.do(t, ownerID, http.MethodPost, "/api/wallet/guardians", map[string]string{
			"guardianType":   "FRIEND",
			"guardianRef":    g.ref,
			"guardianUserId": g.user,
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		id := decode[struct {
			Guardian GuardianView `json:"guardian"`
		}](t, rec).Guardian.ID
		rec = a.do(t, g.user, http.MethodPost, "/api/wallet/guardians/"+id+"/confirm", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	session, err := a.coord.InitiateRecovery(ctx, created.Address, interfaces.RecoverySocial)
	require.NoError(t, err)
	_, err = a.coord.ApproveRecovery(ctx, session.ID, guardianID)
	require.NoError(t, err)
	_, err = a.coord.ConfirmRecovery(ctx, session.ID, "")
	require.NoError(t, err)

	assertError(t, a.signMessage(t, "phone", created.DeviceShare), http.StatusForbidden, "device_not_authorized")

	a.registerDevice(t, "new-phone")
	assert.Equal(t, http.StatusOK, a.signMessage(t, "new-phone", created.DeviceShare).Code)
}

func TestWalletAPI_Devices(t *testing.T) {
	a := newTestAPI(t)
	a.createWallet(t)

	rec := a.do(t, ownerID, http.MethodPost, "/api/wallet/devices", map[string]string{"deviceId": "phone", "deviceName": "Pixel"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	dev := decode[interfaces.DeviceView](t, rec)
	assert.Equal(t, "phone", dev.DeviceID)
	assert.Equal(t, 0, dev.Index)

	rec = a.do(t, ownerID, http.MethodPost, "/api/wallet/devices", map[string]string{"deviceName": "no id"})
	assertError(t, rec, http.StatusBadRequest, "invalid_argument")

	rec = a.do(t, ownerID, http.MethodGet, "/api/wallet/devices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]interfaces.DeviceView](t, rec)["devices"], 1)

	rec = a.do(t, ownerID, http.MethodDelete, "/api/wallet/devices/phone", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = a.do(t, ownerID, http.MethodDelete, "/api/wallet/devices/phone", nil)
	assertError(t, rec, http.StatusNotFound, "not_found")

	rec = a.do(t, ownerID, http.MethodGet, "/api/wallet/devices", nil)
	assert.Empty(t, decode[map[string][]interfaces.DeviceView](t, rec)["devices"])
}

func TestWalletAPI_Guardians(t *testing.T) {
	a := newTestAPI(t)
	a.createWallet(t)

	rec := a.do(t, ownerID, http.MethodPost, "/api/wallet/guardians", map[string]string{
		"guardianType":   "SPOUSE",
		"guardianRef":    "saraa@example.mn",
		"guardianName":   "Saraa",
		"guardianUserId": guardianID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	added := decode[struct {
		Guardian GuardianView `json:"guardian"`
	}](t, rec).Guardian
	assert.False(t, added.Confirmed)

	rec = a.do(t, ownerID, http.MethodPost, "/api/wallet/guardians", map[string]string{
		"guardianType": "CARRIER_PIGEON",
		"guardianRef":  "x",
	})
	assertError(t, rec, http.StatusBadRequest, "invalid_argument")

	confirmPath := "/api/wallet/guardians/" + added.ID + "/confirm"
	rec = a.do(t, ownerID, http.MethodPost, confirmPath, nil)
	assertError(t, rec, http.StatusForbidden, "invalid_guardian")

	rec = a.do(t, guardianID, http.MethodPost, confirmPath, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[GuardianView](t, rec).Confirmed)

	rec = a.do(t, ownerID, http.MethodGet, "/api/wallet/guardians", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]GuardianView](t, rec)["guardians"]
	require.Len(t, list, 1)
	assert.True(t, list[0].Confirmed)

	rec = a.do(t, ownerID, http.MethodGet, "/api/wallet/guardians/suggest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	suggestions := decode[map[string][]interfaces.GuardianSuggestion](t, rec)["suggestions"]
	require.NotEmpty(t, suggestions)
	assert.Equal(t, guardianID, suggestions[0].UserID)
}

func TestTxRequest_ToKMS(t *testing.T) {
	out, err := txRequest{
		To:       "0x00000000000000000000000000000000000000A1",
		Value:    "0x10",
		Data:     "0xdeadbeef",
		GasPrice: "7",
		GasLimit: 21000,
		Nonce:    3,
	}.toKMS()
	require.NoError(t, err)
	assert.Equal(t, int64(16), out.Value.Int64())
	assert.Equal(t, int64(7), out.GasPrice.Int64())
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, out.Data)
	assert.Nil(t, out.ChainID)
	assert.Equal(t, uint64(3), out.Nonce)

	_, err = txRequest{Data: "zz"}.toKMS()
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
	_, err = txRequest{ChainID: "-1"}.toKMS()
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
}
