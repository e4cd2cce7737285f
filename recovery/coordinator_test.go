package recovery

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/inomad/custody-backend/directory"
	"github.com/inomad/custody-backend/interfaces"
	"github.com/inomad/custody-backend/metrics"
	"github.com/inomad/custody-backend/shares"
	"github.com/inomad/custody-backend/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testWalletID = "w1"
	testOwnerID  = "u-owner"
	testAddress  = "0x00000000000000000000000000000000000000A1"
	testCode     = "482913"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) SendCode(ctx context.Context, destination, code string, codeCtx interfaces.CodeContext) error {
	return m.Called(ctx, destination, code, codeCtx).Error(0)
}

func (m *mockNotifier) NotifyGuardian(ctx context.Context, destination, requesterName, walletRef, approvalLink string) error {
	return m.Called(ctx, destination, requesterName, walletRef, approvalLink).Error(0)
}

func (m *mockNotifier) NotifyRecoveryComplete(ctx context.Context, destination, walletRef string) error {
	return m.Called(ctx, destination, walletRef).Error(0)
}

// storeStatus flips wallet status directly on the store.
type storeStatus struct {
	store interfaces.Store
}

func (s storeStatus) SetStatus(ctx context.Context, tx interfaces.Store, walletID string, status interfaces.WalletStatus) error {
	if tx == nil {
		tx = s.store
	}
	return tx.UpdateWalletStatus(ctx, walletID, status)
}

type testEnv struct {
	coord    *Coordinator
	mem      *store.Memory
	dir      *directory.Static
	notifier *mockNotifier
	clock    *fakeClock
	devices  *shares.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	mem := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.NoError(t, mem.CreateWallet(ctx, &interfaces.Wallet{
		ID:             testWalletID,
		UserID:         testOwnerID,
		Address:        testAddress,
		ServerShareEnc: "sealed",
		Status:         interfaces.WalletActive,
		RecoveryMethod: interfaces.RecoverySocial,
		CreatedAt:      clock.Now(),
	}))
	require.NoError(t, mem.CreateShares(ctx, []*interfaces.KeyShare{
		{ID: "s-dev", WalletID: testWalletID, Kind: interfaces.ShareDevice, Index: 0, DeviceID: "phone", Active: true, CreatedAt: clock.Now()},
		{ID: "s-srv", WalletID: testWalletID, Kind: interfaces.ShareServer, Index: 1, Active: true, CreatedAt: clock.Now()},
		{ID: "s-rec", WalletID: testWalletID, Kind: interfaces.ShareRecovery, Index: 2, Active: true, CreatedAt: clock.Now()},
	}))

	dir := directory.NewStatic()
	dir.AddUser(interfaces.User{ID: testOwnerID, Username: "bat", Email: "bat@example.mn", Phone: "+97699110000"})

	notifier := &mockNotifier{}
	devices := shares.NewRegistry(mem, logger, shares.WithClock(clock.Now))

	coord, err := NewCoordinator(
		Config{ApprovalURL: "https://wallet.example.mn/recovery/approve/"},
		mem, storeStatus{store: mem}, devices, dir, notifier, logger,
		WithClock(clock.Now),
		WithMetrics(metrics.New("test", metrics.NewRegistry())),
		WithCodeGenerator(func() (string, error) { return testCode, nil }),
	)
	require.NoError(t, err)

	return &testEnv{coord: coord, mem: mem, dir: dir, notifier: notifier, clock: clock, devices: devices}
}

// addGuardians adds n guardians linked to directory users g1..gn and
// confirms the first confirmed of them.
func (e *testEnv) addGuardians(t *testing.T, n, confirmed int) []string {
	t.Helper()
	ctx := context.Background()
	var users []string
	for i := 1; i <= n; i++ {
		userID := "g" + string(rune('0'+i))
		e.dir.AddUser(interfaces.User{ID: userID, Username: "guardian-" + userID, Email: userID + "@example.mn"})
		g, err := e.coord.AddGuardian(ctx, testWalletID, GuardianInput{
			Type:         interfaces.GuardianFamily,
			Ref:          userID + "-ref",
			LinkedUserID: userID,
		})
		require.NoError(t, err)
		if i <= confirmed {
			_, err = e.coord.ConfirmGuardian(ctx, g.ID, userID)
			require.NoError(t, err)
		}
		users = append(users, userID)
	}
	return users
}

func (e *testEnv) walletStatus(t *testing.T) interfaces.WalletStatus {
	t.Helper()
	w, err := e.mem.GetWallet(context.Background(), testWalletID)
	require.NoError(t, err)
	return w.Status
}

func TestNewCoordinator_RequiresDependencies(t *testing.T) {
	mem := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	devices := shares.NewRegistry(mem, logger)

	_, err := NewCoordinator(Config{}, nil, storeStatus{}, devices, directory.NewStatic(), &mockNotifier{}, logger)
	assert.Error(t, err)
	_, err = NewCoordinator(Config{}, mem, storeStatus{}, devices, directory.NewStatic(), nil, logger)
	assert.Error(t, err)

	c, err := NewCoordinator(Config{}, mem, storeStatus{store: mem}, devices, directory.NewStatic(), &mockNotifier{}, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultMaxCodeAttempts, c.cfg.MaxCodeAttempts)
	assert.Equal(t, defaultNotifyTimeout, c.cfg.NotifyTimeout)
}

func TestAddGuardian(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	tests := []struct {
		name    string
		wallet  string
		in      GuardianInput
		wantErr error
	}{
		{"unknown type", testWalletID, GuardianInput{Type: "COUSIN", Ref: "x"}, interfaces.ErrInvalidArgument},
		{"empty ref", testWalletID, GuardianInput{Type: interfaces.GuardianFriend, Ref: "  "}, interfaces.ErrInvalidArgument},
		{"owner as guardian", testWalletID, GuardianInput{Type: interfaces.GuardianOther, Ref: "me", LinkedUserID: testOwnerID}, interfaces.ErrInvalidArgument},
		{"unknown wallet", "nope", GuardianInput{Type: interfaces.GuardianFriend, Ref: "x"}, interfaces.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.coord.AddGuardian(ctx, tt.wallet, tt.in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	g, err := env.coord.AddGuardian(ctx, testWalletID, GuardianInput{
		Type: interfaces.GuardianSpouse, Ref: " saraa@example.mn ", Name: "Saraa", LinkedUserID: "u-saraa",
	})
	require.NoError(t, err)
	assert.Equal(t, "saraa@example.mn", g.Ref)
	assert.False(t, g.Confirmed)
	assert.False(t, g.RecoveryApproved)

	_, err = env.coord.AddGuardian(ctx, testWalletID, GuardianInput{Type: interfaces.GuardianFriend, Ref: "other", LinkedUserID: "u-saraa"})
	assert.ErrorIs(t, err, interfaces.ErrAlreadyExists)
}

func TestAddGuardian_LimitPerWallet(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addGuardians(t, interfaces.MaxGuardiansPerWallet, 0)

	_, err := env.coord.AddGuardian(ctx, testWalletID, GuardianInput{Type: interfaces.GuardianOther, Ref: "sixth@example.mn"})
	assert.ErrorIs(t, err, interfaces.ErrLimitExceeded)

	count, err := env.mem.CountGuardians(ctx, testWalletID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.MaxGuardiansPerWallet, count)
}

func TestConfirmGuardian(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	g, err := env.coord.AddGuardian(ctx, testWalletID, GuardianInput{Type: interfaces.GuardianFriend, Ref: "dorj", LinkedUserID: "u-dorj"})
	require.NoError(t, err)
	unlinked, err := env.coord.AddGuardian(ctx, testWalletID, GuardianInput{Type: interfaces.GuardianOther, Ref: "+97688000000"})
	require.NoError(t, err)

	_, err = env.coord.ConfirmGuardian(ctx, g.ID, "u-someone-else")
	assert.ErrorIs(t, err, interfaces.ErrInvalidGuardian)
	_, err = env.coord.ConfirmGuardian(ctx, unlinked.ID, "")
	assert.ErrorIs(t, err, interfaces.ErrInvalidGuardian)
	_, err = env.coord.ConfirmGuardian(ctx, "missing", "u-dorj")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	confirmed, err := env.coord.ConfirmGuardian(ctx, g.ID, "u-dorj")
	require.NoError(t, err)
	assert.True(t, confirmed.Confirmed)

	_, err = env.coord.ConfirmGuardian(ctx, g.ID, "u-dorj")
	require.NoError(t, err)

	list, err := env.coord.ListGuardians(ctx, testWalletID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, g.ID, list[0].ID, "confirmed guardians are listed first")
	assert.Equal(t, unlinked.ID, list[1].ID)
}

func TestSuggestGuardians(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.dir.AddUser(interfaces.User{ID: "u-spouse", Username: "Saraa"})
	env.dir.AddUser(interfaces.User{ID: "u-rep"})
	env.dir.AddUser(interfaces.User{ID: "u-child", Username: "Temuujin"})
	env.dir.SetSocialGraph(testOwnerID, interfaces.SocialGraph{
		Families: []interfaces.FamilyUnit{{
			SpouseID:         "u-spouse",
			RepresentativeID: "u-rep",
			AdultChildIDs:    []string{"u-child", testOwnerID},
		}},
		Organizations: []interfaces.Organization{
			{Name: "Herders", LeaderID: "u-spouse"},
			{Name: "Coop", LeaderID: "u-leader"},
		},
	})

	got := env.coord.SuggestGuardians(ctx, testOwnerID)
	require.Len(t, got, 4)

	assert.Equal(t, interfaces.GuardianSpouse, got[0].Type)
	assert.Equal(t, "Saraa", got[0].Name)
	assert.Equal(t, interfaces.TrustHigh, got[0].Trust)

	assert.Equal(t, interfaces.GuardianKhuralRep, got[1].Type)
	assert.Equal(t, "Khural Representative", got[1].Name, "falls back to the label without a username")
	assert.Equal(t, interfaces.TrustHigh, got[1].Trust)

	assert.Equal(t, interfaces.GuardianFamily, got[2].Type)
	assert.Equal(t, "u-child", got[2].UserID)
	assert.Equal(t, interfaces.TrustMedium, got[2].Trust)

	assert.Equal(t, interfaces.GuardianFriend, got[3].Type)
	assert.Equal(t, "u-leader", got[3].UserID)
	assert.Equal(t, "Organization Leader", got[3].Relationship)

	unknown := env.coord.SuggestGuardians(ctx, "ghost")
	assert.NotNil(t, unknown)
	assert.Empty(t, unknown)
}
