package cryptoutils

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/inomad/custody-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testShareKey(t *testing.T, walletID string) []byte {
	t.Helper()
	masterKey := make([]byte, MasterKeyLength)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)
	key, err := DeriveShareKey(masterKey, walletID)
	require.NoError(t, err)
	return key
}

func TestSealShare_Format(t *testing.T) {
	key := testShareKey(t, "w")
	sealed, err := SealShare(key, []byte("share-bytes"), nil)
	require.NoError(t, err)

	parts := strings.Split(sealed, ":")
	require.Len(t, parts, 3, "nonce:tag:ciphertext")
	assert.Len(t, parts[0], gcmNonceSize*2)
	assert.Len(t, parts[1], gcmTagSize*2)

	again, err := SealShare(key, []byte("share-bytes"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "each seal must use a fresh nonce")
}

func TestOpenShare_FailsClosed(t *testing.T) {
	key := testShareKey(t, "wallet-a")
	sealed, err := SealShare(key, []byte("secret"), []byte("wallet-a"))
	require.NoError(t, err)

	t.Run("wrong aad", func(t *testing.T) {
		_, err := OpenShare(key, sealed, []byte("wallet-b"))
		assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailed)
	})

	t.Run("wrong key", func(t *testing.T) {
		_, err := OpenShare(testShareKey(t, "wallet-a"), sealed, []byte("wallet-a"))
		assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailed)
	})

	t.Run("tampered tag", func(t *testing.T) {
		parts := strings.Split(sealed, ":")
		flipped := []byte(parts[1])
		if flipped[0] == '0' {
			flipped[0] = '1'
		} else {
			flipped[0] = '0'
		}
		parts[1] = string(flipped)
		_, err := OpenShare(key, strings.Join(parts, ":"), []byte("wallet-a"))
		assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailed)
	})

	t.Run("malformed", func(t *testing.T) {
		for _, blob := range []string{"", "abc", "00:11", "zz:00:00", sealed + ":extra"} {
			_, err := OpenShare(key, blob, []byte("wallet-a"))
			assert.ErrorIs(t, err, interfaces.ErrInvalidShareFormat, blob)
		}
	})
}

func TestDeriveShareKey(t *testing.T) {
	masterKey := make([]byte, MasterKeyLength)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)

	a1, err := DeriveShareKey(masterKey, "a")
	require.NoError(t, err)
	a2, err := DeriveShareKey(masterKey, "a")
	require.NoError(t, err)
	b, err := DeriveShareKey(masterKey, "b")
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)

	_, err = DeriveShareKey(masterKey[:16], "a")
	assert.Error(t, err)
	_, err = DeriveShareKey(masterKey, "")
	assert.Error(t, err)
}
