package authstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func testKey() [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestOpenSeedsDefaultClient(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.enc")
	store, err := Open(path, testKey())
	require.NoError(t, err)

	ok, err := store.Validate(defaultClientID, defaultClientSecret)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSeedIsIdempotentAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.enc")
	store1, err := Open(path, testKey())
	require.NoError(t, err)
	creds1, err := store1.List()
	require.NoError(t, err)
	require.Len(t, creds1, 1)

	store2, err := Open(path, testKey())
	require.NoError(t, err)
	creds2, err := store2.List()
	require.NoError(t, err)
	require.Len(t, creds2, 1)

	assert.Equal(t, creds1[0].CreatedAt, creds2[0].CreatedAt)
	assert.Equal(t, creds1[0].SecretHash, creds2[0].SecretHash)
}

func TestValidateAuthRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.enc")
	store, err := Open(path, testKey())
	require.NoError(t, err)
	require.NoError(t, store.Add("client-a", "secret-a", "A"))

	ok, err := store.Validate("client-a", "secret-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Validate("client-a", "wrong-secret")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Validate("does-not-exist", "whatever")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Validate("", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveDeactivatesClient(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.enc")
	store, err := Open(path, testKey())
	require.NoError(t, err)
	require.NoError(t, store.Add("client-b", "secret-b", "B"))
	require.NoError(t, store.Remove("client-b"))

	ok, err := store.Validate("client-b", "secret-b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenWrongKeyIsUnreadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.enc")
	_, err := Open(path, testKey())
	require.NoError(t, err)

	var wrongKey [32]byte
	_, err = Open(path, wrongKey)
	assert.ErrorIs(t, err, ErrCredentialStoreUnreadable)
}

func TestParseHelloPayload(t *testing.T) {
	clientID, secret, err := ParseHelloPayload("default-client:default-secret-2024")
	require.NoError(t, err)
	assert.Equal(t, "default-client", clientID)
	assert.Equal(t, "default-secret-2024", secret)

	_, _, err = ParseHelloPayload("no-colon-here")
	assert.Error(t, err)

	_, _, err = ParseHelloPayload("a:b:c")
	assert.Error(t, err)
}

func TestAddRejectsInvalidClientID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.enc")
	store, err := Open(path, testKey())
	require.NoError(t, err)

	err = store.Add("bad:id", "secret", "name")
	assert.ErrorIs(t, err, ErrInvalidClientID)
}
