package crypto

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/pupstore/es"
)

func newTestAEAD(t *testing.T) *AEAD {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	a, err := NewAEAD(key)
	require.NoError(t, err)
	return a
}

func TestRoundTrip(t *testing.T) {
	a := newTestAEAD(t)
	ctx := es.WithTenant(context.Background(), "acme")

	sealed, err := a.Encrypt(ctx, []byte("payload"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "payload")

	plain, err := a.Decrypt(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), plain)
}

func TestNoncesDiffer(t *testing.T) {
	a := newTestAEAD(t)
	x, err := a.Encrypt(context.Background(), []byte("same"))
	require.NoError(t, err)
	y, err := a.Encrypt(context.Background(), []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, x, y)
}

func TestTenantIsBound(t *testing.T) {
	a := newTestAEAD(t)
	sealed, err := a.Encrypt(es.WithTenant(context.Background(), "acme"), []byte("payload"))
	require.NoError(t, err)

	_, err = a.Decrypt(es.WithTenant(context.Background(), "globex"), sealed)
	assert.Error(t, err)
	_, err = a.Decrypt(context.Background(), sealed)
	assert.Error(t, err)
}

func TestDecryptRejectsShortInput(t *testing.T) {
	a := newTestAEAD(t)
	_, err := a.Decrypt(context.Background(), []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestParseKey(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	parsed, err := ParseKey(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	_, err = ParseKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
	_, err = ParseKey("not base64!")
	assert.Error(t, err)
}
