package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptAES(t *testing.T) {
	key, err := NewAESKey()
	require.NoError(t, err)

	plaintext := []byte("wrapped private key material")
	aad := []byte("keyrecord:0x42")

	ct, err := EncryptAESWithAAD(plaintext, key, aad)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ct)

	pt, err := DecryptAESWithAAD(ct, key, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)

	// Wrong AAD must fail authentication.
	_, err = DecryptAESWithAAD(ct, key, []byte("keyrecord:0x43"))
	assert.Error(t, err)
}

func TestEncryptAES_RejectsBadKeySize(t *testing.T) {
	_, err := EncryptAESWithAAD([]byte("data"), make([]byte, 16), nil)
	assert.Error(t, err)
}

func TestDeriveRecordKey(t *testing.T) {
	master, err := NewAESKey()
	require.NoError(t, err)

	k1, err := DeriveRecordKey(master, "keyrecords")
	require.NoError(t, err)
	k2, err := DeriveRecordKey(master, "requests")
	require.NoError(t, err)

	assert.Len(t, k1, HKDFKeyLength)
	assert.NotEqual(t, k1, k2)

	k1again, err := DeriveRecordKey(master, "keyrecords")
	require.NoError(t, err)
	assert.Equal(t, k1, k1again)
}

func TestNewSessionKey(t *testing.T) {
	k, err := NewSessionKey()
	require.NoError(t, err)
	assert.Len(t, k, SessionKeySize)
}

func TestWipeBytes(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	WipeBytes(b)
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
}

func TestNormalizePassphrase(t *testing.T) {
	// U+00C5 (Å) and U+212B (ANGSTROM SIGN) normalize to the same NFKD form.
	assert.Equal(t, NormalizePassphrase("Å"), NormalizePassphrase("Å"))
}
