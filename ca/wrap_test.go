package ca

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keyward/internal/util"
)

func TestWrapPassphraseRoundTrip(t *testing.T) {
	sessionKey, err := util.NewSessionKey()
	require.NoError(t, err)

	wrapped, err := WrapPassphrase("correct horse battery staple", sessionKey)
	require.NoError(t, err)
	require.NotEmpty(t, wrapped)

	out, err := UnwrapPassphrase(wrapped, sessionKey)
	require.NoError(t, err)
	assert.Equal(t, "correct horse battery staple", out)
}

func TestWrapPassphraseDeterministicIV(t *testing.T) {
	// The constant IV makes the wrapped form deterministic per key. This is
	// part of the wire contract with deployed recovery services.
	sessionKey, err := util.NewSessionKey()
	require.NoError(t, err)

	a, err := WrapPassphrase("secret", sessionKey)
	require.NoError(t, err)
	b, err := WrapPassphrase("secret", sessionKey)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b))
}

func TestWrapPassphraseNormalizesUnicode(t *testing.T) {
	sessionKey, err := util.NewSessionKey()
	require.NoError(t, err)

	// U+00E9 (precomposed) and U+0065 U+0301 (decomposed) wrap identically.
	a, err := WrapPassphrase("café", sessionKey)
	require.NoError(t, err)
	b, err := WrapPassphrase("café", sessionKey)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b))
}

func TestWrapPassphraseRejectsBadKeySize(t *testing.T) {
	_, err := WrapPassphrase("secret", make([]byte, 5))
	require.Error(t, err)
}

func TestWrapSessionKeyPaddings(t *testing.T) {
	transport, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	sessionKey, err := util.NewSessionKey()
	require.NoError(t, err)

	for _, padding := range []Padding{PaddingOAEP, PaddingPKCS1} {
		wrapped, err := WrapSessionKey(sessionKey, &transport.PublicKey, padding)
		require.NoError(t, err, string(padding))

		out, err := UnwrapSessionKey(wrapped, transport, padding)
		require.NoError(t, err, string(padding))
		assert.Equal(t, sessionKey, out, string(padding))
	}
}

func TestWrapSessionKeyUnknownPadding(t *testing.T) {
	transport, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, err = WrapSessionKey(make([]byte, util.SessionKeySize), &transport.PublicKey, Padding("cbc"))
	require.Error(t, err)
}
