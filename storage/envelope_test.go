package storage

import (
	"testing"

	"github.com/jmcleod/keyward/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRecord(t *testing.T) {
	key, err := util.NewAESKey()
	require.NoError(t, err)

	aad := AAD("kra", "KEYRECORD", "0x01")
	env, err := SealRecord(key, []byte("archived key data"), aad)
	require.NoError(t, err)

	assert.Equal(t, 1, env.Ver)
	assert.Equal(t, "aes256gcm", env.Scheme)
	assert.Len(t, env.Nonce, 12)

	pt, err := OpenRecord(key, env, aad)
	require.NoError(t, err)
	assert.Equal(t, []byte("archived key data"), pt)
}

func TestOpenRecord_WrongSlotAAD(t *testing.T) {
	key, err := util.NewAESKey()
	require.NoError(t, err)

	env, err := SealRecord(key, []byte("data"), AAD("kra", "KEYRECORD", "0x01"))
	require.NoError(t, err)

	_, err = OpenRecord(key, env, AAD("kra", "KEYRECORD", "0x02"))
	assert.Error(t, err)
}

func TestOpenRecord_UnsupportedScheme(t *testing.T) {
	key, err := util.NewAESKey()
	require.NoError(t, err)

	env, err := SealRecord(key, []byte("data"), nil)
	require.NoError(t, err)
	env.Scheme = "aes128cbc"

	_, err = OpenRecord(key, env, nil)
	assert.ErrorContains(t, err, "unsupported envelope scheme")
}
