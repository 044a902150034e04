package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapStore_GetPut(t *testing.T) {
	s := NewMapStore()
	assert.Equal(t, "fallback", s.GetString("missing", "fallback"))

	s.PutString("profile.caUserCert.enable", "true")
	assert.Equal(t, "true", s.GetString("profile.caUserCert.enable", ""))

	s.Remove("profile.caUserCert.enable")
	assert.Equal(t, "", s.GetString("profile.caUserCert.enable", ""))
}

func TestMapStore_SubStoreSharesData(t *testing.T) {
	s := NewMapStore()
	sub := s.SubStore("policyset.userCertSet")

	sub.PutString("list", "p1,p2")
	assert.Equal(t, "p1,p2", s.GetString("policyset.userCertSet.list", ""))

	nested := sub.SubStore("p1.default")
	nested.PutString("class_id", "validityDefaultImpl")
	assert.Equal(t, "validityDefaultImpl",
		s.GetString("policyset.userCertSet.p1.default.class_id", ""))
}

func TestMapStore_Keys(t *testing.T) {
	s := NewMapStoreFrom(map[string]string{
		"input.list":       "i1,i2",
		"input.i1.class":   "keyGen",
		"output.list":      "o1",
		"policyset.s.list": "p1",
	})
	sub := s.SubStore("input")
	assert.Equal(t, []string{"i1.class", "list"}, sub.Keys())
}

func TestGetList(t *testing.T) {
	s := NewMapStoreFrom(map[string]string{"input.list": "i1, i2 ,i3,"})
	assert.Equal(t, []string{"i1", "i2", "i3"}, GetList(s, "input.list"))
	assert.Nil(t, GetList(s, "output.list"))
}

func TestPutList(t *testing.T) {
	s := NewMapStore()
	PutList(s, "policyset.list", []string{"a", "b"})
	assert.Equal(t, "a,b", s.GetString("policyset.list", ""))

	PutList(s, "policyset.list", nil)
	assert.Equal(t, "absent", s.GetString("policyset.list", "absent"))
}

func TestGetBool(t *testing.T) {
	s := NewMapStoreFrom(map[string]string{
		"enable":  "true",
		"visible": "bogus",
	})
	assert.True(t, GetBool(s, "enable", false))
	assert.False(t, GetBool(s, "visible", false))
	assert.True(t, GetBool(s, "missing", true))
}

func TestFileStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")

	require.NoError(t, os.WriteFile(path, []byte(`
profile:
  caUserCert:
    enable: true
    policyset:
      userCertSet:
        list: p1,p2
`), 0o600))

	fs, err := NewFileStore(path)
	require.NoError(t, err)

	assert.Equal(t, "true", fs.GetString("profile.caUserCert.enable", ""))
	sub := fs.SubStore("profile.caUserCert.policyset.userCertSet")
	assert.Equal(t, "p1,p2", sub.GetString("list", ""))

	sub.PutString("list", "p1,p2,p3")
	require.NoError(t, sub.Commit(true))

	reloaded, err := NewFileStore(path)
	require.NoError(t, err)
	assert.Equal(t, "p1,p2,p3",
		reloaded.GetString("profile.caUserCert.policyset.userCertSet.list", ""))
}

func TestFileStore_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.yaml")
	fs, err := NewFileStore(path)
	require.NoError(t, err)

	fs.PutString("profile.list", "caUserCert")
	require.NoError(t, fs.Commit(false))

	_, err = os.Stat(path)
	require.NoError(t, err)
}
