package profile

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keyward/config"
	"github.com/jmcleod/keyward/request"
)

func newTestProfile(t *testing.T, props map[string]string) *Profile {
	t.Helper()
	p := New("caUserCert", config.NewMapStoreFrom(props), NewDefaultRegistry(), nil)
	require.NoError(t, p.Init())
	return p
}

func enrollmentRequest(t *testing.T) *request.Request {
	t.Helper()
	req := request.New(request.TypeEnrollment)
	req.SetExt(request.ExtSubjectName, "CN=alice,O=Example")
	return req
}

func TestProfileInitLoadsOrderedPlugins(t *testing.T) {
	p := newTestProfile(t, map[string]string{
		"name":                    "User Certificate",
		"enable":                  "true",
		"input.list":              "i1,i2",
		"input.i1.class_id":       "subjectNameInputImpl",
		"input.i2.class_id":       "keyGenInputImpl",
		"output.list":             "o1",
		"output.o1.class_id":      "certOutputImpl",
		"updater.list":            "u1",
		"updater.u1.class_id":     "noopUpdaterImpl",
		"policyset.list":          "userCertSet",
		"policyset.userCertSet.list":                     "p1,p2",
		"policyset.userCertSet.p1.default.class_id":      "subjectNameDefaultImpl",
		"policyset.userCertSet.p1.constraint.class_id":   "subjectNameConstraintImpl",
		"policyset.userCertSet.p2.default.class_id":      "validityDefaultImpl",
		"policyset.userCertSet.p2.constraint.class_id":   "validityConstraintImpl",
		"policyset.userCertSet.p2.default.params.range":  "30",
	})

	assert.Equal(t, "User Certificate", p.Name)
	assert.True(t, p.Enabled)
	assert.Equal(t, []string{"i1", "i2"}, p.InputIDs())
	assert.Equal(t, []string{"o1"}, p.OutputIDs())
	assert.Equal(t, []string{"u1"}, p.UpdaterIDs())
	require.Equal(t, []string{"userCertSet"}, p.PolicySetIDs())

	pols := p.Policies("userCertSet")
	require.Len(t, pols, 2)
	assert.Equal(t, "p1", pols[0].ID)
	assert.Equal(t, "p2", pols[1].ID)
}

func TestProfileInitUnknownClassFatal(t *testing.T) {
	p := New("broken", config.NewMapStoreFrom(map[string]string{
		"input.list":        "i1",
		"input.i1.class_id": "noSuchInputImpl",
	}), NewDefaultRegistry(), nil)

	err := p.Init()
	require.ErrorIs(t, err, ErrPluginNotFound)
}

func TestPopulateRunsDefaultsInOrder(t *testing.T) {
	// The SKI default depends on an earlier default having populated the
	// template key, so list order is load-bearing.
	p := newTestProfile(t, map[string]string{
		"policyset.list":                               "set",
		"policyset.set.list":                           "key,ski",
		"policyset.set.key.default.class_id":           "serverKeygenDefaultImpl",
		"policyset.set.key.constraint.class_id":        "noConstraintImpl",
		"policyset.set.ski.default.class_id":           "subjectKeyIDDefaultImpl",
		"policyset.set.ski.constraint.class_id":        "noConstraintImpl",
	})

	req := enrollmentRequest(t)
	require.NoError(t, p.Populate(req))
	assert.NotEmpty(t, req.Template.SubjectKeyId)
	assert.Equal(t, "true", req.GetExt(request.ExtServerSideKeyGen))
}

func TestPopulateAbortsOnFirstFailure(t *testing.T) {
	// Reversed order: SKI runs before any key exists and must abort the run.
	p := newTestProfile(t, map[string]string{
		"policyset.list":                        "set",
		"policyset.set.list":                    "ski,key",
		"policyset.set.ski.default.class_id":    "subjectKeyIDDefaultImpl",
		"policyset.set.ski.constraint.class_id": "noConstraintImpl",
		"policyset.set.key.default.class_id":    "serverKeygenDefaultImpl",
		"policyset.set.key.constraint.class_id": "noConstraintImpl",
	})

	req := enrollmentRequest(t)
	err := p.Populate(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no key populated")
	// The later default never ran.
	assert.Empty(t, req.GetExt(request.ExtServerSideKeyGen))
}

func TestCreateProfilePolicyDuplicateDefaultClass(t *testing.T) {
	p := newTestProfile(t, map[string]string{})

	_, err := p.CreateProfilePolicy("set", "p1", "validityDefaultImpl", "noConstraintImpl", true)
	require.NoError(t, err)

	_, err = p.CreateProfilePolicy("set", "p2", "validityDefaultImpl", "noConstraintImpl", true)
	require.ErrorIs(t, err, ErrDuplicatePolicy)
}

func TestCreateProfilePolicyExemptClassesRepeat(t *testing.T) {
	p := newTestProfile(t, map[string]string{
		"policyset.set.p1.default.params.genericExtOID": "1.2.3.4",
		"policyset.set.p2.default.params.genericExtOID": "1.2.3.5",
	})

	_, err := p.CreateProfilePolicy("set", "n1", ClassNoDefault, "noConstraintImpl", true)
	require.NoError(t, err)
	_, err = p.CreateProfilePolicy("set", "n2", ClassNoDefault, "validityConstraintImpl", true)
	require.NoError(t, err)
	_, err = p.CreateProfilePolicy("set", "p1", ClassGenericExtDefault, "noConstraintImpl", true)
	require.NoError(t, err)
	_, err = p.CreateProfilePolicy("set", "p2", ClassGenericExtDefault, "noConstraintImpl", true)
	require.NoError(t, err)

	require.Len(t, p.Policies("set"), 4)
}

func TestCreateProfilePolicyDuplicateIDPersisting(t *testing.T) {
	p := newTestProfile(t, map[string]string{})

	_, err := p.CreateProfilePolicy("set", "p1", ClassNoDefault, "noConstraintImpl", true)
	require.NoError(t, err)

	_, err = p.CreateProfilePolicy("set", "p1", ClassNoDefault, "noConstraintImpl", true)
	require.ErrorIs(t, err, ErrDuplicatePolicy)
}

func TestCreateProfilePolicyPersistsConfig(t *testing.T) {
	cfg := config.NewMapStore()
	p := New("caUserCert", cfg, NewDefaultRegistry(), nil)
	require.NoError(t, p.Init())

	_, err := p.CreateProfilePolicy("set", "p1", "validityDefaultImpl", "noConstraintImpl", true)
	require.NoError(t, err)

	assert.Equal(t, "set", cfg.GetString("policyset.list", ""))
	assert.Equal(t, "p1", cfg.GetString("policyset.set.list", ""))
	assert.Equal(t, "validityDefaultImpl", cfg.GetString("policyset.set.p1.default.class_id", ""))
	assert.Equal(t, "noConstraintImpl", cfg.GetString("policyset.set.p1.constraint.class_id", ""))

	modified := cfg.GetString("lastModified", "")
	require.NotEmpty(t, modified)
	_, err = time.Parse(time.RFC3339, modified)
	assert.NoError(t, err)
}

func TestValidateAdvancesToPending(t *testing.T) {
	p := newTestProfile(t, map[string]string{
		"policyset.list":                         "set",
		"policyset.set.list":                     "p1",
		"policyset.set.p1.default.class_id":      "validityDefaultImpl",
		"policyset.set.p1.constraint.class_id":   "validityConstraintImpl",
		"policyset.set.p1.default.params.range":  "30",
		"policyset.set.p1.constraint.params.range": "365",
	})

	req := enrollmentRequest(t)
	require.NoError(t, p.Populate(req))
	require.NoError(t, p.Validate(req))
	assert.Equal(t, request.StatusPending, req.Status)
}

func TestValidateRejectionLeavesStatus(t *testing.T) {
	p := newTestProfile(t, map[string]string{
		"policyset.list":                         "set",
		"policyset.set.list":                     "p1",
		"policyset.set.p1.default.class_id":      "validityDefaultImpl",
		"policyset.set.p1.constraint.class_id":   "validityConstraintImpl",
		"policyset.set.p1.default.params.range":  "730",
		"policyset.set.p1.constraint.params.range": "365",
	})

	req := enrollmentRequest(t)
	require.NoError(t, p.Populate(req))

	err := p.Validate(req)
	require.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, request.StatusBegin, req.Status)
}

func TestPolicySetForExplicitExtension(t *testing.T) {
	p := newTestProfile(t, map[string]string{
		"policyset.list":                        "a,b",
		"policyset.a.list":                      "p1",
		"policyset.a.p1.default.class_id":       ClassNoDefault,
		"policyset.a.p1.constraint.class_id":    "noConstraintImpl",
		"policyset.b.list":                      "p1",
		"policyset.b.p1.default.class_id":       ClassNoDefault,
		"policyset.b.p1.constraint.class_id":    "noConstraintImpl",
	})

	req := enrollmentRequest(t)
	req.SetExt("profileSetId", "b")
	setID, err := p.PolicySetFor(req)
	require.NoError(t, err)
	assert.Equal(t, "b", setID)

	req.SetExt("profileSetId", "nope")
	_, err = p.PolicySetFor(req)
	require.Error(t, err)

	// Ambiguous without the extension when two sets exist.
	req.DeleteExt("profileSetId")
	_, err = p.PolicySetFor(req)
	require.Error(t, err)
}

func TestPolicySetForSelectorWins(t *testing.T) {
	p := newTestProfile(t, map[string]string{
		"policyset.list":                     "only",
		"policyset.only.list":                "p1",
		"policyset.only.p1.default.class_id": ClassNoDefault,
		"policyset.only.p1.constraint.class_id": "noConstraintImpl",
	})
	p.Selector = func(*request.Request) (string, error) { return "only", nil }

	setID, err := p.PolicySetFor(request.New(request.TypeEnrollment))
	require.NoError(t, err)
	assert.Equal(t, "only", setID)
}

func TestDeleteProfilePolicyRemovesEmptySet(t *testing.T) {
	p := newTestProfile(t, map[string]string{})
	_, err := p.CreateProfilePolicy("set", "p1", ClassNoDefault, "noConstraintImpl", true)
	require.NoError(t, err)

	p.DeleteProfilePolicy("set", "p1")
	assert.Empty(t, p.Policies("set"))
	assert.Empty(t, p.PolicySetIDs())

	// Deleting again is a no-op.
	p.DeleteProfilePolicy("set", "p1")
}

func TestDeleteInputAndOutput(t *testing.T) {
	p := newTestProfile(t, map[string]string{
		"input.list":         "i1",
		"input.i1.class_id":  "keyGenInputImpl",
		"output.list":        "o1",
		"output.o1.class_id": "certOutputImpl",
	})

	p.DeleteInput("i1")
	assert.Empty(t, p.InputIDs())
	p.DeleteOutput("o1")
	assert.Empty(t, p.OutputIDs())
}

func TestPopulateInputsRequiresSubmitterValues(t *testing.T) {
	p := newTestProfile(t, map[string]string{
		"input.list":        "i1",
		"input.i1.class_id": "subjectNameInputImpl",
	})

	req := request.New(request.TypeEnrollment)
	require.Error(t, p.PopulateInputs(req))

	req.SetExt(request.ExtSubjectName, "CN=alice")
	require.NoError(t, p.PopulateInputs(req))
}

func TestUserKeyDefaultAndKeyConstraint(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(key.Public())
	require.NoError(t, err)

	p := newTestProfile(t, map[string]string{
		"policyset.list":                         "set",
		"policyset.set.list":                     "key",
		"policyset.set.key.default.class_id":     "userKeyDefaultImpl",
		"policyset.set.key.constraint.class_id":  "keyConstraintImpl",
		"policyset.set.key.constraint.params.keyType":    "RSA",
		"policyset.set.key.constraint.params.keyMinSize": "2048",
	})

	req := enrollmentRequest(t)
	req.SetExt(request.ExtPublicKey, base64.StdEncoding.EncodeToString(der))
	require.NoError(t, p.Populate(req))
	require.NoError(t, p.Validate(req))

	// A missing key is a rejection, not a server fault.
	bare := enrollmentRequest(t)
	err = p.Populate(bare)
	require.ErrorIs(t, err, ErrRejected)
}

func TestCertOutputRendersPEM(t *testing.T) {
	p := newTestProfile(t, map[string]string{
		"output.list":        "o1",
		"output.o1.class_id": "certOutputImpl",
	})

	req := enrollmentRequest(t)
	req.SetExt(request.ExtIssuedCert, base64.StdEncoding.EncodeToString([]byte{0x30, 0x03, 0x02, 0x01, 0x01}))
	require.NoError(t, p.PopulateOutputs(req))

	pemOut := req.GetExt(request.ExtCertOutput)
	assert.True(t, strings.HasPrefix(pemOut, "-----BEGIN CERTIFICATE-----"))
}
