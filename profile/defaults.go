package profile

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/jmcleod/keyward/config"
	"github.com/jmcleod/keyward/request"
)

// noDefault injects nothing. It exists so a constraint can be attached to a
// policy without a populating side.
type noDefault struct{}

func (*noDefault) Init(config.Store) error         { return nil }
func (*noDefault) Populate(*request.Request) error { return nil }

// genericExtDefault injects one raw extension configured by OID and hex
// value. Multiple instances may coexist within a policy set.
type genericExtDefault struct {
	oid      asn1.ObjectIdentifier
	critical bool
	value    []byte
}

func (d *genericExtDefault) Init(cfg config.Store) error {
	oidStr := cfg.GetString("params.genericExtOID", "")
	oid, err := parseOID(oidStr)
	if err != nil {
		return fmt.Errorf("generic extension: %w", err)
	}
	d.oid = oid
	d.critical = config.GetBool(cfg, "params.genericExtCritical", false)
	d.value, err = base64.StdEncoding.DecodeString(cfg.GetString("params.genericExtData", ""))
	if err != nil {
		return fmt.Errorf("generic extension data: %w", err)
	}
	return nil
}

func (d *genericExtDefault) Populate(req *request.Request) error {
	SetExtension(EnsureTemplate(req), pkix.Extension{Id: d.oid, Critical: d.critical, Value: d.value})
	return nil
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	if s == "" {
		return nil, fmt.Errorf("missing OID")
	}
	var oid asn1.ObjectIdentifier
	for _, part := range splitNonEmpty(s, '.') {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid OID %q", s)
		}
		oid = append(oid, n)
	}
	if len(oid) < 2 {
		return nil, fmt.Errorf("invalid OID %q", s)
	}
	return oid, nil
}

func splitNonEmpty(s string, sep byte) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == sep {
			if i > start {
				parts = append(parts, s[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

// validityDefault sets the template validity window from a configured range
// in days.
type validityDefault struct {
	rangeDays int
}

func (d *validityDefault) Init(cfg config.Store) error {
	days, err := strconv.Atoi(cfg.GetString("params.range", "365"))
	if err != nil || days <= 0 {
		return fmt.Errorf("invalid validity range %q", cfg.GetString("params.range", ""))
	}
	d.rangeDays = days
	return nil
}

func (d *validityDefault) Populate(req *request.Request) error {
	tmpl := EnsureTemplate(req)
	now := time.Now().UTC()
	tmpl.NotBefore = now
	tmpl.NotAfter = now.AddDate(0, 0, d.rangeDays)
	return nil
}

// subjectNameDefault sets the template subject from the request's submitted
// subject name, falling back to a configured name.
type subjectNameDefault struct {
	name string
}

func (d *subjectNameDefault) Init(cfg config.Store) error {
	d.name = cfg.GetString("params.name", "")
	return nil
}

func (d *subjectNameDefault) Populate(req *request.Request) error {
	dn := req.GetExt(request.ExtSubjectName)
	if dn == "" {
		dn = d.name
	}
	name, err := ParseDN(dn)
	if err != nil {
		return Rejectf("invalid subject name: %v", err)
	}
	EnsureTemplate(req).Subject = name
	return nil
}

// userKeyDefault sets the template public key from the submitter-supplied
// DER-encoded key.
type userKeyDefault struct{}

func (*userKeyDefault) Init(config.Store) error { return nil }

func (*userKeyDefault) Populate(req *request.Request) error {
	raw := req.GetExt(request.ExtPublicKey)
	if raw == "" {
		return Rejectf("no public key submitted")
	}
	der, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return Rejectf("invalid public key encoding")
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return Rejectf("unparseable public key")
	}
	EnsureTemplate(req).PublicKey = pub
	return nil
}

// serverKeygenDefault marks the request for server-side key generation and
// injects a placeholder key into the template. The real key returned by the
// key recovery service replaces the placeholder during execution.
type serverKeygenDefault struct {
	keyType string
	keySize string
}

func (d *serverKeygenDefault) Init(cfg config.Store) error {
	d.keyType = cfg.GetString("params.keyType", "RSA")
	d.keySize = cfg.GetString("params.keySize", "2048")
	return nil
}

func (d *serverKeygenDefault) Populate(req *request.Request) error {
	req.SetExt(request.ExtServerSideKeyGen, "true")
	req.SetExt(request.ExtKeyType, d.keyType)
	req.SetExt(request.ExtKeySize, d.keySize)

	// Placeholder key so later defaults (notably SKI) have a key to work
	// with before the KRA round trip supplies the real one.
	placeholder, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating placeholder key: %w", err)
	}
	EnsureTemplate(req).PublicKey = placeholder.Public()
	return nil
}

// signingAlgDefault sets the template signature algorithm.
type signingAlgDefault struct {
	alg x509.SignatureAlgorithm
}

var signingAlgs = map[string]x509.SignatureAlgorithm{
	"SHA256withRSA":   x509.SHA256WithRSA,
	"SHA384withRSA":   x509.SHA384WithRSA,
	"SHA512withRSA":   x509.SHA512WithRSA,
	"SHA256withECDSA": x509.ECDSAWithSHA256,
	"SHA384withECDSA": x509.ECDSAWithSHA384,
	"SHA512withECDSA": x509.ECDSAWithSHA512,
}

func (d *signingAlgDefault) Init(cfg config.Store) error {
	name := cfg.GetString("params.default", "SHA256withRSA")
	alg, ok := signingAlgs[name]
	if !ok {
		return fmt.Errorf("unsupported signing algorithm %q", name)
	}
	d.alg = alg
	return nil
}

func (d *signingAlgDefault) Populate(req *request.Request) error {
	EnsureTemplate(req).SignatureAlgorithm = d.alg
	return nil
}

// skiDefault computes the Subject Key Identifier extension from the
// template's public key. The key must have been populated by an earlier
// default in the same policy set.
type skiDefault struct {
	hash crypto.Hash
}

var skiDigests = map[string]crypto.Hash{
	"SHA-1":   crypto.SHA1,
	"SHA-256": crypto.SHA256,
	"SHA-384": crypto.SHA384,
	"SHA-512": crypto.SHA512,
}

func (d *skiDefault) Init(cfg config.Store) error {
	name := cfg.GetString("params.messageDigest", "SHA-1")
	h, ok := skiDigests[name]
	if !ok {
		return fmt.Errorf("unsupported SKI digest %q", name)
	}
	d.hash = h
	return nil
}

func (d *skiDefault) Populate(req *request.Request) error {
	tmpl := EnsureTemplate(req)
	if tmpl.PublicKey == nil {
		return fmt.Errorf("subject key identifier: no key populated yet")
	}
	ski, err := ComputeSKI(tmpl.PublicKey, d.hash)
	if err != nil {
		return err
	}
	return SetSKI(tmpl, ski)
}

// keyUsageDefault sets key usage bits from configured flags.
type keyUsageDefault struct {
	usage x509.KeyUsage
}

var keyUsageFlags = []struct {
	param string
	bit   x509.KeyUsage
}{
	{"digitalSignature", x509.KeyUsageDigitalSignature},
	{"nonRepudiation", x509.KeyUsageContentCommitment},
	{"keyEncipherment", x509.KeyUsageKeyEncipherment},
	{"dataEncipherment", x509.KeyUsageDataEncipherment},
	{"keyAgreement", x509.KeyUsageKeyAgreement},
	{"keyCertSign", x509.KeyUsageCertSign},
	{"crlSign", x509.KeyUsageCRLSign},
}

func (d *keyUsageDefault) Init(cfg config.Store) error {
	for _, f := range keyUsageFlags {
		if config.GetBool(cfg, "params."+f.param, false) {
			d.usage |= f.bit
		}
	}
	return nil
}

func (d *keyUsageDefault) Populate(req *request.Request) error {
	EnsureTemplate(req).KeyUsage = d.usage
	return nil
}
