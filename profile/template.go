package profile

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strings"

	// Register the digests selectable for SKI computation.
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/jmcleod/keyward/request"
)

// OIDSubjectKeyID is the Subject Key Identifier extension OID (2.5.29.14).
var OIDSubjectKeyID = asn1.ObjectIdentifier{2, 5, 29, 14}

// EnsureTemplate returns the request's certificate template, creating an
// empty one on first use.
func EnsureTemplate(req *request.Request) *x509.Certificate {
	if req.Template == nil {
		req.Template = &x509.Certificate{}
	}
	return req.Template
}

// SetExtension sets or replaces an extension on the template.
func SetExtension(tmpl *x509.Certificate, ext pkix.Extension) {
	for i := range tmpl.ExtraExtensions {
		if tmpl.ExtraExtensions[i].Id.Equal(ext.Id) {
			tmpl.ExtraExtensions[i] = ext
			return
		}
	}
	tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, ext)
}

// GetExtension returns the template extension with the given OID.
func GetExtension(tmpl *x509.Certificate, oid asn1.ObjectIdentifier) (pkix.Extension, bool) {
	for _, ext := range tmpl.ExtraExtensions {
		if ext.Id.Equal(oid) {
			return ext, true
		}
	}
	return pkix.Extension{}, false
}

// SetSKI sets the Subject Key Identifier extension from raw identifier bytes.
func SetSKI(tmpl *x509.Certificate, ski []byte) error {
	value, err := asn1.Marshal(ski)
	if err != nil {
		return fmt.Errorf("encoding SKI: %w", err)
	}
	SetExtension(tmpl, pkix.Extension{Id: OIDSubjectKeyID, Value: value})
	tmpl.SubjectKeyId = ski
	return nil
}

// SKI returns the raw Subject Key Identifier bytes from the template.
func SKI(tmpl *x509.Certificate) ([]byte, bool) {
	ext, ok := GetExtension(tmpl, OIDSubjectKeyID)
	if !ok {
		return nil, false
	}
	var ski []byte
	if _, err := asn1.Unmarshal(ext.Value, &ski); err != nil {
		return nil, false
	}
	return ski, true
}

// ComputeSKI derives a subject key identifier by digesting the public key's
// subjectPublicKey BIT STRING with the given hash.
func ComputeSKI(pub crypto.PublicKey, h crypto.Hash) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}

	var spki struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}

	hasher := h.New()
	hasher.Write(spki.SubjectPublicKey.Bytes)
	return hasher.Sum(nil), nil
}

// ParseDN parses a comma-separated distinguished name of the form
// "CN=alice,OU=people,O=example,C=US" into a pkix.Name. Unrecognized
// attribute types are rejected.
func ParseDN(dn string) (pkix.Name, error) {
	var name pkix.Name
	if strings.TrimSpace(dn) == "" {
		return name, fmt.Errorf("empty subject name")
	}
	for _, part := range strings.Split(dn, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return name, fmt.Errorf("malformed subject component %q", part)
		}
		key := strings.ToUpper(strings.TrimSpace(kv[0]))
		val := strings.TrimSpace(kv[1])
		if val == "" {
			return name, fmt.Errorf("empty value for subject component %q", key)
		}
		switch key {
		case "CN":
			name.CommonName = val
		case "O":
			name.Organization = append(name.Organization, val)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, val)
		case "C":
			name.Country = append(name.Country, val)
		case "L":
			name.Locality = append(name.Locality, val)
		case "ST":
			name.Province = append(name.Province, val)
		case "SERIALNUMBER":
			name.SerialNumber = val
		default:
			return name, fmt.Errorf("unsupported subject component %q", key)
		}
	}
	return name, nil
}
