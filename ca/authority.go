// Package ca implements the issuing side of the service: the signing
// authority, the enrollment executor that runs after a profile has
// populated and validated a request, and the connector through which the
// executor talks to the key recovery service.
package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"time"

	"github.com/jmcleod/keyward/internal/util"
)

// Authority signs certificates from completed templates.
type Authority struct {
	cert   *x509.Certificate
	signer crypto.Signer
}

// NewAuthority binds a CA certificate to its signing key.
func NewAuthority(cert *x509.Certificate, signer crypto.Signer) *Authority {
	return &Authority{cert: cert, signer: signer}
}

// Certificate returns the CA certificate.
func (a *Authority) Certificate() *x509.Certificate { return a.cert }

// Issue signs the template and returns the parsed certificate. A serial
// number is generated when the template carries none.
func (a *Authority) Issue(tmpl *x509.Certificate) (*x509.Certificate, error) {
	if tmpl.PublicKey == nil {
		return nil, fmt.Errorf("template has no public key")
	}
	if tmpl.SerialNumber == nil {
		serial, err := util.RandomSerial()
		if err != nil {
			return nil, err
		}
		tmpl.SerialNumber = serial
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.cert, tmpl.PublicKey, a.signer)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing issued certificate: %w", err)
	}
	return cert, nil
}

// NewSelfSignedAuthority generates an ephemeral P-256 CA, used when no CA
// material is configured (development and test deployments).
func NewSelfSignedAuthority(commonName string) (*Authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	serial, err := util.RandomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now,
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("self-signing CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}
	return &Authority{cert: cert, signer: key}, nil
}
