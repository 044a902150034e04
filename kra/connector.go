package kra

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strconv"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jmcleod/keyward/ca"
	"github.com/jmcleod/keyward/internal/util"
	"github.com/jmcleod/keyward/internal/uuid"
	"github.com/jmcleod/keyward/request"
)

// LocalConnector serves the certificate authority's recovery-service round
// trips in process, for deployments where both subsystems share one server.
// It implements ca.Connector.
type LocalConnector struct {
	Keys         *KeyRepository
	TransportKey *rsa.PrivateKey
	Padding      ca.Padding
}

var _ ca.Connector = (*LocalConnector)(nil)

// Send dispatches one round trip. The request's stage extension selects the
// leg: key generation, key-package retrieval, or plain archival when no
// stage is set.
func (c *LocalConnector) Send(ctx context.Context, req *request.Request) error {
	switch req.GetExt(request.ExtSSKGStage) {
	case ca.StageKeygen:
		return c.keygen(req)
	case ca.StageRetrieve:
		return c.retrieve(req)
	default:
		return c.archive(req)
	}
}

// keygen generates the requested key pair, archives the private half, and
// returns the public half on the request.
func (c *LocalConnector) keygen(req *request.Request) error {
	// Unwrapping the session key proves the caller wrapped it for our
	// transport certificate.
	sessionKey, err := c.unwrapSession(req)
	if err != nil {
		return err
	}
	util.WipeBytes(sessionKey)

	priv, pub, algorithm, bits, err := generateKeyPair(
		req.GetExt(request.ExtKeyType), req.GetExt(request.ExtKeySize))
	if err != nil {
		return err
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("encoding generated private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("encoding generated public key: %w", err)
	}
	pubB64 := base64.StdEncoding.EncodeToString(pubDER)

	rec := &KeyRecord{
		ID:          uuid.New(),
		OwnerName:   req.GetExt(request.ExtRequesterID),
		ClientID:    req.GetExt(request.ExtClientID),
		Algorithm:   algorithm,
		KeySize:     bits,
		PublicKey:   pubB64,
		WrappedData: privDER,
		Status:      KeyStatusActive,
		Realm:       req.GetExt(request.ExtRealm),
	}
	if err := c.Keys.Save(rec); err != nil {
		return fmt.Errorf("archiving generated key: %w", err)
	}

	req.SetExt(request.ExtKeyID, rec.ID)
	req.SetExt(request.ExtPublicKey, pubB64)
	return nil
}

// retrieve wraps the archived private key under a key derived from the
// caller's export passphrase and attaches the package to the request.
func (c *LocalConnector) retrieve(req *request.Request) error {
	rec, err := c.Keys.Read(req.GetExt(request.ExtKeyID))
	if err != nil {
		return fmt.Errorf("reading archived key: %w", err)
	}

	sessionKey, err := c.unwrapSession(req)
	if err != nil {
		return err
	}
	defer util.WipeBytes(sessionKey)

	wrappedPass, err := base64.StdEncoding.DecodeString(req.GetExt(request.ExtSessionPassphrase))
	if err != nil {
		return fmt.Errorf("decoding wrapped passphrase: %w", err)
	}
	passphrase, err := ca.UnwrapPassphrase(wrappedPass, sessionKey)
	if err != nil {
		return fmt.Errorf("unwrapping export passphrase: %w", err)
	}

	iv, err := util.RandomBytes(16)
	if err != nil {
		return err
	}
	derived := pbkdf2.Key([]byte(util.NormalizePassphrase(passphrase)), iv, passphraseKDFIterations, util.AESKeySize, sha256.New)
	defer util.WipeBytes(derived)

	blob, err := ca.WrapDataCBC(rec.WrappedData, derived, iv)
	if err != nil {
		return fmt.Errorf("wrapping key package: %w", err)
	}
	// The derivation salt doubles as the CBC IV and travels with the blob.
	req.SetExt(request.ExtRecoveredPKCS12, base64.StdEncoding.EncodeToString(append(iv, blob...)))
	return nil
}

// archive stores a caller-built PKI-Archive-Options blob as an opaque key
// record.
func (c *LocalConnector) archive(req *request.Request) error {
	raw := req.GetExt(request.ExtArchiveOptions)
	if raw == "" {
		return fmt.Errorf("request carries no archive options")
	}
	blob, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("decoding archive options: %w", err)
	}

	rec := &KeyRecord{
		ID:          uuid.New(),
		OwnerName:   req.GetExt(request.ExtRequesterID),
		ClientID:    req.GetExt(request.ExtClientID),
		WrappedData: blob,
		Status:      KeyStatusActive,
		Realm:       req.GetExt(request.ExtRealm),
	}
	if err := c.Keys.Save(rec); err != nil {
		return fmt.Errorf("archiving key material: %w", err)
	}
	req.SetExt(request.ExtKeyID, rec.ID)
	return nil
}

// unwrapSession recovers the one-time session key from the request. A
// wrapped key that does not open under our transport key signals the caller
// holds the wrong transport certificate.
func (c *LocalConnector) unwrapSession(req *request.Request) ([]byte, error) {
	raw := req.GetExt(request.ExtTransSessionKey)
	if raw == "" {
		return nil, fmt.Errorf("request carries no wrapped session key: %w", ca.ErrInvalidTransportCert)
	}
	wrapped, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding wrapped session key: %w", err)
	}
	sessionKey, err := ca.UnwrapSessionKey(wrapped, c.TransportKey, c.Padding)
	if err != nil {
		return nil, fmt.Errorf("unwrapping session key: %w", ca.ErrInvalidTransportCert)
	}
	return sessionKey, nil
}

func generateKeyPair(keyType, keySize string) (priv any, pub any, algorithm string, bits int, err error) {
	if keyType == "" {
		keyType = "RSA"
	}
	switch keyType {
	case "RSA":
		bits = 2048
		if keySize != "" {
			bits, err = strconv.Atoi(keySize)
			if err != nil || bits < 2048 {
				return nil, nil, "", 0, fmt.Errorf("unsupported RSA key size %q", keySize)
			}
		}
		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, nil, "", 0, fmt.Errorf("generating RSA key: %w", err)
		}
		return key, key.Public(), "RSA", bits, nil
	case "EC":
		curve := elliptic.P256()
		bits = 256
		switch keySize {
		case "", "256":
		case "384":
			curve, bits = elliptic.P384(), 384
		case "521":
			curve, bits = elliptic.P521(), 521
		default:
			return nil, nil, "", 0, fmt.Errorf("unsupported EC key size %q", keySize)
		}
		key, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, nil, "", 0, fmt.Errorf("generating EC key: %w", err)
		}
		return key, key.Public(), "EC", bits, nil
	default:
		return nil, nil, "", 0, fmt.Errorf("unsupported key type %q", keyType)
	}
}
