package kra

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jmcleod/keyward/ca"
	"github.com/jmcleod/keyward/internal/util"
	"github.com/jmcleod/keyward/request"
)

const passphraseKDFIterations = 10000

// RecoveryProcessor performs the unwrap/rewrap pass of a recovery request:
// it unwraps the caller's session key with the service's transport private
// key and rewraps the archived key material under it, leaving the outputs
// in the volatile parameter store. Nothing it produces is ever persisted.
type RecoveryProcessor struct {
	Keys         *KeyRepository
	Volatile     *request.VolatileStore
	TransportKey *rsa.PrivateKey
	Padding      ca.Padding
}

var _ request.Processor = (*RecoveryProcessor)(nil)

// Process implements request.Processor.
func (p *RecoveryProcessor) Process(_ context.Context, req *request.Request) error {
	keyID := req.GetExt(request.ExtKeyID)
	if keyID == "" {
		return fmt.Errorf("recovery request %s references no key", req.ID)
	}
	rec, err := p.Keys.Read(keyID)
	if err != nil {
		return err
	}

	wrappedSessionB64, ok := p.Volatile.Get(req.ID, request.VolTransSessionKey)
	if !ok {
		return fmt.Errorf("no session key material staged for request %s", req.ID)
	}
	wrappedSession, err := base64.StdEncoding.DecodeString(string(wrappedSessionB64))
	if err != nil {
		return fmt.Errorf("decoding transport-wrapped session key: %w", err)
	}
	sessionKey, err := ca.UnwrapSessionKey(wrappedSession, p.TransportKey, p.Padding)
	if err != nil {
		return fmt.Errorf("unwrapping session key: %w", err)
	}
	defer util.WipeBytes(sessionKey)

	iv, err := util.RandomBytes(16)
	if err != nil {
		return err
	}

	if wrappedPass, ok := p.Volatile.Get(req.ID, request.VolSessionPassphrase); ok {
		// Passphrase form: the caller wants the key under a key derived
		// from their own passphrase instead of the session key.
		passB64, err := base64.StdEncoding.DecodeString(string(wrappedPass))
		if err != nil {
			return fmt.Errorf("decoding session-wrapped passphrase: %w", err)
		}
		passphrase, err := ca.UnwrapPassphrase(passB64, sessionKey)
		if err != nil {
			return fmt.Errorf("unwrapping passphrase: %w", err)
		}
		derived := pbkdf2.Key([]byte(util.NormalizePassphrase(passphrase)), iv, passphraseKDFIterations, util.AESKeySize, sha256.New)
		defer util.WipeBytes(derived)
		out, err := ca.WrapDataCBC(rec.WrappedData, derived, iv)
		if err != nil {
			return fmt.Errorf("rewrapping key under passphrase: %w", err)
		}
		p.Volatile.Set(req.ID, request.VolPassphraseData, out)
	} else {
		out, err := ca.WrapDataCBC(rec.WrappedData, sessionKey, iv)
		if err != nil {
			return fmt.Errorf("rewrapping key under session key: %w", err)
		}
		p.Volatile.Set(req.ID, request.VolPrivateData, out)
	}

	p.Volatile.Set(req.ID, request.VolNonceData, iv)
	return nil
}
