package ca

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmcleod/keyward/audit"
	"github.com/jmcleod/keyward/internal/util"
	"github.com/jmcleod/keyward/profile"
	"github.com/jmcleod/keyward/request"
)

// Stage values carried in the request's sskgStage extension across the two
// recovery-service round trips.
const (
	StageKeygen   = "keygen"
	StageRetrieve = "retrieve"
)

// EnrollExecutor performs the cryptographic work of an enrollment after the
// profile has populated and validated the request: key archival or
// server-side key generation through the recovery-service connector,
// certificate issuance, and completion.
type EnrollExecutor struct {
	Authority *Authority
	Connector Connector
	Queue     request.Queue
	Audit     *audit.Logger
	Logger    *slog.Logger

	// TransportCert is the recovery service's transport certificate; its
	// RSA public key wraps the one-time session keys.
	TransportCert *x509.Certificate
	Padding       Padding
}

// Execute runs the enrollment. On return the request is COMPLETE with the
// issued certificate attached, or carries an error outcome. Session-key
// material staged on the request during server-side key generation is
// scrubbed on every exit path.
func (e *EnrollExecutor) Execute(ctx context.Context, prof *profile.Profile, req *request.Request) error {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sskg := req.GetExt(request.ExtServerSideKeyGen) == "true"

	if sskg {
		if err := e.keygenStage(ctx, req); err != nil {
			return err
		}
		// Wrapped session material now sits on the request; every exit
		// below must scrub it before the record is persisted again.
		defer scrubSessionMaterial(req)
		if err := e.replaceKey(req); err != nil {
			return err
		}
	} else if req.GetExt(request.ExtArchiveOptions) != "" && !prof.Renewal {
		if err := e.archiveKey(ctx, req); err != nil {
			return err
		}
	}

	cert, err := e.Authority.Issue(profile.EnsureTemplate(req))
	if err != nil {
		return fmt.Errorf("issuing certificate: %w", err)
	}
	req.SetExt(request.ExtIssuedCert, base64.StdEncoding.EncodeToString(cert.Raw))
	req.SetExt(request.ExtIssuedCertSerial, cert.SerialNumber.String())
	e.Audit.Log(ctx, audit.EventCertIssued, req.ID,
		slog.String("serial", cert.SerialNumber.String()),
		slog.String("subject", cert.Subject.String()))

	if sskg {
		if err := e.retrieveStage(ctx, req); err != nil {
			return err
		}
	}

	req.Status = request.StatusComplete
	if isEncryptionCert(cert) {
		req.SetExt(request.ExtIsEncryptionCert, "true")
	} else {
		req.SetExt(request.ExtIsEncryptionCert, "false")
	}
	if err := e.Queue.Update(req); err != nil {
		return fmt.Errorf("persisting completed request: %w", err)
	}

	// Updaters are best-effort notifications, never part of the outcome.
	for _, up := range prof.Updaters() {
		if err := up.Update(req); err != nil {
			logger.Warn("updater failed", "request_id", req.ID, "error", err)
		}
	}
	return nil
}

// keygenStage wraps the caller's PKCS#12 passphrase under a fresh session
// key, wraps that session key under the recovery service's transport
// certificate, and dispatches the keygen round trip.
func (e *EnrollExecutor) keygenStage(ctx context.Context, req *request.Request) error {
	transportKey, ok := e.TransportCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("transport certificate does not carry an RSA key")
	}

	sessionKey, err := util.NewSessionKey()
	if err != nil {
		return err
	}
	defer util.WipeBytes(sessionKey)

	wrappedPass, err := WrapPassphrase(req.GetExt(request.ExtP12Passphrase), sessionKey)
	if err != nil {
		return fmt.Errorf("wrapping export passphrase: %w", err)
	}
	wrappedSession, err := WrapSessionKey(sessionKey, transportKey, e.Padding)
	if err != nil {
		return fmt.Errorf("wrapping session key: %w", err)
	}

	req.DeleteExt(request.ExtP12Passphrase)
	req.SetExt(request.ExtSessionPassphrase, base64.StdEncoding.EncodeToString(wrappedPass))
	req.SetExt(request.ExtTransSessionKey, base64.StdEncoding.EncodeToString(wrappedSession))
	req.SetExt(request.ExtSSKGStage, StageKeygen)

	if err := e.Connector.Send(ctx, req); err != nil {
		return e.connectorFailure(ctx, audit.EventKeygenFailure, req, err)
	}
	e.Audit.Log(ctx, audit.EventKeygenSuccess, req.ID)
	return nil
}

// replaceKey swaps the placeholder template key for the real key returned
// by the recovery service. A Subject Key Identifier already present on the
// template is recomputed from the real key with a digest matching the
// placeholder SKI's byte length.
func (e *EnrollExecutor) replaceKey(req *request.Request) error {
	raw := req.GetExt(request.ExtPublicKey)
	if raw == "" {
		return fmt.Errorf("recovery service returned no public key")
	}
	der, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("decoding generated public key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return fmt.Errorf("parsing generated public key: %w", err)
	}

	tmpl := profile.EnsureTemplate(req)
	if placeholder, ok := profile.SKI(tmpl); ok {
		ski, err := profile.ComputeSKI(pub, digestForSKILen(len(placeholder)))
		if err != nil {
			return fmt.Errorf("recomputing subject key identifier: %w", err)
		}
		if err := profile.SetSKI(tmpl, ski); err != nil {
			return err
		}
	}
	tmpl.PublicKey = pub
	return nil
}

// scrubSessionMaterial removes the wrapped session key and passphrase
// staged during server-side key generation. Deletion is idempotent, so both
// the retrieve round trip and the enclosing enrollment guard their exits
// with it.
func scrubSessionMaterial(req *request.Request) {
	req.DeleteExt(request.ExtSessionPassphrase)
	req.DeleteExt(request.ExtTransSessionKey)
	req.DeleteExt(request.ExtSSKGStage)
}

// retrieveStage fetches the wrapped PKCS#12 package in a second round trip.
// The session material is scrubbed before the completed request is
// persisted, not just when the enclosing enrollment unwinds.
func (e *EnrollExecutor) retrieveStage(ctx context.Context, req *request.Request) (err error) {
	defer scrubSessionMaterial(req)

	req.SetExt(request.ExtSSKGStage, StageRetrieve)
	if err := e.Connector.Send(ctx, req); err != nil {
		e.Audit.Failure(ctx, audit.EventRetrieveFailure, req.ID, err.Error())
		return fmt.Errorf("retrieving generated key package: %w", err)
	}
	e.Audit.Log(ctx, audit.EventRetrieveSuccess, req.ID)
	return nil
}

// archiveKey forwards a caller-built PKI-Archive-Options blob to the
// recovery service.
func (e *EnrollExecutor) archiveKey(ctx context.Context, req *request.Request) error {
	if err := e.Connector.Send(ctx, req); err != nil {
		return e.connectorFailure(ctx, audit.EventArchivalFailure, req, err)
	}
	e.Audit.Log(ctx, audit.EventArchivalSuccess, req.ID)
	return nil
}

// connectorFailure audits a failed round trip. A transport-certificate
// mismatch marks the request REJECTED and persists it before the rejection
// is raised; any other failure surfaces as an operational error.
func (e *EnrollExecutor) connectorFailure(ctx context.Context, event audit.Event, req *request.Request, sendErr error) error {
	e.Audit.Failure(ctx, event, req.ID, sendErr.Error())
	if errors.Is(sendErr, ErrInvalidTransportCert) {
		req.Status = request.StatusRejected
		req.SetExt(request.ExtErrorMessage, sendErr.Error())
		if err := e.Queue.Update(req); err != nil {
			return fmt.Errorf("persisting rejected request: %w", err)
		}
		return profile.Rejectf("key archival refused: %v", sendErr)
	}
	return fmt.Errorf("recovery service round trip failed: %w", sendErr)
}

// digestForSKILen picks the digest whose output length matches an existing
// SKI. Unrecognized lengths fall back to SHA-1.
func digestForSKILen(n int) crypto.Hash {
	switch n {
	case 20:
		return crypto.SHA1
	case 32:
		return crypto.SHA256
	case 48:
		return crypto.SHA384
	case 64:
		return crypto.SHA512
	default:
		return crypto.SHA1
	}
}

// isEncryptionCert inspects the issued certificate's key-usage bits. With
// exactly three bits present only the key-encipherment bit counts; with
// four or more, data-encipherment counts too.
func isEncryptionCert(cert *x509.Certificate) bool {
	bits := make([]bool, 0, 9)
	for i := 0; i < 9; i++ {
		bits = append(bits, cert.KeyUsage&(1<<uint(i)) != 0)
	}
	n := len(bits)
	for n > 0 && !bits[n-1] {
		n--
	}
	bits = bits[:n]
	switch {
	case len(bits) == 3:
		return bits[2]
	case len(bits) >= 4:
		return bits[2] || bits[3]
	default:
		return false
	}
}
