// Package request defines the persisted request objects that flow through
// the profile engine and the key archival/recovery service, together with
// the queue that stores them and the volatile parameter store that holds
// sensitive wrapped-key material for the duration of one processing pass.
package request

import (
	"crypto/x509"
	"time"

	"github.com/jmcleod/keyward/internal/uuid"
)

// Status is the lifecycle state of a request.
type Status string

const (
	// StatusBegin marks a request handed to the processing queue.
	StatusBegin Status = "begin"
	// StatusPending marks a request awaiting agent review.
	StatusPending Status = "pending"
	// StatusApproved marks a request approved by an agent.
	StatusApproved Status = "approved"
	// StatusRejected marks a request rejected by an agent or by policy.
	StatusRejected Status = "rejected"
	// StatusCanceled marks a request canceled by its submitter.
	StatusCanceled Status = "canceled"
	// StatusComplete marks a successfully executed request.
	StatusComplete Status = "complete"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusRejected || s == StatusCanceled
}

// Type identifies the kind of work a request asks for.
type Type string

const (
	TypeEnrollment Type = "enrollment"
	TypeArchival   Type = "securityDataEnrollment"
	TypeRecovery   Type = "securityDataRecovery"
)

// Extension-data keys. These names are part of the persisted record format
// and of the connector wire contract; changing them breaks deployed peers.
const (
	ExtProfileID           = "profileId"
	ExtClientID            = "clientId"
	ExtSubjectName         = "subjectName"
	ExtRequesterID         = "requesterId"
	ExtKeyID               = "keyId"
	ExtRealm               = "realm"
	ExtWrappedPrivateData  = "wrappedPrivateData"
	ExtTransSessionKey     = "transWrappedSessionKey"
	ExtSessionPassphrase   = "sessionWrappedPassphrase"
	ExtAlgorithmOID        = "algorithmOID"
	ExtSymmetricParams     = "symmetricAlgorithmParams"
	ExtArchiveOptions      = "pkiArchiveOptions"
	ExtServerSideKeyGen    = "serverSideKeygenEnabled"
	ExtP12Passphrase       = "serverSideKeygenP12Passwd"
	ExtSSKGStage           = "sskgStage"
	ExtKeySize             = "keySize"
	ExtKeyType             = "keyType"
	ExtRenewedCertExpiry   = "renewedCertExpiry"
	ExtErrorMessage        = "errorMessage"
	ExtIsEncryptionCert    = "isEncryptionCert"
	ExtIssuedCert          = "issuedCert"
	ExtIssuedCertSerial    = "issuedCertSerial"
	ExtCertOutput          = "certOutput"
	ExtServiced            = "serviced"
	ExtPublicKey           = "publicKey"
	ExtRecoveredPKCS12     = "recoveredP12"
)

// Request is a mutable, persisted bag of named extension data plus a status.
// The certificate template is carried only in memory while an enrollment is
// being processed; it is never persisted with the request record.
type Request struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	Status    Status            `json:"status"`
	Ext       map[string]string `json:"ext"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`

	Template *x509.Certificate `json:"-"`
}

// New creates a request of the given type in BEGIN status.
func New(typ Type) *Request {
	now := time.Now().UTC()
	return &Request{
		ID:        uuid.New(),
		Type:      typ,
		Status:    StatusBegin,
		Ext:       make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// GetExt returns the extension value for key, or "" when absent.
func (r *Request) GetExt(key string) string {
	return r.Ext[key]
}

// SetExt sets an extension value. An empty value removes the key so that
// scrubbed material leaves no trace in the persisted record.
func (r *Request) SetExt(key, value string) {
	if r.Ext == nil {
		r.Ext = make(map[string]string)
	}
	if value == "" {
		delete(r.Ext, key)
		return
	}
	r.Ext[key] = value
}

// DeleteExt removes an extension value.
func (r *Request) DeleteExt(key string) {
	delete(r.Ext, key)
}

// Serviced reports whether the request has been marked serviced.
func (r *Request) Serviced() bool {
	return r.Ext[ExtServiced] == "true"
}
