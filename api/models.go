package api

import "github.com/jmcleod/keyward/kra"

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ProfileSummary describes one profile in a listing.
type ProfileSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Desc    string `json:"desc,omitempty"`
	Enabled bool   `json:"enabled"`
	Visible bool   `json:"visible"`
}

// PolicyInfo describes a loaded profile policy.
type PolicyInfo struct {
	ID                string `json:"id"`
	DefaultClassID    string `json:"default_class_id"`
	ConstraintClassID string `json:"constraint_class_id"`
}

// ProfileDetail is the full view of a profile.
type ProfileDetail struct {
	ProfileSummary
	Inputs     []string                `json:"inputs"`
	Outputs    []string                `json:"outputs"`
	Updaters   []string                `json:"updaters"`
	PolicySets map[string][]PolicyInfo `json:"policy_sets"`
}

// CreatePolicyRequest adds a policy to one of a profile's policy sets.
type CreatePolicyRequest struct {
	SetID             string `json:"set_id"`
	PolicyID          string `json:"policy_id"`
	DefaultClassID    string `json:"default_class_id"`
	ConstraintClassID string `json:"constraint_class_id"`
}

// EnrollRequest submits an enrollment under a profile. Inputs are the
// submitter-supplied extension values the profile's input plugins read.
type EnrollRequest struct {
	ProfileID string            `json:"profile_id"`
	Inputs    map[string]string `json:"inputs"`
}

// RequestResponse is the externally visible state of a request.
type RequestResponse struct {
	ID     string            `json:"id"`
	Type   string            `json:"type"`
	Status string            `json:"status"`
	URL    string            `json:"request_url,omitempty"`
	Ext    map[string]string `json:"ext,omitempty"`
}

// ArchiveKeyRequest submits key material for archival.
type ArchiveKeyRequest struct {
	ClientID            string `json:"client_id"`
	Algorithm           string `json:"algorithm,omitempty"`
	KeySize             int    `json:"key_size,omitempty"`
	Realm               string `json:"realm,omitempty"`
	WrappedPrivateData  string `json:"wrapped_private_data,omitempty"`
	TransWrappedSession string `json:"trans_wrapped_session_key,omitempty"`
	AlgorithmOID        string `json:"algorithm_oid,omitempty"`
	SymmetricParams     string `json:"symmetric_params,omitempty"`
	PKIArchiveOptions   string `json:"pki_archive_options,omitempty"`
}

// UpdateKeyStatusRequest flips a key record's lifecycle status.
type UpdateKeyStatusRequest struct {
	Status string `json:"status"`
}

// ArchiveKeyResponse returns the stored key id.
type ArchiveKeyResponse struct {
	KeyID string `json:"key_id"`
}

// RetrieveKeyRequest carries the caller's wrapping material for one
// retrieval of an approved recovery request.
type RetrieveKeyRequest struct {
	TransWrappedSession string `json:"trans_wrapped_session_key"`
	SessionedPassphrase string `json:"session_wrapped_passphrase,omitempty"`
	Nonce               string `json:"nonce,omitempty"`
}

// RetrieveKeyResponse is the recovery response.
type RetrieveKeyResponse struct {
	WrappedPrivateData    string `json:"wrapped_private_data,omitempty"`
	PassphraseWrappedData string `json:"passphrase_wrapped_data,omitempty"`
	NonceData             string `json:"nonce_data,omitempty"`
	Algorithm             string `json:"algorithm,omitempty"`
	KeySize               int    `json:"key_size,omitempty"`
}

// KeyListResponse is one page of a key listing.
type KeyListResponse struct {
	Entries []kra.KeyInfo `json:"entries"`
	Total   int           `json:"total"`
	Prev    string        `json:"prev,omitempty"`
	Next    string        `json:"next,omitempty"`
}
