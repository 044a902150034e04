package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/keyward/audit"
	"github.com/jmcleod/keyward/kra"
	"github.com/jmcleod/keyward/profile"
	"github.com/jmcleod/keyward/request"
)

// ListProfiles returns a summary of every loaded profile.
func (a *API) ListProfiles(w http.ResponseWriter, r *http.Request) {
	var out []ProfileSummary
	for _, id := range a.profiles.IDs() {
		p, err := a.profiles.Get(id)
		if err != nil {
			continue
		}
		if !p.Visible {
			continue
		}
		out = append(out, ProfileSummary{
			ID:      p.ID(),
			Name:    p.Name,
			Desc:    p.Desc,
			Enabled: p.Enabled,
			Visible: p.Visible,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetProfile returns the full view of one profile.
func (a *API) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := a.profiles.Get(chi.URLParam(r, "profileID"))
	if err != nil {
		mapError(w, err)
		return
	}

	detail := ProfileDetail{
		ProfileSummary: ProfileSummary{
			ID:      p.ID(),
			Name:    p.Name,
			Desc:    p.Desc,
			Enabled: p.Enabled,
			Visible: p.Visible,
		},
		Inputs:     p.InputIDs(),
		Outputs:    p.OutputIDs(),
		Updaters:   p.UpdaterIDs(),
		PolicySets: make(map[string][]PolicyInfo),
	}
	for _, setID := range p.PolicySetIDs() {
		var infos []PolicyInfo
		for _, pol := range p.Policies(setID) {
			infos = append(infos, PolicyInfo{
				ID:                pol.ID,
				DefaultClassID:    pol.DefaultClassID,
				ConstraintClassID: pol.ConstraintClassID,
			})
		}
		detail.PolicySets[setID] = infos
	}
	writeJSON(w, http.StatusOK, detail)
}

// CreatePolicy adds a policy pair to a profile's policy set and persists
// the profile configuration.
func (a *API) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	p, err := a.profiles.Get(chi.URLParam(r, "profileID"))
	if err != nil {
		mapError(w, err)
		return
	}

	var in CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if in.SetID == "" || in.PolicyID == "" {
		writeError(w, http.StatusBadRequest, "set_id and policy_id are required")
		return
	}

	pol, err := p.CreateProfilePolicy(in.SetID, in.PolicyID, in.DefaultClassID, in.ConstraintClassID, true)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.Log(r.Context(), audit.EventProfileModified, "",
		slog.String("profile_id", p.ID()),
		slog.String("policy_set", in.SetID),
		slog.String("policy_id", in.PolicyID),
		slog.String("action", "policy_added"))
	writeJSON(w, http.StatusCreated, PolicyInfo{
		ID:                pol.ID,
		DefaultClassID:    pol.DefaultClassID,
		ConstraintClassID: pol.ConstraintClassID,
	})
}

// DeletePolicy removes a policy from a profile's policy set.
func (a *API) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	p, err := a.profiles.Get(chi.URLParam(r, "profileID"))
	if err != nil {
		mapError(w, err)
		return
	}
	p.DeleteProfilePolicy(chi.URLParam(r, "setID"), chi.URLParam(r, "policyID"))
	a.audit.Log(r.Context(), audit.EventProfileModified, "",
		slog.String("profile_id", p.ID()),
		slog.String("policy_set", chi.URLParam(r, "setID")),
		slog.String("policy_id", chi.URLParam(r, "policyID")),
		slog.String("action", "policy_removed"))
	w.WriteHeader(http.StatusNoContent)
}

// DeleteInput removes an input from a profile.
func (a *API) DeleteInput(w http.ResponseWriter, r *http.Request) {
	p, err := a.profiles.Get(chi.URLParam(r, "profileID"))
	if err != nil {
		mapError(w, err)
		return
	}
	p.DeleteInput(chi.URLParam(r, "inputID"))
	w.WriteHeader(http.StatusNoContent)
}

// DeleteOutput removes an output from a profile.
func (a *API) DeleteOutput(w http.ResponseWriter, r *http.Request) {
	p, err := a.profiles.Get(chi.URLParam(r, "profileID"))
	if err != nil {
		mapError(w, err)
		return
	}
	p.DeleteOutput(chi.URLParam(r, "outputID"))
	w.WriteHeader(http.StatusNoContent)
}

// Enroll runs the full enrollment pipeline under the named profile:
// inputs, defaults, constraints, execution, outputs. The resulting request
// state is persisted on every outcome.
func (a *API) Enroll(w http.ResponseWriter, r *http.Request) {
	var in EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := a.profiles.Get(in.ProfileID)
	if err != nil {
		mapError(w, err)
		return
	}
	if !p.Enabled {
		writeError(w, http.StatusBadRequest, "profile "+in.ProfileID+" is not enabled")
		return
	}

	req := request.New(request.TypeEnrollment)
	for k, v := range in.Inputs {
		req.SetExt(k, v)
	}
	req.SetExt(request.ExtProfileID, in.ProfileID)
	// The authenticated identity always wins over submitted values.
	req.SetExt(request.ExtRequesterID, identityFromContext(r.Context()))
	if err := a.queue.Add(req); err != nil {
		mapError(w, err)
		return
	}

	if err := p.PopulateInputs(req); err != nil {
		a.persistFailure(r.Context(), req, err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := p.Populate(req); err != nil {
		a.persistFailure(r.Context(), req, err)
		mapError(w, err)
		return
	}
	if err := p.Validate(req); err != nil {
		a.persistFailure(r.Context(), req, err)
		mapError(w, err)
		return
	}
	if err := a.executor.Execute(r.Context(), p, req); err != nil {
		a.persistFailure(r.Context(), req, err)
		mapError(w, err)
		return
	}
	if err := p.PopulateOutputs(req); err != nil {
		mapError(w, err)
		return
	}
	if err := a.queue.Update(req); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

// persistFailure records the failure on the request record; the original
// error still drives the response. Policy rejections are written to the
// audit stream.
func (a *API) persistFailure(ctx context.Context, req *request.Request, cause error) {
	if errors.Is(cause, profile.ErrRejected) {
		a.audit.Failure(ctx, audit.EventEnrollRejected, req.ID, cause.Error())
	}
	req.SetExt(request.ExtErrorMessage, cause.Error())
	if err := a.queue.Update(req); err != nil {
		a.logger.Warn("persisting failed request", "request_id", req.ID, "error", err)
	}
}

// GetRequest returns the externally visible state of a request.
func (a *API) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := a.queue.Find(chi.URLParam(r, "requestID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

// ArchiveKey submits key material for archival.
func (a *API) ArchiveKey(w http.ResponseWriter, r *http.Request) {
	var in ArchiveKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	keyID, err := a.keys.ArchiveKey(r.Context(), identityFromContext(r.Context()), kra.ArchivalData{
		ClientID:            in.ClientID,
		Algorithm:           in.Algorithm,
		KeySize:             in.KeySize,
		Realm:               in.Realm,
		WrappedPrivateData:  in.WrappedPrivateData,
		TransWrappedSession: in.TransWrappedSession,
		AlgorithmOID:        in.AlgorithmOID,
		SymmetricParams:     in.SymmetricParams,
		PKIArchiveOptions:   in.PKIArchiveOptions,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ArchiveKeyResponse{KeyID: keyID})
}

// ListKeys returns one page of the archived keys matching the query.
func (a *API) ListKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	criteria := kra.Criteria{
		Status:   q.Get("status"),
		ClientID: q.Get("clientID"),
		Realm:    q.Get("realm"),
	}
	start, pageSize := parsePagination(r)

	page, err := a.keys.ListKeys(r.Context(), criteria, start, pageSize)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, KeyListResponse{
		Entries: page.Entries,
		Total:   page.Total,
		Prev:    page.Prev,
		Next:    page.Next,
	})
}

// UpdateKeyStatus activates or deactivates an archived key record.
func (a *API) UpdateKeyStatus(w http.ResponseWriter, r *http.Request) {
	var in UpdateKeyStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := a.keys.SetKeyStatus(r.Context(), identityFromContext(r.Context()), chi.URLParam(r, "keyID"), in.Status)
	if err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecoverKey submits a recovery request for an archived key.
func (a *API) RecoverKey(w http.ResponseWriter, r *http.Request) {
	req, err := a.keys.RecoverKey(r.Context(), identityFromContext(r.Context()), chi.URLParam(r, "keyID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestResponse(req))
}

// ApproveRequest approves a pending recovery request.
func (a *API) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	a.review(w, r, a.keys.ApproveRequest)
}

// RejectRequest rejects a pending recovery request.
func (a *API) RejectRequest(w http.ResponseWriter, r *http.Request) {
	a.review(w, r, a.keys.RejectRequest)
}

// CancelRequest cancels a recovery request before approval.
func (a *API) CancelRequest(w http.ResponseWriter, r *http.Request) {
	a.review(w, r, a.keys.CancelRequest)
}

func (a *API) review(w http.ResponseWriter, r *http.Request, decide func(ctx context.Context, agentID, requestID string) error) {
	err := decide(r.Context(), identityFromContext(r.Context()), chi.URLParam(r, "requestID"))
	if err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetrieveKey produces the recovery response for an approved request.
func (a *API) RetrieveKey(w http.ResponseWriter, r *http.Request) {
	var in RetrieveKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	out, err := a.keys.GetKey(r.Context(), identityFromContext(r.Context()), kra.RecoveryData{
		RequestID:           chi.URLParam(r, "requestID"),
		TransWrappedSession: in.TransWrappedSession,
		SessionedPassphrase: in.SessionedPassphrase,
		Nonce:               in.Nonce,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RetrieveKeyResponse{
		WrappedPrivateData:    out.WrappedPrivateData,
		PassphraseWrappedData: out.PassphraseWrappedData,
		NonceData:             out.NonceData,
		Algorithm:             out.Algorithm,
		KeySize:               out.KeySize,
	})
}

// sensitiveExts are never echoed in responses.
var sensitiveExts = map[string]bool{
	request.ExtSessionPassphrase: true,
	request.ExtTransSessionKey:   true,
	request.ExtP12Passphrase:     true,
	request.ExtWrappedPrivateData: true,
}

func toRequestResponse(req *request.Request) RequestResponse {
	ext := make(map[string]string, len(req.Ext))
	for k, v := range req.Ext {
		if sensitiveExts[k] {
			continue
		}
		ext[k] = v
	}
	out := RequestResponse{
		ID:     req.ID,
		Type:   string(req.Type),
		Status: string(req.Status),
		Ext:    ext,
	}
	if req.Type == request.TypeRecovery {
		out.URL = "/api/v1/keyrequests/" + req.ID
	}
	return out
}
