package kra

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/jmcleod/keyward/audit"
	"github.com/jmcleod/keyward/internal/uuid"
	"github.com/jmcleod/keyward/request"
)

// Classified errors. The transport layer maps these to distinct response
// codes; an ownership or status violation is never reported as not-found.
var (
	ErrBadRequest   = errors.New("malformed recovery request")
	ErrUnauthorized = errors.New("not authorized for this request")
	ErrNotFound     = errors.New("record not found")
	ErrGone         = errors.New("request is no longer available")
)

// ArchivalData is a key archival submission. Exactly one of two field
// combinations is valid: wrapped private data together with the transport-
// wrapped session key, algorithm OID and symmetric parameters, or a single
// PKI-Archive-Options blob.
type ArchivalData struct {
	ClientID             string
	DataType             string
	Algorithm            string
	KeySize              int
	Realm                string
	WrappedPrivateData   string
	TransWrappedSession  string
	AlgorithmOID         string
	SymmetricParams      string
	PKIArchiveOptions    string
}

// RecoveryData carries the caller's wrapping material for one retrieval.
type RecoveryData struct {
	RequestID            string
	TransWrappedSession  string
	SessionedPassphrase  string
	Nonce                string
}

// KeyData is a produced recovery response: exactly one of the wrapped
// output forms is set.
type KeyData struct {
	WrappedPrivateData    string
	PassphraseWrappedData string
	NonceData             string
	Algorithm             string
	KeySize               int
}

// KeyInfo is one entry of a key listing.
type KeyInfo struct {
	KeyID     string `json:"key_id"`
	ClientID  string `json:"client_id"`
	Algorithm string `json:"algorithm"`
	KeySize   int    `json:"key_size"`
	Status    string `json:"status"`
	Realm     string `json:"realm,omitempty"`
}

// KeyInfoPage is a bounded slice of a key listing with opaque links to the
// neighboring pages.
type KeyInfoPage struct {
	Entries []KeyInfo `json:"entries"`
	Total   int       `json:"total"`
	Prev    string    `json:"prev,omitempty"`
	Next    string    `json:"next,omitempty"`
}

// KeyService validates and drives key archival and recovery requests.
type KeyService struct {
	Queue    request.Queue
	Keys     *KeyRepository
	Volatile *request.VolatileStore
	Audit    *audit.Logger
	Logger   *slog.Logger
}

// NewKeyService wires the service's collaborators.
func NewKeyService(queue request.Queue, keys *KeyRepository, vol *request.VolatileStore, auditLog *audit.Logger, logger *slog.Logger) *KeyService {
	if logger == nil {
		logger = slog.Default()
	}
	if auditLog == nil {
		auditLog = audit.New(nil)
	}
	return &KeyService{Queue: queue, Keys: keys, Volatile: vol, Audit: auditLog, Logger: logger}
}

// ArchiveKey validates an archival submission, creates the archival request
// and processes it immediately, returning the stored key record's id.
func (s *KeyService) ArchiveKey(ctx context.Context, requesterID string, data ArchivalData) (string, error) {
	if requesterID == "" {
		return "", fmt.Errorf("%w: missing requester", ErrBadRequest)
	}
	if err := validateArchivalCombination(data); err != nil {
		return "", err
	}

	req := request.New(request.TypeArchival)
	req.SetExt(request.ExtRequesterID, requesterID)
	req.SetExt(request.ExtClientID, data.ClientID)
	req.SetExt(request.ExtRealm, data.Realm)
	req.SetExt(request.ExtWrappedPrivateData, data.WrappedPrivateData)
	req.SetExt(request.ExtTransSessionKey, data.TransWrappedSession)
	req.SetExt(request.ExtAlgorithmOID, data.AlgorithmOID)
	req.SetExt(request.ExtSymmetricParams, data.SymmetricParams)
	req.SetExt(request.ExtArchiveOptions, data.PKIArchiveOptions)
	req.SetExt(request.ExtKeyType, data.Algorithm)
	req.SetExt(request.ExtKeySize, strconv.Itoa(data.KeySize))
	if err := s.Queue.Add(req); err != nil {
		return "", fmt.Errorf("storing archival request: %w", err)
	}

	keyID := uuid.New()
	rec := &KeyRecord{
		ID:        keyID,
		OwnerName: requesterID,
		ClientID:  data.ClientID,
		Algorithm: data.Algorithm,
		KeySize:   data.KeySize,
		Status:    KeyStatusActive,
		Realm:     data.Realm,
	}
	if data.WrappedPrivateData != "" {
		rec.WrappedData = []byte(data.WrappedPrivateData)
	} else {
		rec.WrappedData = []byte(data.PKIArchiveOptions)
	}
	if err := s.Keys.Save(rec); err != nil {
		s.Audit.Failure(ctx, audit.EventArchivalFailure, req.ID, err.Error())
		return "", fmt.Errorf("storing key record: %w", err)
	}

	req.SetExt(request.ExtKeyID, keyID)
	req.Status = request.StatusComplete
	if err := s.Queue.Update(req); err != nil {
		return "", fmt.Errorf("completing archival request: %w", err)
	}
	s.Audit.Log(ctx, audit.EventArchivalSuccess, req.ID, slog.String("key_id", keyID))
	return keyID, nil
}

func validateArchivalCombination(data ArchivalData) error {
	if data.PKIArchiveOptions != "" {
		if data.WrappedPrivateData != "" || data.TransWrappedSession != "" {
			return fmt.Errorf("%w: archive options cannot be combined with explicit wrapped data", ErrBadRequest)
		}
		return nil
	}
	switch {
	case data.WrappedPrivateData == "":
		return fmt.Errorf("%w: missing wrapped private data", ErrBadRequest)
	case data.TransWrappedSession == "":
		return fmt.Errorf("%w: missing transport-wrapped session key", ErrBadRequest)
	case data.AlgorithmOID == "":
		return fmt.Errorf("%w: missing algorithm OID", ErrBadRequest)
	case data.SymmetricParams == "":
		return fmt.Errorf("%w: missing symmetric algorithm parameters", ErrBadRequest)
	}
	return nil
}

// RecoverKey submits a recovery request for an archived key. The request
// starts PENDING and waits for agent review.
func (s *KeyService) RecoverKey(ctx context.Context, requesterID, keyID string) (*request.Request, error) {
	if requesterID == "" || keyID == "" {
		return nil, fmt.Errorf("%w: missing requester or key id", ErrBadRequest)
	}
	if _, err := s.Keys.Read(keyID); err != nil {
		return nil, err
	}

	req := request.New(request.TypeRecovery)
	req.Status = request.StatusPending
	req.SetExt(request.ExtRequesterID, requesterID)
	req.SetExt(request.ExtKeyID, keyID)
	if err := s.Queue.Add(req); err != nil {
		return nil, fmt.Errorf("storing recovery request: %w", err)
	}
	return req, nil
}

// ApproveRequest moves a pending recovery request to APPROVED.
func (s *KeyService) ApproveRequest(ctx context.Context, agentID, requestID string) error {
	return s.review(ctx, agentID, requestID, request.StatusApproved, audit.EventRecoveryApproved)
}

// RejectRequest moves a pending recovery request to REJECTED.
func (s *KeyService) RejectRequest(ctx context.Context, agentID, requestID string) error {
	return s.review(ctx, agentID, requestID, request.StatusRejected, audit.EventRecoveryRejected)
}

// CancelRequest cancels a recovery request before approval.
func (s *KeyService) CancelRequest(ctx context.Context, agentID, requestID string) error {
	return s.review(ctx, agentID, requestID, request.StatusCanceled, audit.EventRecoveryCanceled)
}

func (s *KeyService) review(ctx context.Context, agentID, requestID string, to request.Status, event audit.Event) error {
	req, err := s.Queue.Find(requestID)
	if errors.Is(err, request.ErrNotFound) {
		return fmt.Errorf("%s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return fmt.Errorf("%w: request %s is %s", ErrGone, requestID, req.Status)
	}
	if req.Status != request.StatusPending {
		return fmt.Errorf("%w: request %s is %s, not pending", ErrUnauthorized, requestID, req.Status)
	}
	req.Status = to
	if err := s.Queue.Update(req); err != nil {
		return fmt.Errorf("persisting review decision: %w", err)
	}
	s.Audit.Log(ctx, event, requestID, slog.String("agent", agentID))
	return nil
}

// validateRequest runs the independent retrieval preconditions, each
// failing fast with its classified error.
func (s *KeyService) validateRequest(caller string, data RecoveryData) (*request.Request, error) {
	if data.RequestID == "" {
		return nil, fmt.Errorf("%w: missing request id", ErrBadRequest)
	}
	if data.TransWrappedSession == "" {
		return nil, fmt.Errorf("%w: missing transport-wrapped session key", ErrBadRequest)
	}
	req, err := s.Queue.Find(data.RequestID)
	if errors.Is(err, request.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", data.RequestID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if req.Type != request.TypeRecovery {
		return nil, fmt.Errorf("%w: request %s is not a recovery request", ErrBadRequest, data.RequestID)
	}
	if req.GetExt(request.ExtRequesterID) != caller {
		return nil, fmt.Errorf("%w: caller is not the original requester", ErrUnauthorized)
	}
	if req.Status == request.StatusCanceled {
		return nil, fmt.Errorf("%w: request %s was canceled", ErrGone, data.RequestID)
	}
	if req.Status != request.StatusApproved {
		return nil, fmt.Errorf("%w: request %s is %s, not approved", ErrUnauthorized, data.RequestID, req.Status)
	}
	return req, nil
}

// GetKey produces the recovery response for an approved request. The call
// is idempotent under the volatile-parameter guard: material produced by a
// previous call is returned without reprocessing. All volatile parameters
// are destroyed before the response is returned or the error propagates.
func (s *KeyService) GetKey(ctx context.Context, caller string, data RecoveryData) (*KeyData, error) {
	req, err := s.validateRequest(caller, data)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			s.Audit.Failure(ctx, audit.EventKeyAccessDenied, data.RequestID, err.Error())
		}
		return nil, err
	}

	// One in-flight processing pass per request id; a concurrent call
	// serializes here and then sees the idempotency guard.
	unlock := s.Volatile.Lock(req.ID)
	defer unlock()

	if !s.Volatile.Exists(req.ID) {
		s.Volatile.Set(req.ID, request.VolTransSessionKey, []byte(data.TransWrappedSession))
		if data.SessionedPassphrase != "" {
			s.Volatile.Set(req.ID, request.VolSessionPassphrase, []byte(data.SessionedPassphrase))
		}
		if data.Nonce != "" {
			s.Volatile.Set(req.ID, request.VolNonceData, []byte(data.Nonce))
		}

		req.Status = request.StatusBegin
		if err := s.Queue.Process(ctx, req); err != nil {
			s.Volatile.Destroy(req.ID)
			return nil, fmt.Errorf("processing recovery request %s: %w", req.ID, err)
		}
	}

	out, err := s.extractKeyData(req)
	s.Volatile.Destroy(req.ID)
	if err != nil {
		return nil, err
	}
	req.Status = request.StatusComplete
	if err := s.Queue.MarkServiced(req); err != nil {
		return nil, fmt.Errorf("marking request serviced: %w", err)
	}
	s.Audit.Log(ctx, audit.EventKeyRetrieved, req.ID, slog.String("key_id", req.GetExt(request.ExtKeyID)))
	return out, nil
}

// extractKeyData builds the response from the volatile output parameters
// left behind by the processor.
func (s *KeyService) extractKeyData(req *request.Request) (*KeyData, error) {
	out := &KeyData{}
	if v, ok := s.Volatile.Get(req.ID, request.VolPrivateData); ok {
		out.WrappedPrivateData = base64.StdEncoding.EncodeToString(v)
	} else if v, ok := s.Volatile.Get(req.ID, request.VolPassphraseData); ok {
		out.PassphraseWrappedData = base64.StdEncoding.EncodeToString(v)
	} else {
		return nil, fmt.Errorf("recovery produced no wrapped output for request %s", req.ID)
	}
	if v, ok := s.Volatile.Get(req.ID, request.VolNonceData); ok {
		out.NonceData = base64.StdEncoding.EncodeToString(v)
	}

	if keyID := req.GetExt(request.ExtKeyID); keyID != "" {
		if rec, err := s.Keys.Read(keyID); err == nil {
			out.Algorithm = rec.Algorithm
			out.KeySize = rec.KeySize
		}
	}
	return out, nil
}

// ListKeys returns one bounded page of the keys matching the criteria,
// with opaque links to the neighboring pages derived from the query.
func (s *KeyService) ListKeys(ctx context.Context, criteria Criteria, start, pageSize int) (*KeyInfoPage, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	if start < 0 {
		start = 0
	}

	matched, err := s.Keys.Search(criteria, 0)
	if err != nil {
		return nil, err
	}
	s.Logger.Debug("key search", "filter", criteria.Filter(), "matches", len(matched))

	lo := min(start, len(matched))
	hi := min(lo+pageSize, len(matched))

	page := &KeyInfoPage{Total: len(matched)}
	for _, rec := range matched[lo:hi] {
		page.Entries = append(page.Entries, KeyInfo{
			KeyID:     rec.ID,
			ClientID:  rec.ClientID,
			Algorithm: rec.Algorithm,
			KeySize:   rec.KeySize,
			Status:    rec.Status,
			Realm:     rec.Realm,
		})
	}
	if lo > 0 {
		page.Prev = pageLink(criteria, max(lo-pageSize, 0), pageSize)
	}
	if hi < len(matched) {
		page.Next = pageLink(criteria, hi, pageSize)
	}
	return page, nil
}

// SetKeyStatus flips an archived key between active and inactive. Key
// records are never deleted, only status-changed.
func (s *KeyService) SetKeyStatus(ctx context.Context, agentID, keyID, status string) error {
	if status != KeyStatusActive && status != KeyStatusInactive {
		return fmt.Errorf("%w: unknown key status %q", ErrBadRequest, status)
	}
	rec, err := s.Keys.Read(keyID)
	if err != nil {
		return err
	}
	rec.Status = status
	if err := s.Keys.Save(rec); err != nil {
		return fmt.Errorf("updating key record: %w", err)
	}
	s.Audit.Log(ctx, audit.EventKeyModified, "",
		slog.String("key_id", keyID),
		slog.String("status", status),
		slog.String("agent", agentID))
	return nil
}

func pageLink(criteria Criteria, start, pageSize int) string {
	q := url.Values{}
	if criteria.Status != "" {
		q.Set("status", criteria.Status)
	}
	if criteria.ClientID != "" {
		q.Set("clientID", criteria.ClientID)
	}
	if criteria.Realm != "" {
		q.Set("realm", criteria.Realm)
	}
	q.Set("start", strconv.Itoa(start))
	q.Set("pageSize", strconv.Itoa(pageSize))
	return "?" + q.Encode()
}
