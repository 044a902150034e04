package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/keyward/storage"
)

// ErrNotFound is returned when the referenced request does not exist.
var ErrNotFound = errors.New("request not found")

// Processor performs the actual work for a request handed to the queue.
// For key recovery this is the unwrap/rewrap pass against the archived key.
type Processor interface {
	Process(ctx context.Context, req *Request) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, req *Request) error

func (f ProcessorFunc) Process(ctx context.Context, req *Request) error {
	return f(ctx, req)
}

// Queue stores requests and drives their processing.
type Queue interface {
	// Add persists a new request.
	Add(req *Request) error
	// Find returns the request with the given id, or ErrNotFound.
	Find(id string) (*Request, error)
	// Update persists the current state of the request.
	Update(req *Request) error
	// Process hands the request to the configured processor and persists
	// the resulting state.
	Process(ctx context.Context, req *Request) error
	// MarkServiced flags the request as serviced and persists it.
	MarkServiced(req *Request) error
	// List returns the ids of all stored requests.
	List() ([]string, error)
}

const (
	requestPartition  = "requests"
	recordTypeRequest = "REQUEST"
)

// RepoQueue is a Queue backed by a sealed-record repository. Request records
// are encrypted at rest under a key derived from the server master secret.
type RepoQueue struct {
	repo      storage.Repository
	recordKey []byte
	processor Processor
}

var _ Queue = (*RepoQueue)(nil)

// NewRepoQueue creates a queue over the given repository. recordKey is the
// partition sealing key; processor may be nil for queues that only store.
func NewRepoQueue(repo storage.Repository, recordKey []byte, processor Processor) *RepoQueue {
	return &RepoQueue{repo: repo, recordKey: recordKey, processor: processor}
}

func (q *RepoQueue) seal(req *Request) (*storage.Envelope, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request %s: %w", req.ID, err)
	}
	return storage.SealRecord(q.recordKey, raw, storage.AAD(requestPartition, recordTypeRequest, req.ID))
}

// Add persists a new request record.
func (q *RepoQueue) Add(req *Request) error {
	env, err := q.seal(req)
	if err != nil {
		return err
	}
	return q.repo.Put(requestPartition, recordTypeRequest, req.ID, env)
}

// Find loads a request by id.
func (q *RepoQueue) Find(id string) (*Request, error) {
	env, err := q.repo.Get(requestPartition, recordTypeRequest, id)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrPartitionNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	raw, err := storage.OpenRecord(q.recordKey, env, storage.AAD(requestPartition, recordTypeRequest, id))
	if err != nil {
		return nil, fmt.Errorf("opening request record %s: %w", id, err)
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding request %s: %w", id, err)
	}
	return &req, nil
}

// Update persists the current state of the request.
func (q *RepoQueue) Update(req *Request) error {
	req.UpdatedAt = time.Now().UTC()
	return q.Add(req)
}

// Process runs the configured processor against the request. The request
// state is persisted after processing, whether it succeeded or failed, so
// agents can inspect the outcome.
func (q *RepoQueue) Process(ctx context.Context, req *Request) error {
	if q.processor == nil {
		return fmt.Errorf("queue has no processor configured")
	}
	perr := q.processor.Process(ctx, req)
	if uerr := q.Update(req); uerr != nil && perr == nil {
		return uerr
	}
	return perr
}

// MarkServiced flags the request as serviced (terminal for recovery).
func (q *RepoQueue) MarkServiced(req *Request) error {
	req.SetExt(ExtServiced, "true")
	return q.Update(req)
}

// List returns the ids of all stored requests.
func (q *RepoQueue) List() ([]string, error) {
	ids, err := q.repo.List(requestPartition, recordTypeRequest)
	if errors.Is(err, storage.ErrPartitionNotFound) {
		return nil, nil
	}
	return ids, err
}
