// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"sync"

	"github.com/jmcleod/keyward/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Envelope
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Envelope)}
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func cloneEnvelope(env *storage.Envelope) *storage.Envelope {
	if env == nil {
		return nil
	}
	return &storage.Envelope{
		Ver:        env.Ver,
		Scheme:     env.Scheme,
		Nonce:      append([]byte(nil), env.Nonce...),
		Ciphertext: append([]byte(nil), env.Ciphertext...),
	}
}

func (r *Repository) Put(partition, recordType, recordID string, envelope *storage.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(partition, recordType, recordID, envelope)
}

func (r *Repository) putLocked(partition, recordType, recordID string, envelope *storage.Envelope) error {
	if _, ok := r.data[partition]; !ok {
		r.data[partition] = make(map[string]*storage.Envelope)
	}
	r.data[partition][makeKey(recordType, recordID)] = cloneEnvelope(envelope)
	return nil
}

func (r *Repository) Get(partition, recordType, recordID string) (*storage.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records, ok := r.data[partition]
	if !ok {
		return nil, storage.ErrPartitionNotFound
	}
	env, ok := records[makeKey(recordType, recordID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneEnvelope(env), nil
}

func (r *Repository) List(partition, recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	prefix := recordType + ":"
	for k := range r.data[partition] {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			ids = append(ids, k[len(prefix):])
		}
	}
	return ids, nil
}

func (r *Repository) Delete(partition, recordType, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(partition, recordType, recordID)
}

func (r *Repository) deleteLocked(partition, recordType, recordID string) error {
	k := makeKey(recordType, recordID)
	records, ok := r.data[partition]
	if !ok {
		return storage.ErrPartitionNotFound
	}
	if _, ok := records[k]; !ok {
		return storage.ErrNotFound
	}
	delete(records, k)
	return nil
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(partition string, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshotPartition(partition)

	tx := &memoryBatchTx{repo: r, partition: partition}
	if err := fn(tx); err != nil {
		r.restorePartition(partition, snapshot)
		return err
	}
	return nil
}

func (r *Repository) snapshotPartition(partition string) map[string]*storage.Envelope {
	original, ok := r.data[partition]
	if !ok {
		return nil
	}
	cp := make(map[string]*storage.Envelope, len(original))
	for k, v := range original {
		cp[k] = cloneEnvelope(v)
	}
	return cp
}

func (r *Repository) restorePartition(partition string, snapshot map[string]*storage.Envelope) {
	if snapshot == nil {
		delete(r.data, partition)
	} else {
		r.data[partition] = snapshot
	}
}

type memoryBatchTx struct {
	repo      *Repository
	partition string
}

func (tx *memoryBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	return tx.repo.putLocked(tx.partition, recordType, recordID, envelope)
}

func (tx *memoryBatchTx) Delete(recordType, recordID string) error {
	return tx.repo.deleteLocked(tx.partition, recordType, recordID)
}
