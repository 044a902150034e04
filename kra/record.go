// Package kra implements the key archival and recovery service: the sealed
// key-record repository, the search filter convention over it, and the
// KeyService state machine that validates and drives recovery requests.
package kra

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jmcleod/keyward/storage"
)

// Key record lifecycle states.
const (
	KeyStatusActive   = "active"
	KeyStatusInactive = "inactive"
)

const (
	keyPartition  = "keys"
	recordTypeKey = "KEY"
)

// KeyRecord is the persisted description of one archived key. The wrapped
// private material is carried opaque; the repository seals the entire
// record at rest on top of that.
type KeyRecord struct {
	ID          string    `json:"id"`
	OwnerName   string    `json:"owner_name"`
	ClientID    string    `json:"client_id"`
	Algorithm   string    `json:"algorithm"`
	KeySize     int       `json:"key_size"`
	PublicKey   string    `json:"public_key,omitempty"`
	WrappedData []byte    `json:"wrapped_data"`
	Status      string    `json:"status"`
	Realm       string    `json:"realm,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// KeyRepository stores key records sealed under a derived record key.
type KeyRepository struct {
	repo      storage.Repository
	recordKey []byte
}

// NewKeyRepository creates a repository over the given storage backend.
func NewKeyRepository(repo storage.Repository, recordKey []byte) *KeyRepository {
	return &KeyRepository{repo: repo, recordKey: recordKey}
}

// Save persists the record, sealing it at rest.
func (r *KeyRepository) Save(rec *KeyRecord) error {
	rec.ModifiedAt = time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.ModifiedAt
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding key record %s: %w", rec.ID, err)
	}
	env, err := storage.SealRecord(r.recordKey, raw, storage.AAD(keyPartition, recordTypeKey, rec.ID))
	if err != nil {
		return err
	}
	return r.repo.Put(keyPartition, recordTypeKey, rec.ID, env)
}

// Read loads one record by id, or ErrNotFound.
func (r *KeyRepository) Read(id string) (*KeyRecord, error) {
	env, err := r.repo.Get(keyPartition, recordTypeKey, id)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrPartitionNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	raw, err := storage.OpenRecord(r.recordKey, env, storage.AAD(keyPartition, recordTypeKey, id))
	if err != nil {
		return nil, fmt.Errorf("opening key record %s: %w", id, err)
	}
	var rec KeyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding key record %s: %w", id, err)
	}
	return &rec, nil
}

// Search returns the records matching the criteria, in id order up to max.
// A max of zero means no bound.
func (r *KeyRepository) Search(criteria Criteria, max int) ([]*KeyRecord, error) {
	ids, err := r.repo.List(keyPartition, recordTypeKey)
	if errors.Is(err, storage.ErrPartitionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// Backends do not guarantee listing order; pagination needs one.
	slices.Sort(ids)

	var out []*KeyRecord
	for _, id := range ids {
		rec, err := r.Read(id)
		if err != nil {
			return nil, err
		}
		if !criteria.Matches(rec) {
			continue
		}
		out = append(out, rec)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out, nil
}
