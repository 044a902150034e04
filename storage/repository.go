// Package storage provides the storage abstraction layer for sealed records.
// Key records, archival/recovery requests and profile commit state are stored
// as encrypted envelopes keyed by (partition, recordType, recordID).
package storage

import "errors"

var (
	// ErrNotFound is returned when the referenced record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrPartitionNotFound is returned when the referenced partition has no
	// records at all.
	ErrPartitionNotFound = errors.New("partition not found")
)

// BatchTx provides Put and Delete within an atomic transaction. The
// partition is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Put(recordType string, recordID string, envelope *Envelope) error
	Delete(recordType string, recordID string) error
}

// Repository defines the interface for sealed record storage.
type Repository interface {
	Put(partition string, recordType string, recordID string, envelope *Envelope) error
	Get(partition string, recordType string, recordID string) (*Envelope, error)
	List(partition string, recordType string) ([]string, error)
	Delete(partition string, recordType string, recordID string) error
	Batch(partition string, fn func(tx BatchTx) error) error
}
