// Package uuid generates identifiers for requests and key records.
package uuid

import "github.com/google/uuid"

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}
