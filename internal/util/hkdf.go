package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const HKDFKeyLength = 32

// HKDF derives a fixed-length key from seed, salt and info using
// HKDF-SHA256.
func HKDF(seed []byte, salt []byte, info []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, seed, salt, info)
	k := make([]byte, HKDFKeyLength)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}

const recordKeyInfo = "keyward:record-key:v1"

// DeriveRecordKey derives a partition-specific record sealing key from the
// server master secret. Key records and request records are sealed at rest
// under keys derived this way.
func DeriveRecordKey(master []byte, partition string) ([]byte, error) {
	return HKDF(master, []byte(partition), []byte(recordKeyInfo))
}
