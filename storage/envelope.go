package storage

import (
	"fmt"

	"github.com/jmcleod/keyward/internal/util"
)

// Envelope is a sealed record containing AES-256-GCM encrypted data.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// AAD binds a sealed record to its location so envelopes cannot be swapped
// between partitions or record slots.
func AAD(partition, recordType, recordID string) []byte {
	return []byte(partition + "|" + recordType + "|" + recordID)
}

// SealRecord encrypts plaintext into an Envelope using the given record key and AAD.
func SealRecord(recordKey, plaintext, aad []byte) (*Envelope, error) {
	cipher, err := util.EncryptAESWithAAD(plaintext, recordKey, aad)
	if err != nil {
		return nil, err
	}

	// util.EncryptAESWithAAD returns nonce || ciphertext.
	return &Envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      cipher[:12],
		Ciphertext: cipher[12:],
	}, nil
}

// OpenRecord decrypts an Envelope using the given record key and AAD.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != "aes256gcm" {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}

	// Reconstruct nonce || ciphertext without mutating envelope fields.
	fullCipher := make([]byte, len(envelope.Nonce)+len(envelope.Ciphertext))
	copy(fullCipher, envelope.Nonce)
	copy(fullCipher[len(envelope.Nonce):], envelope.Ciphertext)

	return util.DecryptAESWithAAD(fullCipher, recordKey, aad)
}
