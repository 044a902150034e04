package ca

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/jmcleod/keyward/internal/util"
)

// Padding selects the RSA padding scheme used to wrap the session key under
// the recovery service's transport certificate.
type Padding string

const (
	PaddingOAEP  Padding = "oaep"
	PaddingPKCS1 Padding = "pkcs1"
)

// fixedWrapIV is the constant CBC initialization vector used when wrapping
// the PKCS#12 export passphrase under the session key. A constant IV is a
// known weakness of this scheme; it is kept because deployed recovery
// services expect exactly this wire format. Do not reuse for anything else.
var fixedWrapIV = []byte{
	0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
}

// WrapPassphrase encrypts the caller-supplied PKCS#12 passphrase under the
// one-time session key with AES-CBC. The passphrase is Unicode-normalized
// first so the wrapped form is stable across client platforms.
func WrapPassphrase(passphrase string, sessionKey []byte) ([]byte, error) {
	if len(sessionKey) != util.SessionKeySize {
		return nil, fmt.Errorf("invalid session key size: got %d, want %d", len(sessionKey), util.SessionKeySize)
	}
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	plain := pkcs7Pad([]byte(util.NormalizePassphrase(passphrase)), block.BlockSize())
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, fixedWrapIV).CryptBlocks(out, plain)
	return out, nil
}

// UnwrapPassphrase reverses WrapPassphrase.
func UnwrapPassphrase(wrapped, sessionKey []byte) (string, error) {
	if len(sessionKey) != util.SessionKeySize {
		return "", fmt.Errorf("invalid session key size: got %d, want %d", len(sessionKey), util.SessionKeySize)
	}
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	if len(wrapped) == 0 || len(wrapped)%block.BlockSize() != 0 {
		return "", fmt.Errorf("wrapped passphrase is not block-aligned")
	}
	plain := make([]byte, len(wrapped))
	cipher.NewCBCDecrypter(block, fixedWrapIV).CryptBlocks(plain, wrapped)
	unpadded, err := pkcs7Unpad(plain, block.BlockSize())
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

// WrapSessionKey encrypts the session key under the recovery service's RSA
// transport public key using the configured padding scheme.
func WrapSessionKey(sessionKey []byte, transportKey *rsa.PublicKey, padding Padding) ([]byte, error) {
	switch padding {
	case PaddingOAEP, "":
		return rsa.EncryptOAEP(sha256.New(), rand.Reader, transportKey, sessionKey, nil)
	case PaddingPKCS1:
		return rsa.EncryptPKCS1v15(rand.Reader, transportKey, sessionKey)
	default:
		return nil, fmt.Errorf("unsupported wrap padding %q", padding)
	}
}

// UnwrapSessionKey reverses WrapSessionKey with the transport private key.
func UnwrapSessionKey(wrapped []byte, transportKey *rsa.PrivateKey, padding Padding) ([]byte, error) {
	switch padding {
	case PaddingOAEP, "":
		return rsa.DecryptOAEP(sha256.New(), rand.Reader, transportKey, wrapped, nil)
	case PaddingPKCS1:
		return rsa.DecryptPKCS1v15(rand.Reader, transportKey, wrapped)
	default:
		return nil, fmt.Errorf("unsupported wrap padding %q", padding)
	}
}

// WrapDataCBC encrypts arbitrary key material under a symmetric key with
// AES-CBC and the given IV. Used by the recovery side to rewrap archived
// keys under the caller's session key.
func WrapDataCBC(data, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("invalid IV size: got %d, want %d", len(iv), block.BlockSize())
	}
	plain := pkcs7Pad(data, block.BlockSize())
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plain)
	return out, nil
}

// UnwrapDataCBC reverses WrapDataCBC.
func UnwrapDataCBC(wrapped, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("invalid IV size: got %d, want %d", len(iv), block.BlockSize())
	}
	if len(wrapped) == 0 || len(wrapped)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("wrapped data is not block-aligned")
	}
	plain := make([]byte, len(wrapped))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, wrapped)
	return pkcs7Unpad(plain, block.BlockSize())
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(b))
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
