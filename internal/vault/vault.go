// Package vault provides authenticated symmetric encryption for
// exchange credentials at rest.
//
// Ciphertexts are AES-256-GCM sealed with a single process-wide key
// resolved from configuration at startup. Encryption and decryption
// failures surface as *Error and must never be swallowed or converted
// into a default value: a credential blob that fails authentication is
// unusable and the operation that needed it has to fail.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// KeySize is the required key length in bytes (AES-256).
const KeySize = 32

// Error is the failure type for all vault operations. Callers detect
// it with errors.As; it maps to an opaque 500 at the HTTP boundary.
type Error struct {
	Op    string
	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("vault %s: %v", e.Op, e.cause)
	}
	return fmt.Sprintf("vault %s failed", e.Op)
}

// Unwrap exposes the cause.
func (e *Error) Unwrap() error {
	return e.cause
}

func newError(op string, cause error) *Error {
	return &Error{Op: op, cause: cause}
}

// Vault seals and opens credential blobs with a fixed AEAD key.
type Vault struct {
	aead cipher.AEAD
}

// New creates a vault from a raw 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, newError("init", fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key)))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, newError("init", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, newError("init", err)
	}

	return &Vault{aead: aead}, nil
}

// NewFromBase64 creates a vault from a base64-encoded key, the format
// used by the VAULT_KEY environment variable.
func NewFromBase64(encoded string) (*Vault, error) {
	if encoded == "" {
		return nil, newError("init", fmt.Errorf("key is empty"))
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, newError("init", fmt.Errorf("key is not valid base64: %w", err))
	}

	return New(key)
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext || tag).
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", newError("encrypt", err)
	}

	sealed := v.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// EncryptString seals a string plaintext.
func (v *Vault) EncryptString(plaintext string) (string, error) {
	return v.Encrypt([]byte(plaintext))
}

// Decrypt opens a blob produced by Encrypt. Tampered or truncated
// input fails authentication and returns *Error.
func (v *Vault) Decrypt(encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, newError("decrypt", fmt.Errorf("ciphertext is not valid base64: %w", err))
	}

	nonceSize := v.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, newError("decrypt", fmt.Errorf("ciphertext shorter than nonce"))
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, newError("decrypt", err)
	}

	return plaintext, nil
}

// DecryptString opens a blob and returns the plaintext as a string.
func (v *Vault) DecryptString(encoded string) (string, error) {
	plaintext, err := v.Decrypt(encoded)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Credentials is the exchange credential triple stored per platform.
// Passphrase is only set for exchanges that require it (OKX).
type Credentials struct {
	APIKey     string `json:"api_key"`
	SecretKey  string `json:"secret_key"`
	Passphrase string `json:"passphrase,omitempty"`
}

// EncryptCredentials seals the credential triple into a single blob.
func (v *Vault) EncryptCredentials(creds Credentials) (string, error) {
	payload, err := json.Marshal(creds)
	if err != nil {
		return "", newError("encrypt", err)
	}
	return v.Encrypt(payload)
}

// DecryptCredentials opens a credential blob. The plaintext exists
// only in the returned value; callers hand it to an adapter
// constructor and drop it.
func (v *Vault) DecryptCredentials(blob string) (*Credentials, error) {
	payload, err := v.Decrypt(blob)
	if err != nil {
		return nil, err
	}

	var creds Credentials
	if err := json.Unmarshal(payload, &creds); err != nil {
		return nil, newError("decrypt", fmt.Errorf("credential payload corrupt: %w", err))
	}

	return &creds, nil
}

// GenerateKey returns a fresh random key, base64-encoded for use as
// VAULT_KEY. Intended for operator tooling and tests.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", newError("keygen", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
