package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrDecrypt is returned for any blob that cannot be opened: bad encoding,
	// truncated input, wrong key or tampered ciphertext. Callers treat the
	// stored credential as unusable.
	ErrDecrypt = errors.New("failed to decrypt credentials")

	// ErrKeyNotConfigured is returned by an Encryptor built without a key.
	ErrKeyNotConfigured = errors.New("encryption key not configured")
)

const (
	keyHexLen = 64
	nonceSize = 12
	tagSize   = 16
)

// Vault is the encrypt/decrypt boundary for stored mail credentials.
type Vault interface {
	EncryptString(plaintext string) (string, error)
	DecryptString(blob string) (string, error)
}

// Encryptor provides AES-256-GCM encryption for mail passwords at rest.
// Blobs are laid out as [nonce][ciphertext][auth_tag].
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptorFromHex creates an Encryptor from a hex key. Only the first 64
// hex characters (32 bytes) are used.
func NewEncryptorFromHex(keyHex string) (*Encryptor, error) {
	if keyHex == "" {
		return nil, ErrKeyNotConfigured
	}
	if len(keyHex) < keyHexLen {
		return nil, fmt.Errorf("encryption key must be at least %d hex characters, got %d", keyHexLen, len(keyHex))
	}

	key, err := hex.DecodeString(keyHex[:keyHexLen])
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}

	return NewEncryptor(key)
}

// NewEncryptor creates an Encryptor from a raw 32-byte key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (256 bits), got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

// Unconfigured returns an Encryptor whose every operation fails with
// ErrKeyNotConfigured. The server uses it when no key is set so that vault
// users report a configuration error instead of crashing at startup.
func Unconfigured() *Encryptor {
	return &Encryptor{}
}

// Configured reports whether the Encryptor holds a key.
func (e *Encryptor) Configured() bool {
	return e != nil && e.aead != nil
}

// Encrypt seals plaintext with a fresh random nonce.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if !e.Configured() {
		return nil, ErrKeyNotConfigured
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt.
func (e *Encryptor) Decrypt(blob []byte) ([]byte, error) {
	if !e.Configured() {
		return nil, ErrKeyNotConfigured
	}
	if len(blob) < nonceSize+tagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	nonce, sealed := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecrypt)
	}

	return plaintext, nil
}

// EncryptString returns the stored form of a password: base64 of the sealed blob.
func (e *Encryptor) EncryptString(plaintext string) (string, error) {
	blob, err := e.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptString reverses EncryptString.
func (e *Encryptor) DecryptString(stored string) (string, error) {
	if !e.Configured() {
		return "", ErrKeyNotConfigured
	}

	blob, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding", ErrDecrypt)
	}

	plaintext, err := e.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
