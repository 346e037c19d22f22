package testutil

import (
	"testing"

	"github.com/gojolo/inbox/internal/crypto"
)

// TestKeyHex is the deterministic vault key shared by test packages.
const TestKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// GetTestEncryptor creates a vault with TestKeyHex.
func GetTestEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()

	encryptor, err := crypto.NewEncryptorFromHex(TestKeyHex)
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}
	return encryptor
}

// MustEncrypt returns the stored form of password under TestKeyHex.
func MustEncrypt(t *testing.T, password string) string {
	t.Helper()

	blob, err := GetTestEncryptor(t).EncryptString(password)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}
	return blob
}
