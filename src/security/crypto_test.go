package security

import (
	"crypto/sha256"
	"testing"

	"golang.org/x/crypto/pbkdf2"
)

func testKey() []byte {
	return pbkdf2.Key([]byte("test-passphrase"), []byte("test-salt"), iterations, keyLength, sha256.New)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey()

	encrypted, err := encryptWithKey(key, "api-key-abc123")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if encrypted == "api-key-abc123" {
		t.Fatal("ciphertext must differ from plaintext")
	}

	decrypted, err := decryptWithKey(key, encrypted)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if decrypted != "api-key-abc123" {
		t.Fatalf("round trip mismatch: %q", decrypted)
	}
}

func TestEncryptProducesFreshNonce(t *testing.T) {
	key := testKey()

	a, err := encryptWithKey(key, "secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := encryptWithKey(key, "secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if a == b {
		t.Fatal("two encryptions of the same plaintext must differ")
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	encrypted, err := encryptWithKey(testKey(), "secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	other := pbkdf2.Key([]byte("other"), []byte("test-salt"), iterations, keyLength, sha256.New)
	if _, err := decryptWithKey(other, encrypted); err == nil {
		t.Fatal("decryption with the wrong key must fail")
	}
}

func TestDecryptGarbageFails(t *testing.T) {
	if _, err := decryptWithKey(testKey(), "not-base64!!"); err == nil {
		t.Fatal("invalid base64 must fail")
	}
	if _, err := decryptWithKey(testKey(), "AAAA"); err == nil {
		t.Fatal("truncated ciphertext must fail")
	}
}
