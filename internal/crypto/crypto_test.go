package crypto

import (
	"strings"
	"testing"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	e := NewEncryptor("unit-test-master-key")

	tests := []struct {
		name      string
		plaintext string
	}{
		{"api key", "sk-or-v1-abcdef0123456789"},
		{"empty", ""},
		{"unicode", "clé-secrète-∆"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := e.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("encrypt: %v", err)
			}
			if sealed == tt.plaintext && tt.plaintext != "" {
				t.Error("ciphertext should not equal plaintext")
			}

			got, err := e.Decrypt(sealed)
			if err != nil {
				t.Fatalf("decrypt: %v", err)
			}
			if got != tt.plaintext {
				t.Errorf("round trip = %q, want %q", got, tt.plaintext)
			}
		})
	}
}

func TestEncrypt_NonceVariesPerCall(t *testing.T) {
	e := NewEncryptor("unit-test-master-key")

	a, _ := e.Encrypt("same input")
	b, _ := e.Encrypt("same input")
	if a == b {
		t.Error("two encryptions of the same input should differ")
	}
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	sealed, _ := NewEncryptor("key-one").Encrypt("secret")

	if _, err := NewEncryptor("key-two").Decrypt(sealed); err == nil {
		t.Error("decrypting with the wrong key should fail")
	}
}

func TestDecrypt_GarbageFails(t *testing.T) {
	e := NewEncryptor("unit-test-master-key")

	for _, input := range []string{"not base64 !!!", "aGVsbG8="} {
		if _, err := e.Decrypt(input); err == nil {
			t.Errorf("decrypt(%q) should fail", input)
		}
	}
}

func TestHashToken_Deterministic(t *testing.T) {
	if HashToken("byom-abc") != HashToken("byom-abc") {
		t.Error("hash should be deterministic")
	}
	if len(HashToken("byom-abc")) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(HashToken("byom-abc")))
	}
}

func TestNewToken(t *testing.T) {
	token, hash, prefix := NewToken()

	if !strings.HasPrefix(token, "byom-") {
		t.Errorf("token = %q, want byom- prefix", token)
	}
	if hash != HashToken(token) {
		t.Error("returned hash should match the token's hash")
	}
	if prefix != token[:8] {
		t.Errorf("prefix = %q, want first 8 characters of the token", prefix)
	}

	other, _, _ := NewToken()
	if other == token {
		t.Error("consecutive tokens should differ")
	}
}
