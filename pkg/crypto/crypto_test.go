// ump is an OGC API Processes federation gateway.
// Copyright (C) 2025 The ump Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package crypto

import "testing"

func TestNewCredentialCipherRejectsEmptySecret(t *testing.T) {
	if _, err := NewCredentialCipher(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCredentialCipher("registry-secret")
	if err != nil {
		t.Fatalf("NewCredentialCipher: %v", err)
	}
	for _, plaintext := range []string{
		"bearer-token-abc123",
		"P@ssw0rd!#$%^&*()",
		"密码パスワード🔐",
	} {
		encrypted, err := c.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		if encrypted == plaintext || encrypted == "" {
			t.Fatalf("Encrypt(%q) = %q, want a distinct non-empty ciphertext", plaintext, encrypted)
		}
		decrypted, err := c.Decrypt(encrypted)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if decrypted != plaintext {
			t.Fatalf("Decrypt(Encrypt(%q)) = %q", plaintext, decrypted)
		}
	}
}

func TestEncryptRejectsEmptyPlaintext(t *testing.T) {
	c, err := NewCredentialCipher("registry-secret")
	if err != nil {
		t.Fatalf("NewCredentialCipher: %v", err)
	}
	if _, err := c.Encrypt(""); err == nil {
		t.Fatal("expected error for empty plaintext")
	}
}

func TestEncryptionIsNonDeterministic(t *testing.T) {
	c, err := NewCredentialCipher("registry-secret")
	if err != nil {
		t.Fatalf("NewCredentialCipher: %v", err)
	}
	a, err := c.Encrypt("bearer-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := c.Encrypt("bearer-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct ciphertexts for repeated encryption of the same plaintext (random nonce)")
	}
}

func TestDecryptFailsWithWrongSecret(t *testing.T) {
	a, err := NewCredentialCipher("secret-one")
	if err != nil {
		t.Fatalf("NewCredentialCipher: %v", err)
	}
	b, err := NewCredentialCipher("secret-two")
	if err != nil {
		t.Fatalf("NewCredentialCipher: %v", err)
	}
	encrypted, err := a.Encrypt("bearer-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := b.Decrypt(encrypted); err == nil {
		t.Fatal("expected decryption with a different secret to fail")
	}
}

func TestDecryptInvalidInput(t *testing.T) {
	c, err := NewCredentialCipher("registry-secret")
	if err != nil {
		t.Fatalf("NewCredentialCipher: %v", err)
	}
	for _, in := range []string{"", "not-base64!@#$", "dGVzdA=="} {
		if _, err := c.Decrypt(in); err == nil {
			t.Fatalf("Decrypt(%q) succeeded, want error", in)
		}
	}
}

func TestIsEncrypted(t *testing.T) {
	c, err := NewCredentialCipher("registry-secret")
	if err != nil {
		t.Fatalf("NewCredentialCipher: %v", err)
	}
	encrypted, err := c.Encrypt("bearer-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	cases := map[string]bool{
		encrypted:        true,
		"bearer-token":   false,
		"":               false,
		"not-base64!@#$": false,
		"dGVzdA==":       false, // valid base64, too short to be a sealed value
	}
	for in, want := range cases {
		if got := IsEncrypted(in); got != want {
			t.Fatalf("IsEncrypted(%q) = %v, want %v", in, got, want)
		}
	}
}
