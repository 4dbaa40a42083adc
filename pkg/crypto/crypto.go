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

// Package crypto encrypts Provider auth_spec secrets (bearer tokens,
// passwords) at rest in the providers YAML file, keyed by
// UMP_REGISTRY_SECRET. The loader decrypts a field on read; a value that
// doesn't look encrypted is passed through untouched so operators can
// migrate existing plaintext configs incrementally.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	nonceSize  = 12
	keySize    = 32
	iterations = 100000
)

// CredentialCipher encrypts and decrypts provider credential fields with a
// key derived from UMP_REGISTRY_SECRET via PBKDF2.
type CredentialCipher struct {
	key []byte
}

// NewCredentialCipher derives a CredentialCipher's key from secret.
func NewCredentialCipher(secret string) (*CredentialCipher, error) {
	if secret == "" {
		return nil, errors.New("crypto: secret cannot be empty")
	}
	salt := sha256.Sum256([]byte("ump-registry-salt-" + secret))
	key := pbkdf2.Key([]byte(secret), salt[:], iterations, keySize, sha256.New)
	return &CredentialCipher{key: key}, nil
}

// Encrypt seals plaintext for storage, returning a base64-encoded
// nonce||ciphertext string.
func (c *CredentialCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("crypto: plaintext cannot be empty")
	}
	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *CredentialCipher) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", errors.New("crypto: encoded text cannot be empty")
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("crypto: decode base64: %w", err)
	}
	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}
	if len(sealed) < gcm.NonceSize() {
		return "", errors.New("crypto: encoded text too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decrypt: %w", err)
	}
	return string(plaintext), nil
}

func (c *CredentialCipher) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return gcm, nil
}

// IsEncrypted reports whether s looks like a CredentialCipher-produced
// value: valid base64 that decodes to at least a nonce plus a GCM tag. A
// plaintext secret that happens to be valid base64 but shorter than that
// is treated as plaintext.
func IsEncrypted(s string) bool {
	if s == "" {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return false
	}
	return len(decoded) >= nonceSize+16
}
