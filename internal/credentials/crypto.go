package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// ============================================================================
// PROVIDER SECRET ENCRYPTION - AES-256-GCM with a process-level master key
// ============================================================================

// Cipher seals and opens provider secrets. The master key is derived once at
// construction; ciphertext and nonce are stored base64-encoded in the
// provider_keys table.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from the hex-encoded 256-bit master secret.
func NewCipher(masterSecretHex string) (*Cipher, error) {
	key, err := hex.DecodeString(masterSecretHex)
	if err != nil {
		return nil, fmt.Errorf("master secret is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master secret must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt seals a plaintext secret. Returns (ciphertext, iv) base64-encoded.
func (c *Cipher) Encrypt(plaintext string) (string, string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed),
		base64.StdEncoding.EncodeToString(nonce), nil
}

// Decrypt opens a sealed secret. Authentication failure returns an error;
// callers treat that credential as unavailable rather than crashing.
func (c *Cipher) Decrypt(ciphertextB64, ivB64 string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("ciphertext is not valid base64: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return "", fmt.Errorf("iv is not valid base64: %w", err)
	}
	if len(nonce) != c.aead.NonceSize() {
		return "", fmt.Errorf("iv has wrong length: %d", len(nonce))
	}

	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("authenticated decryption failed: %w", err)
	}
	return string(plain), nil
}
