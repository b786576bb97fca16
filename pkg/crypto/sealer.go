package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrKeyMismatch is returned when a payload was sealed under a different key.
var ErrKeyMismatch = errors.New("payload sealed with a different key")

// Sealer encrypts webhook payloads at rest with AES-GCM. Sealed values are
// "<key id>:<base64(nonce|ciphertext)>" so a rotated key is detected
// instead of surfacing as an authentication failure.
type Sealer struct {
	gcm   cipher.AEAD
	keyID string
}

// NewSealer creates a new AES-256-GCM sealer with the given 32-byte key.
func NewSealer(key string) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	sum := sha256.Sum256([]byte(key))
	return &Sealer{gcm: gcm, keyID: hex.EncodeToString(sum[:4])}, nil
}

// KeyID identifies the key without revealing it.
func (s *Sealer) KeyID() string {
	return s.keyID
}

// Encrypt seals plaintext. The key id is bound as additional data.
func (s *Sealer) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := s.gcm.Seal(nonce, nonce, plaintext, []byte(s.keyID))
	return s.keyID + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (s *Sealer) Decrypt(value string) ([]byte, error) {
	keyID, encoded, ok := strings.Cut(value, ":")
	if !ok {
		return nil, fmt.Errorf("sealed payload has no key id")
	}
	if keyID != s.keyID {
		return nil, ErrKeyMismatch
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	nonceSize := s.gcm.NonceSize()
	if len(raw) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
