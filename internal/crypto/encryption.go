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
	"os"
)

var encryptionKey []byte

// InitEncryption loads the AES-256 key used for stored backend credentials.
// The ENCRYPTION_KEY env var wins (dev/test); otherwise the key comes from
// the system keychain, generated on first launch.
func InitEncryption() error {
	if keyString := os.Getenv("ENCRYPTION_KEY"); keyString != "" {
		encryptionKey = deriveKey(keyString)
		return nil
	}

	key, err := GenerateOrLoadKey()
	if err != nil {
		return fmt.Errorf("failed to initialize encryption from keystore: %w", err)
	}
	encryptionKey = key
	return nil
}

// deriveKey turns an arbitrary env-provided string into 32 key bytes. A
// base64 string decoding to exactly 32 bytes is used as-is; anything else is
// hashed down.
func deriveKey(keyString string) []byte {
	if keyBytes, err := base64.StdEncoding.DecodeString(keyString); err == nil && len(keyBytes) == 32 {
		return keyBytes
	}
	hash := sha256.Sum256([]byte(keyString))
	return hash[:]
}

// IsInitialized checks if encryption has been initialized
func IsInitialized() bool {
	return len(encryptionKey) > 0
}

// EncryptCredential encrypts a secret with AES-256-GCM and returns the
// base64-encoded nonce+ciphertext for storage.
func EncryptCredential(plaintext string) (string, error) {
	gcm, err := newGCM()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptCredential reverses EncryptCredential.
func DecryptCredential(ciphertextB64 string) (string, error) {
	gcm, err := newGCM()
	if err != nil {
		return "", err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM() (cipher.AEAD, error) {
	if len(encryptionKey) == 0 {
		return nil, errors.New("encryption not initialized")
	}
	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
