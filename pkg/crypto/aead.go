package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
)

const (
	// NonceSize is the AES-GCM nonce length in bytes (96 bits).
	NonceSize = 12
	// TagSize is the GCM authentication tag length in bytes (128 bits).
	TagSize = 16
	// MinBlobSize is the smallest valid stored blob: nonce + tag, no payload.
	MinBlobSize = NonceSize + TagSize
)

// EncryptionResult carries the three parts of one AEAD encryption. The stored
// blob layout is nonce || tag || ciphertext.
type EncryptionResult struct {
	Nonce      []byte
	Tag        []byte
	Ciphertext []byte
}

// NormalizeKey derives a stable 256-bit AES key from arbitrary key material.
// Material already sized for AES (16, 24, or 32 bytes) is used as-is.
func NormalizeKey(key []byte) []byte {
	switch len(key) {
	case 16, 24, 32:
		return key
	}
	hash := sha256.Sum256(key)
	return hash[:]
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random 12-byte
// nonce. No additional authenticated data is bound.
func Encrypt(plaintext, key []byte) (*EncryptionResult, error) {
	block, err := aes.NewCipher(NormalizeKey(key))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - TagSize
	return &EncryptionResult{
		Nonce:      nonce,
		Ciphertext: sealed[:split],
		Tag:        sealed[split:],
	}, nil
}

// Decrypt opens ciphertext sealed by Encrypt. Any tampering with nonce, tag,
// or ciphertext fails authentication.
func Decrypt(ciphertext, key, nonce, tag []byte) ([]byte, error) {
	block, err := aes.NewCipher(NormalizeKey(key))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// AssembleBlob builds the stored blob layout nonce || tag || ciphertext.
func AssembleBlob(result *EncryptionResult) []byte {
	blob := make([]byte, 0, len(result.Nonce)+len(result.Tag)+len(result.Ciphertext))
	blob = append(blob, result.Nonce...)
	blob = append(blob, result.Tag...)
	blob = append(blob, result.Ciphertext...)
	return blob
}

// SplitBlob parses a stored blob back into nonce, tag, and ciphertext.
func SplitBlob(blob []byte) (nonce, tag, ciphertext []byte, err error) {
	if len(blob) < MinBlobSize {
		return nil, nil, nil, fmt.Errorf("blob too short: %d bytes", len(blob))
	}
	return blob[:NonceSize], blob[NonceSize:MinBlobSize], blob[MinBlobSize:], nil
}

// ChecksumHex returns the SHA-512 digest of data as a 128-char hex string.
func ChecksumHex(data []byte) string {
	sum := sha512.Sum512(data)
	return hex.EncodeToString(sum[:])
}
