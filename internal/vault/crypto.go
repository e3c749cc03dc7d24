package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// Key derivation and AEAD parameters. The iteration count is deliberately
// slow and fixed: a derivation always runs to completion to preserve the
// brute-force resistance it provides.
const (
	pbkdf2Iterations = 100_000
	derivationMethod = "pbkdf2-sha256"
	cipherAlgorithm  = "chacha20poly1305"

	// KeyLen is the master key length in bytes (256-bit AEAD key).
	KeyLen = chacha20poly1305.KeySize
	// SaltLen is the salt length for every derivation.
	SaltLen = 32
	// NonceLen is the AEAD nonce length.
	NonceLen = chacha20poly1305.NonceSize
)

// DeriveKey derives a 256-bit key from a PIN and salt using PBKDF2-SHA256
// with the fixed iteration count.
func DeriveKey(pin, salt []byte) []byte {
	return pbkdf2.Key(pin, salt, pbkdf2Iterations, KeyLen, sha256.New)
}

// GenerateSalt returns a fresh random salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// GenerateNonce returns a fresh random AEAD nonce.
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// Encrypt authenticates and encrypts plaintext under key with a fresh
// nonce and returns nonce‖ciphertext as one transportable blob. A nonce is
// never reused for a given key because every call draws a new one.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: bad key: %v", ErrInvalidInput, err)
	}
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt splits the nonce from a blob produced by Encrypt and decrypts.
// It fails with ErrAuthenticationFailed when the tag does not verify; it
// never returns garbage plaintext.
func Decrypt(blob, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: bad key: %v", ErrInvalidInput, err)
	}
	if len(blob) < NonceLen {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrInvalidInput)
	}
	nonce, ciphertext := blob[:NonceLen], blob[NonceLen:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed", ErrAuthenticationFailed)
	}
	return plaintext, nil
}

// Hash returns the SHA-256 digest of data as a hex string.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PinCredential is the stored form of a PIN: a password-derivation output
// and the salt it was derived with. The raw PIN is never stored.
type PinCredential struct {
	Hash []byte `cbor:"hash"`
	Salt []byte `cbor:"salt"`
}

const (
	recordKindCredential   = "auth.credential"
	credentialRecordMaxVer = 1
)

// HashPin hashes a PIN with the given salt using the password derivation,
// not a raw fast hash, specifically to resist brute force.
func HashPin(pin, salt []byte) []byte {
	return DeriveKey(pin, salt)
}

// NewPinCredential hashes a PIN with a fresh salt.
func NewPinCredential(pin []byte) (*PinCredential, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	return &PinCredential{Hash: HashPin(pin, salt), Salt: salt}, nil
}

// VerifyPin verifies a PIN against a stored hash and salt in constant time.
func VerifyPin(pin, hash, salt []byte) bool {
	computed := HashPin(pin, salt)
	return subtle.ConstantTimeCompare(computed, hash) == 1
}

// validatePinFormat enforces the PIN composition rules: 4-8 characters,
// digits only.
func validatePinFormat(pin []byte) error {
	if len(pin) < 4 || len(pin) > 8 {
		return fmt.Errorf("%w: PIN must be 4-8 digits", ErrInvalidInput)
	}
	if !isAllDigits(pin) {
		return fmt.Errorf("%w: PIN must contain only digits", ErrInvalidInput)
	}
	return nil
}

func isAllDigits(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(b) > 0
}
