package vault

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// BackupVersion tags newly created envelopes. Older versions listed in
// supportedBackupVersions stay restorable; anything else is rejected
// before any decryption is attempted.
const BackupVersion = "2.0"

var supportedBackupVersions = map[string]bool{
	"1.0": true,
	"2.0": true,
}

// BackupEnvelope is the self-describing encrypted export of the protected
// data set. It is the one artifact that leaves the system boundary and is
// restorable with only the envelope contents and a PIN: its salt is
// independent of the live master-key salt.
type BackupEnvelope struct {
	Version       string `json:"version"`
	BackupID      string `json:"backup_id"`
	CreatedAt     int64  `json:"created_at"`
	Salt          string `json:"salt"`           // base64, independent of the master key
	Payload       string `json:"payload"`        // base64 nonce-prefixed ciphertext
	IntegrityHash string `json:"integrity_hash"` // hash of the plaintext
}

// BackupCodec builds and parses backup envelopes.
type BackupCodec struct {
	sc *SecurityContext
}

// NewBackupCodec creates a codec over the given context.
func NewBackupCodec(sc *SecurityContext) *BackupCodec {
	return &BackupCodec{sc: sc}
}

// CreateEncryptedBackup derives a one-off key from the supplied PIN and a
// fresh salt, encrypts the canonicalized data, and wraps it with a
// plaintext integrity hash and a version tag. Returns the envelope as a
// copyable JSON string.
func (c *BackupCodec) CreateEncryptedBackup(data any, pin SensitiveBytes) (string, error) {
	if err := validatePinFormat(pin); err != nil {
		return "", err
	}
	plaintext, err := canonicalJSON(data)
	if err != nil {
		return "", err
	}

	salt, err := GenerateSalt()
	if err != nil {
		return "", err
	}
	key := DeriveKey(pin, salt)
	defer zeroBytes(key)

	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		return "", err
	}

	envelope := BackupEnvelope{
		Version:       BackupVersion,
		BackupID:      uuid.NewString(),
		CreatedAt:     c.sc.Now().Unix(),
		Salt:          base64.StdEncoding.EncodeToString(salt),
		Payload:       base64.StdEncoding.EncodeToString(ciphertext),
		IntegrityHash: Hash(plaintext),
	}

	out, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to serialize backup envelope: %w", err)
	}
	c.sc.log.Info().
		Str("backup_id", envelope.BackupID).
		Int("payload_bytes", len(ciphertext)).
		Msg("encrypted backup created")
	return string(out), nil
}

// RestoreEncryptedBackup parses an envelope, re-derives the key from the
// embedded salt and the supplied PIN, decrypts, and verifies the plaintext
// hash. Each failure mode is distinct: malformed or incomplete envelopes
// are ErrInvalidInput, an unknown version is ErrUnsupportedVersion (raised
// before any decryption), a decryption failure is ErrAuthenticationFailed
// (the observable signal for a wrong PIN), and a hash mismatch after a
// successful decrypt is ErrIntegrityViolation.
func (c *BackupCodec) RestoreEncryptedBackup(envelopeJSON string, pin SensitiveBytes) (any, error) {
	var envelope BackupEnvelope
	if err := json.Unmarshal([]byte(envelopeJSON), &envelope); err != nil {
		return nil, fmt.Errorf("%w: malformed backup envelope: %v", ErrInvalidInput, err)
	}
	if envelope.Version == "" || envelope.Salt == "" || envelope.Payload == "" || envelope.IntegrityHash == "" {
		return nil, fmt.Errorf("%w: backup envelope is missing required fields", ErrInvalidInput)
	}
	if !supportedBackupVersions[envelope.Version] {
		return nil, fmt.Errorf("%w: backup version %q", ErrUnsupportedVersion, envelope.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(envelope.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid salt encoding: %v", ErrInvalidInput, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(envelope.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid payload encoding: %v", ErrInvalidInput, err)
	}

	key := DeriveKey(pin, salt)
	defer zeroBytes(key)

	plaintext, err := Decrypt(ciphertext, key)
	if err != nil {
		// Wrong PIN and tampered ciphertext are indistinguishable here;
		// the caller surfaces this as "wrong PIN or corrupted backup".
		return nil, fmt.Errorf("%w: backup decryption failed", ErrAuthenticationFailed)
	}

	// A correct PIN with a pre-encryption corruption still fails here
	// even though the AEAD tag verified.
	if Hash(plaintext) != envelope.IntegrityHash {
		return nil, fmt.Errorf("%w: backup payload hash mismatch", ErrIntegrityViolation)
	}

	var data any
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("%w: backup payload is not valid JSON: %v", ErrInvalidInput, err)
	}
	c.sc.log.Info().Str("backup_id", envelope.BackupID).Msg("backup restored")
	return data, nil
}
