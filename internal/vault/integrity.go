package vault

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/finvault/finvault/internal/storage"
)

// integrityVersion tags newly written integrity records.
const integrityVersion = "2.0"

// IntegrityRecord is the basic tamper-evidence record: a visible hash of
// the plaintext data set plus a checksum binding the record's own fields.
type IntegrityRecord struct {
	Hash      string `cbor:"hash"`
	Timestamp int64  `cbor:"timestamp"`
	Version   string `cbor:"version"`
	Checksum  string `cbor:"checksum"`
}

// SecureIntegrityRecord is structurally identical but stores the data hash
// encrypted under the master key, so reading the record alone leaks
// nothing about the data.
type SecureIntegrityRecord struct {
	EncryptedHash []byte `cbor:"encrypted_hash"`
	Timestamp     int64  `cbor:"timestamp"`
	Version       string `cbor:"version"`
	Checksum      string `cbor:"checksum"`
	KeyID         string `cbor:"key_id"`
}

const (
	recordKindIntegrityBasic  = "integrity.basic"
	recordKindIntegritySecure = "integrity.secure"
	integrityRecordMaxVer     = 1
)

// IntegrityResult reports a basic verification.
type IntegrityResult struct {
	IsValid   bool
	Issues    []string
	CheckedAt int64
}

// SecureIntegrityResult reports a secure verification. KeyValid and
// IsValid fail independently: a false KeyValid means re-authenticate, a
// false IsValid means investigate tampering.
type SecureIntegrityResult struct {
	IsValid   bool
	KeyValid  bool
	Issues    []string
	CheckedAt int64
}

// ComprehensiveReport merges both schemes into one risk report.
type ComprehensiveReport struct {
	OverallValid    bool
	RiskLevel       string
	Basic           *IntegrityResult
	Secure          *SecureIntegrityResult
	Recommendations []string
}

// DataIntegrityManager computes and verifies tamper-evident hashes over
// the plaintext data set.
type DataIntegrityManager struct {
	sc   *SecurityContext
	keys *KeyManager
}

// NewDataIntegrityManager creates the manager over the given context.
func NewDataIntegrityManager(sc *SecurityContext, keys *KeyManager) *DataIntegrityManager {
	return &DataIntegrityManager{sc: sc, keys: keys}
}

// canonicalJSON normalizes data so that semantically identical values
// always serialize identically regardless of field ordering: the value is
// round-tripped through an untyped form, which Go marshals with sorted
// map keys.
func canonicalJSON(data any) ([]byte, error) {
	var raw []byte
	switch v := data.(type) {
	case []byte:
		raw = v
	case json.RawMessage:
		raw = v
	default:
		var err error
		raw, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: data is not serializable: %v", ErrInvalidInput, err)
		}
	}

	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("%w: data is not valid JSON: %v", ErrInvalidInput, err)
	}
	canonical, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return canonical, nil
}

// GenerateDataHash hashes the canonical form of data.
func (m *DataIntegrityManager) GenerateDataHash(data any) (string, error) {
	canonical, err := canonicalJSON(data)
	if err != nil {
		return "", err
	}
	return Hash(canonical), nil
}

func basicChecksum(hash string, timestamp int64, version string) string {
	return Hash(fmt.Appendf(nil, "%s|%d|%s", hash, timestamp, version))
}

func secureChecksum(encryptedHash []byte, timestamp int64, version string) string {
	encoded := base64.StdEncoding.EncodeToString(encryptedHash)
	return Hash(fmt.Appendf(nil, "%s|%d|%s", encoded, timestamp, version))
}

// CreateIntegrityRecord writes a fresh basic record for data. Call after
// every successful mutation of protected data.
func (m *DataIntegrityManager) CreateIntegrityRecord(data any) (*IntegrityRecord, error) {
	hash, err := m.GenerateDataHash(data)
	if err != nil {
		return nil, err
	}
	now := m.sc.Now().Unix()
	rec := &IntegrityRecord{
		Hash:      hash,
		Timestamp: now,
		Version:   integrityVersion,
		Checksum:  basicChecksum(hash, now, integrityVersion),
	}
	blob, err := storage.EncodeRecord(recordKindIntegrityBasic, 1, rec)
	if err != nil {
		return nil, err
	}
	if err := m.sc.Store().Put(keyIntegrityBasic, blob); err != nil {
		return nil, err
	}
	return rec, nil
}

// VerifyDataIntegrity checks the stored basic record against data. The
// record's checksum is validated before its hash is trusted; checksum and
// hash mismatches are reported as distinct issues.
func (m *DataIntegrityManager) VerifyDataIntegrity(data any) (*IntegrityResult, error) {
	now := m.sc.Now().Unix()
	result := &IntegrityResult{CheckedAt: now}

	blob, err := m.sc.Store().Get(keyIntegrityBasic)
	if errors.Is(err, storage.ErrKeyNotFound) {
		result.Issues = append(result.Issues, "no integrity record found")
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	var rec IntegrityRecord
	if err := storage.DecodeRecord(blob, recordKindIntegrityBasic, integrityRecordMaxVer, &rec); err != nil {
		return nil, mapRecordError(err)
	}

	if basicChecksum(rec.Hash, rec.Timestamp, rec.Version) != rec.Checksum {
		result.Issues = append(result.Issues, "integrity record checksum mismatch: record was tampered with")
		return result, nil
	}

	hash, err := m.GenerateDataHash(data)
	if err != nil {
		return nil, err
	}
	if hash != rec.Hash {
		result.Issues = append(result.Issues, "data hash mismatch: underlying data was modified")
		return result, nil
	}

	result.IsValid = true
	return result, nil
}

// CreateSecureIntegrityRecord writes a record whose hash is encrypted
// under the master key. The key must be cached (recent authentication).
func (m *DataIntegrityManager) CreateSecureIntegrityRecord(data any) (*SecureIntegrityRecord, error) {
	key, err := m.keys.CachedMasterKey()
	if err != nil {
		return nil, err
	}
	hash, err := m.GenerateDataHash(data)
	if err != nil {
		return nil, err
	}
	encryptedHash, err := Encrypt([]byte(hash), key)
	if err != nil {
		return nil, err
	}

	now := m.sc.Now().Unix()
	rec := &SecureIntegrityRecord{
		EncryptedHash: encryptedHash,
		Timestamp:     now,
		Version:       integrityVersion,
		Checksum:      secureChecksum(encryptedHash, now, integrityVersion),
		KeyID:         MasterKeyID,
	}
	blob, err := storage.EncodeRecord(recordKindIntegritySecure, 1, rec)
	if err != nil {
		return nil, err
	}
	if err := m.sc.Store().Put(keyIntegritySecure, blob); err != nil {
		return nil, err
	}
	return rec, nil
}

// VerifySecureIntegrity checks the stored secure record against data.
// KeyValid=false (master key absent or expired) and IsValid=false
// (decrypted hash mismatch) are independent failure signals.
func (m *DataIntegrityManager) VerifySecureIntegrity(data any) (*SecureIntegrityResult, error) {
	now := m.sc.Now().Unix()
	result := &SecureIntegrityResult{CheckedAt: now}

	blob, err := m.sc.Store().Get(keyIntegritySecure)
	if errors.Is(err, storage.ErrKeyNotFound) {
		result.Issues = append(result.Issues, "no secure integrity record found")
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	var rec SecureIntegrityRecord
	if err := storage.DecodeRecord(blob, recordKindIntegritySecure, integrityRecordMaxVer, &rec); err != nil {
		return nil, mapRecordError(err)
	}

	if secureChecksum(rec.EncryptedHash, rec.Timestamp, rec.Version) != rec.Checksum {
		result.Issues = append(result.Issues, "secure integrity record checksum mismatch: record was tampered with")
		return result, nil
	}

	key, err := m.keys.CachedMasterKey()
	if errors.Is(err, ErrKeyUnavailable) {
		result.Issues = append(result.Issues, "master key unavailable: re-authenticate to verify")
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	result.KeyValid = true

	storedHash, err := Decrypt(rec.EncryptedHash, key)
	if err != nil {
		result.Issues = append(result.Issues, "stored hash could not be decrypted: record or key mismatch")
		return result, nil
	}

	hash, err := m.GenerateDataHash(data)
	if err != nil {
		return nil, err
	}
	if hash != string(storedHash) {
		result.Issues = append(result.Issues, "data hash mismatch: underlying data was modified")
		return result, nil
	}

	result.IsValid = true
	return result, nil
}

// PerformComprehensiveIntegrityCheck runs both schemes and merges their
// issues into a single risk report with actionable recommendations.
func (m *DataIntegrityManager) PerformComprehensiveIntegrityCheck(data any) (*ComprehensiveReport, error) {
	basic, err := m.VerifyDataIntegrity(data)
	if err != nil {
		return nil, err
	}
	secure, err := m.VerifySecureIntegrity(data)
	if err != nil {
		return nil, err
	}

	report := &ComprehensiveReport{
		Basic:        basic,
		Secure:       secure,
		OverallValid: basic.IsValid && secure.IsValid,
	}

	switch {
	case !basic.IsValid && !secure.IsValid:
		report.RiskLevel = "high"
	case !basic.IsValid || !secure.IsValid:
		report.RiskLevel = "medium"
	default:
		report.RiskLevel = "low"
	}

	if !basic.IsValid {
		report.Recommendations = append(report.Recommendations,
			"basic integrity failed: investigate data tampering and restore from a trusted backup")
	}
	if !secure.KeyValid {
		report.Recommendations = append(report.Recommendations,
			"master key unavailable: re-authenticate and re-run the check")
	} else if !secure.IsValid {
		report.Recommendations = append(report.Recommendations,
			"secure integrity failed: investigate data tampering")
	}
	if report.OverallValid {
		report.Recommendations = append(report.Recommendations, "no action needed")
	}

	return report, nil
}
