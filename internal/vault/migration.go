package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/finvault/finvault/internal/storage"
)

// Security scheme versions. Storage written before the PIN gate existed
// carries the baseline tag (or none at all).
const (
	baselineSchemeVersion = "1.0.0"
	CurrentSchemeVersion  = "2.0.0"
)

// legacyBuckets are the pre-migration data buckets and whether their
// contents are classified sensitive (encrypted after migration).
var legacyBuckets = []struct {
	Name      string
	Sensitive bool
}{
	{"profile", true},
	{"transactions", true},
	{"budgets", false},
	{"goals", false},
}

// MigrationStatus is the read-only assessment of pending migration work.
type MigrationStatus struct {
	CurrentVersion  string
	TargetVersion   string
	MigrationNeeded bool
	RiskLevel       string
	EstimatedTime   time.Duration
}

// MigrationResult is the persisted outcome of a migration run. Sub-failures
// are appended to warnings/errors rather than aborting the pipeline, so
// partial migrations stay visible and diagnosable.
type MigrationResult struct {
	ID            string   `cbor:"id"`
	Version       string   `cbor:"version"`
	MigratedAt    int64    `cbor:"migrated_at"`
	Success       bool     `cbor:"success"`
	MigratedItems []string `cbor:"migrated_items"`
	Warnings      []string `cbor:"warnings"`
	Errors        []string `cbor:"errors"`
}

const (
	recordKindMigrationVersion = "migration.version"
	recordKindMigrationResult  = "migration.result"
	migrationRecordMaxVer      = 1
)

// MigrationManager detects legacy unprotected or weakly-protected storage
// and upgrades it to the current scheme.
type MigrationManager struct {
	sc        *SecurityContext
	gate      *PinGate
	keys      *KeyManager
	integrity *DataIntegrityManager
}

// NewMigrationManager creates the manager over the given collaborators.
func NewMigrationManager(sc *SecurityContext, gate *PinGate, keys *KeyManager, integrity *DataIntegrityManager) *MigrationManager {
	return &MigrationManager{sc: sc, gate: gate, keys: keys, integrity: integrity}
}

// CheckMigrationStatus compares the persisted version tag against the
// current target and assigns a risk level from heuristics: legacy
// plaintext credential data raises risk to medium, a version still at the
// oldest known baseline raises it to high.
func (m *MigrationManager) CheckMigrationStatus() (*MigrationStatus, error) {
	current, err := m.readVersionTag()
	if err != nil {
		return nil, err
	}

	status := &MigrationStatus{
		CurrentVersion:  current,
		TargetVersion:   CurrentSchemeVersion,
		MigrationNeeded: current != CurrentSchemeVersion,
		RiskLevel:       "low",
		EstimatedTime:   2 * time.Second,
	}
	if !status.MigrationNeeded {
		return status, nil
	}

	if hasLegacyPin, err := m.sc.Store().Has(keyLegacyPin); err != nil {
		return nil, err
	} else if hasLegacyPin {
		status.RiskLevel = "medium"
	}
	if current == baselineSchemeVersion {
		status.RiskLevel = "high"
	}

	legacyKeys, err := m.sc.Store().ListKeys(keyLegacyPrefix)
	if err != nil {
		return nil, err
	}
	status.EstimatedTime = time.Duration(1+len(legacyKeys)) * time.Second

	return status, nil
}

// PerformMigration runs the ordered, partially-idempotent upgrade
// pipeline: adopt the legacy PIN, re-save legacy data buckets through the
// encrypted storage path, recompute integrity records, delete legacy keys,
// and bump the version tag.
func (m *MigrationManager) PerformMigration() (*MigrationResult, error) {
	now := m.sc.Now()
	result := &MigrationResult{
		ID:         uuid.NewString(),
		Version:    CurrentSchemeVersion,
		MigratedAt: now.Unix(),
	}

	m.migratePinCredential(result)
	migrated := m.migrateDataBuckets(result)
	m.rebuildIntegrityRecords(result, migrated)
	m.deleteLegacyKeys(result)

	result.Success = len(result.Errors) == 0
	if result.Success {
		if err := m.writeVersionTag(CurrentSchemeVersion); err != nil {
			result.Success = false
			result.Errors = append(result.Errors, fmt.Sprintf("failed to write version tag: %v", err))
		}
	}

	if err := m.saveResult(result); err != nil {
		return nil, err
	}

	m.sc.log.Info().
		Bool("success", result.Success).
		Int("migrated", len(result.MigratedItems)).
		Int("warnings", len(result.Warnings)).
		Int("errors", len(result.Errors)).
		Msg("migration completed")
	return result, nil
}

// RollbackMigration deletes every current-scheme key, resets the version
// tag to the oldest baseline, and resets the PIN gate. Manual recovery
// action only, never an automatic on-failure trigger.
func (m *MigrationManager) RollbackMigration() error {
	store := m.sc.Store()
	if _, err := store.DeletePrefix(keyDataPrefix); err != nil {
		return fmt.Errorf("failed to delete migrated buckets: %w", err)
	}
	if err := m.gate.ClearAllSecurityData(); err != nil {
		return err
	}
	if err := store.Delete(keyMigrationResult); err != nil {
		return err
	}
	if err := m.writeVersionTag(baselineSchemeVersion); err != nil {
		return err
	}
	m.sc.log.Warn().Msg("migration rolled back to baseline scheme")
	return nil
}

// LastResult returns the persisted result of the most recent migration.
func (m *MigrationManager) LastResult() (*MigrationResult, error) {
	blob, err := m.sc.Store().Get(keyMigrationResult)
	if err != nil {
		return nil, err
	}
	var result MigrationResult
	if err := storage.DecodeRecord(blob, recordKindMigrationResult, migrationRecordMaxVer, &result); err != nil {
		return nil, mapRecordError(err)
	}
	return &result, nil
}

// migratePinCredential adopts a legacy plaintext PIN into the gate scheme
// when no credential exists yet. The legacy record held the raw PIN; the
// new scheme stores only a salted derivation.
func (m *MigrationManager) migratePinCredential(result *MigrationResult) {
	hasCredential, err := m.sc.Store().Has(keyPinCredential)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("pin credential check failed: %v", err))
		return
	}
	if hasCredential {
		result.MigratedItems = append(result.MigratedItems, "pin credential (already migrated)")
		return
	}

	legacyPin, err := m.sc.Store().Get(keyLegacyPin)
	if errors.Is(err, storage.ErrKeyNotFound) {
		result.Warnings = append(result.Warnings, "no legacy PIN found; PIN setup required before protected data can be encrypted")
		return
	}
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to read legacy PIN: %v", err))
		return
	}

	pin := SensitiveBytes(legacyPin)
	defer pin.Zero()
	if err := m.gate.SetupPin(pin); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to migrate PIN credential: %v", err))
		return
	}
	result.MigratedItems = append(result.MigratedItems, "pin credential")
}

// migrateDataBuckets re-saves each known legacy bucket through the current
// storage path, encrypting the sensitive ones. Returns the plaintext data
// set for integrity recomputation.
func (m *MigrationManager) migrateDataBuckets(result *MigrationResult) map[string]any {
	migrated := make(map[string]any)

	masterKey, keyErr := m.keys.CachedMasterKey()

	for _, bucket := range legacyBuckets {
		raw, err := m.sc.Store().Get(keyLegacyPrefix + bucket.Name)
		if errors.Is(err, storage.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to read legacy bucket %s: %v", bucket.Name, err))
			continue
		}

		// Legacy buckets were stored as raw JSON; one unparseable
		// bucket must not abort the rest of the pipeline.
		var data any
		if err := json.Unmarshal(raw, &data); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("legacy bucket %s is not valid JSON, skipped: %v", bucket.Name, err))
			continue
		}

		var encKey []byte
		if bucket.Sensitive {
			if keyErr != nil {
				result.Warnings = append(result.Warnings, fmt.Sprintf("bucket %s stored without encryption: %v", bucket.Name, keyErr))
			} else {
				encKey = masterKey
			}
		}

		if err := m.sc.SaveBucket(bucket.Name, data, encKey); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to migrate bucket %s: %v", bucket.Name, err))
			continue
		}
		migrated[bucket.Name] = data
		result.MigratedItems = append(result.MigratedItems, "bucket "+bucket.Name)
	}

	return migrated
}

// rebuildIntegrityRecords recomputes the integrity records over the
// migrated data set: the secure variant when a master key is available,
// the basic one otherwise.
func (m *MigrationManager) rebuildIntegrityRecords(result *MigrationResult, data map[string]any) {
	if len(data) == 0 {
		return
	}

	if _, err := m.integrity.CreateIntegrityRecord(data); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to create integrity record: %v", err))
	} else {
		result.MigratedItems = append(result.MigratedItems, "integrity record")
	}

	if _, err := m.keys.CachedMasterKey(); err == nil {
		if _, err := m.integrity.CreateSecureIntegrityRecord(data); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to create secure integrity record: %v", err))
		} else {
			result.MigratedItems = append(result.MigratedItems, "secure integrity record")
		}
	} else {
		result.Warnings = append(result.Warnings, "master key unavailable, secure integrity record skipped")
	}
}

// deleteLegacyKeys removes the unprotected pre-migration records.
func (m *MigrationManager) deleteLegacyKeys(result *MigrationResult) {
	deleted, err := m.sc.Store().DeletePrefix(keyLegacyPrefix)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to delete legacy records: %v", err))
		return
	}
	if deleted > 0 {
		result.MigratedItems = append(result.MigratedItems, fmt.Sprintf("%d legacy records removed", deleted))
	}
}

func (m *MigrationManager) readVersionTag() (string, error) {
	blob, err := m.sc.Store().Get(keyMigrationVersion)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return baselineSchemeVersion, nil
	}
	if err != nil {
		return "", err
	}
	var version string
	if err := storage.DecodeRecord(blob, recordKindMigrationVersion, migrationRecordMaxVer, &version); err != nil {
		return "", mapRecordError(err)
	}
	return version, nil
}

func (m *MigrationManager) writeVersionTag(version string) error {
	blob, err := storage.EncodeRecord(recordKindMigrationVersion, 1, version)
	if err != nil {
		return err
	}
	return m.sc.Store().Put(keyMigrationVersion, blob)
}

func (m *MigrationManager) saveResult(result *MigrationResult) error {
	blob, err := storage.EncodeRecord(recordKindMigrationResult, 1, result)
	if err != nil {
		return err
	}
	return m.sc.Store().Put(keyMigrationResult, blob)
}
