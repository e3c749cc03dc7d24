package vault

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/finvault/finvault/internal/storage"
)

const (
	// MasterKeyID is the only key id in normal operation.
	MasterKeyID = "master"

	// keyCacheTTL is the idle window a derived key lives in memory,
	// measured from cache insertion.
	keyCacheTTL = 5 * time.Minute

	// rotationInterval is how far out the rotation-due timestamp is set.
	rotationInterval = 90 * 24 * time.Hour

	suspiciousAccessThreshold = 10
	suspiciousAccessWindow    = time.Minute

	auditMaxKeyAge      = 365 * 24 * time.Hour
	auditMaxAccessCount = 1000
)

// keyCheckValue is encrypted under every new master key and stored next to
// its salt, so a later derivation can prove the supplied PIN reproduced
// the same key.
var keyCheckValue = []byte("finvault.key.check.v1")

// KeyMetadata describes a derived key. Only metadata and the derivation
// salt are ever persisted; the key itself lives in the in-memory cache.
type KeyMetadata struct {
	KeyID            string `cbor:"key_id"`
	CreatedAt        int64  `cbor:"created_at"`
	LastUsed         int64  `cbor:"last_used"`
	Algorithm        string `cbor:"algorithm"`
	DerivationMethod string `cbor:"derivation_method"`
	Iterations       int    `cbor:"iterations"`
	Strength         string `cbor:"strength"`
	AccessCount      int64  `cbor:"access_count"`
	RotationDue      int64  `cbor:"rotation_due"`
	LastRotation     int64  `cbor:"last_rotation"`
}

const (
	recordKindKeyMeta  = "keys.metadata"
	recordKindKeySalt  = "keys.salt"
	recordKindKeyCheck = "keys.check"
	keyRecordMaxVer    = 1
)

// keyCacheEntry holds a derived key and its eviction deadline.
type keyCacheEntry struct {
	key       []byte
	expiresAt time.Time
}

// keyCache is the in-memory home of derived keys. An entry lives for the
// TTL from insertion; a new insertion under the same id replaces the entry
// and re-arms the window. Eviction happens lazily on get and via the
// host-driven EvictExpired tick. No key is ever serialized out of here.
type keyCache struct {
	mu      sync.Mutex
	entries map[string]*keyCacheEntry
	ttl     time.Duration
}

func newKeyCache(ttl time.Duration) *keyCache {
	return &keyCache{entries: make(map[string]*keyCacheEntry), ttl: ttl}
}

func (c *keyCache) put(id string, key []byte, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[id]; ok {
		zeroBytes(old.key)
	}
	held := make([]byte, len(key))
	copy(held, key)
	c.entries[id] = &keyCacheEntry{key: held, expiresAt: now.Add(c.ttl)}
}

func (c *keyCache) get(id string, now time.Time) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	if now.After(entry.expiresAt) {
		zeroBytes(entry.key)
		delete(c.entries, id)
		return nil, false
	}
	// Callers get their own copy so a later eviction or rotation zeroing
	// the cached slice cannot zero a key already handed out.
	out := make([]byte, len(entry.key))
	copy(out, entry.key)
	return out, true
}

func (c *keyCache) evictExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for id, entry := range c.entries {
		if now.After(entry.expiresAt) {
			zeroBytes(entry.key)
			delete(c.entries, id)
			evicted++
		}
	}
	return evicted
}

func (c *keyCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.entries {
		zeroBytes(entry.key)
		delete(c.entries, id)
	}
}

// KeyManager is the single source of truth for the master key's existence,
// derivation, and in-memory lifetime.
type KeyManager struct {
	sc *SecurityContext

	mu            sync.Mutex
	recentAccess  []time.Time
	suspiciousLog bool
}

// NewKeyManager creates a key manager over the given context.
func NewKeyManager(sc *SecurityContext) *KeyManager {
	return &KeyManager{sc: sc}
}

// CreateMasterKey generates a fresh salt, derives the master key from the
// PIN, persists the salt and metadata (never the key), and warms the
// in-memory cache. Returns the key id.
func (m *KeyManager) CreateMasterKey(pin SensitiveBytes) (string, error) {
	if err := validatePinFormat(pin); err != nil {
		return "", err
	}

	salt, err := GenerateSalt()
	if err != nil {
		return "", err
	}
	key := DeriveKey(pin, salt)
	defer zeroBytes(key)

	check, err := Encrypt(keyCheckValue, key)
	if err != nil {
		return "", fmt.Errorf("failed to create key check value: %w", err)
	}

	now := m.sc.Now()
	meta := KeyMetadata{
		KeyID:            MasterKeyID,
		CreatedAt:        now.Unix(),
		LastUsed:         now.Unix(),
		Algorithm:        cipherAlgorithm,
		DerivationMethod: derivationMethod,
		Iterations:       pbkdf2Iterations,
		Strength:         classifyPinStrength(pin),
		AccessCount:      0,
		RotationDue:      now.Add(rotationInterval).Unix(),
		LastRotation:     now.Unix(),
	}

	saltBlob, err := storage.EncodeRecord(recordKindKeySalt, 1, salt)
	if err != nil {
		return "", err
	}
	metaBlob, err := storage.EncodeRecord(recordKindKeyMeta, 1, meta)
	if err != nil {
		return "", err
	}
	checkBlob, err := storage.EncodeRecord(recordKindKeyCheck, 1, check)
	if err != nil {
		return "", err
	}

	store := m.sc.Store()
	if err := store.Put(keySaltPrefix+MasterKeyID, saltBlob); err != nil {
		return "", err
	}
	if err := store.Put(keyMetaPrefix+MasterKeyID, metaBlob); err != nil {
		return "", err
	}
	if err := store.Put(keyCheckPrefix+MasterKeyID, checkBlob); err != nil {
		return "", err
	}

	m.sc.keyCache.put(MasterKeyID, key, now)

	m.sc.log.Info().
		Str("key_id", MasterKeyID).
		Str("strength", meta.Strength).
		Msg("master key created")

	return MasterKeyID, nil
}

// HasMasterKey reports whether a master-key salt is persisted.
func (m *KeyManager) HasMasterKey() (bool, error) {
	return m.sc.Store().Has(keySaltPrefix + MasterKeyID)
}

// GetMasterKey returns the cached master key if present and unexpired;
// otherwise it re-derives from the persisted salt, verifies the derivation
// against the key check value, and re-caches. Every successful return
// updates the metadata's last-used timestamp and access count.
func (m *KeyManager) GetMasterKey(pin SensitiveBytes) ([]byte, error) {
	now := m.sc.Now()

	if key, ok := m.sc.keyCache.get(MasterKeyID, now); ok {
		if err := m.recordAccess(now); err != nil {
			return nil, err
		}
		return key, nil
	}

	salt, err := m.loadSalt(MasterKeyID)
	if err != nil {
		return nil, err
	}
	key := DeriveKey(pin, salt)

	if err := m.verifyCheckValue(MasterKeyID, key); err != nil {
		zeroBytes(key)
		return nil, err
	}

	m.sc.keyCache.put(MasterKeyID, key, now)
	if err := m.recordAccess(now); err != nil {
		zeroBytes(key)
		return nil, err
	}

	cached, _ := m.sc.keyCache.get(MasterKeyID, now)
	zeroBytes(key)
	return cached, nil
}

// CachedMasterKey returns the master key only if it is still cached.
// ErrKeyUnavailable otherwise; recover by re-authenticating.
func (m *KeyManager) CachedMasterKey() ([]byte, error) {
	now := m.sc.Now()
	key, ok := m.sc.keyCache.get(MasterKeyID, now)
	if !ok {
		return nil, fmt.Errorf("%w: cache entry absent or expired", ErrKeyUnavailable)
	}
	if err := m.recordAccess(now); err != nil {
		return nil, err
	}
	return key, nil
}

// EvictExpired purges expired cache entries. Host-driven tick; it only
// ever narrows access.
func (m *KeyManager) EvictExpired() int {
	evicted := m.sc.keyCache.evictExpired(m.sc.Now())
	if evicted > 0 {
		m.sc.log.Debug().Int("evicted", evicted).Msg("key cache entries evicted")
	}
	return evicted
}

// RotateMasterKey validates the old PIN, clears all key state, and creates
// a fresh master key under the new PIN.
func (m *KeyManager) RotateMasterKey(oldPin, newPin SensitiveBytes) error {
	if err := m.verifyPinDerivation(oldPin); err != nil {
		return err
	}
	if err := m.ClearAllKeys(); err != nil {
		return err
	}
	if _, err := m.CreateMasterKey(newPin); err != nil {
		return err
	}
	if err := m.touchRotation(); err != nil {
		return err
	}
	m.sc.log.Info().Str("key_id", MasterKeyID).Msg("master key rotated")
	return nil
}

// SecureRotateMasterKey is the rotation variant that backs up the outgoing
// key records before wiping and restores them if creating the new key
// fails, so a failed rotation never leaves the system keyless.
func (m *KeyManager) SecureRotateMasterKey(oldPin, newPin SensitiveBytes) error {
	if err := m.verifyPinDerivation(oldPin); err != nil {
		return err
	}

	store := m.sc.Store()
	backup := make(map[string][]byte, 3)
	for _, k := range []string{
		keySaltPrefix + MasterKeyID,
		keyMetaPrefix + MasterKeyID,
		keyCheckPrefix + MasterKeyID,
	} {
		blob, err := store.Get(k)
		if err != nil {
			return fmt.Errorf("failed to back up %s: %w", k, err)
		}
		backup[k] = blob
	}

	if err := m.ClearAllKeys(); err != nil {
		return err
	}

	if _, err := m.CreateMasterKey(newPin); err != nil {
		for k, blob := range backup {
			if restoreErr := store.Put(k, blob); restoreErr != nil {
				m.sc.log.Error().Err(restoreErr).Str("record", k).
					Msg("failed to restore key record after aborted rotation")
			}
		}
		m.sc.log.Warn().Msg("rotation aborted, previous key records restored")
		return fmt.Errorf("rotation failed: %w", err)
	}

	if err := m.touchRotation(); err != nil {
		return err
	}
	m.sc.log.Info().Str("key_id", MasterKeyID).Msg("master key rotated (secure)")
	return nil
}

// ClearAllKeys wipes every persisted key record and the in-memory cache.
func (m *KeyManager) ClearAllKeys() error {
	m.sc.keyCache.clear()
	if _, err := m.sc.Store().DeletePrefix("keys."); err != nil {
		return fmt.Errorf("failed to clear key records: %w", err)
	}
	return nil
}

// SecurityAudit is the result of a metadata-driven key audit.
type SecurityAudit struct {
	Vulnerabilities []string
	Recommendations []string
	OverallRisk     string
}

// PerformSecurityAudit derives risk purely from persisted metadata: key
// age, weak strength classification, excessive access count, and overdue
// rotation each add to a risk score. Missing metadata entirely is itself
// the highest-risk finding.
func (m *KeyManager) PerformSecurityAudit() (*SecurityAudit, error) {
	meta, err := m.loadMetadata(MasterKeyID)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return &SecurityAudit{
			Vulnerabilities: []string{"no key metadata found: master key has never been created"},
			Recommendations: []string{"set up a PIN to create the master key"},
			OverallRisk:     "critical",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	now := m.sc.Now()
	audit := &SecurityAudit{}
	score := 0

	if now.Sub(time.Unix(meta.CreatedAt, 0)) > auditMaxKeyAge {
		score += 3
		audit.Vulnerabilities = append(audit.Vulnerabilities, "master key is older than one year")
		audit.Recommendations = append(audit.Recommendations, "rotate the master key")
	}
	if meta.Strength == "weak" {
		score += 2
		audit.Vulnerabilities = append(audit.Vulnerabilities, "PIN strength is classified weak")
		audit.Recommendations = append(audit.Recommendations, "choose a longer, less predictable PIN")
	}
	if meta.AccessCount > auditMaxAccessCount {
		score++
		audit.Vulnerabilities = append(audit.Vulnerabilities,
			fmt.Sprintf("key accessed %d times", meta.AccessCount))
		audit.Recommendations = append(audit.Recommendations, "rotate the master key to reset exposure")
	}
	if now.Unix() > meta.RotationDue {
		score += 2
		audit.Vulnerabilities = append(audit.Vulnerabilities, "key rotation is overdue")
		audit.Recommendations = append(audit.Recommendations, "rotate the master key")
	}

	switch {
	case score >= 5:
		audit.OverallRisk = "high"
	case score >= 3:
		audit.OverallRisk = "medium"
	case score >= 1:
		audit.OverallRisk = "low"
	default:
		audit.OverallRisk = "minimal"
	}
	return audit, nil
}

// Metadata returns the persisted metadata for the master key.
func (m *KeyManager) Metadata() (*KeyMetadata, error) {
	return m.loadMetadata(MasterKeyID)
}

func (m *KeyManager) loadSalt(id string) ([]byte, error) {
	blob, err := m.sc.Store().Get(keySaltPrefix + id)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: no salt for key %s", ErrKeyUnavailable, id)
	}
	if err != nil {
		return nil, err
	}
	var salt []byte
	if err := storage.DecodeRecord(blob, recordKindKeySalt, keyRecordMaxVer, &salt); err != nil {
		return nil, mapRecordError(err)
	}
	return salt, nil
}

func (m *KeyManager) loadMetadata(id string) (*KeyMetadata, error) {
	blob, err := m.sc.Store().Get(keyMetaPrefix + id)
	if err != nil {
		return nil, err
	}
	var meta KeyMetadata
	if err := storage.DecodeRecord(blob, recordKindKeyMeta, keyRecordMaxVer, &meta); err != nil {
		return nil, mapRecordError(err)
	}
	return &meta, nil
}

func (m *KeyManager) saveMetadata(meta *KeyMetadata) error {
	blob, err := storage.EncodeRecord(recordKindKeyMeta, 1, meta)
	if err != nil {
		return err
	}
	return m.sc.Store().Put(keyMetaPrefix+meta.KeyID, blob)
}

// verifyCheckValue decrypts the stored check value with a freshly derived
// key; failure means the supplied PIN did not reproduce the master key.
func (m *KeyManager) verifyCheckValue(id string, key []byte) error {
	blob, err := m.sc.Store().Get(keyCheckPrefix + id)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return fmt.Errorf("%w: no check value for key %s", ErrKeyUnavailable, id)
	}
	if err != nil {
		return err
	}
	var check []byte
	if err := storage.DecodeRecord(blob, recordKindKeyCheck, keyRecordMaxVer, &check); err != nil {
		return mapRecordError(err)
	}
	if _, err := Decrypt(check, key); err != nil {
		return fmt.Errorf("%w: key check failed", ErrAuthenticationFailed)
	}
	return nil
}

// verifyPinDerivation proves the PIN reproduces the current master key
// without touching the cache.
func (m *KeyManager) verifyPinDerivation(pin SensitiveBytes) error {
	salt, err := m.loadSalt(MasterKeyID)
	if err != nil {
		return err
	}
	key := DeriveKey(pin, salt)
	defer zeroBytes(key)
	return m.verifyCheckValue(MasterKeyID, key)
}

// recordAccess bumps last-used and access count, and flags bursts of
// accesses as suspicious. The flag is an observability signal only; it
// never blocks access.
func (m *KeyManager) recordAccess(now time.Time) error {
	meta, err := m.loadMetadata(MasterKeyID)
	if err != nil {
		return err
	}
	meta.LastUsed = now.Unix()
	meta.AccessCount++
	if err := m.saveMetadata(meta); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-suspiciousAccessWindow)
	recent := m.recentAccess[:0]
	for _, t := range m.recentAccess {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	m.recentAccess = append(recent, now)
	if len(m.recentAccess) >= suspiciousAccessThreshold {
		if !m.suspiciousLog {
			m.sc.log.Warn().
				Int("accesses", len(m.recentAccess)).
				Dur("window", suspiciousAccessWindow).
				Msg("suspicious master key access rate")
			m.suspiciousLog = true
		}
	} else {
		m.suspiciousLog = false
	}
	return nil
}

func (m *KeyManager) touchRotation() error {
	meta, err := m.loadMetadata(MasterKeyID)
	if err != nil {
		return err
	}
	now := m.sc.Now()
	meta.LastRotation = now.Unix()
	meta.RotationDue = now.Add(rotationInterval).Unix()
	return m.saveMetadata(meta)
}

// classifyPinStrength scores a PIN by length and character-class variety,
// penalizing repeated and sequential characters.
func classifyPinStrength(pin []byte) string {
	classes := map[string]bool{}
	for _, c := range pin {
		switch {
		case c >= '0' && c <= '9':
			classes["digit"] = true
		case c >= 'a' && c <= 'z':
			classes["lower"] = true
		case c >= 'A' && c <= 'Z':
			classes["upper"] = true
		default:
			classes["other"] = true
		}
	}

	score := len(pin) + 2*(len(classes)-1)
	for i := 1; i < len(pin); i++ {
		if pin[i] == pin[i-1] {
			score-- // repeat
		}
		if pin[i] == pin[i-1]+1 || pin[i] == pin[i-1]-1 {
			score-- // sequence
		}
	}

	switch {
	case score >= 8:
		return "strong"
	case score >= 5:
		return "moderate"
	default:
		return "weak"
	}
}
