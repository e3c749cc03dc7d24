package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/finvault/finvault/internal/storage"
)

// Persisted key namespaces. Every security record lives under one of
// these keys in the local store.
const (
	keyPinCredential       = "auth.pin"
	keyEmergencyCredential = "auth.emergency_pin"
	keyPrimaryCounters     = "auth.counters.primary"
	keyEmergencyCounters   = "auth.counters.emergency"
	keyBiometricAssoc      = "auth.biometric" // written by the device-biometrics layer
	keySaltPrefix          = "keys.salt."
	keyMetaPrefix          = "keys.meta."
	keyCheckPrefix         = "keys.check."
	keyIntegrityBasic      = "integrity.basic"
	keyIntegritySecure     = "integrity.secure"
	keySessionRecord       = "session.current"
	keyDataPrefix          = "data."
	keyMigrationVersion    = "migration.version"
	keyMigrationResult     = "migration.result"
	keyLegacyPin           = "legacy.pin"
	keyLegacyPrefix        = "legacy."
)

// Clock abstracts wall-clock time so lockout windows, session expiry, and
// cache eviction can be tested deterministically. The core never arms its
// own timers; the host owns the ticker and calls the tick functions
// (SessionManager.CheckExpiry, KeyManager.EvictExpired).
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// SensitiveBytes is a []byte wrapper that can be zeroed after use.
// Use it for PINs and derived keys so the underlying memory can be cleared
// on every exit path.
type SensitiveBytes []byte

// Zero overwrites the underlying bytes with zeros.
func (s SensitiveBytes) Zero() {
	for i := range s {
		s[i] = 0
	}
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SecurityContext owns the persisted key namespaces, the in-memory key
// cache, the clock, and the logger. It is constructed once per process and
// injected into every manager; there is no package-level mutable state, so
// tests can run multiple independent contexts.
type SecurityContext struct {
	store    *storage.Store
	clock    Clock
	log      zerolog.Logger
	keyCache *keyCache

	sessionWindow time.Duration
	sessionMaxAge time.Duration
}

// Option configures a SecurityContext.
type Option func(*SecurityContext)

// WithClock overrides the wall clock (tests).
func WithClock(c Clock) Option {
	return func(sc *SecurityContext) { sc.clock = c }
}

// WithLogger sets the context logger.
func WithLogger(l zerolog.Logger) Option {
	return func(sc *SecurityContext) { sc.log = l }
}

// WithKeyCacheTTL overrides the key cache idle window.
func WithKeyCacheTTL(ttl time.Duration) Option {
	return func(sc *SecurityContext) { sc.keyCache.ttl = ttl }
}

// WithSessionWindow overrides the sliding session activity window.
func WithSessionWindow(d time.Duration) Option {
	return func(sc *SecurityContext) { sc.sessionWindow = d }
}

// WithSessionMaxAge overrides the absolute session max age.
func WithSessionMaxAge(d time.Duration) Option {
	return func(sc *SecurityContext) { sc.sessionMaxAge = d }
}

// NewSecurityContext creates a context over the given store.
func NewSecurityContext(store *storage.Store, opts ...Option) *SecurityContext {
	sc := &SecurityContext{
		store:         store,
		clock:         SystemClock(),
		log:           zerolog.Nop(),
		keyCache:      newKeyCache(keyCacheTTL),
		sessionWindow: sessionWindow,
		sessionMaxAge: sessionMaxAge,
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

// Store exposes the underlying record store.
func (sc *SecurityContext) Store() *storage.Store { return sc.store }

// Now returns the context's current time.
func (sc *SecurityContext) Now() time.Time { return sc.clock.Now() }

// dataBucket is the persisted form of a named protected data bucket.
type dataBucket struct {
	Name      string `cbor:"name"`
	Encrypted bool   `cbor:"encrypted"`
	Payload   []byte `cbor:"payload"` // JSON plaintext, or nonce-prefixed ciphertext
}

const (
	recordKindBucket   = "data.bucket"
	bucketRecordMaxVer = 1
)

// SaveBucket writes a named data bucket through the current storage path,
// encrypting the payload under key when one is supplied. This is the
// "write a named bucket with/without encryption" interface consumed by
// the surrounding data layer and by migration.
func (sc *SecurityContext) SaveBucket(name string, data any, key []byte) error {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%w: bucket %s: %v", ErrInvalidInput, name, err)
	}

	bucket := dataBucket{Name: name, Payload: plaintext}
	if len(key) > 0 {
		ciphertext, err := Encrypt(plaintext, key)
		if err != nil {
			return fmt.Errorf("failed to encrypt bucket %s: %w", name, err)
		}
		bucket.Encrypted = true
		bucket.Payload = ciphertext
	}

	blob, err := storage.EncodeRecord(recordKindBucket, 1, bucket)
	if err != nil {
		return err
	}
	return sc.store.Put(keyDataPrefix+name, blob)
}

// LoadBucket reads a named data bucket, decrypting with key when the
// stored record is encrypted. Returns the JSON plaintext.
func (sc *SecurityContext) LoadBucket(name string, key []byte) ([]byte, error) {
	blob, err := sc.store.Get(keyDataPrefix + name)
	if err != nil {
		return nil, err
	}

	var bucket dataBucket
	if err := storage.DecodeRecord(blob, recordKindBucket, bucketRecordMaxVer, &bucket); err != nil {
		return nil, mapRecordError(err)
	}

	if !bucket.Encrypted {
		return bucket.Payload, nil
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: bucket %s is encrypted", ErrKeyUnavailable, name)
	}
	plaintext, err := Decrypt(bucket.Payload, key)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt bucket %s: %w", name, err)
	}
	return plaintext, nil
}

// mapRecordError converts storage-boundary record errors into the
// subsystem's error taxonomy.
func mapRecordError(err error) error {
	switch {
	case errors.Is(err, storage.ErrUnsupportedRecordVersion):
		return fmt.Errorf("%w: %v", ErrUnsupportedVersion, err)
	case errors.Is(err, storage.ErrMalformedRecord), errors.Is(err, storage.ErrWrongRecordKind):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	default:
		return err
	}
}

// WipeAllSecurityData removes every credential, key, session, integrity,
// and biometric-association record. Terminal state for "reset everything";
// used on explicit user request or irrecoverable corruption.
func (sc *SecurityContext) WipeAllSecurityData() error {
	sc.keyCache.clear()

	prefixes := []string{"auth.", "keys.", "integrity.", "session."}
	for _, prefix := range prefixes {
		if _, err := sc.store.DeletePrefix(prefix); err != nil {
			return fmt.Errorf("failed to wipe %s records: %w", prefix, err)
		}
	}
	sc.log.Warn().Msg("all security data wiped")
	return nil
}
