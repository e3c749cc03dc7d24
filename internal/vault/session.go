package vault

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finvault/finvault/internal/storage"
)

const (
	// sessionWindow is the sliding activity window: an idle user is
	// logged out this long after their last interaction regardless of
	// how long they have been authenticated in total.
	sessionWindow = 5 * time.Minute

	// sessionMaxAge is the absolute cap on a session measured from
	// creation (the storage max-age).
	sessionMaxAge = 24 * time.Hour

	// SessionCheckInterval is how often the host should drive
	// CheckExpiry. Expiry detection is decoupled from expiry causation:
	// the user may simply stop interacting without triggering any event.
	SessionCheckInterval = 2 * time.Second
)

// SessionRecord is the persisted session state. The checksum binds the
// fields together so independent edits of the stored record are detected.
type SessionRecord struct {
	ID           string `cbor:"id"`
	CreatedAt    int64  `cbor:"created_at"`
	LastActivity int64  `cbor:"last_activity"`
	ExpiresAt    int64  `cbor:"expires_at"`
	Checksum     string `cbor:"checksum"`
}

const (
	recordKindSession   = "session.record"
	sessionRecordMaxVer = 1
)

func sessionChecksum(id string, createdAt, lastActivity, expiresAt int64) string {
	return Hash(fmt.Appendf(nil, "%s|%d|%d|%d", id, createdAt, lastActivity, expiresAt))
}

// SessionManager gates UI access between successful PIN checks with a
// short-lived, activity-extended session.
type SessionManager struct {
	sc *SecurityContext

	mu        sync.Mutex
	onExpired func()
}

// NewSessionManager creates a session manager over the given context.
func NewSessionManager(sc *SecurityContext) *SessionManager {
	return &SessionManager{sc: sc}
}

// OnExpired registers the callback fired once per observed expiry, for the
// UI to return to the PIN gate.
func (m *SessionManager) OnExpired(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpired = fn
}

// CreateSession opens a fresh session. Called once per successful PIN
// validation.
func (m *SessionManager) CreateSession() (*SessionRecord, error) {
	now := m.sc.Now()
	rec := &SessionRecord{
		ID:           uuid.NewString(),
		CreatedAt:    now.Unix(),
		LastActivity: now.Unix(),
		ExpiresAt:    now.Add(m.sc.sessionWindow).Unix(),
	}
	rec.Checksum = sessionChecksum(rec.ID, rec.CreatedAt, rec.LastActivity, rec.ExpiresAt)
	if err := m.save(rec); err != nil {
		return nil, err
	}
	m.sc.log.Info().Str("session_id", rec.ID).Msg("session created")
	return rec, nil
}

// IsSessionValid reports whether a session exists, is untampered, and has
// neither passed its activity deadline nor its absolute max age. Protected
// screens consult this on every render.
func (m *SessionManager) IsSessionValid() bool {
	rec, err := m.load()
	if err != nil {
		return false
	}
	return m.valid(rec, m.sc.Now())
}

// ValidateAndExtendSession slides the activity deadline forward. Called on
// every tracked user-activity event (pointer, key, scroll, touch). Returns
// false without extending when the session has already expired.
func (m *SessionManager) ValidateAndExtendSession() bool {
	now := m.sc.Now()
	rec, err := m.load()
	if err != nil {
		return false
	}
	if !m.valid(rec, now) {
		return false
	}

	rec.LastActivity = now.Unix()
	rec.ExpiresAt = now.Add(m.sc.sessionWindow).Unix()
	// The absolute max age still caps the sliding window.
	maxAge := time.Unix(rec.CreatedAt, 0).Add(m.sc.sessionMaxAge).Unix()
	if rec.ExpiresAt > maxAge {
		rec.ExpiresAt = maxAge
	}
	rec.Checksum = sessionChecksum(rec.ID, rec.CreatedAt, rec.LastActivity, rec.ExpiresAt)
	if err := m.save(rec); err != nil {
		m.sc.log.Error().Err(err).Msg("failed to extend session")
		return false
	}
	return true
}

// CheckExpiry is the host-driven tick. On the first observed expiry it
// clears the session and fires the expired callback; it only ever narrows
// access. Returns true when an expiry was observed on this tick.
func (m *SessionManager) CheckExpiry() bool {
	rec, err := m.load()
	if err != nil {
		return false
	}
	if m.valid(rec, m.sc.Now()) {
		return false
	}

	if err := m.ClearSession(); err != nil {
		m.sc.log.Error().Err(err).Msg("failed to clear expired session")
		return false
	}
	m.sc.log.Info().Str("session_id", rec.ID).Msg("session expired")

	m.mu.Lock()
	fn := m.onExpired
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
	return true
}

// ClearSession removes the persisted session (logout, expiry, wipe).
func (m *SessionManager) ClearSession() error {
	return m.sc.Store().Delete(keySessionRecord)
}

func (m *SessionManager) valid(rec *SessionRecord, now time.Time) bool {
	if sessionChecksum(rec.ID, rec.CreatedAt, rec.LastActivity, rec.ExpiresAt) != rec.Checksum {
		m.sc.log.Warn().Str("session_id", rec.ID).Msg("session record checksum mismatch")
		return false
	}
	if now.Unix() > rec.ExpiresAt {
		return false
	}
	if now.Sub(time.Unix(rec.CreatedAt, 0)) > m.sc.sessionMaxAge {
		return false
	}
	return true
}

func (m *SessionManager) load() (*SessionRecord, error) {
	blob, err := m.sc.Store().Get(keySessionRecord)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	var rec SessionRecord
	if err := storage.DecodeRecord(blob, recordKindSession, sessionRecordMaxVer, &rec); err != nil {
		return nil, mapRecordError(err)
	}
	return &rec, nil
}

func (m *SessionManager) save(rec *SessionRecord) error {
	blob, err := storage.EncodeRecord(recordKindSession, 1, rec)
	if err != nil {
		return err
	}
	return m.sc.Store().Put(keySessionRecord, blob)
}
