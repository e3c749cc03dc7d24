package vault

import (
	"errors"
	"fmt"
	"time"

	"github.com/finvault/finvault/internal/storage"
)

// lockoutPolicy is one row of the per-level policy table: how many
// attempts a level grants and how long its lockout lasts.
type lockoutPolicy struct {
	Attempts int
	Lockout  time.Duration
}

// primaryPolicy is the progressive policy for the primary PIN.
// Levels are clamped: a higher level never grants back more attempts.
func primaryPolicy(level int) lockoutPolicy {
	switch {
	case level <= 0:
		return lockoutPolicy{Attempts: 3, Lockout: 0}
	case level == 1:
		return lockoutPolicy{Attempts: 3, Lockout: time.Minute}
	case level == 2:
		return lockoutPolicy{Attempts: 1, Lockout: time.Minute}
	default:
		return lockoutPolicy{Attempts: 1, Lockout: 5 * time.Minute}
	}
}

// emergencyPolicy is the simpler two-tier policy for the emergency PIN.
func emergencyPolicy(level int) lockoutPolicy {
	if level >= 2 {
		return lockoutPolicy{Attempts: 1, Lockout: 5 * time.Minute}
	}
	return lockoutPolicy{Attempts: 3, Lockout: time.Minute}
}

// securityCounters is the persisted lockout state for one credential.
// EscalationLevel persists across lockout expiries and only resets to 0 on
// a successful validation.
type securityCounters struct {
	Attempts        int   `cbor:"attempts"`
	LockoutUntil    int64 `cbor:"lockout_until"`
	EscalationLevel int   `cbor:"escalation_level"`
}

const (
	recordKindCounters   = "auth.counters"
	countersRecordMaxVer = 1
)

// ValidationResult is returned by every PIN check.
type ValidationResult struct {
	Success           bool
	AttemptsRemaining int
	IsLocked          bool
	LockoutRemaining  time.Duration
}

// PinGate owns the PIN and emergency-PIN credential records and the
// progressive-lockout state machine. The two credentials are tracked
// independently so a lockout on one never blocks the other.
type PinGate struct {
	sc       *SecurityContext
	keys     *KeyManager
	sessions *SessionManager
}

// NewPinGate creates the gate over the given context and collaborators.
func NewPinGate(sc *SecurityContext, keys *KeyManager, sessions *SessionManager) *PinGate {
	return &PinGate{sc: sc, keys: keys, sessions: sessions}
}

// SetupPin hashes the PIN with a fresh salt, persists the credential,
// creates the master key, and resets the primary lockout state to level 0.
func (g *PinGate) SetupPin(pin SensitiveBytes) error {
	if err := validatePinFormat(pin); err != nil {
		return err
	}
	if err := g.storeCredential(keyPinCredential, pin); err != nil {
		return err
	}
	if _, err := g.keys.CreateMasterKey(pin); err != nil {
		return err
	}
	if err := g.resetCounters(keyPrimaryCounters); err != nil {
		return err
	}
	g.sc.log.Info().Msg("PIN configured")
	return nil
}

// ValidatePin runs the primary PIN through the lockout state machine. On
// success it warms the master-key cache and opens a session.
func (g *PinGate) ValidatePin(pin SensitiveBytes) (*ValidationResult, error) {
	res, err := g.validate(keyPinCredential, keyPrimaryCounters, primaryPolicy, pin)
	if err != nil {
		return nil, err
	}
	if res.Success {
		if _, err := g.keys.GetMasterKey(pin); err != nil {
			return nil, fmt.Errorf("failed to warm master key after validation: %w", err)
		}
		if _, err := g.sessions.CreateSession(); err != nil {
			return nil, fmt.Errorf("failed to open session after validation: %w", err)
		}
	}
	return res, nil
}

// ChangePin validates the old PIN (which also resets lockout state) and
// then re-runs setup with the new one.
func (g *PinGate) ChangePin(oldPin, newPin SensitiveBytes) error {
	res, err := g.validate(keyPinCredential, keyPrimaryCounters, primaryPolicy, oldPin)
	if err != nil {
		return err
	}
	if res.IsLocked {
		ctr, err := g.loadCounters(keyPrimaryCounters)
		if err != nil {
			return err
		}
		return &LockoutError{Remaining: res.LockoutRemaining, Level: ctr.EscalationLevel}
	}
	if !res.Success {
		return fmt.Errorf("%w: current PIN incorrect", ErrAuthenticationFailed)
	}
	return g.SetupPin(newPin)
}

// UpdatePinForRecovery rewrites the primary credential hash/salt without
// re-creating the master key. Used when an emergency-PIN flow has already
// authorized access and only the gate, not the encryption key, needs
// replacing.
func (g *PinGate) UpdatePinForRecovery(newPin SensitiveBytes) error {
	if err := validatePinFormat(newPin); err != nil {
		return err
	}
	if err := g.storeCredential(keyPinCredential, newPin); err != nil {
		return err
	}
	if err := g.resetCounters(keyPrimaryCounters); err != nil {
		return err
	}
	g.sc.log.Info().Msg("PIN rewritten via recovery flow")
	return nil
}

// SetupEmergencyPin configures the emergency credential with its own
// storage key and its own escalation counters.
func (g *PinGate) SetupEmergencyPin(pin SensitiveBytes) error {
	if err := validatePinFormat(pin); err != nil {
		return err
	}
	if err := g.storeCredential(keyEmergencyCredential, pin); err != nil {
		return err
	}
	if err := g.resetCounters(keyEmergencyCounters); err != nil {
		return err
	}
	g.sc.log.Info().Msg("emergency PIN configured")
	return nil
}

// ValidateEmergencyPin mirrors ValidatePin for the emergency credential.
// Success opens a session; the master key is untouched, since only the
// primary PIN derives it.
func (g *PinGate) ValidateEmergencyPin(pin SensitiveBytes) (*ValidationResult, error) {
	res, err := g.validate(keyEmergencyCredential, keyEmergencyCounters, emergencyPolicy, pin)
	if err != nil {
		return nil, err
	}
	if res.Success {
		if _, err := g.sessions.CreateSession(); err != nil {
			return nil, fmt.Errorf("failed to open session after validation: %w", err)
		}
	}
	return res, nil
}

// ClearAllSecurityData wipes every credential, key, session, integrity,
// and biometric-association record.
func (g *PinGate) ClearAllSecurityData() error {
	if err := g.sessions.ClearSession(); err != nil {
		return err
	}
	return g.sc.WipeAllSecurityData()
}

// validate is the lockout state machine shared by both credentials.
//
// Escalation is applied lazily: a call that finds the attempt budget
// already exhausted advances the level and arms the new level's lockout
// without examining the submitted PIN, so the caller sees the full lockout
// window. A lockout expiring resets only the attempt counter; the level is
// preserved. A correct PIN forgives all prior escalation.
func (g *PinGate) validate(credKey, ctrKey string, policy func(int) lockoutPolicy, pin SensitiveBytes) (*ValidationResult, error) {
	now := g.sc.Now()

	ctr, err := g.loadCounters(ctrKey)
	if err != nil {
		return nil, err
	}

	// Active lockout: reject immediately, no state change. Idempotent
	// under repeated presses while locked.
	if ctr.LockoutUntil > 0 && now.Unix() < ctr.LockoutUntil {
		return &ValidationResult{
			IsLocked:         true,
			LockoutRemaining: time.Unix(ctr.LockoutUntil, 0).Sub(now),
		}, nil
	}

	// Lockout just expired: reset the attempt counter only.
	if ctr.LockoutUntil > 0 && now.Unix() >= ctr.LockoutUntil {
		ctr.Attempts = 0
		ctr.LockoutUntil = 0
		if err := g.saveCounters(ctrKey, ctr); err != nil {
			return nil, err
		}
	}

	// Budget already exhausted: escalate and lock before looking at the
	// submitted PIN.
	if ctr.Attempts >= policy(ctr.EscalationLevel).Attempts {
		ctr.EscalationLevel++
		next := policy(ctr.EscalationLevel)
		ctr.Attempts = 0
		ctr.LockoutUntil = now.Add(next.Lockout).Unix()
		if err := g.saveCounters(ctrKey, ctr); err != nil {
			return nil, err
		}
		g.sc.log.Warn().
			Int("escalation_level", ctr.EscalationLevel).
			Dur("lockout", next.Lockout).
			Msg("attempt budget exhausted, lockout escalated")
		return &ValidationResult{
			IsLocked:         true,
			LockoutRemaining: next.Lockout,
		}, nil
	}

	cred, err := g.loadCredential(credKey)
	if err != nil {
		return nil, err
	}

	if VerifyPin(pin, cred.Hash, cred.Salt) {
		// A single success forgives all prior escalation.
		if err := g.resetCounters(ctrKey); err != nil {
			return nil, err
		}
		return &ValidationResult{
			Success:           true,
			AttemptsRemaining: policy(0).Attempts,
		}, nil
	}

	ctr.Attempts++
	if err := g.saveCounters(ctrKey, ctr); err != nil {
		return nil, err
	}
	remaining := policy(ctr.EscalationLevel).Attempts - ctr.Attempts
	if remaining < 0 {
		remaining = 0
	}
	return &ValidationResult{
		Success:           false,
		AttemptsRemaining: remaining,
	}, nil
}

func (g *PinGate) storeCredential(key string, pin SensitiveBytes) error {
	cred, err := NewPinCredential(pin)
	if err != nil {
		return err
	}
	blob, err := storage.EncodeRecord(recordKindCredential, 1, cred)
	if err != nil {
		return err
	}
	return g.sc.Store().Put(key, blob)
}

func (g *PinGate) loadCredential(key string) (*PinCredential, error) {
	blob, err := g.sc.Store().Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: no credential configured", ErrInvalidInput)
	}
	if err != nil {
		return nil, err
	}
	var cred PinCredential
	if err := storage.DecodeRecord(blob, recordKindCredential, credentialRecordMaxVer, &cred); err != nil {
		return nil, mapRecordError(err)
	}
	return &cred, nil
}

func (g *PinGate) loadCounters(key string) (*securityCounters, error) {
	blob, err := g.sc.Store().Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return &securityCounters{}, nil
	}
	if err != nil {
		return nil, err
	}
	var ctr securityCounters
	if err := storage.DecodeRecord(blob, recordKindCounters, countersRecordMaxVer, &ctr); err != nil {
		return nil, mapRecordError(err)
	}
	return &ctr, nil
}

func (g *PinGate) saveCounters(key string, ctr *securityCounters) error {
	blob, err := storage.EncodeRecord(recordKindCounters, 1, ctr)
	if err != nil {
		return err
	}
	return g.sc.Store().Put(key, blob)
}

func (g *PinGate) resetCounters(key string) error {
	return g.saveCounters(key, &securityCounters{})
}
