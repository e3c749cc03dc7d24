package vault

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy for the security subsystem. Cryptographic and format
// failures are always surfaced as one of these typed errors and must not
// be swallowed by callers; the distinct types let the UI tell "wrong PIN"
// apart from "corrupted or tampered data".
var (
	// ErrInvalidInput covers malformed PINs, malformed backup envelopes,
	// and records missing required fields.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAuthenticationFailed is a wrong credential. For backups it is
	// only observable as a decryption failure, since the envelope carries
	// no separate PIN check.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrLockedOut is the rate-limit state; use LockoutError to carry the
	// remaining duration.
	ErrLockedOut = errors.New("locked out")

	// ErrIntegrityViolation is a hash or checksum mismatch. It is always
	// surfaced, never silently repaired.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrKeyUnavailable means the master key is absent or its cache entry
	// expired. Recoverable by re-authenticating.
	ErrKeyUnavailable = errors.New("master key unavailable")

	// ErrUnsupportedVersion is an envelope or migration version mismatch.
	ErrUnsupportedVersion = errors.New("unsupported version")
)

// LockoutError carries the remaining lockout duration and the escalation
// level that produced it.
type LockoutError struct {
	Remaining time.Duration
	Level     int
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("locked out for %s (escalation level %d)", e.Remaining.Round(time.Second), e.Level)
}

// Unwrap lets errors.Is(err, ErrLockedOut) match.
func (e *LockoutError) Unwrap() error { return ErrLockedOut }
