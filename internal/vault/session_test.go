package vault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finvault/finvault/internal/storage"
)

func newTestSessions(t *testing.T, opts ...Option) (*SessionManager, *SecurityContext, *fakeClock) {
	t.Helper()
	sc, clock := newTestContext(t, opts...)
	return NewSessionManager(sc), sc, clock
}

func TestCreateSessionIsValid(t *testing.T) {
	sessions, _, _ := newTestSessions(t)

	rec, err := sessions.CreateSession()
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.True(t, sessions.IsSessionValid())
}

func TestSessionExpiresAfterIdleWindow(t *testing.T) {
	sessions, _, clock := newTestSessions(t)

	_, err := sessions.CreateSession()
	require.NoError(t, err)

	clock.Advance(sessionWindow - time.Second)
	assert.True(t, sessions.IsSessionValid())

	clock.Advance(2 * time.Second)
	assert.False(t, sessions.IsSessionValid())
}

func TestActivityExtendsSession(t *testing.T) {
	sessions, _, clock := newTestSessions(t)

	_, err := sessions.CreateSession()
	require.NoError(t, err)

	// Keep interacting just inside the window; the session must outlive
	// several base windows.
	for i := 0; i < 5; i++ {
		clock.Advance(sessionWindow - time.Second)
		assert.True(t, sessions.ValidateAndExtendSession(), "extension %d", i)
	}
	assert.True(t, sessions.IsSessionValid())
}

func TestExtendFailsAfterExpiry(t *testing.T) {
	sessions, _, clock := newTestSessions(t)

	_, err := sessions.CreateSession()
	require.NoError(t, err)

	clock.Advance(sessionWindow + time.Second)
	assert.False(t, sessions.ValidateAndExtendSession())
	assert.False(t, sessions.IsSessionValid())
}

func TestMaxAgeCapsSlidingWindow(t *testing.T) {
	sessions, _, clock := newTestSessions(t, WithSessionMaxAge(10*time.Minute))

	_, err := sessions.CreateSession()
	require.NoError(t, err)

	// Constant activity cannot push the session past its absolute cap.
	for i := 0; i < 2; i++ {
		clock.Advance(4 * time.Minute)
		require.True(t, sessions.ValidateAndExtendSession())
	}
	clock.Advance(3 * time.Minute)
	assert.False(t, sessions.IsSessionValid())
	assert.False(t, sessions.ValidateAndExtendSession())
}

func TestCheckExpiryFiresCallbackOnce(t *testing.T) {
	sessions, _, clock := newTestSessions(t)

	fired := 0
	sessions.OnExpired(func() { fired++ })

	_, err := sessions.CreateSession()
	require.NoError(t, err)

	assert.False(t, sessions.CheckExpiry())
	assert.Equal(t, 0, fired)

	clock.Advance(sessionWindow + time.Second)
	assert.True(t, sessions.CheckExpiry())
	assert.Equal(t, 1, fired)

	// The record is gone; subsequent ticks observe nothing.
	assert.False(t, sessions.CheckExpiry())
	assert.Equal(t, 1, fired)
}

func TestTamperedSessionRecordIsInvalid(t *testing.T) {
	sessions, sc, _ := newTestSessions(t)

	_, err := sessions.CreateSession()
	require.NoError(t, err)

	// Rewrite the record with a pushed-out deadline but a stale checksum.
	blob, err := sc.Store().Get("session.current")
	require.NoError(t, err)
	var rec SessionRecord
	require.NoError(t, storage.DecodeRecord(blob, "session.record", 1, &rec))
	rec.ExpiresAt += 3600
	forged, err := storage.EncodeRecord("session.record", 1, rec)
	require.NoError(t, err)
	require.NoError(t, sc.Store().Put("session.current", forged))

	assert.False(t, sessions.IsSessionValid())
}

func TestClearSession(t *testing.T) {
	sessions, _, _ := newTestSessions(t)

	_, err := sessions.CreateSession()
	require.NoError(t, err)
	require.NoError(t, sessions.ClearSession())
	assert.False(t, sessions.IsSessionValid())
}

func TestNoSessionIsInvalid(t *testing.T) {
	sessions, _, _ := newTestSessions(t)
	assert.False(t, sessions.IsSessionValid())
	assert.False(t, sessions.ValidateAndExtendSession())
	assert.False(t, sessions.CheckExpiry())
}
