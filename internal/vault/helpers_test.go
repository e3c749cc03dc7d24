package vault

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/finvault/finvault/internal/storage"
)

// fakeClock is a manually advanced Clock for deterministic expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestContext creates a SecurityContext over a throwaway store with a
// fake clock.
func newTestContext(t *testing.T, opts ...Option) (*SecurityContext, *fakeClock) {
	t.Helper()

	store, err := storage.Open(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := newFakeClock()
	opts = append([]Option{WithClock(clock)}, opts...)
	return NewSecurityContext(store, opts...), clock
}

// newTestGate wires the full manager set over one test context.
func newTestGate(t *testing.T) (*PinGate, *KeyManager, *SessionManager, *SecurityContext, *fakeClock) {
	t.Helper()

	sc, clock := newTestContext(t)
	keys := NewKeyManager(sc)
	sessions := NewSessionManager(sc)
	gate := NewPinGate(sc, keys, sessions)
	return gate, keys, sessions, sc, clock
}
