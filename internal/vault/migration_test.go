package vault

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finvault/finvault/internal/storage"
)

func newTestMigration(t *testing.T) (*MigrationManager, *PinGate, *KeyManager, *SecurityContext, *fakeClock) {
	t.Helper()
	gate, keys, _, sc, clock := newTestGate(t)
	integrity := NewDataIntegrityManager(sc, keys)
	return NewMigrationManager(sc, gate, keys, integrity), gate, keys, sc, clock
}

// seedLegacyStore populates the store the way the pre-migration scheme
// wrote it: a raw PIN and plain JSON buckets.
func seedLegacyStore(t *testing.T, sc *SecurityContext) {
	t.Helper()
	store := sc.Store()
	require.NoError(t, store.Put("legacy.pin", []byte("1234")))
	require.NoError(t, store.Put("legacy.profile", []byte(`{"name":"A"}`)))
	require.NoError(t, store.Put("legacy.transactions", []byte(`[{"amount":10}]`)))
	require.NoError(t, store.Put("legacy.budgets", []byte(`{"food":200}`)))
}

func TestMigrationStatusFreshStore(t *testing.T) {
	migrations, _, _, _, _ := newTestMigration(t)

	status, err := migrations.CheckMigrationStatus()
	require.NoError(t, err)
	assert.Equal(t, baselineSchemeVersion, status.CurrentVersion)
	assert.Equal(t, CurrentSchemeVersion, status.TargetVersion)
	assert.True(t, status.MigrationNeeded)
	assert.Equal(t, "high", status.RiskLevel)
}

func TestMigrationStatusLegacyPinRaisesRisk(t *testing.T) {
	migrations, _, _, sc, _ := newTestMigration(t)
	seedLegacyStore(t, sc)

	// Move the version off the baseline so only the legacy PIN drives
	// the risk level.
	require.NoError(t, migrations.writeVersionTag("1.5.0"))

	status, err := migrations.CheckMigrationStatus()
	require.NoError(t, err)
	assert.True(t, status.MigrationNeeded)
	assert.Equal(t, "medium", status.RiskLevel)
}

func TestMigrationStatusUpToDate(t *testing.T) {
	migrations, _, _, _, _ := newTestMigration(t)
	require.NoError(t, migrations.writeVersionTag(CurrentSchemeVersion))

	status, err := migrations.CheckMigrationStatus()
	require.NoError(t, err)
	assert.False(t, status.MigrationNeeded)
	assert.Equal(t, "low", status.RiskLevel)
}

func TestPerformMigrationFullLegacyStore(t *testing.T) {
	migrations, gate, keys, sc, _ := newTestMigration(t)
	seedLegacyStore(t, sc)

	result, err := migrations.PerformMigration()
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.Errors)
	assert.NotEmpty(t, result.ID)

	// The legacy PIN now drives the gate.
	res, err := gate.ValidatePin(SensitiveBytes("1234"))
	require.NoError(t, err)
	assert.True(t, res.Success)

	// Sensitive buckets are encrypted, non-sensitive ones readable
	// without a key.
	key, err := keys.CachedMasterKey()
	require.NoError(t, err)
	plaintext, err := sc.LoadBucket("profile", key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"A"}`, string(plaintext))

	_, err = sc.LoadBucket("profile", nil)
	require.ErrorIs(t, err, ErrKeyUnavailable)

	budgets, err := sc.LoadBucket("budgets", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"food":200}`, string(budgets))

	// Legacy records are gone and the version tag is bumped.
	leftovers, err := sc.Store().ListKeys("legacy.")
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	status, err := migrations.CheckMigrationStatus()
	require.NoError(t, err)
	assert.False(t, status.MigrationNeeded)
}

func TestPerformMigrationWritesIntegrityRecords(t *testing.T) {
	migrations, _, _, sc, _ := newTestMigration(t)
	seedLegacyStore(t, sc)

	result, err := migrations.PerformMigration()
	require.NoError(t, err)
	require.True(t, result.Success)

	for _, k := range []string{"integrity.basic", "integrity.secure"} {
		ok, err := sc.Store().Has(k)
		require.NoError(t, err)
		assert.True(t, ok, "missing %s", k)
	}
}

func TestPerformMigrationWithoutLegacyPin(t *testing.T) {
	migrations, _, _, sc, _ := newTestMigration(t)
	require.NoError(t, sc.Store().Put("legacy.budgets", []byte(`{"food":200}`)))

	result, err := migrations.PerformMigration()
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.Warnings)

	budgets, err := sc.LoadBucket("budgets", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"food":200}`, string(budgets))
}

func TestPerformMigrationSkipsUnparseableBucket(t *testing.T) {
	migrations, _, _, sc, _ := newTestMigration(t)
	seedLegacyStore(t, sc)
	require.NoError(t, sc.Store().Put("legacy.goals", []byte("not json")))

	result, err := migrations.PerformMigration()
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.Warnings)

	ok, err := sc.Store().Has("data.goals")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPerformMigrationIsRepeatable(t *testing.T) {
	migrations, _, _, sc, _ := newTestMigration(t)
	seedLegacyStore(t, sc)

	first, err := migrations.PerformMigration()
	require.NoError(t, err)
	require.True(t, first.Success)

	// A second run finds nothing legacy and still succeeds.
	second, err := migrations.PerformMigration()
	require.NoError(t, err)
	assert.True(t, second.Success)
}

func TestLastResultIsPersisted(t *testing.T) {
	migrations, _, _, sc, _ := newTestMigration(t)
	seedLegacyStore(t, sc)

	result, err := migrations.PerformMigration()
	require.NoError(t, err)

	loaded, err := migrations.LastResult()
	require.NoError(t, err)
	assert.Equal(t, result.ID, loaded.ID)
	assert.Equal(t, result.Success, loaded.Success)
}

func TestLastResultBeforeAnyMigration(t *testing.T) {
	migrations, _, _, _, _ := newTestMigration(t)

	_, err := migrations.LastResult()
	require.ErrorIs(t, err, storage.ErrKeyNotFound)
}

func TestRollbackMigration(t *testing.T) {
	migrations, _, keys, sc, _ := newTestMigration(t)
	seedLegacyStore(t, sc)

	result, err := migrations.PerformMigration()
	require.NoError(t, err)
	require.True(t, result.Success)

	require.NoError(t, migrations.RollbackMigration())

	buckets, err := sc.Store().ListKeys("data.")
	require.NoError(t, err)
	assert.Empty(t, buckets)

	has, err := keys.HasMasterKey()
	require.NoError(t, err)
	assert.False(t, has)

	status, err := migrations.CheckMigrationStatus()
	require.NoError(t, err)
	assert.Equal(t, baselineSchemeVersion, status.CurrentVersion)
	assert.True(t, status.MigrationNeeded)
}

func TestMigrationResultSurvivesJSONReporting(t *testing.T) {
	migrations, _, _, sc, _ := newTestMigration(t)
	seedLegacyStore(t, sc)

	result, err := migrations.PerformMigration()
	require.NoError(t, err)

	// The CLI reports results as JSON; the struct must serialize cleanly.
	blob, err := json.Marshal(result)
	require.NoError(t, err)
	assert.Contains(t, string(blob), result.ID)
}
