package vault

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackupCodec(t *testing.T) *BackupCodec {
	t.Helper()
	sc, _ := newTestContext(t)
	return NewBackupCodec(sc)
}

func TestBackupRoundTrip(t *testing.T) {
	codec := newTestBackupCodec(t)
	data := map[string]any{
		"profile":      map[string]any{"name": "A"},
		"transactions": []any{"t1", "t2"},
	}

	envelope, err := codec.CreateEncryptedBackup(data, SensitiveBytes("1234"))
	require.NoError(t, err)

	restored, err := codec.RestoreEncryptedBackup(envelope, SensitiveBytes("1234"))
	require.NoError(t, err)

	got, ok := restored.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, got, "profile")
	assert.Contains(t, got, "transactions")
}

func TestBackupEnvelopeIsSelfDescribing(t *testing.T) {
	codec := newTestBackupCodec(t)

	envelope, err := codec.CreateEncryptedBackup(map[string]any{"x": 1}, SensitiveBytes("1234"))
	require.NoError(t, err)

	var env BackupEnvelope
	require.NoError(t, json.Unmarshal([]byte(envelope), &env))
	assert.Equal(t, BackupVersion, env.Version)
	assert.NotEmpty(t, env.BackupID)
	assert.NotEmpty(t, env.Salt)
	assert.NotEmpty(t, env.Payload)
	assert.NotEmpty(t, env.IntegrityHash)

	// The payload must not be plaintext JSON.
	payload, err := base64.StdEncoding.DecodeString(env.Payload)
	require.NoError(t, err)
	assert.NotContains(t, string(payload), `"x"`)
}

func TestBackupSaltIsFreshPerBackup(t *testing.T) {
	codec := newTestBackupCodec(t)

	e1, err := codec.CreateEncryptedBackup(map[string]any{"x": 1}, SensitiveBytes("1234"))
	require.NoError(t, err)
	e2, err := codec.CreateEncryptedBackup(map[string]any{"x": 1}, SensitiveBytes("1234"))
	require.NoError(t, err)

	var env1, env2 BackupEnvelope
	require.NoError(t, json.Unmarshal([]byte(e1), &env1))
	require.NoError(t, json.Unmarshal([]byte(e2), &env2))
	assert.NotEqual(t, env1.Salt, env2.Salt)
}

func TestRestoreRejectsWrongPin(t *testing.T) {
	codec := newTestBackupCodec(t)

	envelope, err := codec.CreateEncryptedBackup(map[string]any{"x": 1}, SensitiveBytes("1234"))
	require.NoError(t, err)

	_, err = codec.RestoreEncryptedBackup(envelope, SensitiveBytes("4321"))
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestRestoreRejectsTamperedPayload(t *testing.T) {
	codec := newTestBackupCodec(t)

	envelope, err := codec.CreateEncryptedBackup(map[string]any{"x": 1}, SensitiveBytes("1234"))
	require.NoError(t, err)

	var env BackupEnvelope
	require.NoError(t, json.Unmarshal([]byte(envelope), &env))
	payload, err := base64.StdEncoding.DecodeString(env.Payload)
	require.NoError(t, err)
	payload[len(payload)-1] ^= 0x01
	env.Payload = base64.StdEncoding.EncodeToString(payload)
	forged, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = codec.RestoreEncryptedBackup(string(forged), SensitiveBytes("1234"))
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestRestoreRejectsUnknownVersionBeforeDecrypting(t *testing.T) {
	codec := newTestBackupCodec(t)

	envelope, err := codec.CreateEncryptedBackup(map[string]any{"x": 1}, SensitiveBytes("1234"))
	require.NoError(t, err)

	var env BackupEnvelope
	require.NoError(t, json.Unmarshal([]byte(envelope), &env))
	env.Version = "9.0"
	forged, err := json.Marshal(env)
	require.NoError(t, err)

	// Even with the right PIN the version gate rejects first.
	_, err = codec.RestoreEncryptedBackup(string(forged), SensitiveBytes("1234"))
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestRestoreRejectsSwappedIntegrityHash(t *testing.T) {
	codec := newTestBackupCodec(t)

	envelope, err := codec.CreateEncryptedBackup(map[string]any{"x": 1}, SensitiveBytes("1234"))
	require.NoError(t, err)

	var env BackupEnvelope
	require.NoError(t, json.Unmarshal([]byte(envelope), &env))
	env.IntegrityHash = Hash([]byte("something else"))
	forged, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = codec.RestoreEncryptedBackup(string(forged), SensitiveBytes("1234"))
	require.ErrorIs(t, err, ErrIntegrityViolation)
}

func TestRestoreRejectsMalformedEnvelope(t *testing.T) {
	codec := newTestBackupCodec(t)

	_, err := codec.RestoreEncryptedBackup("not json", SensitiveBytes("1234"))
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = codec.RestoreEncryptedBackup(`{"version":"2.0"}`, SensitiveBytes("1234"))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestRestoreThenIntegrityRefreshPassesCheck(t *testing.T) {
	sc, _ := newTestContext(t)
	keys := NewKeyManager(sc)
	integrity := NewDataIntegrityManager(sc, keys)
	codec := NewBackupCodec(sc)

	_, err := keys.CreateMasterKey(SensitiveBytes("1234"))
	require.NoError(t, err)

	// Snapshot the old state, then move the live data past it.
	old := map[string]any{"budgets": map[string]any{"food": float64(100)}}
	envelope, err := codec.CreateEncryptedBackup(old, SensitiveBytes("1234"))
	require.NoError(t, err)

	live := map[string]any{"budgets": map[string]any{"food": float64(250)}}
	_, err = integrity.CreateIntegrityRecord(live)
	require.NoError(t, err)
	_, err = integrity.CreateSecureIntegrityRecord(live)
	require.NoError(t, err)

	// Restoring the snapshot is a data mutation: the buckets go back and
	// the tamper records are refreshed over the restored set.
	restored, err := codec.RestoreEncryptedBackup(envelope, SensitiveBytes("1234"))
	require.NoError(t, err)
	buckets, ok := restored.(map[string]any)
	require.True(t, ok)

	key, err := keys.CachedMasterKey()
	require.NoError(t, err)
	for name, data := range buckets {
		require.NoError(t, sc.SaveBucket(name, data, key))
	}
	_, err = integrity.CreateIntegrityRecord(buckets)
	require.NoError(t, err)
	_, err = integrity.CreateSecureIntegrityRecord(buckets)
	require.NoError(t, err)

	// Without the refresh the stale records would flag the legitimate
	// restore as tampering.
	report, err := integrity.PerformComprehensiveIntegrityCheck(buckets)
	require.NoError(t, err)
	assert.True(t, report.OverallValid)
	assert.Equal(t, "low", report.RiskLevel)
}

func TestCreateBackupRejectsBadPin(t *testing.T) {
	codec := newTestBackupCodec(t)

	_, err := codec.CreateEncryptedBackup(map[string]any{"x": 1}, SensitiveBytes("12"))
	require.ErrorIs(t, err, ErrInvalidInput)
}
