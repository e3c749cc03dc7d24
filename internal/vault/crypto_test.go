package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKeyIsDeterministic(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	k1 := DeriveKey([]byte("1234"), salt)
	k2 := DeriveKey([]byte("1234"), salt)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, KeyLen)
}

func TestDeriveKeyDependsOnSalt(t *testing.T) {
	s1, err := GenerateSalt()
	require.NoError(t, err)
	s2, err := GenerateSalt()
	require.NoError(t, err)

	assert.NotEqual(t, DeriveKey([]byte("1234"), s1), DeriveKey([]byte("1234"), s2))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)
	key := DeriveKey([]byte("1234"), salt)

	blob, err := Encrypt([]byte("account ledger"), key)
	require.NoError(t, err)
	assert.Greater(t, len(blob), NonceLen)

	plaintext, err := Decrypt(blob, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("account ledger"), plaintext)
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)
	key := DeriveKey([]byte("1234"), salt)

	b1, err := Encrypt([]byte("same plaintext"), key)
	require.NoError(t, err)
	b2, err := Encrypt([]byte("same plaintext"), key)
	require.NoError(t, err)
	assert.NotEqual(t, b1, b2)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)
	key := DeriveKey([]byte("1234"), salt)

	blob, err := Encrypt([]byte("data"), key)
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0x01

	_, err = Decrypt(blob, key)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	blob, err := Encrypt([]byte("data"), DeriveKey([]byte("1234"), salt))
	require.NoError(t, err)

	_, err = Decrypt(blob, DeriveKey([]byte("4321"), salt))
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestDecryptRejectsShortBlob(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	_, err = Decrypt([]byte("short"), DeriveKey([]byte("1234"), salt))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestVerifyPin(t *testing.T) {
	cred, err := NewPinCredential([]byte("123456"))
	require.NoError(t, err)

	assert.True(t, VerifyPin([]byte("123456"), cred.Hash, cred.Salt))
	assert.False(t, VerifyPin([]byte("654321"), cred.Hash, cred.Salt))
}

func TestValidatePinFormat(t *testing.T) {
	cases := []struct {
		pin string
		ok  bool
	}{
		{"1234", true},
		{"12345678", true},
		{"123", false},
		{"123456789", false},
		{"12a4", false},
		{"", false},
	}
	for _, tc := range cases {
		err := validatePinFormat([]byte(tc.pin))
		if tc.ok {
			assert.NoError(t, err, "pin %q", tc.pin)
		} else {
			assert.ErrorIs(t, err, ErrInvalidInput, "pin %q", tc.pin)
		}
	}
}

func TestClassifyPinStrength(t *testing.T) {
	assert.Equal(t, "weak", classifyPinStrength([]byte("1111")))
	assert.Equal(t, "weak", classifyPinStrength([]byte("1234")))
	assert.Equal(t, "strong", classifyPinStrength([]byte("83741952")))
}
