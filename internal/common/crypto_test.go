package common

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	key, err := DeriveKey([]byte("master"), "totp-secret")
	require.NoError(t, err)

	sealed, err := Encrypt(key, []byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)
	assert.NotContains(t, sealed, "JBSWY3DPEHPK3PXP")

	plain, err := Decrypt(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", string(plain))

	other, err := DeriveKey([]byte("master"), "backup-code")
	require.NoError(t, err)
	_, err = Decrypt(other, sealed)
	assert.Error(t, err)
}

func TestDeriveKeyIsDeterministic(t *testing.T) {
	a, err := DeriveKey([]byte("master"), "x")
	require.NoError(t, err)
	b, err := DeriveKey([]byte("master"), "x")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestRandomDigits(t *testing.T) {
	code, err := RandomDigits(6)
	require.NoError(t, err)
	assert.Len(t, code, 6)
	assert.Empty(t, strings.Trim(code, "0123456789"))
}

func TestRandomString(t *testing.T) {
	const alphabet = "ABC"
	s, err := RandomString(64, alphabet)
	require.NoError(t, err)
	assert.Len(t, s, 64)
	assert.Empty(t, strings.Trim(s, alphabet))
}
