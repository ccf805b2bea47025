package totp

import (
	"encoding/base32"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	rfcSecretSHA1   = "12345678901234567890"
	rfcSecretSHA256 = "12345678901234567890123456789012"
	rfcSecretSHA512 = "1234567890123456789012345678901234567890123456789012345678901234"
)

func b32(s string) string {
	return base32.StdEncoding.EncodeToString([]byte(s))
}

func newEngine(t *testing.T, algorithm string, digits int) *Engine {
	e, err := New(Options{Period: 30 * time.Second, Digits: digits, Skew: 1, Algorithm: algorithm})
	require.NoError(t, err)
	return e
}

func TestGenerateRFC6238Vectors(t *testing.T) {
	tests := []struct {
		algorithm string
		secret    string
		unix      int64
		code      string
	}{
		{"SHA1", rfcSecretSHA1, 59, "94287082"},
		{"SHA1", rfcSecretSHA1, 1111111109, "07081804"},
		{"SHA1", rfcSecretSHA1, 1111111111, "14050471"},
		{"SHA1", rfcSecretSHA1, 1234567890, "89005924"},
		{"SHA1", rfcSecretSHA1, 2000000000, "69279037"},
		{"SHA1", rfcSecretSHA1, 20000000000, "65353130"},
		{"SHA256", rfcSecretSHA256, 59, "46119246"},
		{"SHA256", rfcSecretSHA256, 1111111109, "68084774"},
		{"SHA512", rfcSecretSHA512, 59, "90693936"},
		{"SHA512", rfcSecretSHA512, 1111111109, "25091201"},
	}
	for _, tt := range tests {
		t.Run(tt.algorithm+"/"+tt.code, func(t *testing.T) {
			e := newEngine(t, tt.algorithm, 8)
			code, err := e.Generate(b32(tt.secret), time.Unix(tt.unix, 0))
			require.NoError(t, err)
			assert.Equal(t, tt.code, code)
			assert.True(t, e.Verify(b32(tt.secret), tt.code, time.Unix(tt.unix, 0)))
		})
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	e := newEngine(t, "SHA1", 6)
	key, err := e.NewKey("kguard", "alice", 20)
	require.NoError(t, err)

	for _, unix := range []int64{30, 1_700_000_000, 1_700_000_017, 1_900_000_029} {
		now := time.Unix(unix, 0)
		code, err := e.Generate(key.Secret(), now)
		require.NoError(t, err)
		assert.Len(t, code, 6)
		assert.True(t, e.Verify(key.Secret(), code, now))
	}
}

func TestVerifySymmetricWindow(t *testing.T) {
	e := newEngine(t, "SHA1", 6)
	secret := b32(rfcSecretSHA1)
	// start of a step so that +29s stays inside it
	issued := time.Unix(1_700_000_010, 0)
	code, err := e.Generate(secret, issued)
	require.NoError(t, err)

	assert.True(t, e.Verify(secret, code, issued.Add(29*time.Second)))
	assert.True(t, e.Verify(secret, code, issued.Add(-29*time.Second)))
	assert.False(t, e.Verify(secret, code, issued.Add(61*time.Second)))
	assert.False(t, e.Verify(secret, code, issued.Add(-61*time.Second)))
}

func TestMatchReturnsStep(t *testing.T) {
	e := newEngine(t, "SHA1", 6)
	secret := b32(rfcSecretSHA1)
	now := time.Unix(1_700_000_010, 0)

	prev, err := e.Generate(secret, now.Add(-30*time.Second))
	require.NoError(t, err)
	step, ok := e.Match(secret, prev, now)
	require.True(t, ok)
	assert.Equal(t, e.Counter(now)-1, step)
}

func TestVerifyRejectsMalformedCodes(t *testing.T) {
	e := newEngine(t, "SHA1", 6)
	secret := b32(rfcSecretSHA1)
	now := time.Unix(1_700_000_010, 0)

	for _, code := range []string{"", "12345", "1234567", "12a456", strings.Repeat(" ", 6)} {
		assert.False(t, e.Verify(secret, code, now), code)
	}
}

func TestNewKeyProvisioningURI(t *testing.T) {
	e := newEngine(t, "SHA1", 6)
	key, err := e.NewKey("kguard", "alice@example.com", 20)
	require.NoError(t, err)

	assert.Equal(t, "totp", key.Type())
	assert.Equal(t, "kguard", key.Issuer())
	assert.True(t, strings.HasPrefix(key.URL(), "otpauth://totp/"))
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(key.Secret())
	require.NoError(t, err)
	assert.Len(t, raw, 20)
}

func TestParseAlgorithm(t *testing.T) {
	_, err := ParseAlgorithm("MD4")
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
	_, err = New(Options{Algorithm: "bogus"})
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}
