// Package totp implements RFC 6238 time based one time passwords.
package totp

import (
	"crypto/subtle"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	pqtotp "github.com/pquerna/otp/totp"
)

var ErrUnsupportedAlgorithm = errors.New("unsupported totp algorithm")

var b32NoPadding = base32.StdEncoding.WithPadding(base32.NoPadding)

type Options struct {
	Period    time.Duration
	Digits    int
	Skew      int
	Algorithm string
}

type Engine struct {
	period    time.Duration
	digits    otp.Digits
	skew      int
	algorithm otp.Algorithm
}

func ParseAlgorithm(name string) (otp.Algorithm, error) {
	switch strings.ToUpper(name) {
	case "", "SHA1":
		return otp.AlgorithmSHA1, nil
	case "SHA256":
		return otp.AlgorithmSHA256, nil
	case "SHA512":
		return otp.AlgorithmSHA512, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, name)
}

// EncodeSecret returns the unpadded base32 form used for provisioning.
func EncodeSecret(secret []byte) string {
	return b32NoPadding.EncodeToString(secret)
}

func (e *Engine) Period() time.Duration {
	return e.period
}

func (e *Engine) Counter(t time.Time) uint64 {
	return uint64(t.Unix()) / uint64(e.period/time.Second)
}

func (e *Engine) generateAt(secret string, counter uint64) (string, error) {
	return hotp.GenerateCodeCustom(secret, counter, hotp.ValidateOpts{
		Digits:    e.digits,
		Algorithm: e.algorithm,
	})
}

// Generate returns the code for the time step containing t. The secret is
// base32 encoded.
func (e *Engine) Generate(secret string, t time.Time) (string, error) {
	return e.generateAt(secret, e.Counter(t))
}

// IsWellFormed reports whether code has the configured number of digits.
func (e *Engine) IsWellFormed(code string) bool {
	code = strings.TrimSpace(code)
	return len(code) == e.digits.Length() && strings.Trim(code, "0123456789") == ""
}

// Match checks code against every step in counter-skew..counter+skew and
// returns the matching step.
func (e *Engine) Match(secret string, code string, t time.Time) (uint64, bool) {
	if !e.IsWellFormed(code) {
		return 0, false
	}
	code = strings.TrimSpace(code)
	counter := e.Counter(t)
	var (
		matched uint64
		found   bool
	)
	for offset := -e.skew; offset <= e.skew; offset++ {
		if offset < 0 && uint64(-offset) > counter {
			continue
		}
		step := counter + uint64(offset)
		expected, err := e.generateAt(secret, step)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 && !found {
			matched, found = step, true
		}
	}
	return matched, found
}

func (e *Engine) Verify(secret string, code string, t time.Time) bool {
	_, ok := e.Match(secret, code, t)
	return ok
}

// NewKey creates a fresh random secret and its otpauth:// provisioning key.
func (e *Engine) NewKey(issuer, account string, secretSize uint) (*otp.Key, error) {
	return pqtotp.Generate(pqtotp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      uint(e.period / time.Second),
		SecretSize:  secretSize,
		Digits:      e.digits,
		Algorithm:   e.algorithm,
	})
}

func New(opts Options) (*Engine, error) {
	algorithm, err := ParseAlgorithm(opts.Algorithm)
	if err != nil {
		return nil, err
	}
	if opts.Period < time.Second {
		opts.Period = 30 * time.Second
	}
	if opts.Digits != 8 {
		opts.Digits = 6
	}
	if opts.Skew < 0 {
		opts.Skew = 0
	}
	return &Engine{
		period:    opts.Period,
		digits:    otp.Digits(opts.Digits),
		skew:      opts.Skew,
		algorithm: algorithm,
	}, nil
}
