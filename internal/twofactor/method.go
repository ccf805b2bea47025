package twofactor

import (
	"fmt"
	"strings"
)

type Method string

const (
	MethodTOTP  Method = "totp"
	MethodSMS   Method = "sms"
	MethodEmail Method = "email"

	// MethodBackupCode only labels tokens and metrics, it cannot be enrolled.
	MethodBackupCode Method = "backup_code"
)

// Methods lists every supported method in the order they are tried.
var Methods = []Method{MethodTOTP, MethodSMS, MethodEmail}

func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodTOTP, MethodSMS, MethodEmail:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, s)
}

// IsOutOfBand reports whether codes for m are delivered to a contact.
func (m Method) IsOutOfBand() bool {
	return m == MethodSMS || m == MethodEmail
}

func (m Method) String() string {
	return string(m)
}

type Reason string

const (
	ReasonNotEnrolled      Reason = "not_enrolled"
	ReasonNotFound         Reason = "not_found"
	ReasonExpired          Reason = "expired"
	ReasonInvalidCode      Reason = "invalid_code"
	ReasonReplayed         Reason = "replayed"
	ReasonAttemptsExceeded Reason = "attempts_exceeded"
)

// Outcome is the result of checking a code. A code that does not verify is
// not an error.
type Outcome struct {
	Verified     bool   `json:"verified"`
	Reason       Reason `json:"reason,omitempty"`
	AttemptsLeft int    `json:"attemptsLeft,omitempty"`
}

func verified() Outcome {
	return Outcome{Verified: true}
}

func notVerified(reason Reason) Outcome {
	return Outcome{Reason: reason}
}
