package twofactor

import (
	"fmt"

	"github.com/khanghh/kguard/internal/common"
)

var (
	ErrUnsupportedMethod   = fmt.Errorf("%w: unsupported mfa method", common.ErrInvalidInput)
	ErrMethodNotIssuable   = fmt.Errorf("%w: method does not use challenge codes", common.ErrInvalidInput)
	ErrInvalidContact      = fmt.Errorf("%w: invalid contact", common.ErrInvalidInput)
	ErrInvalidCode         = fmt.Errorf("%w: malformed code", common.ErrInvalidInput)
	ErrInvalidBackupCode   = fmt.Errorf("%w: malformed backup code", common.ErrInvalidInput)
	ErrMissingUserID       = fmt.Errorf("%w: missing user id", common.ErrInvalidInput)
	ErrAlreadyEnrolled     = fmt.Errorf("%w: method already enabled", common.ErrInvalidInput)
	ErrNotEnrolled         = fmt.Errorf("%w: mfa not enrolled", common.ErrNotFound)
	ErrTokenInvalid        = fmt.Errorf("%w: invalid token", common.ErrUnauthorized)
	ErrChallengeSuperseded = fmt.Errorf("%w: challenge superseded", common.ErrNotFound)
)

// AttemptFailError carries a failed verification to the transport layer.
type AttemptFailError struct {
	Reason       Reason
	AttemptsLeft int
}

func (e *AttemptFailError) Error() string {
	return "verify attempt failed: " + string(e.Reason)
}

func (e *AttemptFailError) Unwrap() error {
	return common.ErrUnauthorized
}

func NewAttemptFailError(outcome Outcome) *AttemptFailError {
	return &AttemptFailError{
		Reason:       outcome.Reason,
		AttemptsLeft: outcome.AttemptsLeft,
	}
}
