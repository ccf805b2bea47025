package twofactor

import (
	"context"
	"strconv"
	"time"

	"github.com/khanghh/kguard/internal/common"
	"github.com/khanghh/kguard/model"
)

type TOTPChallenger struct {
	svc *TwoFactorService
}

func (c *TOTPChallenger) Method() Method {
	return MethodTOTP
}

func (c *TOTPChallenger) Issue(ctx context.Context, userID string, contact string) (*Dispatch, error) {
	return nil, ErrMethodNotIssuable
}

func (c *TOTPChallenger) secret(enrollment *model.MFAEnrollment) (string, error) {
	secret, err := common.Decrypt(c.svc.secretKey, enrollment.Secret)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

// Verify accepts a code from any step inside the skew window, at most once
// per step.
func (c *TOTPChallenger) Verify(ctx context.Context, userID string, code string) (Outcome, error) {
	if !c.svc.engine.IsWellFormed(code) {
		return Outcome{}, ErrInvalidCode
	}
	enrollment, err := c.svc.getEnrollment(ctx, userID, MethodTOTP)
	if err != nil {
		return Outcome{}, err
	}
	if enrollment == nil {
		return notVerified(ReasonNotEnrolled), nil
	}
	secret, err := c.secret(enrollment)
	if err != nil {
		return Outcome{}, err
	}

	step, ok := c.svc.engine.Match(secret, code, c.svc.clock.Now())
	if !ok {
		return notVerified(ReasonInvalidCode), nil
	}

	// a step stays acceptable for the whole skew window on either side
	period := c.svc.engine.Period()
	ttl := time.Duration(2*c.svc.totpSkew+1)*period + period
	first, err := c.svc.usedSteps.SetNX(ctx, userID+":"+strconv.FormatUint(step, 10), []byte{1}, ttl)
	if err != nil {
		return Outcome{}, err
	}
	if !first {
		return notVerified(ReasonReplayed), nil
	}
	return verified(), nil
}
