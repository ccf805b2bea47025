package twofactor

import (
	"context"
)

// OTPChallenger verifies codes delivered out of band over sms or email.
type OTPChallenger struct {
	svc    *TwoFactorService
	method Method
}

func (c *OTPChallenger) Method() Method {
	return c.method
}

func (c *OTPChallenger) Issue(ctx context.Context, userID string, contact string) (*Dispatch, error) {
	return c.svc.challenges.Issue(ctx, userID, c.method, contact)
}

func (c *OTPChallenger) Verify(ctx context.Context, userID string, code string) (Outcome, error) {
	enrollment, err := c.svc.getEnrollment(ctx, userID, c.method)
	if err != nil {
		return Outcome{}, err
	}
	if enrollment == nil {
		return notVerified(ReasonNotEnrolled), nil
	}
	return c.svc.challenges.Verify(ctx, userID, c.method, code)
}
