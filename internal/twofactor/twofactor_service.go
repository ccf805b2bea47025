package twofactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/khanghh/kguard/internal/clock"
	"github.com/khanghh/kguard/internal/common"
	"github.com/khanghh/kguard/internal/metrics"
	"github.com/khanghh/kguard/internal/store"
	"github.com/khanghh/kguard/internal/totp"
	"github.com/khanghh/kguard/internal/users"
	"github.com/khanghh/kguard/model"
	"github.com/khanghh/kguard/params"
	"github.com/skip2/go-qrcode"
	"gorm.io/gorm"
)

// Challenger is implemented once per method.
type Challenger interface {
	Method() Method
	Issue(ctx context.Context, userID string, contact string) (*Dispatch, error)
	Verify(ctx context.Context, userID string, code string) (Outcome, error)
}

type Options struct {
	MasterKey       string
	Issuer          string
	TOTP            totp.Options
	BackupCodeCount int
	Challenge       ChallengeOptions
	TokenTTL        time.Duration
}

type TwoFactorService struct {
	clock          clock.Clock
	issuer         string
	engine         *totp.Engine
	totpSkew       int
	secretKey      []byte
	tokenKey       []byte
	tokenTTL       time.Duration
	enrollmentRepo users.EnrollmentRepository
	backupCodes    *BackupVault
	challenges     *ChallengeManager
	usedSteps      store.Storage
	tokens         store.Storage
	challengers    map[Method]Challenger
}

type SetupResult struct {
	Method          Method    `json:"method"`
	Enabled         bool      `json:"enabled"`
	EnrolledAt      time.Time `json:"enrolledAt"`
	Secret          string    `json:"secret,omitempty"`
	ProvisioningURI string    `json:"provisioningURI,omitempty"`
	QRCode          []byte    `json:"qrCode,omitempty"`
	Dispatch        *Dispatch `json:"dispatch,omitempty"`
	BackupCodes     []string  `json:"backupCodes"`
}

type VerifyResult struct {
	Outcome
	Remaining      *int       `json:"remaining,omitempty"`
	Token          string     `json:"token,omitempty"`
	TokenExpiresAt *time.Time `json:"tokenExpiresAt,omitempty"`
}

type MethodStatus struct {
	Method     Method     `json:"method"`
	Enabled    bool       `json:"enabled"`
	Contact    string     `json:"contact,omitempty"`
	EnrolledAt time.Time  `json:"enrolledAt"`
	VerifiedAt *time.Time `json:"verifiedAt,omitempty"`
}

type Status struct {
	Enabled              bool           `json:"enabled"`
	Methods              []MethodStatus `json:"methods"`
	BackupCodesRemaining int            `json:"backupCodesRemaining"`
}

func (s *TwoFactorService) Challenger(method Method) (Challenger, error) {
	c, ok := s.challengers[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	return c, nil
}

// getEnrollment returns nil without error when the user has no enrollment for
// method.
func (s *TwoFactorService) getEnrollment(ctx context.Context, userID string, method Method) (*model.MFAEnrollment, error) {
	enrollment, err := s.enrollmentRepo.Get(ctx, userID, string(method))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return enrollment, err
}

func checkUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrMissingUserID
	}
	return nil
}

// SetupMFA enrolls method for the user in a disabled state and issues a fresh
// batch of backup codes. TOTP enrollments return the secret exactly once;
// sms and email enrollments receive a challenge to confirm the contact.
func (s *TwoFactorService) SetupMFA(ctx context.Context, userID string, method Method, contact string) (*SetupResult, error) {
	if err := checkUserID(userID); err != nil {
		return nil, err
	}
	challenger, err := s.Challenger(method)
	if err != nil {
		return nil, err
	}
	existing, err := s.getEnrollment(ctx, userID, method)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Enabled {
		return nil, ErrAlreadyEnrolled
	}

	now := s.clock.Now()
	result := &SetupResult{Method: method, EnrolledAt: now}
	enrollment := &model.MFAEnrollment{
		UserID:     userID,
		Method:     string(method),
		EnrolledAt: now,
	}

	if method == MethodTOTP {
		key, err := s.engine.NewKey(s.issuer, userID, params.TOTPSecretSize)
		if err != nil {
			return nil, err
		}
		sealed, err := common.Encrypt(s.secretKey, []byte(key.Secret()))
		if err != nil {
			return nil, err
		}
		qr, err := qrcode.Encode(key.URL(), qrcode.Medium, params.TOTPQRCodeSize)
		if err != nil {
			return nil, err
		}
		enrollment.Secret = sealed
		result.Secret = key.Secret()
		result.ProvisioningURI = key.URL()
		result.QRCode = qr
	} else {
		contact = strings.TrimSpace(contact)
		if err := ValidateContact(method, contact); err != nil {
			return nil, err
		}
		enrollment.Secret = contact
	}

	if err := s.enrollmentRepo.Upsert(ctx, enrollment); err != nil {
		return nil, err
	}
	if method.IsOutOfBand() {
		result.Dispatch, err = challenger.Issue(ctx, userID, contact)
		if err != nil {
			return nil, err
		}
	}

	result.BackupCodes, err = s.backupCodes.Regenerate(ctx, userID)
	if err != nil {
		return nil, err
	}
	slog.Info("MFA enrollment created", "userID", userID, "method", method)
	return result, nil
}

func (s *TwoFactorService) onVerified(ctx context.Context, userID string, method Method, result *VerifyResult) error {
	token, expiresAt, err := s.IssueToken(ctx, userID, method)
	if err != nil {
		return err
	}
	result.Token = token
	result.TokenExpiresAt = &expiresAt
	return nil
}

func recordVerification(method Method, outcome Outcome) {
	result := "verified"
	if !outcome.Verified {
		result = string(outcome.Reason)
	}
	metrics.MFAVerifications.WithLabelValues(string(method), result).Inc()
}

// VerifyMFA checks a code for method. The first successful verification of an
// enrollment enables it.
func (s *TwoFactorService) VerifyMFA(ctx context.Context, userID string, method Method, code string) (*VerifyResult, error) {
	if err := checkUserID(userID); err != nil {
		return nil, err
	}
	challenger, err := s.Challenger(method)
	if err != nil {
		return nil, err
	}
	outcome, err := challenger.Verify(ctx, userID, code)
	if err != nil {
		return nil, err
	}
	recordVerification(method, outcome)

	result := &VerifyResult{Outcome: outcome}
	if !outcome.Verified {
		slog.Debug("MFA verification failed", "userID", userID, "method", method, "reason", outcome.Reason)
		return result, nil
	}

	enabled, err := s.enrollmentRepo.MarkVerified(ctx, userID, string(method), s.clock.Now())
	if err != nil {
		return nil, err
	}
	if enabled {
		slog.Info("MFA method enabled", "userID", userID, "method", method)
	}
	if err := s.onVerified(ctx, userID, method, result); err != nil {
		return nil, err
	}
	return result, nil
}

// SendChallengeCode issues a new sms/email code to the enrolled contact. The
// previous pending code for the same method stops working.
func (s *TwoFactorService) SendChallengeCode(ctx context.Context, userID string, method Method) (*Dispatch, error) {
	if err := checkUserID(userID); err != nil {
		return nil, err
	}
	if !method.IsOutOfBand() {
		return nil, ErrMethodNotIssuable
	}
	challenger, err := s.Challenger(method)
	if err != nil {
		return nil, err
	}
	enrollment, err := s.getEnrollment(ctx, userID, method)
	if err != nil {
		return nil, err
	}
	if enrollment == nil {
		return nil, ErrNotEnrolled
	}
	return challenger.Issue(ctx, userID, enrollment.Secret)
}

// VerifyBackupCode consumes one recovery code.
func (s *TwoFactorService) VerifyBackupCode(ctx context.Context, userID string, code string) (*VerifyResult, error) {
	if err := checkUserID(userID); err != nil {
		return nil, err
	}
	ok, remaining, err := s.backupCodes.Consume(ctx, userID, code)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Remaining: &remaining}
	switch {
	case ok:
		result.Outcome = verified()
	case remaining == 0:
		result.Outcome = notVerified(ReasonNotFound)
	default:
		result.Outcome = notVerified(ReasonInvalidCode)
	}
	recordVerification(MethodBackupCode, result.Outcome)

	if !ok {
		return result, nil
	}
	if remaining == 0 {
		slog.Warn("Last backup code consumed", "userID", userID)
	}
	if err := s.onVerified(ctx, userID, MethodBackupCode, result); err != nil {
		return nil, err
	}
	return result, nil
}

// verifyAny accepts a backup code or a code from any enabled method.
func (s *TwoFactorService) verifyAny(ctx context.Context, userID string, enrollments []*model.MFAEnrollment, code string) (bool, error) {
	if IsBackupCode(code) {
		ok, _, err := s.backupCodes.Consume(ctx, userID, code)
		if err != nil || ok {
			return ok, err
		}
		// an 8 digit otp can share the backup code alphabet
	}
	for _, enrollment := range enrollments {
		if !enrollment.Enabled {
			continue
		}
		challenger, err := s.Challenger(Method(enrollment.Method))
		if err != nil {
			continue
		}
		outcome, err := challenger.Verify(ctx, userID, code)
		if errors.Is(err, common.ErrInvalidInput) {
			continue
		}
		if err != nil {
			return false, err
		}
		recordVerification(challenger.Method(), outcome)
		if outcome.Verified {
			return true, nil
		}
	}
	return false, nil
}

// DisableMFA removes every enrollment of the user once the current code is
// confirmed, along with backup codes and pending challenges.
func (s *TwoFactorService) DisableMFA(ctx context.Context, userID string, currentCode string) (bool, error) {
	if err := checkUserID(userID); err != nil {
		return false, err
	}
	enrollments, err := s.enrollmentRepo.List(ctx, userID)
	if err != nil {
		return false, err
	}
	if len(enrollments) == 0 {
		return false, ErrNotEnrolled
	}

	ok, err := s.verifyAny(ctx, userID, enrollments, currentCode)
	if err != nil || !ok {
		return false, err
	}

	for _, enrollment := range enrollments {
		if _, err := s.enrollmentRepo.Delete(ctx, userID, enrollment.Method); err != nil {
			return false, err
		}
		if Method(enrollment.Method).IsOutOfBand() {
			if err := s.challenges.Cancel(ctx, userID, Method(enrollment.Method)); err != nil {
				slog.Warn("Failed to cancel pending challenge", "userID", userID, "method", enrollment.Method, "error", err)
			}
		}
	}
	if err := s.backupCodes.Clear(ctx, userID); err != nil {
		return false, err
	}
	slog.Info("MFA disabled", "userID", userID)
	return true, nil
}

func (s *TwoFactorService) GetMFAStatus(ctx context.Context, userID string) (*Status, error) {
	if err := checkUserID(userID); err != nil {
		return nil, err
	}
	enrollments, err := s.enrollmentRepo.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	remaining, err := s.backupCodes.Remaining(ctx, userID)
	if err != nil {
		return nil, err
	}

	status := &Status{Methods: make([]MethodStatus, 0, len(enrollments)), BackupCodesRemaining: remaining}
	for _, enrollment := range enrollments {
		ms := MethodStatus{
			Method:     Method(enrollment.Method),
			Enabled:    enrollment.Enabled,
			EnrolledAt: enrollment.EnrolledAt,
			VerifiedAt: enrollment.VerifiedAt,
		}
		if ms.Method.IsOutOfBand() {
			ms.Contact = MaskContact(enrollment.Secret)
		}
		status.Enabled = status.Enabled || enrollment.Enabled
		status.Methods = append(status.Methods, ms)
	}
	return status, nil
}

// RegenerateBackupCodes replaces the user's codes. Only users with an enabled
// method hold backup codes.
func (s *TwoFactorService) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	status, err := s.GetMFAStatus(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !status.Enabled {
		return nil, ErrNotEnrolled
	}
	codes, err := s.backupCodes.Regenerate(ctx, userID)
	if err != nil {
		return nil, err
	}
	slog.Info("Backup codes regenerated", "userID", userID)
	return codes, nil
}

func NewTwoFactorService(opts Options, storage store.Storage, enrollmentRepo users.EnrollmentRepository, sender Enqueuer, clk clock.Clock) (*TwoFactorService, error) {
	if opts.MasterKey == "" {
		return nil, errors.New("master key is required")
	}
	engine, err := totp.New(opts.TOTP)
	if err != nil {
		return nil, err
	}
	masterKey := []byte(opts.MasterKey)
	secretKey, err := common.DeriveKey(masterKey, "kguard/totp-secret")
	if err != nil {
		return nil, err
	}
	tokenKey, err := common.DeriveKey(masterKey, "kguard/mfa-token")
	if err != nil {
		return nil, err
	}
	codeKey, err := common.DeriveKey(masterKey, "kguard/code-hash")
	if err != nil {
		return nil, err
	}
	if opts.Issuer == "" {
		opts.Issuer = params.TOTPIssuer
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = params.MFATokenExpiration
	}

	svc := &TwoFactorService{
		clock:          clk,
		issuer:         opts.Issuer,
		engine:         engine,
		totpSkew:       max(opts.TOTP.Skew, 0),
		secretKey:      secretKey,
		tokenKey:       tokenKey,
		tokenTTL:       opts.TokenTTL,
		enrollmentRepo: enrollmentRepo,
		backupCodes:    NewBackupVault(storage, clk, codeKey, opts.BackupCodeCount),
		challenges:     NewChallengeManager(storage, clk, codeKey, sender, opts.Challenge),
		usedSteps:      store.StorageWithPrefix(storage, params.TOTPUsedKeyPrefix),
		tokens:         newTokenStorage(storage),
	}
	svc.challengers = map[Method]Challenger{
		MethodTOTP:  &TOTPChallenger{svc},
		MethodSMS:   &OTPChallenger{svc: svc, method: MethodSMS},
		MethodEmail: &OTPChallenger{svc: svc, method: MethodEmail},
	}
	return svc, nil
}
