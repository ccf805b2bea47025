package twofactor

import (
	"context"
	"crypto/hmac"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/khanghh/kguard/internal/clock"
	"github.com/khanghh/kguard/internal/common"
	"github.com/khanghh/kguard/internal/dispatch"
	"github.com/khanghh/kguard/internal/metrics"
	"github.com/khanghh/kguard/internal/store"
	"github.com/khanghh/kguard/params"
)

// challengeGrace keeps an expired challenge readable for a while so a late
// verification reports expired instead of not found.
const challengeGrace = time.Minute

const ChallengeTemplate = "challenge_code"

var (
	validate = validator.New()

	errChallengeRejected = errors.New("challenge rejected")
)

type PendingChallenge struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userID"`
	Method    Method    `json:"method"`
	CodeHash  string    `json:"codeHash"`
	Contact   string    `json:"contact"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Dispatch acknowledges an issued challenge. The code itself only travels
// through the dispatcher.
type Dispatch struct {
	ID        string    `json:"dispatchID"`
	Method    Method    `json:"method"`
	Contact   string    `json:"contact"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Enqueuer is the fire-and-forget delivery capability.
type Enqueuer interface {
	Enqueue(msg *dispatch.Message) error
}

type ChallengeOptions struct {
	CodeLength  int
	TTL         time.Duration
	MaxAttempts int
}

type ChallengeManager struct {
	clock      clock.Clock
	hashKey    []byte
	sender     Enqueuer
	challenges store.Store[PendingChallenge]
	attempts   store.Storage
	opts       ChallengeOptions
}

func challengeKey(userID string, method Method) string {
	return string(method) + ":" + userID
}

func ValidateContact(method Method, contact string) error {
	var tag string
	switch method {
	case MethodSMS:
		tag = "required,e164"
	case MethodEmail:
		tag = "required,email"
	default:
		return ErrMethodNotIssuable
	}
	if err := validate.Var(contact, tag); err != nil {
		return ErrInvalidContact
	}
	return nil
}

// MaskContact hides most of a phone number or mailbox name.
func MaskContact(contact string) string {
	if at := strings.LastIndex(contact, "@"); at > 0 {
		return contact[:1] + strings.Repeat("*", max(at-1, 3)) + contact[at:]
	}
	if len(contact) <= 4 {
		return strings.Repeat("*", len(contact))
	}
	keep := 4
	prefix := ""
	if strings.HasPrefix(contact, "+") {
		prefix = contact[:2]
	}
	return prefix + strings.Repeat("*", len(contact)-len(prefix)-keep) + contact[len(contact)-keep:]
}

func (m *ChallengeManager) codeHash(challengeID, code string) string {
	return common.CalculateHash(m.hashKey, challengeID, code)
}

// Issue creates a challenge for (userID, method), replacing any pending one,
// and queues the code for delivery. Delivery problems are logged only.
func (m *ChallengeManager) Issue(ctx context.Context, userID string, method Method, contact string) (*Dispatch, error) {
	if err := ValidateContact(method, contact); err != nil {
		return nil, err
	}
	code, err := common.RandomDigits(m.opts.CodeLength)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	ch := PendingChallenge{
		ID:        uuid.NewString(),
		UserID:    userID,
		Method:    method,
		Contact:   contact,
		CreatedAt: now,
		ExpiresAt: now.Add(m.opts.TTL),
	}
	ch.CodeHash = m.codeHash(ch.ID, code)
	if err := m.challenges.Set(ctx, challengeKey(userID, method), ch, m.opts.TTL+challengeGrace); err != nil {
		return nil, err
	}
	metrics.ChallengesIssued.WithLabelValues(string(method)).Inc()

	msg := &dispatch.Message{
		ID:       ch.ID,
		Channel:  dispatch.Channel(method),
		To:       contact,
		Template: ChallengeTemplate,
		Data: map[string]any{
			"code":      code,
			"expiresIn": int(m.opts.TTL / time.Minute),
		},
	}
	if err := m.sender.Enqueue(msg); err != nil {
		slog.Warn("Failed to queue challenge code", "dispatchID", ch.ID, "method", method, "error", err)
	}

	return &Dispatch{
		ID:        ch.ID,
		Method:    method,
		Contact:   MaskContact(contact),
		ExpiresAt: ch.ExpiresAt,
	}, nil
}

// discard removes the challenge only if it is still the one identified by id.
func (m *ChallengeManager) discard(ctx context.Context, key, id string) {
	_, err := m.challenges.Take(ctx, key, func(ch PendingChallenge) error {
		if ch.ID != id {
			return ErrChallengeSuperseded
		}
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, ErrChallengeSuperseded) {
		slog.Warn("Failed to discard challenge", "dispatchID", id, "error", err)
	}
}

// Verify checks code against the pending challenge. Expiry is evaluated before
// the code is compared, and a successful check consumes the challenge.
func (m *ChallengeManager) Verify(ctx context.Context, userID string, method Method, code string) (Outcome, error) {
	code = strings.TrimSpace(code)
	if len(code) != m.opts.CodeLength || strings.Trim(code, "0123456789") != "" {
		return Outcome{}, ErrInvalidCode
	}

	var (
		key     = challengeKey(userID, method)
		outcome Outcome
		discard string
	)
	_, err := m.challenges.Take(ctx, key, func(ch PendingChallenge) error {
		now := m.clock.Now()
		if now.After(ch.ExpiresAt) {
			outcome = notVerified(ReasonExpired)
			discard = ch.ID
			return errChallengeRejected
		}

		attempts, err := m.attempts.Incr(ctx, ch.ID, 1, ch.ExpiresAt.Sub(now)+challengeGrace)
		if err != nil {
			return err
		}
		if int(attempts) > m.opts.MaxAttempts {
			outcome = notVerified(ReasonAttemptsExceeded)
			discard = ch.ID
			return errChallengeRejected
		}

		if !hmac.Equal([]byte(ch.CodeHash), []byte(m.codeHash(ch.ID, code))) {
			outcome = notVerified(ReasonInvalidCode)
			outcome.AttemptsLeft = m.opts.MaxAttempts - int(attempts)
			if outcome.AttemptsLeft == 0 {
				discard = ch.ID
			}
			return errChallengeRejected
		}
		outcome = verified()
		return nil
	})

	switch {
	case errors.Is(err, store.ErrNotFound):
		// never issued, already consumed, or superseded while checking
		return notVerified(ReasonNotFound), nil
	case errors.Is(err, errChallengeRejected):
		if discard != "" {
			m.discard(ctx, key, discard)
		}
		return outcome, nil
	case err != nil:
		return Outcome{}, err
	}
	return outcome, nil
}

// Cancel drops any pending challenge for (userID, method).
func (m *ChallengeManager) Cancel(ctx context.Context, userID string, method Method) error {
	err := m.challenges.Delete(ctx, challengeKey(userID, method))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func NewChallengeManager(storage store.Storage, clk clock.Clock, hashKey []byte, sender Enqueuer, opts ChallengeOptions) *ChallengeManager {
	if opts.CodeLength <= 0 {
		opts.CodeLength = params.ChallengeCodeLength
	}
	if opts.TTL <= 0 {
		opts.TTL = params.ChallengeExpiration
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = params.ChallengeMaxAttempts
	}
	return &ChallengeManager{
		clock:      clk,
		hashKey:    hashKey,
		sender:     sender,
		challenges: store.New[PendingChallenge](storage, params.ChallengeKeyPrefix),
		attempts:   store.StorageWithPrefix(storage, params.ChallengeAttemptKeyPrefix),
		opts:       opts,
	}
}
