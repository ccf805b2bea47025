package twofactor

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/khanghh/kguard/internal/store"
	"github.com/khanghh/kguard/params"
)

// TokenClaims identify a user that just passed a second factor.
type TokenClaims struct {
	Method Method `json:"amr"`
	jwt.RegisteredClaims
}

// IssueToken signs a short lived step-up token. Each token can be redeemed
// once through ValidateToken.
func (s *TwoFactorService) IssueToken(ctx context.Context, userID string, method Method) (string, time.Time, error) {
	now := s.clock.Now()
	expiresAt := now.Add(s.tokenTTL)
	claims := TokenClaims{
		Method: method,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(s.tokenKey)
	if err != nil {
		return "", time.Time{}, err
	}
	if err := s.tokens.Set(ctx, claims.ID, []byte(userID), s.tokenTTL); err != nil {
		return "", time.Time{}, err
	}
	return signedToken, expiresAt, nil
}

// ValidateToken parses the token, checks its signature and expiry, and marks
// it as redeemed.
func (s *TwoFactorService) ValidateToken(ctx context.Context, tokenStr string) (*TokenClaims, error) {
	var claims TokenClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.tokenKey, nil
	}, jwt.WithTimeFunc(s.clock.Now), jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, ErrTokenInvalid
	}

	deleted, err := s.tokens.CompareAndDelete(ctx, claims.ID, []byte(claims.Subject))
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, ErrTokenInvalid
	}
	return &claims, nil
}

func newTokenStorage(storage store.Storage) store.Storage {
	return store.StorageWithPrefix(storage, params.MFATokenKeyPrefix)
}
