package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// Storage is the key-value backend shared by every stateful component. Each
// method is atomic on its own so callers can build check-and-write flows
// without holding locks across round trips. An expiresIn <= 0 means the key
// never expires.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, expiresIn time.Duration) error
	SetNX(ctx context.Context, key string, val []byte, expiresIn time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	Expire(ctx context.Context, key string, expiresAt time.Time) error
	Incr(ctx context.Context, key string, delta int64, expiresIn time.Duration) (int64, error)

	SetAttr(ctx context.Context, key, field string, val []byte) error
	GetAttrs(ctx context.Context, key string) (map[string][]byte, error)
	DelAttr(ctx context.Context, key, field string) (bool, error)
	CountAttrs(ctx context.Context, key string) (int64, error)
	ReplaceAttrs(ctx context.Context, key string, fields map[string][]byte) error

	// SlideWindow records member at the given time, drops members recorded at
	// or before at-window and returns how many remain.
	SlideWindow(ctx context.Context, key, member string, at time.Time, window time.Duration) (int64, error)
	// PushCapped prepends val to the list at key and trims it to maxLen items.
	PushCapped(ctx context.Context, key string, val []byte, maxLen int) error
	// Range returns the list at key, most recently pushed first.
	Range(ctx context.Context, key string) ([][]byte, error)

	Keys(ctx context.Context, prefix string) ([]string, error)
}

type Store[T any] interface {
	Storage() Storage
	Get(ctx context.Context, key string) (T, error)
	Set(ctx context.Context, key string, val T, expiresIn time.Duration) error
	Save(ctx context.Context, key string, val T) error
	Delete(ctx context.Context, key string) error
	// Take removes the value at key if check accepts it. The removal only
	// happens when the stored value is still the one passed to check.
	Take(ctx context.Context, key string, check func(T) error) (T, error)
	Keys(ctx context.Context) ([]string, error)
}
