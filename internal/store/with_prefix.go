package store

import (
	"context"
	"strings"
	"time"
)

type prefixedStorage struct {
	underlying Storage
	prefix     string
}

func (p *prefixedStorage) Get(ctx context.Context, key string) ([]byte, error) {
	return p.underlying.Get(ctx, p.prefix+key)
}

func (p *prefixedStorage) Set(ctx context.Context, key string, val []byte, expiresIn time.Duration) error {
	return p.underlying.Set(ctx, p.prefix+key, val, expiresIn)
}

func (p *prefixedStorage) SetNX(ctx context.Context, key string, val []byte, expiresIn time.Duration) (bool, error) {
	return p.underlying.SetNX(ctx, p.prefix+key, val, expiresIn)
}

func (p *prefixedStorage) Delete(ctx context.Context, key string) error {
	return p.underlying.Delete(ctx, p.prefix+key)
}

func (p *prefixedStorage) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	return p.underlying.CompareAndDelete(ctx, p.prefix+key, expected)
}

func (p *prefixedStorage) Expire(ctx context.Context, key string, expiresAt time.Time) error {
	return p.underlying.Expire(ctx, p.prefix+key, expiresAt)
}

func (p *prefixedStorage) Incr(ctx context.Context, key string, delta int64, expiresIn time.Duration) (int64, error) {
	return p.underlying.Incr(ctx, p.prefix+key, delta, expiresIn)
}

func (p *prefixedStorage) SetAttr(ctx context.Context, key, field string, val []byte) error {
	return p.underlying.SetAttr(ctx, p.prefix+key, field, val)
}

func (p *prefixedStorage) GetAttrs(ctx context.Context, key string) (map[string][]byte, error) {
	return p.underlying.GetAttrs(ctx, p.prefix+key)
}

func (p *prefixedStorage) DelAttr(ctx context.Context, key, field string) (bool, error) {
	return p.underlying.DelAttr(ctx, p.prefix+key, field)
}

func (p *prefixedStorage) CountAttrs(ctx context.Context, key string) (int64, error) {
	return p.underlying.CountAttrs(ctx, p.prefix+key)
}

func (p *prefixedStorage) ReplaceAttrs(ctx context.Context, key string, fields map[string][]byte) error {
	return p.underlying.ReplaceAttrs(ctx, p.prefix+key, fields)
}

func (p *prefixedStorage) SlideWindow(ctx context.Context, key, member string, at time.Time, window time.Duration) (int64, error) {
	return p.underlying.SlideWindow(ctx, p.prefix+key, member, at, window)
}

func (p *prefixedStorage) PushCapped(ctx context.Context, key string, val []byte, maxLen int) error {
	return p.underlying.PushCapped(ctx, p.prefix+key, val, maxLen)
}

func (p *prefixedStorage) Range(ctx context.Context, key string) ([][]byte, error) {
	return p.underlying.Range(ctx, p.prefix+key)
}

// Keys returns matching keys with the storage prefix stripped.
func (p *prefixedStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := p.underlying.Keys(ctx, p.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i, key := range keys {
		keys[i] = strings.TrimPrefix(key, p.prefix)
	}
	return keys, nil
}

func StorageWithPrefix(storage Storage, prefix string) Storage {
	return &prefixedStorage{
		underlying: storage,
		prefix:     prefix,
	}
}
