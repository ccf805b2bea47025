package store

import (
	"context"
	"encoding/json"
	"time"
)

type store[T any] struct {
	storage Storage
}

func (s *store[T]) Storage() Storage {
	return s.storage
}

func (s *store[T]) Get(ctx context.Context, key string) (T, error) {
	var obj T
	raw, err := s.storage.Get(ctx, key)
	if err != nil {
		return obj, err
	}
	err = json.Unmarshal(raw, &obj)
	return obj, err
}

func (s *store[T]) Set(ctx context.Context, key string, val T, expiresIn time.Duration) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return s.storage.Set(ctx, key, raw, expiresIn)
}

func (s *store[T]) Save(ctx context.Context, key string, val T) error {
	return s.Set(ctx, key, val, -1)
}

func (s *store[T]) Delete(ctx context.Context, key string) error {
	return s.storage.Delete(ctx, key)
}

func (s *store[T]) Take(ctx context.Context, key string, check func(T) error) (T, error) {
	var obj T
	raw, err := s.storage.Get(ctx, key)
	if err != nil {
		return obj, err
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return obj, err
	}
	if err := check(obj); err != nil {
		return obj, err
	}
	deleted, err := s.storage.CompareAndDelete(ctx, key, raw)
	if err != nil {
		return obj, err
	}
	if !deleted {
		return obj, ErrNotFound
	}
	return obj, nil
}

func (s *store[T]) Keys(ctx context.Context) ([]string, error) {
	return s.storage.Keys(ctx, "")
}

func New[T any](storage Storage, keyPrefix string) Store[T] {
	return &store[T]{
		storage: StorageWithPrefix(storage, keyPrefix),
	}
}
