package store

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/khanghh/kguard/internal/clock"
)

var ErrWrongType = errors.New("operation against a key holding the wrong kind of value")

type entryKind int

const (
	kindValue entryKind = iota
	kindHash
	kindWindow
	kindList
)

type windowMember struct {
	member string
	at     time.Time
}

type memoryEntry struct {
	kind      entryKind
	value     []byte
	hash      map[string][]byte
	window    []windowMember
	list      [][]byte
	expiresAt time.Time
}

// MemoryStorage is a process local Storage. A single mutex serializes every
// operation, which makes each method atomic with respect to the others.
type MemoryStorage struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]*memoryEntry
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (s *MemoryStorage) expiry(expiresIn time.Duration) time.Time {
	if expiresIn <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(expiresIn)
}

// lookup returns the live entry at key, evicting it when expired. Callers
// must hold s.mu.
func (s *MemoryStorage) lookup(key string) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !s.clock.Now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *MemoryStorage) lookupKind(key string, kind entryKind) (*memoryEntry, error) {
	e := s.lookup(key)
	if e != nil && e.kind != kind {
		return nil, ErrWrongType
	}
	return e, nil
}

func (s *MemoryStorage) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookupKind(key, kindValue)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrNotFound
	}
	return cloneBytes(e.value), nil
}

func (s *MemoryStorage) Set(_ context.Context, key string, val []byte, expiresIn time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memoryEntry{kind: kindValue, value: cloneBytes(val), expiresAt: s.expiry(expiresIn)}
	return nil
}

func (s *MemoryStorage) SetNX(_ context.Context, key string, val []byte, expiresIn time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookup(key) != nil {
		return false, nil
	}
	s.entries[key] = &memoryEntry{kind: kindValue, value: cloneBytes(val), expiresAt: s.expiry(expiresIn)}
	return true, nil
}

func (s *MemoryStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookup(key) == nil {
		return ErrNotFound
	}
	delete(s.entries, key)
	return nil
}

func (s *MemoryStorage) CompareAndDelete(_ context.Context, key string, expected []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookupKind(key, kindValue)
	if err != nil || e == nil {
		return false, err
	}
	if !bytes.Equal(e.value, expected) {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *MemoryStorage) Expire(_ context.Context, key string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(key)
	if e == nil {
		return ErrNotFound
	}
	e.expiresAt = expiresAt
	return nil
}

func (s *MemoryStorage) Incr(_ context.Context, key string, delta int64, expiresIn time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookupKind(key, kindValue)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = &memoryEntry{kind: kindValue, value: []byte("0"), expiresAt: s.expiry(expiresIn)}
		s.entries[key] = e
	}
	current, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, err
	}
	current += delta
	e.value = []byte(strconv.FormatInt(current, 10))
	return current, nil
}

func (s *MemoryStorage) SetAttr(_ context.Context, key, field string, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookupKind(key, kindHash)
	if err != nil {
		return err
	}
	if e == nil {
		e = &memoryEntry{kind: kindHash, hash: make(map[string][]byte)}
		s.entries[key] = e
	}
	e.hash[field] = cloneBytes(val)
	return nil
}

func (s *MemoryStorage) GetAttrs(_ context.Context, key string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookupKind(key, kindHash)
	if err != nil {
		return nil, err
	}
	attrs := make(map[string][]byte)
	if e != nil {
		for field, val := range e.hash {
			attrs[field] = cloneBytes(val)
		}
	}
	return attrs, nil
}

func (s *MemoryStorage) DelAttr(_ context.Context, key, field string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookupKind(key, kindHash)
	if err != nil || e == nil {
		return false, err
	}
	if _, ok := e.hash[field]; !ok {
		return false, nil
	}
	delete(e.hash, field)
	if len(e.hash) == 0 {
		delete(s.entries, key)
	}
	return true, nil
}

func (s *MemoryStorage) CountAttrs(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookupKind(key, kindHash)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.hash)), nil
}

func (s *MemoryStorage) ReplaceAttrs(_ context.Context, key string, fields map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(fields) == 0 {
		delete(s.entries, key)
		return nil
	}
	hash := make(map[string][]byte, len(fields))
	for field, val := range fields {
		hash[field] = cloneBytes(val)
	}
	s.entries[key] = &memoryEntry{kind: kindHash, hash: hash}
	return nil
}

func (s *MemoryStorage) SlideWindow(_ context.Context, key, member string, at time.Time, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookupKind(key, kindWindow)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = &memoryEntry{kind: kindWindow}
		s.entries[key] = e
	}

	cutoff := at.Add(-window)
	kept := e.window[:0]
	for _, m := range e.window {
		if m.at.After(cutoff) && m.member != member {
			kept = append(kept, m)
		}
	}
	e.window = append(kept, windowMember{member: member, at: at})
	e.expiresAt = s.clock.Now().Add(window)
	return int64(len(e.window)), nil
}

func (s *MemoryStorage) PushCapped(_ context.Context, key string, val []byte, maxLen int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookupKind(key, kindList)
	if err != nil {
		return err
	}
	if e == nil {
		e = &memoryEntry{kind: kindList}
		s.entries[key] = e
	}
	e.list = append([][]byte{cloneBytes(val)}, e.list...)
	if maxLen > 0 && len(e.list) > maxLen {
		e.list = e.list[:maxLen]
	}
	return nil
}

func (s *MemoryStorage) Range(_ context.Context, key string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookupKind(key, kindList)
	if err != nil || e == nil {
		return nil, err
	}
	items := make([][]byte, len(e.list))
	for i, item := range e.list {
		items[i] = cloneBytes(item)
	}
	return items, nil
}

func (s *MemoryStorage) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) && s.lookup(key) != nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Cleanup drops every expired entry and reports how many were removed.
func (s *MemoryStorage) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key := range s.entries {
		if s.lookup(key) == nil {
			removed++
		}
	}
	return removed
}

func NewMemoryStorage(clk clock.Clock) *MemoryStorage {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStorage{
		clock:   clk,
		entries: make(map[string]*memoryEntry),
	}
}
