// Package reputation keeps the ip blacklist.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/khanghh/kguard/internal/clock"
	"github.com/khanghh/kguard/internal/common"
	"github.com/khanghh/kguard/internal/metrics"
	"github.com/khanghh/kguard/internal/store"
	"github.com/khanghh/kguard/params"
)

// expiredGrace keeps expired entries in storage long enough for reads to evict
// them lazily.
const expiredGrace = time.Minute

const (
	ReasonBruteForce        = "brute_force"
	ReasonRateLimitExceeded = "rate_limit_exceeded"
	ReasonManual            = "manual"
)

var (
	ErrInvalidIP      = fmt.Errorf("%w: invalid ip address", common.ErrInvalidInput)
	ErrNotBlacklisted = fmt.Errorf("%w: ip is not blacklisted", common.ErrNotFound)

	errEntryActive = errors.New("entry active")
)

type Source string

const (
	SourceManual Source = "manual"
	SourceAuto   Source = "auto"
)

type Entry struct {
	IP        string     `json:"ip"`
	Reason    string     `json:"reason"`
	Source    Source     `json:"source"`
	Notes     string     `json:"notes,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (e *Entry) IsPermanent() bool {
	return e.ExpiresAt == nil
}

func (e *Entry) IsExpired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// outlives reports whether e stays active at least as long as other.
func (e *Entry) outlives(other *Entry) bool {
	if e.ExpiresAt == nil {
		return true
	}
	return other.ExpiresAt != nil && !e.ExpiresAt.Before(*other.ExpiresAt)
}

type BlacklistOptions struct {
	Reason string
	TTL    time.Duration // zero or negative means permanent
	Notes  string
	Source Source
}

type Store struct {
	clock   clock.Clock
	entries store.Store[Entry]
}

// CanonicalIP validates ip and returns its canonical text form. IPv4 mapped
// IPv6 addresses collapse to IPv4.
func CanonicalIP(ip string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", ErrInvalidIP
	}
	return addr.Unmap().WithZone("").String(), nil
}

// Blacklist inserts or replaces the entry for ip. Automatic insertions never
// shorten an entry that is already active.
func (s *Store) Blacklist(ctx context.Context, ip string, opts BlacklistOptions) (*Entry, error) {
	ip, err := CanonicalIP(ip)
	if err != nil {
		return nil, err
	}
	if opts.Reason == "" {
		opts.Reason = ReasonManual
	}
	if opts.Source == "" {
		opts.Source = SourceManual
	}

	now := s.clock.Now()
	entry := &Entry{
		IP:        ip,
		Reason:    opts.Reason,
		Source:    opts.Source,
		Notes:     opts.Notes,
		CreatedAt: now,
	}
	var storageTTL time.Duration
	if opts.TTL > 0 {
		expiresAt := now.Add(opts.TTL)
		entry.ExpiresAt = &expiresAt
		storageTTL = opts.TTL + expiredGrace
	}

	if opts.Source == SourceAuto {
		existing, _, err := s.lookup(ctx, ip)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.outlives(entry) {
			return existing, nil
		}
	}

	if err := s.entries.Set(ctx, ip, *entry, storageTTL); err != nil {
		return nil, err
	}
	metrics.Blacklistings.WithLabelValues(entry.Reason).Inc()
	slog.Info("IP blacklisted", "ip", ip, "reason", entry.Reason, "source", entry.Source, "expiresAt", entry.ExpiresAt)
	return entry, nil
}

// lookup returns the active entry for a canonical ip, evicting it when it has
// expired. The eviction only removes the exact entry that was read, so an
// entry written concurrently survives.
func (s *Store) lookup(ctx context.Context, ip string) (*Entry, bool, error) {
	now := s.clock.Now()
	entry, err := s.entries.Take(ctx, ip, func(e Entry) error {
		if e.IsExpired(now) {
			return nil
		}
		return errEntryActive
	})
	switch {
	case errors.Is(err, errEntryActive):
		return &entry, false, nil
	case err == nil:
		slog.Debug("Evicted expired blacklist entry", "ip", ip, "reason", entry.Reason)
		return nil, true, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, false, err
	}

	// absent, or replaced between the read and the eviction
	entry, err = s.entries.Get(ctx, ip)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if entry.IsExpired(now) {
		return nil, false, nil
	}
	return &entry, false, nil
}

func (s *Store) IsBlacklisted(ctx context.Context, ip string) (bool, *Entry, error) {
	ip, err := CanonicalIP(ip)
	if err != nil {
		return false, nil, err
	}
	entry, _, err := s.lookup(ctx, ip)
	if err != nil || entry == nil {
		return false, nil, err
	}
	return true, entry, nil
}

func (s *Store) Unlist(ctx context.Context, ip string) error {
	ip, err := CanonicalIP(ip)
	if err != nil {
		return err
	}
	err = s.entries.Delete(ctx, ip)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotBlacklisted
	}
	if err == nil {
		slog.Info("IP removed from blacklist", "ip", ip)
	}
	return err
}

// List returns entries newest first. With activeOnly, expired entries are
// evicted and left out.
func (s *Store) List(ctx context.Context, activeOnly bool) ([]Entry, error) {
	ips, err := s.entries.Keys(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	entries := make([]Entry, 0, len(ips))
	for _, ip := range ips {
		var entry *Entry
		if activeOnly {
			if entry, _, err = s.lookup(ctx, ip); err != nil {
				return nil, err
			}
		} else {
			e, err := s.entries.Get(ctx, ip)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			entry = &e
		}
		if entry == nil || (activeOnly && entry.IsExpired(now)) {
			continue
		}
		entries = append(entries, *entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// PurgeExpired evicts every expired entry and reports how many were removed.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	ips, err := s.entries.Keys(ctx)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, ip := range ips {
		_, evicted, err := s.lookup(ctx, ip)
		if err != nil {
			return purged, err
		}
		if evicted {
			purged++
		}
	}
	return purged, nil
}

func NewStore(storage store.Storage, clk clock.Clock) *Store {
	return &Store{
		clock:   clk,
		entries: store.New[Entry](storage, params.BlacklistKeyPrefix),
	}
}
