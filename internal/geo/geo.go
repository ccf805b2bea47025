// Package geo resolves ip addresses to a coarse location.
package geo

import (
	"context"
	"errors"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/khanghh/kguard/internal/metrics"
	"github.com/oschwald/geoip2-golang"
)

var ErrInvalidIP = errors.New("invalid ip address")

type Location struct {
	Country   string  `json:"country"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// Locator returns nil without error when the address is not in its database.
type Locator interface {
	Locate(ctx context.Context, ip string) (*Location, error)
}

type MaxMindLocator struct {
	db *geoip2.Reader
}

func (m *MaxMindLocator) Locate(_ context.Context, ip string) (*Location, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, ErrInvalidIP
	}
	record, err := m.db.City(parsed)
	if err != nil {
		return nil, err
	}
	if record.Country.IsoCode == "" {
		return nil, nil
	}
	return &Location{
		Country:   record.Country.IsoCode,
		City:      record.City.Names["en"],
		Latitude:  record.Location.Latitude,
		Longitude: record.Location.Longitude,
	}, nil
}

func (m *MaxMindLocator) Close() error {
	return m.db.Close()
}

// OpenMaxMind opens a GeoIP2 or GeoLite2 City database file.
func OpenMaxMind(path string) (*MaxMindLocator, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &MaxMindLocator{db: db}, nil
}

// CachedLocator remembers resolved addresses, including unknown ones.
type CachedLocator struct {
	next  Locator
	cache *lru.Cache[string, *Location]
}

func (c *CachedLocator) Locate(ctx context.Context, ip string) (*Location, error) {
	if loc, ok := c.cache.Get(ip); ok {
		metrics.GeoLookups.WithLabelValues("hit").Inc()
		return loc, nil
	}
	loc, err := c.next.Locate(ctx, ip)
	if err != nil {
		return nil, err
	}
	metrics.GeoLookups.WithLabelValues("miss").Inc()
	c.cache.Add(ip, loc)
	return loc, nil
}

func NewCachedLocator(next Locator, size int) (*CachedLocator, error) {
	cache, err := lru.New[string, *Location](size)
	if err != nil {
		return nil, err
	}
	return &CachedLocator{next: next, cache: cache}, nil
}

// TimeoutLocator bounds every lookup. A lookup that outlives the timeout keeps
// running in the background and its result is discarded.
type TimeoutLocator struct {
	next    Locator
	timeout time.Duration
}

type lookupResult struct {
	loc *Location
	err error
}

func (t *TimeoutLocator) Locate(ctx context.Context, ip string) (*Location, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan lookupResult, 1)
	go func() {
		loc, err := t.next.Locate(ctx, ip)
		done <- lookupResult{loc, err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			metrics.GeoLookups.WithLabelValues("error").Inc()
		}
		return res.loc, res.err
	case <-ctx.Done():
		metrics.GeoLookups.WithLabelValues("timeout").Inc()
		return nil, ctx.Err()
	}
}

func WithTimeout(next Locator, timeout time.Duration) *TimeoutLocator {
	return &TimeoutLocator{next: next, timeout: timeout}
}
