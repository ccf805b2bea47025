// Package ratelimit counts requests per (subject, endpoint) in fixed windows
// aligned to the unix epoch.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/khanghh/kguard/internal/clock"
	"github.com/khanghh/kguard/internal/common"
	"github.com/khanghh/kguard/internal/store"
	"github.com/khanghh/kguard/params"
)

var ErrMissingSubject = fmt.Errorf("%w: missing rate limit subject", common.ErrInvalidInput)

type Rule struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type Options struct {
	Default   Rule
	Endpoints map[string]Rule
}

type Result struct {
	Allowed   bool      `json:"allowed"`
	Count     int64     `json:"count"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

type Limiter struct {
	clock     clock.Clock
	counters  store.Storage
	rule      Rule
	endpoints map[string]Rule
}

func (l *Limiter) RuleFor(endpoint string) Rule {
	if rule, ok := l.endpoints[strings.ToLower(endpoint)]; ok {
		return rule
	}
	return l.rule
}

func windowStart(now time.Time, window time.Duration) time.Time {
	ms := window.Milliseconds()
	return time.UnixMilli(now.UnixMilli() - now.UnixMilli()%ms).In(now.Location())
}

// Allow counts the call and reports whether it fits in the current window.
// Every call is counted, including rejected ones, but a counter never outlives
// its window, so the call that trips the limit does not reduce the next
// window's quota.
func (l *Limiter) Allow(ctx context.Context, subject, endpoint string) (*Result, error) {
	if subject == "" {
		return nil, ErrMissingSubject
	}
	rule := l.RuleFor(endpoint)
	now := l.clock.Now()
	start := windowStart(now, rule.Window)

	key := subject + "|" + endpoint + "|" + strconv.FormatInt(start.Unix(), 10)
	count, err := l.counters.Incr(ctx, key, 1, rule.Window)
	if err != nil {
		return nil, err
	}
	return &Result{
		Allowed:   count <= int64(rule.Limit),
		Count:     count,
		Limit:     rule.Limit,
		Remaining: max(rule.Limit-int(count), 0),
		ResetAt:   start.Add(rule.Window),
	}, nil
}

func sanitizeRule(rule Rule, fallback Rule) Rule {
	if rule.Window < time.Second {
		rule.Window = fallback.Window
	}
	if rule.Limit <= 0 {
		rule.Limit = fallback.Limit
	}
	return rule
}

func NewLimiter(storage store.Storage, clk clock.Clock, opts Options) *Limiter {
	defaults := Rule{Limit: params.RateLimitMax, Window: params.RateLimitWindow}
	rule := sanitizeRule(opts.Default, defaults)
	endpoints := make(map[string]Rule, len(opts.Endpoints))
	// config keys arrive lower-cased
	for endpoint, r := range opts.Endpoints {
		endpoints[strings.ToLower(endpoint)] = sanitizeRule(r, rule)
	}
	return &Limiter{
		clock:     clk,
		counters:  store.StorageWithPrefix(storage, params.RateLimitKeyPrefix),
		rule:      rule,
		endpoints: endpoints,
	}
}
