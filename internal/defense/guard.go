// Package defense turns requests and login attempts into security verdicts.
package defense

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/khanghh/kguard/internal/anomaly"
	"github.com/khanghh/kguard/internal/bruteforce"
	"github.com/khanghh/kguard/internal/clock"
	"github.com/khanghh/kguard/internal/common"
	"github.com/khanghh/kguard/internal/geo"
	"github.com/khanghh/kguard/internal/metrics"
	"github.com/khanghh/kguard/internal/ratelimit"
	"github.com/khanghh/kguard/internal/reputation"
	"github.com/khanghh/kguard/internal/threat"
	"github.com/khanghh/kguard/params"
)

var (
	ErrRequestRateLimited = fmt.Errorf("%w: too many requests", common.ErrRateLimited)
	ErrIPBlocked          = fmt.Errorf("%w: ip address is blacklisted", common.ErrBlocked)
	ErrMissingUserID      = fmt.Errorf("%w: missing user id", common.ErrInvalidInput)
)

const (
	DecisionAllowed     = "allowed"
	DecisionRateLimited = "rate_limited"
	DecisionBlocked     = "blocked"
)

const (
	StatusAllowed     = "allowed"
	StatusMonitor     = "monitor"
	StatusMFARequired = "mfa_required"
	StatusBlocked     = "blocked"
)

type Decision struct {
	Allowed   bool              `json:"allowed"`
	Reason    string            `json:"reason"`
	RateLimit *ratelimit.Result `json:"rateLimit,omitempty"`
	Entry     *reputation.Entry `json:"entry,omitempty"`
}

// Err returns the error kind matching a denied decision, or nil.
func (d *Decision) Err() error {
	switch d.Reason {
	case DecisionRateLimited:
		return ErrRequestRateLimited
	case DecisionBlocked:
		return ErrIPBlocked
	}
	return nil
}

type LoginAttempt struct {
	UserID    string        `json:"userID"`
	IP        string        `json:"ip"`
	UserAgent string        `json:"userAgent"`
	Success   bool          `json:"success"`
	Location  *geo.Location `json:"location,omitempty"`
}

type LoginVerdict struct {
	Status     string              `json:"status"`
	Assessment *anomaly.Assessment `json:"assessment,omitempty"`
	BruteForce *bruteforce.Result  `json:"bruteForce,omitempty"`
	Entry      *reputation.Entry   `json:"entry,omitempty"`
}

type Options struct {
	RateLimitBanDuration time.Duration
	GeoTimeout           time.Duration
	Archive              threat.ThreatEventRepository // optional
}

type Guard struct {
	clock     clock.Clock
	limiter   *ratelimit.Limiter
	blacklist *reputation.Store
	detector  *bruteforce.Detector
	scorer    *anomaly.Scorer
	events    *threat.Log
	locator   geo.Locator
	opts      Options
}

// CheckRequest applies the rate limit for (ip, endpoint) and then the
// blacklist. Exceeding the limit blacklists the ip for a short period; the
// escalation happens once per window.
func (g *Guard) CheckRequest(ctx context.Context, ip, endpoint, userID string) (*Decision, error) {
	ip, err := reputation.CanonicalIP(ip)
	if err != nil {
		return nil, err
	}

	res, err := g.limiter.Allow(ctx, ip, endpoint)
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		decision := &Decision{Reason: DecisionRateLimited, RateLimit: res}
		if res.Count == int64(res.Limit)+1 {
			if decision.Entry, err = g.escalate(ctx, ip, endpoint, userID, res); err != nil {
				return nil, err
			}
		}
		metrics.RequestDecisions.WithLabelValues(DecisionRateLimited).Inc()
		return decision, nil
	}

	blocked, entry, err := g.blacklist.IsBlacklisted(ctx, ip)
	if err != nil {
		return nil, err
	}
	if blocked {
		metrics.RequestDecisions.WithLabelValues(DecisionBlocked).Inc()
		return &Decision{Reason: DecisionBlocked, RateLimit: res, Entry: entry}, nil
	}
	metrics.RequestDecisions.WithLabelValues(DecisionAllowed).Inc()
	return &Decision{Allowed: true, Reason: DecisionAllowed, RateLimit: res}, nil
}

func (g *Guard) escalate(ctx context.Context, ip, endpoint, userID string, res *ratelimit.Result) (*reputation.Entry, error) {
	entry, err := g.blacklist.Blacklist(ctx, ip, reputation.BlacklistOptions{
		Reason: reputation.ReasonRateLimitExceeded,
		TTL:    g.opts.RateLimitBanDuration,
		Notes:  "rate limit exceeded on " + endpoint,
		Source: reputation.SourceAuto,
	})
	if err != nil {
		return nil, err
	}
	g.events.Append(threat.Event{
		Type:   threat.TypeRateLimitExceeded,
		Level:  threat.LevelHigh,
		IP:     ip,
		UserID: userID,
		Details: map[string]any{
			"endpoint": endpoint,
			"limit":    res.Limit,
			"resetAt":  res.ResetAt,
		},
		ActionTaken: threat.ActionBlacklisted,
	})
	return entry, nil
}

func (g *Guard) locate(ctx context.Context, ip string) *geo.Location {
	if g.locator == nil {
		return nil
	}
	loc, err := g.locator.Locate(ctx, ip)
	if err != nil {
		slog.Warn("Geolocation lookup failed", "ip", ip, "error", err)
		return nil
	}
	return loc
}

func anomalyLevel(action string) threat.Level {
	switch action {
	case anomaly.ActionBlockAndNotify:
		return threat.LevelHigh
	case anomaly.ActionRequireMFA:
		return threat.LevelMedium
	}
	return threat.LevelLow
}

func verdictStatus(action string) string {
	switch action {
	case anomaly.ActionBlockAndNotify:
		return StatusBlocked
	case anomaly.ActionRequireMFA:
		return StatusMFARequired
	case anomaly.ActionLogAndMonitor:
		return StatusMonitor
	}
	return StatusAllowed
}

// RecordLoginAttempt scores the attempt against the user's history, appends it
// and feeds failures to the brute-force detector. Attempts from a blacklisted
// ip are rejected without being recorded.
func (g *Guard) RecordLoginAttempt(ctx context.Context, attempt LoginAttempt) (*LoginVerdict, error) {
	if attempt.UserID == "" {
		return nil, ErrMissingUserID
	}
	ip, err := reputation.CanonicalIP(attempt.IP)
	if err != nil {
		return nil, err
	}
	attempt.IP = ip

	verdict, err := g.recordLoginAttempt(ctx, attempt)
	if err != nil {
		return nil, err
	}
	metrics.LoginVerdicts.WithLabelValues(verdict.Status).Inc()
	return verdict, nil
}

func (g *Guard) recordLoginAttempt(ctx context.Context, attempt LoginAttempt) (*LoginVerdict, error) {
	blocked, entry, err := g.blacklist.IsBlacklisted(ctx, attempt.IP)
	if err != nil {
		return nil, err
	}
	if blocked {
		return &LoginVerdict{Status: StatusBlocked, Entry: entry}, nil
	}

	if attempt.Location == nil {
		attempt.Location = g.locate(ctx, attempt.IP)
	}

	verdict := &LoginVerdict{}
	if !attempt.Success {
		if verdict.BruteForce, err = g.detector.RecordFailure(ctx, attempt.IP, attempt.UserID); err != nil {
			return nil, err
		}
		verdict.Entry = verdict.BruteForce.Entry
	}

	assessment, err := g.scorer.Score(ctx, attempt.UserID, attempt.IP, attempt.Location)
	if err != nil {
		return nil, err
	}
	verdict.Assessment = assessment
	err = g.scorer.Record(ctx, anomaly.Attempt{
		UserID:    attempt.UserID,
		IP:        attempt.IP,
		UserAgent: attempt.UserAgent,
		Success:   attempt.Success,
		Location:  attempt.Location,
		Timestamp: g.clock.Now(),
	})
	if err != nil {
		return nil, err
	}

	if attempt.Success {
		if err := g.detector.RecordSuccess(ctx, attempt.UserID); err != nil {
			slog.Error("Failed to reset failure window", "userID", attempt.UserID, "error", err)
		}
	}

	if assessment.Action != anomaly.ActionAllow {
		g.events.Append(threat.Event{
			Type:   threat.TypeAnomalousLogin,
			Level:  anomalyLevel(assessment.Action),
			IP:     attempt.IP,
			UserID: attempt.UserID,
			Details: map[string]any{
				"score":     assessment.Score,
				"reasons":   assessment.Reasons,
				"success":   attempt.Success,
				"userAgent": attempt.UserAgent,
			},
			ActionTaken: assessment.Action,
		})
	}

	verdict.Status = verdictStatus(assessment.Action)
	if verdict.BruteForce != nil && verdict.BruteForce.Triggered {
		verdict.Status = StatusBlocked
	}
	return verdict, nil
}

// BlacklistIP inserts a manual entry. A zero ttl blacklists permanently.
func (g *Guard) BlacklistIP(ctx context.Context, ip, reason string, ttl time.Duration, notes string) (*reputation.Entry, error) {
	entry, err := g.blacklist.Blacklist(ctx, ip, reputation.BlacklistOptions{
		Reason: reason,
		TTL:    ttl,
		Notes:  notes,
		Source: reputation.SourceManual,
	})
	if err != nil {
		return nil, err
	}
	g.events.Append(threat.Event{
		Type:        threat.TypeManualBlacklist,
		Level:       threat.LevelMedium,
		IP:          entry.IP,
		Details:     map[string]any{"reason": entry.Reason, "notes": notes, "expiresAt": entry.ExpiresAt},
		ActionTaken: threat.ActionBlacklisted,
	})
	return entry, nil
}

func (g *Guard) UnlistIP(ctx context.Context, ip string) error {
	if err := g.blacklist.Unlist(ctx, ip); err != nil {
		return err
	}
	canonical, _ := reputation.CanonicalIP(ip)
	g.events.Append(threat.Event{
		Type:        threat.TypeManualUnlist,
		Level:       threat.LevelLow,
		IP:          canonical,
		ActionTaken: threat.ActionUnlisted,
	})
	return nil
}

func (g *Guard) CheckIP(ctx context.Context, ip string) (bool, *reputation.Entry, error) {
	return g.blacklist.IsBlacklisted(ctx, ip)
}

func (g *Guard) ListBlacklist(ctx context.Context, activeOnly bool) ([]reputation.Entry, error) {
	return g.blacklist.List(ctx, activeOnly)
}

// QueryThreats reads the in-memory log, falling back to the archive when the
// log holds fewer than limit matches.
func (g *Guard) QueryThreats(ctx context.Context, filter threat.Filter, limit int) []threat.Event {
	events := g.events.Query(filter, limit)
	if g.opts.Archive == nil || (limit > 0 && len(events) >= limit) {
		return events
	}
	archived, err := g.opts.Archive.Query(ctx, filter, limit)
	if err != nil {
		slog.Error("Failed to query archived threats", "error", err)
		return events
	}
	if len(archived) > len(events) {
		return archived
	}
	return events
}

func (g *Guard) Stats() threat.Stats {
	return g.events.Stats()
}

func NewGuard(clk clock.Clock, limiter *ratelimit.Limiter, blacklist *reputation.Store, detector *bruteforce.Detector,
	scorer *anomaly.Scorer, events *threat.Log, locator geo.Locator, opts Options) *Guard {
	if opts.RateLimitBanDuration <= 0 {
		opts.RateLimitBanDuration = params.RateLimitBanDuration
	}
	if opts.GeoTimeout <= 0 {
		opts.GeoTimeout = params.GeoLookupTimeout
	}
	if locator != nil {
		locator = geo.WithTimeout(locator, opts.GeoTimeout)
	}
	return &Guard{
		clock:     clk,
		limiter:   limiter,
		blacklist: blacklist,
		detector:  detector,
		scorer:    scorer,
		events:    events,
		locator:   locator,
		opts:      opts,
	}
}
