// Package bruteforce counts failed logins per ip and per user over a trailing
// window and blacklists the source ip once either count reaches the threshold.
package bruteforce

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/khanghh/kguard/internal/clock"
	"github.com/khanghh/kguard/internal/reputation"
	"github.com/khanghh/kguard/internal/store"
	"github.com/khanghh/kguard/internal/threat"
	"github.com/khanghh/kguard/params"
)

const lockStripes = 64

type Blacklister interface {
	Blacklist(ctx context.Context, ip string, opts reputation.BlacklistOptions) (*reputation.Entry, error)
}

type Recorder interface {
	Append(event threat.Event) threat.Event
}

type Options struct {
	Window      time.Duration `mapstructure:"window"`
	Threshold   int           `mapstructure:"threshold"`
	BanDuration time.Duration `mapstructure:"banDuration"`
}

type Result struct {
	Triggered    bool              `json:"triggered"`
	IPFailures   int64             `json:"ipFailures"`
	UserFailures int64             `json:"userFailures"`
	Entry        *reputation.Entry `json:"entry,omitempty"`
}

type Detector struct {
	clock     clock.Clock
	windows   store.Storage
	blacklist Blacklister
	events    Recorder
	opts      Options
	stripes   [lockStripes]sync.Mutex
}

func ipKey(ip string) string {
	return "ip:" + ip
}

func userKey(userID string) string {
	return "user:" + userID
}

func stripeOf(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % lockStripes)
}

// lock acquires the stripes of every key in ascending order and returns the
// matching unlock.
func (d *Detector) lock(keys ...string) func() {
	var held [lockStripes]bool
	for _, key := range keys {
		held[stripeOf(key)] = true
	}
	for i := range held {
		if held[i] {
			d.stripes[i].Lock()
		}
	}
	return func() {
		for i := lockStripes - 1; i >= 0; i-- {
			if held[i] {
				d.stripes[i].Unlock()
			}
		}
	}
}

// RecordFailure adds a failed attempt for ip and, when given, userID. Window
// trimming, counting and the blacklist insertion happen under the same lock,
// so concurrent failures for one source trigger exactly once per window.
func (d *Detector) RecordFailure(ctx context.Context, ip, userID string) (*Result, error) {
	ip, err := reputation.CanonicalIP(ip)
	if err != nil {
		return nil, err
	}
	keys := []string{ipKey(ip)}
	if userID != "" {
		keys = append(keys, userKey(userID))
	}
	unlock := d.lock(keys...)
	defer unlock()

	now := d.clock.Now()
	member := uuid.NewString()
	result := &Result{}
	if result.IPFailures, err = d.windows.SlideWindow(ctx, ipKey(ip), member, now, d.opts.Window); err != nil {
		return nil, err
	}
	if userID != "" {
		if result.UserFailures, err = d.windows.SlideWindow(ctx, userKey(userID), member, now, d.opts.Window); err != nil {
			return nil, err
		}
	}

	threshold := int64(d.opts.Threshold)
	if result.IPFailures < threshold && result.UserFailures < threshold {
		return result, nil
	}

	entry, err := d.blacklist.Blacklist(ctx, ip, reputation.BlacklistOptions{
		Reason: reputation.ReasonBruteForce,
		TTL:    d.opts.BanDuration,
		Notes:  "too many failed login attempts",
		Source: reputation.SourceAuto,
	})
	if err != nil {
		return nil, err
	}
	result.Triggered = true
	result.Entry = entry

	d.events.Append(threat.Event{
		Type:   threat.TypeBruteForce,
		Level:  threat.LevelCritical,
		IP:     ip,
		UserID: userID,
		Details: map[string]any{
			"ipFailures":   result.IPFailures,
			"userFailures": result.UserFailures,
			"window":       d.opts.Window.String(),
		},
		ActionTaken: threat.ActionBlacklisted,
	})

	// counting restarts once the source has been banned
	for _, key := range keys {
		if err := d.windows.Delete(ctx, key); err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Error("Failed to reset failure window", "key", key, "error", err)
		}
	}
	return result, nil
}

// RecordSuccess clears the failure window of userID.
func (d *Detector) RecordSuccess(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	err := d.windows.Delete(ctx, userKey(userID))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func (o *Options) Sanitize() {
	if o.Window <= 0 {
		o.Window = params.BruteForceWindow
	}
	if o.Threshold <= 0 {
		o.Threshold = params.BruteForceThreshold
	}
	if o.BanDuration <= 0 {
		o.BanDuration = params.BruteForceBanDuration
	}
}

func NewDetector(storage store.Storage, clk clock.Clock, blacklist Blacklister, events Recorder, opts Options) *Detector {
	opts.Sanitize()
	return &Detector{
		clock:     clk,
		windows:   store.StorageWithPrefix(storage, params.BruteForceKeyPrefix),
		blacklist: blacklist,
		events:    events,
		opts:      opts,
	}
}
