package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/khanghh/kguard/internal/clock"
	"github.com/khanghh/kguard/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, opts Options) (*Limiter, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC))
	return NewLimiter(store.NewMemoryStorage(clk), clk, opts), clk
}

func TestAllowPermitsExactlyCap(t *testing.T) {
	ctx := context.Background()
	l, clk := newTestLimiter(t, Options{Default: Rule{Limit: 100, Window: time.Minute}})

	for i := 1; i <= 100; i++ {
		res, err := l.Allow(ctx, "203.0.113.1", "/login")
		require.NoError(t, err)
		require.True(t, res.Allowed, "call %d", i)
		assert.Equal(t, 100-i, res.Remaining)
	}
	res, err := l.Allow(ctx, "203.0.113.1", "/login")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 1, 0, 0, time.UTC), res.ResetAt.UTC())

	clk.Set(res.ResetAt)
	res, err = l.Allow(ctx, "203.0.113.1", "/login")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.EqualValues(t, 1, res.Count)
}

func TestRejectedCallsDoNotCarryOver(t *testing.T) {
	ctx := context.Background()
	l, clk := newTestLimiter(t, Options{Default: Rule{Limit: 2, Window: time.Minute}})

	for i := 0; i < 5; i++ {
		_, err := l.Allow(ctx, "s", "e")
		require.NoError(t, err)
	}
	clk.Advance(time.Minute)
	for i := 0; i < 2; i++ {
		res, err := l.Allow(ctx, "s", "e")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestWindowsAreEpochAligned(t *testing.T) {
	ctx := context.Background()
	l, clk := newTestLimiter(t, Options{Default: Rule{Limit: 1, Window: time.Minute}})

	res, err := l.Allow(ctx, "s", "e")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	// 55s later is a new window even though less than a minute passed
	clk.Advance(55 * time.Second)
	res, err = l.Allow(ctx, "s", "e")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestSubjectsAndEndpointsAreIndependent(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, Options{Default: Rule{Limit: 1, Window: time.Minute}})

	for _, call := range [][2]string{{"a", "/x"}, {"b", "/x"}, {"a", "/y"}} {
		res, err := l.Allow(ctx, call[0], call[1])
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := l.Allow(ctx, "a", "/x")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestEndpointOverride(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, Options{
		Default:   Rule{Limit: 100, Window: time.Minute},
		Endpoints: map[string]Rule{"/mfa/verify": {Limit: 3}},
	})

	rule := l.RuleFor("/mfa/verify")
	assert.Equal(t, 3, rule.Limit)
	assert.Equal(t, time.Minute, rule.Window)

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "s", "/mfa/verify")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := l.Allow(ctx, "s", "/mfa/verify")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 3, res.Limit)
}

func TestConcurrentCallsCountedOnce(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, Options{Default: Rule{Limit: 10, Window: time.Minute}})

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Allow(ctx, "s", "e")
			if assert.NoError(t, err) && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 10, allowed.Load())
}

func TestMissingSubject(t *testing.T) {
	l, _ := newTestLimiter(t, Options{})
	_, err := l.Allow(context.Background(), "", "e")
	assert.ErrorIs(t, err, ErrMissingSubject)
}

func TestEndpointRuleIgnoresCase(t *testing.T) {
	l, _ := newTestLimiter(t, Options{
		Default:   Rule{Limit: 100, Window: time.Minute},
		Endpoints: map[string]Rule{"/api/v1/mfa/status/:userid": {Limit: 5}},
	})

	assert.Equal(t, 5, l.RuleFor("/api/v1/mfa/status/:userID").Limit)
	assert.Equal(t, 100, l.RuleFor("/api/v1/mfa/verify").Limit)
}
