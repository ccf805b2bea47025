package anomaly

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/khanghh/kguard/internal/clock"
	"github.com/khanghh/kguard/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestScorer(t *testing.T, opts Options) (*Scorer, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(testEpoch)
	return NewScorer(store.NewMemoryStorage(clk), clk, opts), clk
}

func login(s *Scorer, clk *clock.Mock, user, ip, country string) error {
	var loc *Location
	if country != "" {
		loc = &Location{Country: country}
	}
	return s.Record(context.Background(), Attempt{UserID: user, IP: ip, Success: true, Location: loc, Timestamp: clk.Now()})
}

func TestScoreFirstLogin(t *testing.T) {
	s, _ := newTestScorer(t, Options{})

	a, err := s.Score(context.Background(), "alice", "10.0.0.1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0.4, a.Score)
	assert.Equal(t, []string{ReasonFirstLogin, ReasonNewIP}, a.Reasons)
	assert.Equal(t, ActionLogAndMonitor, a.Action)
	assert.False(t, a.IsAnomalous)
}

func TestScoreKnownIPSameCountry(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestScorer(t, Options{})

	require.NoError(t, login(s, clk, "alice", "10.0.0.1", "VN"))
	clk.Advance(10 * time.Minute)

	a, err := s.Score(ctx, "alice", "10.0.0.1", &Location{Country: "VN"})
	require.NoError(t, err)
	assert.Less(t, a.Score, 0.3)
	assert.Equal(t, ActionAllow, a.Action)
	assert.Empty(t, a.Reasons)
}

func TestScoreImpossibleTravel(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestScorer(t, Options{})

	require.NoError(t, login(s, clk, "bob", "10.0.0.1", "US"))
	clk.Advance(90 * time.Minute)

	a, err := s.Score(ctx, "bob", "10.0.0.1", &Location{Country: "DE"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, a.Score, 0.5)
	assert.Equal(t, ActionRequireMFA, a.Action)
	assert.True(t, a.IsAnomalous)
	assert.Contains(t, a.Reasons, ReasonImpossibleTravel)

	a, err = s.Score(ctx, "bob", "192.0.2.1", &Location{Country: "DE"})
	require.NoError(t, err)
	assert.Equal(t, 0.8, a.Score)
	assert.Equal(t, ActionBlockAndNotify, a.Action)
}

func TestScoreTravelAfterGap(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestScorer(t, Options{})

	require.NoError(t, login(s, clk, "bob", "10.0.0.1", "US"))
	clk.Advance(2 * time.Hour)

	a, err := s.Score(ctx, "bob", "10.0.0.1", &Location{Country: "DE"})
	require.NoError(t, err)
	assert.NotContains(t, a.Reasons, ReasonImpossibleTravel)
}

func TestScoreUnusualHour(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestScorer(t, Options{})

	for i := 0; i < 3; i++ {
		require.NoError(t, login(s, clk, "carol", "10.0.0.1", ""))
		clk.Advance(24 * time.Hour)
	}
	clk.Set(time.Date(2024, 3, 5, 22, 0, 0, 0, time.UTC))

	a, err := s.Score(ctx, "carol", "10.0.0.1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{ReasonUnusualHour}, a.Reasons)
	assert.Equal(t, 0.2, a.Score)
	assert.Equal(t, ActionAllow, a.Action)
}

func TestScoreIgnoresFailedAttempts(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestScorer(t, Options{})

	require.NoError(t, s.Record(ctx, Attempt{UserID: "dave", IP: "10.0.0.1", Success: false, Timestamp: clk.Now()}))

	a, err := s.Score(ctx, "dave", "10.0.0.1", nil)
	require.NoError(t, err)
	assert.Contains(t, a.Reasons, ReasonFirstLogin)
	assert.Contains(t, a.Reasons, ReasonNewIP)
}

func TestScoreKnownIPLookback(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestScorer(t, Options{})

	require.NoError(t, login(s, clk, "erin", "10.0.0.1", ""))
	for i := 0; i < 20; i++ {
		clk.Advance(time.Minute)
		require.NoError(t, login(s, clk, "erin", fmt.Sprintf("10.1.0.%d", i), ""))
	}

	a, err := s.Score(ctx, "erin", "10.0.0.1", nil)
	require.NoError(t, err)
	assert.Contains(t, a.Reasons, ReasonNewIP)
}

func TestHistoryIsBounded(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestScorer(t, Options{HistorySize: 5})

	for i := 0; i < 8; i++ {
		require.NoError(t, login(s, clk, "frank", fmt.Sprintf("10.0.0.%d", i), ""))
		clk.Advance(time.Minute)
	}
	history, err := s.History(ctx, "frank")
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, "10.0.0.7", history[0].IP)
}

func TestScoreCustomWeightsClamped(t *testing.T) {
	s, _ := newTestScorer(t, Options{Weights: Weights{FirstLogin: 0.9, NewIP: 0.9}})

	a, err := s.Score(context.Background(), "gina", "10.0.0.1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, a.Score)
	assert.Equal(t, ActionBlockAndNotify, a.Action)
}

func TestScoreMissingUser(t *testing.T) {
	s, _ := newTestScorer(t, Options{})
	_, err := s.Score(context.Background(), "", "10.0.0.1", nil)
	assert.ErrorIs(t, err, ErrMissingUserID)
}
