// Package anomaly scores a login against the user's recent successful logins.
package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/khanghh/kguard/internal/clock"
	"github.com/khanghh/kguard/internal/common"
	"github.com/khanghh/kguard/internal/geo"
	"github.com/khanghh/kguard/internal/metrics"
	"github.com/khanghh/kguard/internal/store"
	"github.com/khanghh/kguard/internal/threat"
	"github.com/khanghh/kguard/params"
)

const (
	ReasonFirstLogin       = "first_login"
	ReasonNewIP            = "new_ip"
	ReasonImpossibleTravel = "impossible_travel"
	ReasonUnusualHour      = "unusual_hour"
)

const (
	ActionAllow          = "allow"
	ActionLogAndMonitor  = threat.ActionLogAndMonitor
	ActionRequireMFA     = threat.ActionRequireMFA
	ActionBlockAndNotify = threat.ActionBlockAndNotify
)

var ErrMissingUserID = fmt.Errorf("%w: missing user id", common.ErrInvalidInput)

type Location = geo.Location

type Attempt struct {
	UserID    string    `json:"userID"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"userAgent,omitempty"`
	Success   bool      `json:"success"`
	Location  *Location `json:"location,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Assessment struct {
	Score       float64  `json:"score"`
	Reasons     []string `json:"reasons"`
	Action      string   `json:"action"`
	IsAnomalous bool     `json:"isAnomalous"`
}

type Weights struct {
	FirstLogin       float64 `mapstructure:"firstLogin"`
	NewIP            float64 `mapstructure:"newIP"`
	ImpossibleTravel float64 `mapstructure:"impossibleTravel"`
	UnusualHour      float64 `mapstructure:"unusualHour"`
}

type Thresholds struct {
	Block      float64 `mapstructure:"block"`
	RequireMFA float64 `mapstructure:"requireMFA"`
	Monitor    float64 `mapstructure:"monitor"`
	Anomalous  float64 `mapstructure:"anomalous"`
}

type Options struct {
	Weights         Weights       `mapstructure:"weights"`
	Thresholds      Thresholds    `mapstructure:"thresholds"`
	HistorySize     int           `mapstructure:"historySize"`
	KnownIPLookback int           `mapstructure:"knownIPLookback"`
	TravelGap       time.Duration `mapstructure:"travelGap"`
	HourDeviation   float64       `mapstructure:"hourDeviation"`
}

func DefaultWeights() Weights {
	return Weights{FirstLogin: 0.1, NewIP: 0.3, ImpossibleTravel: 0.5, UnusualHour: 0.2}
}

func DefaultThresholds() Thresholds {
	return Thresholds{Block: 0.8, RequireMFA: 0.5, Monitor: 0.3, Anomalous: 0.5}
}

func (o *Options) Sanitize() {
	if o.Weights == (Weights{}) {
		o.Weights = DefaultWeights()
	}
	if o.Thresholds == (Thresholds{}) {
		o.Thresholds = DefaultThresholds()
	}
	if o.HistorySize <= 0 {
		o.HistorySize = params.LoginHistorySize
	}
	if o.KnownIPLookback <= 0 {
		o.KnownIPLookback = params.KnownIPLookback
	}
	if o.TravelGap <= 0 {
		o.TravelGap = params.ImpossibleTravelGap
	}
	if o.HourDeviation <= 0 {
		o.HourDeviation = params.LoginHourDeviation
	}
}

type Scorer struct {
	clock   clock.Clock
	history store.Storage
	opts    Options
}

// Record appends attempt to the user's history, dropping the oldest entries
// beyond the configured size.
func (s *Scorer) Record(ctx context.Context, attempt Attempt) error {
	if attempt.UserID == "" {
		return ErrMissingUserID
	}
	if attempt.Timestamp.IsZero() {
		attempt.Timestamp = s.clock.Now()
	}
	data, err := json.Marshal(&attempt)
	if err != nil {
		return err
	}
	return s.history.PushCapped(ctx, attempt.UserID, data, s.opts.HistorySize)
}

// History returns the retained attempts of userID, most recent first.
func (s *Scorer) History(ctx context.Context, userID string) ([]Attempt, error) {
	items, err := s.history.Range(ctx, userID)
	if err != nil {
		return nil, err
	}
	attempts := make([]Attempt, 0, len(items))
	for _, item := range items {
		var attempt Attempt
		if err := json.Unmarshal(item, &attempt); err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	return attempts, nil
}

func successful(attempts []Attempt) []Attempt {
	logins := attempts[:0:0]
	for _, a := range attempts {
		if a.Success {
			logins = append(logins, a)
		}
	}
	return logins
}

// Score rates a login from ip at the current time. The history is read, not
// modified.
func (s *Scorer) Score(ctx context.Context, userID, ip string, location *Location) (*Assessment, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	attempts, err := s.History(ctx, userID)
	if err != nil {
		return nil, err
	}
	assessment := s.evaluate(successful(attempts), ip, location, s.clock.Now())
	metrics.AnomalyScores.Observe(assessment.Score)
	return assessment, nil
}

func (s *Scorer) evaluate(logins []Attempt, ip string, location *Location, now time.Time) *Assessment {
	w := s.opts.Weights
	var (
		score   float64
		reasons = []string{}
	)
	if len(logins) == 0 {
		score += w.FirstLogin
		reasons = append(reasons, ReasonFirstLogin)
	}

	known := false
	for i := 0; i < len(logins) && i < s.opts.KnownIPLookback; i++ {
		if logins[i].IP == ip {
			known = true
			break
		}
	}
	if !known {
		score += w.NewIP
		reasons = append(reasons, ReasonNewIP)
	}

	if location != nil && location.Country != "" {
		for _, prev := range logins {
			if prev.Location == nil || prev.Location.Country == "" {
				continue
			}
			if now.Sub(prev.Timestamp) < s.opts.TravelGap && prev.Location.Country != location.Country {
				score += w.ImpossibleTravel
				reasons = append(reasons, ReasonImpossibleTravel)
			}
			break
		}
	}

	if len(logins) > 0 {
		var sum float64
		for _, prev := range logins {
			sum += float64(prev.Timestamp.UTC().Hour())
		}
		mean := sum / float64(len(logins))
		if math.Abs(float64(now.UTC().Hour())-mean) > s.opts.HourDeviation {
			score += w.UnusualHour
			reasons = append(reasons, ReasonUnusualHour)
		}
	}

	score = math.Round(math.Min(math.Max(score, 0), 1)*100) / 100
	return &Assessment{
		Score:       score,
		Reasons:     reasons,
		Action:      s.action(score),
		IsAnomalous: score >= s.opts.Thresholds.Anomalous,
	}
}

func (s *Scorer) action(score float64) string {
	t := s.opts.Thresholds
	switch {
	case score >= t.Block:
		return ActionBlockAndNotify
	case score >= t.RequireMFA:
		return ActionRequireMFA
	case score >= t.Monitor:
		return ActionLogAndMonitor
	}
	return ActionAllow
}

func NewScorer(storage store.Storage, clk clock.Clock, opts Options) *Scorer {
	opts.Sanitize()
	return &Scorer{
		clock:   clk,
		history: store.StorageWithPrefix(storage, params.LoginHistoryKeyPrefix),
		opts:    opts,
	}
}
