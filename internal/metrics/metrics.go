package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MFAVerifications records code checks by method and outcome reason.
	MFAVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_mfa_verifications_total",
			Help: "Total number of MFA code verifications",
		},
		[]string{"method", "result"},
	)

	// ChallengesIssued counts sms/email challenge codes handed to the dispatcher.
	ChallengesIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_mfa_challenges_issued_total",
			Help: "Total number of out-of-band challenges issued",
		},
		[]string{"method"},
	)

	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_dispatch_messages_total",
			Help: "Outbound messages by channel and result (sent|failed|dropped)",
		},
		[]string{"channel", "result"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kguard_dispatch_duration_seconds",
			Help:    "Time spent delivering one outbound message",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	// RequestDecisions counts request checks by decision (allowed|rate_limited|blocked).
	RequestDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_request_decisions_total",
			Help: "Total number of request security decisions",
		},
		[]string{"decision"},
	)

	// LoginVerdicts counts recorded login attempts by verdict status.
	LoginVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_login_verdicts_total",
			Help: "Total number of login attempt verdicts",
		},
		[]string{"status"},
	)

	AnomalyScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kguard_anomaly_score",
			Help:    "Distribution of login anomaly scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
	)

	// Blacklistings counts ip blacklist insertions by reason.
	Blacklistings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_blacklistings_total",
			Help: "Total number of ip blacklist insertions",
		},
		[]string{"reason"},
	)

	ThreatEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_threat_events_total",
			Help: "Total number of threat events appended",
		},
		[]string{"type", "level"},
	)

	GeoLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_geo_lookups_total",
			Help: "Geolocation lookups by result (hit|miss|error|timeout)",
		},
		[]string{"result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kguard_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
