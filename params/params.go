package params

import "time"

const (
	ServerBodyLimit    = 1048576 // 1 MiB
	ServerIdleTimeout  = 30 * time.Second
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 10 * time.Second

	ChallengeKeyPrefix        = "c:"  // pending sms/email challenges
	ChallengeAttemptKeyPrefix = "ca:" // verification attempts per pending challenge
	BackupCodeKeyPrefix       = "b:"  // backup code hashes per user
	TOTPUsedKeyPrefix         = "tu:" // accepted totp counters per user
	BlacklistKeyPrefix        = "bl:" // blacklisted ips
	RateLimitKeyPrefix        = "rl:" // fixed window counters
	BruteForceKeyPrefix       = "bf:" // sliding window failures
	LoginHistoryKeyPrefix     = "lh:" // per user login history
	MFATokenKeyPrefix         = "mt:" // unredeemed step-up tokens

	TOTPIssuer            = "kguard"
	TOTPPeriod            = 30 // seconds per time step
	TOTPDigits            = 6
	TOTPSkew              = 1  // accepted steps before and after the current one
	TOTPSecretSize        = 20 // 160 bits
	TOTPQRCodeSize        = 256
	BackupCodeCount       = 10
	BackupCodeLength      = 8
	ChallengeCodeLength   = 6
	ChallengeExpiration   = 10 * time.Minute // sms/email code validity
	ChallengeMaxAttempts  = 5                // verification attempts per issued challenge
	MFATokenExpiration    = 5 * time.Minute  // step-up token validity after a successful verification
	RateLimitWindow       = time.Minute
	RateLimitMax          = 100
	RateLimitBanDuration  = time.Hour
	BruteForceWindow      = 15 * time.Minute
	BruteForceThreshold   = 5
	BruteForceBanDuration = 24 * time.Hour
	LoginHistorySize      = 50               // login attempts retained per user
	KnownIPLookback       = 20               // most recent logins considered as known ips
	ImpossibleTravelGap   = 2 * time.Hour    // max gap between logins in different countries
	LoginHourDeviation    = 6                // hours away from the mean login hour
	EventLogCapacity      = 10000            // threat events retained in memory
	GeoLookupTimeout      = 200 * time.Millisecond
	DispatchTimeout       = 10 * time.Second // per message delivery timeout
	DispatchQueueSize     = 1024
	DispatchWorkers       = 4
	AdminRequestsPerMin   = 120
	MaintenanceSchedule   = "@every 5m"
	HealthCheckServerAddr = ":3001" // health check server address
)
