package config

import (
	"errors"
	"strings"
	"time"

	"github.com/khanghh/kguard/internal/anomaly"
	"github.com/khanghh/kguard/internal/bruteforce"
	"github.com/khanghh/kguard/internal/mail"
	"github.com/khanghh/kguard/internal/ratelimit"
	"github.com/khanghh/kguard/internal/sms"
	"github.com/khanghh/kguard/params"
	"github.com/spf13/viper"
)

const (
	DefaultListenAddr      = ":3000"
	DefaultSiteName        = "kguard"
	DefaultGeoIPCacheSize  = 4096
	DefaultThreatRetention = 90 * 24 * time.Hour
	DefaultKafkaTopic      = "kguard.threats"
)

var ErrMissingMasterKey = errors.New("masterKey is required")

type MySQLConfig struct {
	Dsn             string   `mapstructure:"dsn"`
	Replicas        []string `mapstructure:"replicas"`
	TablePrefix     string   `mapstructure:"tablePrefix"`
	MaxIdleConns    int      `mapstructure:"maxIdleConns"`
	MaxOpenConns    int      `mapstructure:"maxOpenConns"`
	ConnMaxIdleTime int      `mapstructure:"connMaxIdleTime"`
	ConnMaxLifetime int      `mapstructure:"connMaxLifetime"`
}

// RedisConfig selects the redis storage. An empty URL keeps all state in
// process memory.
type RedisConfig struct {
	URL         string `mapstructure:"url"`
	PoolSize    int    `mapstructure:"poolSize"`
	ClusterMode bool   `mapstructure:"clusterMode"`
}

type MailConfig struct {
	Backend string          `mapstructure:"backend"`
	From    string          `mapstructure:"from"`
	SMTP    mail.SMTPConfig `mapstructure:"smtp"`
}

type SMSConfig struct {
	Backend string            `mapstructure:"backend"`
	Gateway sms.GatewayConfig `mapstructure:"gateway"`
}

type DispatchConfig struct {
	QueueSize  int           `mapstructure:"queueSize"`
	Workers    int           `mapstructure:"workers"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RatePerSec float64       `mapstructure:"ratePerSec"`
	Burst      int           `mapstructure:"burst"`
}

type MFAConfig struct {
	Issuer               string        `mapstructure:"issuer"`
	Period               time.Duration `mapstructure:"period"`
	Digits               int           `mapstructure:"digits"`
	Skew                 int           `mapstructure:"skew"`
	Algorithm            string        `mapstructure:"algorithm"`
	BackupCodeCount      int           `mapstructure:"backupCodeCount"`
	ChallengeTTL         time.Duration `mapstructure:"challengeTTL"`
	ChallengeMaxAttempts int           `mapstructure:"challengeMaxAttempts"`
	TokenTTL             time.Duration `mapstructure:"tokenTTL"`
}

type RateLimitConfig struct {
	Default     ratelimit.Rule            `mapstructure:"default"`
	Endpoints   map[string]ratelimit.Rule `mapstructure:"endpoints"`
	BanDuration time.Duration             `mapstructure:"banDuration"`
}

type GeoIPConfig struct {
	DatabasePath string        `mapstructure:"databasePath"`
	CacheSize    int           `mapstructure:"cacheSize"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type ThreatConfig struct {
	Capacity  int           `mapstructure:"capacity"`
	Retention time.Duration `mapstructure:"retention"`
	Kafka     KafkaConfig   `mapstructure:"kafka"`
}

type AdminConfig struct {
	APIKey            string `mapstructure:"apiKey"`
	RequestsPerMinute int    `mapstructure:"requestsPerMinute"`
}

type Config struct {
	Debug        bool               `mapstructure:"debug"`
	SiteName     string             `mapstructure:"siteName"`
	MasterKey    string             `mapstructure:"masterKey"`
	NodeID       int64              `mapstructure:"nodeID"`
	ListenAddr   string             `mapstructure:"listenAddr"`
	TemplateDir  string             `mapstructure:"templateDir"`
	AllowOrigins []string           `mapstructure:"allowOrigins"`
	Redis        RedisConfig        `mapstructure:"redis"`
	MySQL        MySQLConfig        `mapstructure:"mysql"`
	Mail         MailConfig         `mapstructure:"mail"`
	SMS          SMSConfig          `mapstructure:"sms"`
	Dispatch     DispatchConfig     `mapstructure:"dispatch"`
	MFA          MFAConfig          `mapstructure:"mfa"`
	RateLimit    RateLimitConfig    `mapstructure:"rateLimit"`
	BruteForce   bruteforce.Options `mapstructure:"bruteForce"`
	Anomaly      anomaly.Options    `mapstructure:"anomaly"`
	GeoIP        GeoIPConfig        `mapstructure:"geoip"`
	Threats      ThreatConfig       `mapstructure:"threats"`
	Admin        AdminConfig        `mapstructure:"admin"`
	Maintenance  struct {
		Schedule string `mapstructure:"schedule"`
	} `mapstructure:"maintenance"`
}

func (c *Config) Sanitize() error {
	if c.MasterKey == "" {
		return ErrMissingMasterKey
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.SiteName == "" {
		c.SiteName = DefaultSiteName
	}
	if c.MFA.Issuer == "" {
		c.MFA.Issuer = c.SiteName
	}
	if c.Dispatch.QueueSize <= 0 {
		c.Dispatch.QueueSize = params.DispatchQueueSize
	}
	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = params.DispatchWorkers
	}
	if c.Dispatch.Timeout <= 0 {
		c.Dispatch.Timeout = params.DispatchTimeout
	}
	if c.RateLimit.BanDuration <= 0 {
		c.RateLimit.BanDuration = params.RateLimitBanDuration
	}
	if c.GeoIP.CacheSize <= 0 {
		c.GeoIP.CacheSize = DefaultGeoIPCacheSize
	}
	if c.GeoIP.Timeout <= 0 {
		c.GeoIP.Timeout = params.GeoLookupTimeout
	}
	if c.Threats.Capacity <= 0 {
		c.Threats.Capacity = params.EventLogCapacity
	}
	if c.Threats.Retention <= 0 {
		c.Threats.Retention = DefaultThreatRetention
	}
	if c.Threats.Kafka.Topic == "" {
		c.Threats.Kafka.Topic = DefaultKafkaTopic
	}
	if c.Admin.RequestsPerMinute <= 0 {
		c.Admin.RequestsPerMinute = params.AdminRequestsPerMin
	}
	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = params.MaintenanceSchedule
	}
	c.BruteForce.Sanitize()
	c.Anomaly.Sanitize()
	return nil
}

func LoadConfig(filename string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filename)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Sanitize(); err != nil {
		return nil, err
	}
	return &config, nil
}
