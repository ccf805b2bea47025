package main

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/storage/memory/v2"
	"github.com/gofiber/storage/redis/v3"
	"github.com/khanghh/kguard/internal/anomaly"
	"github.com/khanghh/kguard/internal/bruteforce"
	"github.com/khanghh/kguard/internal/clock"
	"github.com/khanghh/kguard/internal/common"
	"github.com/khanghh/kguard/internal/config"
	"github.com/khanghh/kguard/internal/defense"
	"github.com/khanghh/kguard/internal/dispatch"
	"github.com/khanghh/kguard/internal/geo"
	"github.com/khanghh/kguard/internal/handlers/api"
	"github.com/khanghh/kguard/internal/mail"
	"github.com/khanghh/kguard/internal/maintenance"
	"github.com/khanghh/kguard/internal/middlewares"
	"github.com/khanghh/kguard/internal/middlewares/guard"
	"github.com/khanghh/kguard/internal/ratelimit"
	"github.com/khanghh/kguard/internal/render"
	"github.com/khanghh/kguard/internal/reputation"
	"github.com/khanghh/kguard/internal/sms"
	"github.com/khanghh/kguard/internal/store"
	"github.com/khanghh/kguard/internal/threat"
	"github.com/khanghh/kguard/internal/totp"
	"github.com/khanghh/kguard/internal/twofactor"
	"github.com/khanghh/kguard/internal/users"
	"github.com/khanghh/kguard/model"
	"github.com/khanghh/kguard/params"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/urfave/cli/v2"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
	"gorm.io/plugin/dbresolver"
)

var (
	app       *cli.App
	gitCommit string
	gitDate   string
	gitTag    string
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "YAML config file",
		Value: "config.yaml",
	}
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Enable debug logging",
	}
)

func init() {
	app = cli.NewApp()
	app.EnableBashCompletion = true
	app.Usage = "kguard - MFA and threat detection service"
	app.Flags = []cli.Flag{
		configFileFlag,
		debugFlag,
	}
	app.Commands = []*cli.Command{
		{
			Name: "version",
			Action: func(ctx *cli.Context) error {
				fmt.Println(params.VersionWithCommit(gitCommit, gitDate))
				return nil
			},
		},
	}
	app.Action = run
}

func mustInitLogger(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

// normalizeDSN forces time parsing in UTC, which the enrollment and threat
// tables rely on.
func normalizeDSN(dsn string) (string, error) {
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

func mustOpenDialector(dsn string) gorm.Dialector {
	normalized, err := normalizeDSN(dsn)
	if err != nil {
		slog.Error("Invalid mysql dsn", "error", err)
		os.Exit(1)
	}
	return mysql.Open(normalized)
}

func mustInitDatabase(dbConfig config.MySQLConfig) *gorm.DB {
	db, err := gorm.Open(mustOpenDialector(dbConfig.Dsn), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			TablePrefix:   dbConfig.TablePrefix,
			SingularTable: true,
		},
	})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if len(dbConfig.Replicas) > 0 {
		replicas := make([]gorm.Dialector, 0, len(dbConfig.Replicas))
		for _, dsn := range dbConfig.Replicas {
			replicas = append(replicas, mustOpenDialector(dsn))
		}
		resolver := dbresolver.Register(dbresolver.Config{
			Replicas: replicas,
			Policy:   dbresolver.RandomPolicy{},
		}).
			SetMaxIdleConns(dbConfig.MaxIdleConns).
			SetMaxOpenConns(dbConfig.MaxOpenConns).
			SetConnMaxIdleTime(time.Duration(dbConfig.ConnMaxIdleTime) * time.Second).
			SetConnMaxLifetime(time.Duration(dbConfig.ConnMaxLifetime) * time.Second)
		if err := db.Use(resolver); err != nil {
			slog.Error("Failed to register read replicas", "error", err)
			os.Exit(1)
		}
	}

	if sqlDB, err := db.DB(); err == nil {
		if dbConfig.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(dbConfig.MaxIdleConns)
		}
		if dbConfig.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(dbConfig.MaxOpenConns)
		}
		sqlDB.SetConnMaxIdleTime(time.Duration(dbConfig.ConnMaxIdleTime) * time.Second)
		sqlDB.SetConnMaxLifetime(time.Duration(dbConfig.ConnMaxLifetime) * time.Second)
	}

	if err := model.AutoMigrate(db); err != nil {
		slog.Error("Database migration failed", "error", err)
		os.Exit(1)
	}

	return db
}

// storageBackend bundles the state storage with the fiber storage used by the
// admin throttle. rdb is nil for the in-memory backend.
type storageBackend struct {
	state  store.Storage
	fiber  fiber.Storage
	rdb    goredis.UniversalClient
	memory *store.MemoryStorage
}

func mustInitStorage(redisCfg config.RedisConfig, clk clock.Clock) *storageBackend {
	if redisCfg.URL == "" {
		slog.Warn("Redis is not configured, state is kept in process memory")
		memStorage := store.NewMemoryStorage(clk)
		return &storageBackend{
			state:  memStorage,
			fiber:  memory.New(),
			memory: memStorage,
		}
	}
	redisStorage := redis.New(redis.Config{
		URL:           redisCfg.URL,
		PoolSize:      redisCfg.PoolSize,
		IsClusterMode: redisCfg.ClusterMode,
	})
	return &storageBackend{
		state: store.NewRedisStorage(redisStorage.Conn()),
		fiber: redisStorage,
		rdb:   redisStorage.Conn(),
	}
}

func mustInitMailTransport(mailCfg config.MailConfig, renderer *render.Renderer) dispatch.Transport {
	switch mailCfg.Backend {
	case "":
		slog.Warn("Mail backend is not configured, email challenges are disabled")
		return nil
	case "smtp":
		sender, err := mail.NewSMTPMailSender(mailCfg.SMTP, mailCfg.From)
		if err != nil {
			slog.Error("Failed to init SMTP mail sender", "error", err)
			os.Exit(1)
		}
		return mail.NewTransport(sender, renderer)
	}
	slog.Error("Unsupported mail sender backend", "backend", mailCfg.Backend)
	os.Exit(1)
	return nil
}

func mustInitSMSTransport(smsCfg config.SMSConfig, timeout time.Duration, renderer *render.Renderer) dispatch.Transport {
	switch smsCfg.Backend {
	case "":
		slog.Warn("SMS backend is not configured, sms challenges are disabled")
		return nil
	case "gateway":
		return sms.NewGatewayTransport(smsCfg.Gateway, &http.Client{Timeout: timeout}, renderer)
	}
	slog.Error("Unsupported sms backend", "backend", smsCfg.Backend)
	os.Exit(1)
	return nil
}

func mustInitDispatcher(cfg *config.Config) *dispatch.Dispatcher {
	renderer, err := render.New(map[string]any{"siteName": cfg.SiteName}, cfg.TemplateDir)
	if err != nil {
		slog.Error("Failed to load message templates", "error", err)
		os.Exit(1)
	}
	transports := make(map[dispatch.Channel]dispatch.Transport)
	if t := mustInitMailTransport(cfg.Mail, renderer); t != nil {
		transports[dispatch.ChannelEmail] = t
	}
	if t := mustInitSMSTransport(cfg.SMS, cfg.Dispatch.Timeout, renderer); t != nil {
		transports[dispatch.ChannelSMS] = t
	}
	return dispatch.New(dispatch.Options{
		QueueSize:  cfg.Dispatch.QueueSize,
		Workers:    cfg.Dispatch.Workers,
		Timeout:    cfg.Dispatch.Timeout,
		RatePerSec: cfg.Dispatch.RatePerSec,
		Burst:      cfg.Dispatch.Burst,
	}, transports)
}

func mustInitLocator(geoCfg config.GeoIPConfig) (geo.Locator, func()) {
	if geoCfg.DatabasePath == "" {
		slog.Warn("GeoIP database is not configured, impossible travel detection relies on client locations")
		return nil, func() {}
	}
	mm, err := geo.OpenMaxMind(geoCfg.DatabasePath)
	if err != nil {
		slog.Error("Failed to open GeoIP database", "path", geoCfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	cached, err := geo.NewCachedLocator(mm, geoCfg.CacheSize)
	if err != nil {
		slog.Error("Failed to init GeoIP cache", "error", err)
		os.Exit(1)
	}
	return cached, func() { mm.Close() }
}

func initThreatSinks(threatCfg config.ThreatConfig, archive threat.ThreatEventRepository) ([]threat.Sink, func()) {
	sinks := []threat.Sink{archive}
	if len(threatCfg.Kafka.Brokers) == 0 {
		return sinks, func() {}
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(threatCfg.Kafka.Brokers...),
		Topic:        threatCfg.Kafka.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
	}
	sinks = append(sinks, threat.NewKafkaSink(writer))
	return sinks, func() {
		if err := writer.Close(); err != nil {
			slog.Error("Failed to close kafka writer", "error", err)
		}
	}
}

func adminKeyValidator(apiKey string) func(*fiber.Ctx, string) (bool, error) {
	return func(_ *fiber.Ctx, key string) (bool, error) {
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
			return true, nil
		}
		return false, keyauth.ErrMissingOrMalformedAPIKey
	}
}

func setupAPIRoutes(
	router fiber.Router,
	cfg *config.Config,
	limiterStorage fiber.Storage,
	twoFactorService *twofactor.TwoFactorService,
	defenseGuard *defense.Guard) {

	// handlers
	var (
		mfaHandler      = api.NewMFAHandler(twoFactorService)
		securityHandler = api.NewSecurityHandler(defenseGuard)
	)

	// routes
	router.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	v1 := router.Group("/api/v1")
	api.RegisterMFARoutes(v1.Group("/mfa"), mfaHandler, guard.New(guard.Config{Checker: defenseGuard}))

	security := v1.Group("/security")
	if cfg.Admin.APIKey != "" {
		security.Use(keyauth.New(keyauth.Config{
			KeyLookup: "header:X-Admin-Key",
			Validator: adminKeyValidator(cfg.Admin.APIKey),
		}))
	}
	security.Use(limiter.New(limiter.Config{
		Max:        cfg.Admin.RequestsPerMinute,
		Expiration: time.Minute,
		Storage:    limiterStorage,
		LimitReached: func(ctx *fiber.Ctx) error {
			return defense.ErrRequestRateLimited
		},
	}))
	api.RegisterSecurityRoutes(security, securityHandler)
}

func run(ctx *cli.Context) error {
	config, err := config.LoadConfig(ctx.String(configFileFlag.Name))
	if err != nil {
		slog.Error("Could not load config file.", "error", err)
		return err
	}

	mustInitLogger(config.Debug || ctx.IsSet(debugFlag.Name))
	if err := model.SetNode(config.NodeID); err != nil {
		slog.Error("Invalid snowflake node id", "nodeID", config.NodeID, "error", err)
		return err
	}

	clk := clock.New()
	db := mustInitDatabase(config.MySQL)
	storage := mustInitStorage(config.Redis, clk)
	dispatcher := mustInitDispatcher(config)
	locator, closeLocator := mustInitLocator(config.GeoIP)
	defer closeLocator()

	// repositories
	var (
		enrollmentRepo = users.NewEnrollmentRepository(db)
		threatRepo     = threat.NewThreatEventRepository(db)
	)
	sinks, closeSinks := initThreatSinks(config.Threats, threatRepo)
	defer closeSinks()

	// services
	var (
		events      = threat.NewLog(clk, config.Threats.Capacity, sinks...)
		blacklist   = reputation.NewStore(storage.state, clk)
		rateLimiter = ratelimit.NewLimiter(storage.state, clk, ratelimit.Options{
			Default:   config.RateLimit.Default,
			Endpoints: config.RateLimit.Endpoints,
		})
		detector     = bruteforce.NewDetector(storage.state, clk, blacklist, events, config.BruteForce)
		scorer       = anomaly.NewScorer(storage.state, clk, config.Anomaly)
		defenseGuard = defense.NewGuard(clk, rateLimiter, blacklist, detector, scorer, events, locator, defense.Options{
			RateLimitBanDuration: config.RateLimit.BanDuration,
			GeoTimeout:           config.GeoIP.Timeout,
			Archive:              threatRepo,
		})
	)
	twoFactorService, err := twofactor.NewTwoFactorService(twofactor.Options{
		MasterKey: config.MasterKey,
		Issuer:    config.MFA.Issuer,
		TOTP: totp.Options{
			Period:    config.MFA.Period,
			Digits:    config.MFA.Digits,
			Skew:      config.MFA.Skew,
			Algorithm: config.MFA.Algorithm,
		},
		BackupCodeCount: config.MFA.BackupCodeCount,
		Challenge: twofactor.ChallengeOptions{
			TTL:         config.MFA.ChallengeTTL,
			MaxAttempts: config.MFA.ChallengeMaxAttempts,
		},
		TokenTTL: config.MFA.TokenTTL,
	}, storage.state, enrollmentRepo, dispatcher, clk)
	if err != nil {
		slog.Error("Failed to init MFA service", "error", err)
		return err
	}

	// background workers
	dispatcher.Start(ctx.Context)
	defer dispatcher.Stop()
	events.Start(ctx.Context)
	defer events.Stop()

	cleanerOpts := []maintenance.Option{
		maintenance.WithSchedule(config.Maintenance.Schedule),
		maintenance.WithBlacklist(blacklist),
		maintenance.WithEventRetention(threatRepo, config.Threats.Retention),
	}
	if storage.memory != nil {
		cleanerOpts = append(cleanerOpts, maintenance.WithStorage(storage.memory))
	}
	cleaner := maintenance.NewCleaner(clk, cleanerOpts...)
	if err := cleaner.Start(); err != nil {
		slog.Error("Failed to schedule maintenance", "error", err)
		return err
	}
	defer func() { <-cleaner.Stop().Done() }()

	router := fiber.New(fiber.Config{
		Prefork:       false,
		CaseSensitive: true,
		BodyLimit:     params.ServerBodyLimit,
		IdleTimeout:   params.ServerIdleTimeout,
		ReadTimeout:   params.ServerReadTimeout,
		WriteTimeout:  params.ServerWriteTimeout,
		ErrorHandler:  middlewares.ErrorHandler,
	})

	router.Use(recover.New())
	router.Use(logger.New())
	router.Use(middlewares.RequestMetrics())
	router.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(config.AllowOrigins, ", "),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Admin-Key, X-User-ID",
	}))

	setupAPIRoutes(router, config, storage.fiber, twoFactorService, defenseGuard)

	healthCheckCtx, term := context.WithCancel(ctx.Context)
	done := make(chan struct{})
	go common.StartHealthCheckServer(healthCheckCtx, done, storage.rdb, db)
	defer func() {
		term()
		<-done
	}()
	return router.Listen(config.ListenAddr)
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
