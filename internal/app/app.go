// Package app assembles the study circle service from configuration: it
// picks the storage, rail and event adapters the feature flags ask for and
// hands the wired command and query handlers to the API and the scheduler.
package app

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/studycircle/studycircle-hub/config"
	"github.com/studycircle/studycircle-hub/internal/application/command"
	"github.com/studycircle/studycircle-hub/internal/application/eventhandler"
	"github.com/studycircle/studycircle-hub/internal/application/query"
	"github.com/studycircle/studycircle-hub/internal/domain/ledger"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/internal/domain/store"
	"github.com/studycircle/studycircle-hub/internal/infrastructure/messaging"
	"github.com/studycircle/studycircle-hub/internal/infrastructure/persistence/memory"
	"github.com/studycircle/studycircle-hub/internal/infrastructure/persistence/postgres"
	redisstore "github.com/studycircle/studycircle-hub/internal/infrastructure/persistence/redis"
	"github.com/studycircle/studycircle-hub/internal/infrastructure/rail"
	"github.com/studycircle/studycircle-hub/internal/infrastructure/scheduler"
	"github.com/studycircle/studycircle-hub/internal/infrastructure/scheduler/jobs"
	httpapi "github.com/studycircle/studycircle-hub/internal/interface/http"
	"github.com/studycircle/studycircle-hub/internal/interface/http/handlers"
	"github.com/studycircle/studycircle-hub/pkg/logger"
	"github.com/studycircle/studycircle-hub/pkg/timeutil"
)

// storage is what both store adapters provide.
type storage interface {
	store.Store
	store.Repositories
}

// App holds the wired components of one process.
type App struct {
	Config *config.Config
	Logger *logger.Logger

	Store    storage
	Commands *command.Handlers
	Queries  *query.Handlers
	Bus      *messaging.InMemoryEventBus
	Health   *handlers.CompositeHealthChecker

	// Set only when the matching feature is enabled.
	DB        *postgres.Connection
	Redis     *goredis.Client
	Projector *eventhandler.ScoreboardProjector

	clock   timeutil.Clock
	closers []func()
}

// Options adjust New for tests and one-off commands.
type Options struct {
	// Clock defaults to the system clock.
	Clock timeutil.Clock

	// SkipMigrations leaves the schema alone even when AutoMigrate is set.
	SkipMigrations bool
}

// NewLogger builds the process logger from the app config.
func NewLogger(cfg config.AppConfig) *logger.Logger {
	return logger.New(logger.Options{
		Level:       logger.ParseLevel(cfg.LogLevel),
		Development: cfg.Debug,
		AddCaller:   true,
	}).With(
		logger.String("service", cfg.Name),
		logger.String("version", cfg.Version),
	)
}

// New connects the configured backends and wires the handlers. On error
// everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts Options) (_ *App, err error) {
	if log == nil {
		log = logger.Nop()
	}
	a := &App{
		Config: cfg,
		Logger: log,
		Health: handlers.NewCompositeHealthChecker(cfg.App.Version),
		clock:  opts.Clock,
	}
	if a.clock == nil {
		a.clock = timeutil.SystemClock{}
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 1. STORAGE
	// ─────────────────────────────────────────────────────────────────────────
	if err := a.setupStorage(ctx, opts); err != nil {
		return nil, err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	busConfig := messaging.DefaultInMemoryEventBusConfig()
	busConfig.AsyncMode = cfg.Events.Async
	busConfig.WorkerPoolSize = cfg.Events.WorkerPoolSize
	busConfig.QueueSize = cfg.Events.QueueSize
	busConfig.Logger = log
	a.Bus = messaging.NewInMemoryEventBus(busConfig)
	a.Bus.Use(messaging.LoggingMiddleware(log))
	a.onClose(func() {
		if err := a.Bus.Close(); err != nil {
			log.Warn("event bus close failed", logger.Err(err))
		}
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 3. REDIS (stream mirror and scoreboard)
	// ─────────────────────────────────────────────────────────────────────────
	var board *redisstore.Scoreboard
	if cfg.Features.RedisRequired() {
		redisConfig := redisConfigFrom(cfg.Redis)
		a.Redis, err = redisstore.Connect(ctx, redisConfig, log)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.onClose(func() { _ = a.Redis.Close() })
		a.Health.AddOptionalCheck("redis", func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		})

		if cfg.Features.IsEnabled(config.FeatureEventsRedisStream) {
			sink := redisstore.NewStreamSink(a.Redis, redisConfig, log)
			if err := a.Bus.SubscribeAll(sink.Handle); err != nil {
				return nil, fmt.Errorf("subscribe stream sink: %w", err)
			}
			log.Info("mirroring events to redis stream", logger.String("stream", sink.Stream()))
		}
		if cfg.Features.IsEnabled(config.FeatureScoreboardProjection) {
			board = redisstore.NewScoreboard(a.Redis, redisConfig)
			a.Projector = eventhandler.NewScoreboardProjector(a.Store, a.Store, board, log)
			if err := a.Projector.Register(a.Bus); err != nil {
				return nil, fmt.Errorf("register scoreboard projector: %w", err)
			}
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. LEDGER
	// ─────────────────────────────────────────────────────────────────────────
	custodian, err := ledger.NewCustodian([]byte(cfg.Ledger.CustodyKey))
	if err != nil {
		return nil, fmt.Errorf("custodian: %w", err)
	}
	transferRail, err := a.newRail(custodian)
	if err != nil {
		return nil, err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. APPLICATION LAYER
	// ─────────────────────────────────────────────────────────────────────────
	a.Commands, err = command.NewHandlers(command.Deps{
		Store:     a.Store,
		Rail:      transferRail,
		Custodian: custodian,
		Clock:     a.clock,
		Rules:     cfg.Rules,
		Events:    a.Bus,
		Logger:    log,
	})
	if err != nil {
		return nil, fmt.Errorf("command handlers: %w", err)
	}

	queryDeps := query.Deps{Repos: a.Store, Clock: a.clock, Logger: log}
	if board != nil {
		queryDeps.Scoreboard = board
	}
	a.Queries, err = query.NewHandlers(queryDeps)
	if err != nil {
		return nil, fmt.Errorf("query handlers: %w", err)
	}

	log.Info("application wired",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("rail", cfg.Ledger.RailMode),
		logger.Any("features", cfg.Features.EnabledNames()),
	)
	return a, nil
}

func (a *App) setupStorage(ctx context.Context, opts Options) error {
	cfg := a.Config
	if !cfg.Features.IsEnabled(config.FeatureStoragePostgres) {
		a.Logger.Warn("using in-memory storage, state is lost on restart")
		a.Store = memory.NewStore()
		return nil
	}

	conn, err := OpenDatabase(ctx, cfg.Database, a.Logger)
	if err != nil {
		return err
	}
	a.DB = conn
	a.onClose(conn.Close)
	a.Health.AddCheck("postgres", handlers.NewPingCheck(conn))

	if cfg.Database.AutoMigrate && !opts.SkipMigrations {
		applied, err := postgres.NewMigrator(conn).Migrate(ctx)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		a.Logger.Info("migrations applied", logger.Int("count", applied))
	}

	a.Store = postgres.NewStore(conn, a.Logger)
	return nil
}

// OpenDatabase connects to PostgreSQL with the configured pool settings.
func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*postgres.Connection, error) {
	if cfg.URL == "" {
		return nil, errors.New("database url is not configured")
	}
	pgConfig := postgres.DefaultConfig()
	pgConfig.URL = cfg.URL
	pgConfig.MaxConns = int32(cfg.MaxConns)
	pgConfig.MinConns = int32(cfg.MinConns)
	pgConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	pgConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime
	pgConfig.ConnectTimeout = cfg.ConnectTimeout

	conn, err := postgres.NewConnection(ctx, pgConfig, log)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return conn, nil
}

func redisConfigFrom(cfg config.RedisConfig) redisstore.Config {
	rc := redisstore.DefaultConfig()
	rc.Host = cfg.Host
	rc.Port = cfg.Port
	rc.Password = cfg.Password
	rc.DB = cfg.DB
	rc.PoolSize = cfg.PoolSize
	rc.MinIdleConns = cfg.MinIdleConns
	rc.DialTimeout = cfg.DialTimeout
	rc.ReadTimeout = cfg.ReadTimeout
	rc.WriteTimeout = cfg.WriteTimeout
	rc.KeyPrefix = cfg.KeyPrefix
	rc.StreamMaxLen = cfg.StreamMaxLen
	return rc
}

func (a *App) newRail(custodian *ledger.Custodian) (ledger.Rail, error) {
	cfg := a.Config.Ledger
	switch cfg.RailMode {
	case config.RailHTTP:
		limits := rail.DefaultRateLimiterConfig()
		limits.RequestsPerSecond = float64(cfg.RailRequestsPerSecond)
		limits.BurstSize = cfg.RailBurst

		hr := rail.NewHTTPRail(rail.HTTPRailConfig{
			BaseURL:   cfg.RailURL,
			APIKey:    cfg.RailAPIKey,
			Timeout:   cfg.RailTimeout,
			RateLimit: limits,
		}, custodian, a.Logger)
		// An open breaker degrades health but keeps reads available.
		a.Health.AddOptionalCheck("transfer_rail", hr.Check)
		return hr, nil
	case config.RailMemory:
		mr := rail.NewMemoryRail(custodian, a.Logger)
		for account, amount := range cfg.DevBalances {
			id, err := shared.NewAccountID(account)
			if err != nil {
				return nil, fmt.Errorf("dev balance: %w", err)
			}
			mr.Credit(id, shared.Amount(amount))
		}
		return mr, nil
	default:
		return nil, fmt.Errorf("unknown rail mode %q", cfg.RailMode)
	}
}

// NewServer builds the HTTP API on top of the wired handlers.
func (a *App) NewServer() (*httpapi.Server, error) {
	cfg := a.Config
	auth, err := httpapi.NewAuthenticator(AuthConfigFrom(cfg.Auth))
	if err != nil {
		return nil, err
	}

	serverConfig := httpapi.DefaultConfig()
	serverConfig.Host = cfg.HTTP.Host
	serverConfig.Port = cfg.HTTP.Port
	serverConfig.ReadTimeout = cfg.HTTP.ReadTimeout
	serverConfig.WriteTimeout = cfg.HTTP.WriteTimeout
	serverConfig.IdleTimeout = cfg.HTTP.IdleTimeout
	serverConfig.RequestTimeout = cfg.HTTP.RequestTimeout
	serverConfig.MaxBodyBytes = cfg.HTTP.MaxBodyBytes
	serverConfig.EnableCORS = cfg.HTTP.EnableCORS
	serverConfig.AllowedOrigins = cfg.HTTP.AllowedOrigins
	serverConfig.RateLimitPerMinute = cfg.HTTP.RateLimitPerMinute
	serverConfig.Version = cfg.App.Version

	return httpapi.NewServer(serverConfig, httpapi.Dependencies{
		Commands:      a.Commands,
		Queries:       a.Queries,
		Auth:          auth,
		HealthChecker: a.Health,
		Logger:        a.Logger,
	})
}

// AuthConfigFrom converts the env settings into the API's token settings.
func AuthConfigFrom(cfg config.AuthConfig) httpapi.AuthConfig {
	return httpapi.AuthConfig{
		Secret:   []byte(cfg.Secret),
		Issuer:   cfg.Issuer,
		TokenTTL: cfg.TokenTTL,
		Leeway:   cfg.Leeway,
	}
}

// NewScheduler registers the background jobs the feature flags enable.
// The returned scheduler is not started.
func (a *App) NewScheduler() (*scheduler.Scheduler, error) {
	cfg := a.Config
	schedConfig := scheduler.DefaultSchedulerConfig()
	schedConfig.Logger = a.Logger
	schedConfig.Timezone = cfg.App.Location
	schedConfig.JobTimeout = cfg.Scheduler.JobTimeout
	s := scheduler.NewScheduler(schedConfig)

	if cfg.Features.IsEnabled(config.FeatureSchedulerProposalSweeper) {
		caller, err := shared.NewAccountID(cfg.Scheduler.SweepCaller)
		if err != nil {
			return nil, fmt.Errorf("sweep caller: %w", err)
		}
		sweep := jobs.NewSweepProposalsJob(a.Store, a.Commands.ExecuteProposal, a.clock, a.Logger, jobs.SweepProposalsConfig{
			BatchSize:  cfg.Scheduler.SweepBatchSize,
			MaxBatches: cfg.Scheduler.SweepMaxBatches,
			Caller:     caller,
		})
		if err := s.Register(sweep, cfg.Scheduler.SweepProposalsSpec); err != nil {
			return nil, err
		}
	}

	if a.Projector != nil && cfg.Features.IsEnabled(config.FeatureSchedulerScoreboardRebuild) {
		rebuild := jobs.NewRebuildScoreboardJob(a.Projector)
		if err := s.Register(rebuild, cfg.Scheduler.RebuildScoreboardSpec); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases everything New opened, in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
