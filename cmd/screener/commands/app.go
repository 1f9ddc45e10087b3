package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/wonny/factorscreen/internal/api/handlers"
	"github.com/wonny/factorscreen/internal/cache"
	"github.com/wonny/factorscreen/internal/contracts"
	"github.com/wonny/factorscreen/internal/datafetch"
	"github.com/wonny/factorscreen/internal/execution"
	"github.com/wonny/factorscreen/internal/external/tushare"
	"github.com/wonny/factorscreen/internal/factor"
	"github.com/wonny/factorscreen/internal/ratelimit"
	"github.com/wonny/factorscreen/internal/requirement"
	"github.com/wonny/factorscreen/internal/strategystore"
	"github.com/wonny/factorscreen/internal/universe"
	"github.com/wonny/factorscreen/pkg/config"
	"github.com/wonny/factorscreen/pkg/database"
	"github.com/wonny/factorscreen/pkg/logger"
	"github.com/wonny/factorscreen/pkg/redis"
)

// marketTZ is the exchange calendar zone; rate-limit windows and default
// dates follow it
const marketTZ = "Asia/Shanghai"

// app holds the wired engine shared by the api and run commands
// ⭐ SSOT: 의존성 조립은 여기서만
type app struct {
	cfg *config.Config
	log *logger.Logger

	db    *database.DB  // nil without DATABASE_URL
	redis *redis.Client // disabled unless REDIS_ENABLED

	cache       *cache.Cache
	limiter     *ratelimit.Limiter
	library     *factor.Library
	analyzer    *requirement.Analyzer
	strategies  handlers.StrategyCatalog
	coordinator *execution.Coordinator
}

// newApp loads config and wires every component. The database and Redis
// are optional; the engine runs in memory without them.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	log := logger.New(cfg)

	a := &app{cfg: cfg, log: log}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, log := a.cfg, a.log
	e := cfg.Engine

	loc, err := time.LoadLocation(marketTZ)
	if err != nil {
		log.WithError(err).Warn("Market timezone unavailable, using UTC")
		loc = time.UTC
	}

	// 1. Storage (optional)
	if cfg.Database.Enabled() {
		db, err := database.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		a.db = db
		if err := db.Migrate(ctx, execution.Schema, strategystore.Schema); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info("Connected to database")
	}

	rc, err := redis.New(cfg)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	a.redis = rc

	// 2. Shared rate limiter + cache
	a.limiter, err = ratelimit.New(contracts.RateLimitPolicy{
		MaxPerMinute: e.RateLimitPerMinute,
		MaxPerHour:   e.RateLimitPerHour,
		MaxPerDay:    e.RateLimitPerDay,
		Concurrent:   e.RateLimitConcurrent,
	}, loc, ratelimit.WithMaxWait(e.RateLimitMaxWait), ratelimit.WithMetrics())
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	opts := []cache.Option{cache.WithLogger(log)}
	if rc.Enabled() {
		opts = append(opts, cache.WithL2(redis.NewCache(rc, "factorscreen")))
		log.Info("Redis L2 cache enabled")
	}
	a.cache = cache.New(e.CacheTTL, e.CacheMaxEntries, opts...)

	// 3. Provider
	if cfg.Tushare.Token == "" {
		log.Warn("TUSHARE_TOKEN is empty; provider calls will be rejected")
	}
	provider := tushare.NewClient(cfg.Tushare, tushare.NewHTTPClient(cfg.Tushare, log), log).
		WithLimiter(a.limiter)

	// 4. Strategy + vocabulary sources
	a.library = factor.NewLibrary()

	vocab := requirement.DefaultVocabulary()
	if e.VocabularyFile != "" {
		if vocab, err = requirement.LoadVocabulary(e.VocabularyFile); err != nil {
			return fmt.Errorf("load vocabulary: %w", err)
		}
	}
	a.analyzer = requirement.NewAnalyzer(vocab)

	switch strategySource {
	case "dir":
		a.strategies = strategystore.NewDirStore(e.StrategyDir, a.library)
	case "postgres":
		if a.db == nil {
			return fmt.Errorf("--strategies=postgres requires DATABASE_URL")
		}
		a.strategies = strategystore.NewPostgresStore(a.db.Pool, a.library)
	default:
		return fmt.Errorf("unknown strategy source %q", strategySource)
	}

	// 5. Pipeline
	fetchCfg := datafetch.DefaultConfig()
	fetchCfg.BatchSize = e.FetchBatchSize
	fetchCfg.Parallelism = e.RateLimitConcurrent
	fetchCfg.CallTimeout = e.FetchCallTimeout
	fetchCfg.MaxRetries = e.FetchMaxRetries
	fetchCfg.FailureThreshold = e.FetchFailureThreshold
	fetchCfg.EventLookbackDays = e.FetchEventLookback

	deps := execution.Deps{
		Strategies: a.strategies,
		Resolver:   universe.NewResolver(provider, e.NewListingDays, log),
		Analyzer:   a.analyzer,
		Fetcher:    datafetch.New(provider, a.cache, a.limiter, fetchCfg, log),
		Engine:     factor.NewEngine(log),
		Limiter:    a.limiter,
	}
	if a.db != nil {
		deps.Archive = execution.NewRepository(a.db.Pool)
	}

	a.coordinator = execution.NewCoordinator(deps, execution.Config{
		MaxExecutionTime: e.MaxExecutionTime,
		LogReturnLimit:   e.LogReturnLimit,
		Location:         loc,
	}, log)

	return nil
}

// Close stops running executions and releases connections
func (a *app) Close() {
	if a.coordinator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.coordinator.Shutdown(ctx); err != nil {
			a.log.WithError(err).Warn("Executions did not stop in time")
		}
		cancel()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
