// Package app wires creditgate's components from a Config. The API server,
// the CLI and the seeder all build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/kelpejol/creditgate/internal/config"
	"github.com/kelpejol/creditgate/internal/generation"
	"github.com/kelpejol/creditgate/internal/ledger"
	"github.com/kelpejol/creditgate/internal/pricing"
	"github.com/kelpejol/creditgate/internal/provider"
	"github.com/kelpejol/creditgate/internal/storage"
	"github.com/kelpejol/creditgate/internal/store/memory"
	"github.com/kelpejol/creditgate/internal/store/sqlstore"
	"github.com/kelpejol/creditgate/internal/sync"
	"github.com/kelpejol/creditgate/internal/tasks"
)

// Task kinds.
const (
	TaskMirrorAccount   = "mirror.sync_account"
	TaskFetchGeneration = "generation.fetch"
)

// Backend is a store holding both ledger and generation records.
type Backend interface {
	ledger.Store
	generation.RecordStore
}

// App holds the wired components.
type App struct {
	Config      *config.Config
	Store       Backend
	Ledger      *ledger.Engine
	Pricing     *pricing.Table
	Providers   *provider.Registry
	Generations *generation.Service
	Sweeper     *generation.Sweeper
	Tasks       *tasks.Queue
	// Mirror is nil when REDIS_ADDR is empty.
	Mirror *sync.Syncer

	log   zerolog.Logger
	redis *redis.Client
	close func() error
}

// Option adjusts wiring, mostly for tests.
type Option func(*options)

type options struct {
	store     Backend
	redis     *redis.Client
	providers *provider.Registry
	uploader  storage.Uploader
}

// WithStore uses s instead of opening the configured driver.
func WithStore(s Backend) Option { return func(o *options) { o.store = s } }

// WithRedis uses rdb for the mirror instead of dialing REDIS_ADDR.
func WithRedis(rdb *redis.Client) Option { return func(o *options) { o.redis = rdb } }

// WithProviders replaces the provider registry built from the config.
func WithProviders(r *provider.Registry) Option { return func(o *options) { o.providers = r } }

// WithUploader replaces the storage uploader built from the config.
func WithUploader(u storage.Uploader) Option { return func(o *options) { o.uploader = u } }

// New builds every component. Background work (task workers, periodic mirror
// sync, the sweeper loop) is not started; see Start.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{Config: cfg, log: logger.With().Str("component", "app").Logger(), close: func() error { return nil }}

	store, closeStore, err := openStore(ctx, cfg, o.store, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.close = closeStore

	a.Tasks = tasks.New(tasks.Config{
		Workers: cfg.TaskWorkers,
		Size:    cfg.TaskQueueSize,
		Timeout: 30 * time.Second,
	}, logger)

	engineOpts := []ledger.Option{ledger.WithTxTimeout(cfg.LedgerTxTimeout)}

	rdb := o.redis
	if rdb == nil && cfg.MirrorEnabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
			PoolSize:     20,
			MinIdleConns: 2,
		})
	}
	if rdb != nil {
		a.redis = rdb
		a.Mirror = sync.NewSyncer(rdb, store, logger)
		a.Tasks.Handle(TaskMirrorAccount, func(ctx context.Context, t tasks.Task) error {
			return a.Mirror.SyncAccount(ctx, t.Key)
		})
		engineOpts = append(engineOpts, ledger.WithCommitHook(a.mirrorAccount))
	}
	a.Ledger = ledger.NewEngine(store, logger, engineOpts...)

	if cfg.PricingFile != "" {
		a.Pricing, err = pricing.Load(cfg.PricingFile)
	} else {
		a.Pricing, err = pricing.Default()
	}
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("load pricing: %w", err)
	}

	a.Providers = o.providers
	if a.Providers == nil {
		a.Providers = buildProviders(cfg, logger)
	}

	uploader := o.uploader
	if uploader == nil {
		if uploader, err = buildUploader(cfg, logger); err != nil {
			a.Close(ctx)
			return nil, err
		}
	}

	a.Generations = generation.NewService(store, a.Ledger, a.Pricing, a.Providers, uploader, logger)
	a.Sweeper = generation.NewSweeper(a.Generations, store, logger, cfg.SweepMinAge, 4)
	a.Tasks.Handle(TaskFetchGeneration, a.fetchGeneration)

	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, given Backend, logger zerolog.Logger) (Backend, func() error, error) {
	noop := func() error { return nil }
	if given != nil {
		return given, noop, nil
	}
	switch cfg.StoreDriver {
	case config.DriverMemory:
		logger.Warn().Msg("using in-memory store, data is lost on restart")
		return memory.New(), noop, nil
	case config.DriverSQLite:
		s, err := sqlstore.OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverPostgres:
		s, err := sqlstore.OpenPostgres(ctx, cfg.PostgresURL, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func buildProviders(cfg *config.Config, logger zerolog.Logger) *provider.Registry {
	reg := provider.NewRegistry()

	fal, err := provider.NewFal(provider.FalConfig{APIKey: cfg.FalAPIKey, BaseURL: cfg.FalBaseURL}, logger)
	if err != nil {
		reg.MarkUnconfigured("fal", "FAL_API_KEY not set")
	} else {
		reg.Register(fal)
	}

	rep, err := provider.NewReplicate(provider.ReplicateConfig{Token: cfg.ReplicateAPIToken, BaseURL: cfg.ReplicateBaseURL}, logger)
	if err != nil {
		reg.MarkUnconfigured("replicate", "REPLICATE_API_TOKEN not set")
	} else {
		reg.Register(rep)
	}
	return reg
}

func buildUploader(cfg *config.Config, logger zerolog.Logger) (storage.Uploader, error) {
	if cfg.StorageDir == "" {
		return storage.Passthrough{}, nil
	}
	l, err := storage.NewLocal(cfg.StorageDir, cfg.StoragePublicURL, logger)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	return l, nil
}

// mirrorAccount is the ledger commit hook. It never blocks the commit path.
func (a *App) mirrorAccount(userID, op string) {
	_, err := a.Tasks.Enqueue(TaskMirrorAccount, userID, nil)
	if err != nil && !errors.Is(err, tasks.ErrDuplicated) {
		a.log.Warn().Err(err).Str("user_id", userID).Str("op", op).Msg("mirror refresh not scheduled")
	}
}

// EnqueueFetch schedules FetchResult for a generation, as requested by a
// provider callback.
func (a *App) EnqueueFetch(userID string, ref generation.Ref) error {
	_, err := a.Tasks.Enqueue(TaskFetchGeneration, userID+"/"+ref.String(), map[string]string{
		"user_id":   userID,
		"record_id": ref.RecordID,
		"task_id":   ref.TaskID,
	})
	if errors.Is(err, tasks.ErrDuplicated) {
		return nil
	}
	return err
}

func (a *App) fetchGeneration(ctx context.Context, t tasks.Task) error {
	ref := generation.Ref{RecordID: t.Payload["record_id"], TaskID: t.Payload["task_id"]}
	res, err := a.Generations.FetchResult(ctx, t.Payload["user_id"], ref)
	switch {
	case errors.Is(err, generation.ErrNotReady):
		// The callback arrived before the result was readable; retry.
		return err
	case errors.Is(err, generation.ErrRecordNotFound), errors.Is(err, generation.ErrInvalidRequest):
		a.log.Warn().Err(err).Str("key", t.Key).Msg("callback for unknown generation ignored")
		return nil
	case err != nil:
		return err
	}
	a.log.Info().
		Str("generation_record_id", res.RecordID).
		Str("status", string(res.Status)).
		Bool("billed", res.Billed).
		Msg("generation fetched from callback")
	return nil
}

// Start launches task workers and, when configured, the periodic mirror sync
// and the sweeper loop.
func (a *App) Start(ctx context.Context) error {
	a.Tasks.Start()
	if a.Mirror != nil {
		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		// A cold mirror only affects dashboards; keep serving.
		if err := a.Mirror.InitializeRedis(initCtx); err != nil {
			a.log.Error().Err(err).Msg("failed to initialize redis mirror")
		}
		a.Mirror.StartPeriodicSync(a.Config.MirrorSyncInterval)
	}
	if a.Config.SweepInterval > 0 {
		a.Sweeper.Start(ctx, a.Config.SweepInterval)
	}
	return nil
}

// Ready checks the store and, when configured, Redis.
func (a *App) Ready(ctx context.Context) error {
	if p, ok := a.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}
	if a.Mirror != nil {
		if err := a.Mirror.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close drains tasks and releases connections. Background loops started by
// Start must be stopped by the caller first (StopBackground).
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Tasks != nil {
		if err := a.Tasks.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain tasks: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := a.close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// StopBackground stops the loops launched by Start.
func (a *App) StopBackground() {
	if a.Mirror != nil {
		a.Mirror.Stop()
	}
	if a.Config.SweepInterval > 0 {
		a.Sweeper.Stop()
	}
}
