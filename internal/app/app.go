package app

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/valyala/fasthttp"

	"convodb/internal/compaction"
	"convodb/pkg/api/auth"
	"convodb/pkg/config"
	"convodb/pkg/convindex"
	"convodb/pkg/coordinator"
	"convodb/pkg/logger"
	"convodb/pkg/messagelog"
	"convodb/pkg/retry"
	"convodb/pkg/state"
	"convodb/pkg/store"
	"convodb/pkg/store/pebblestore"
	"convodb/pkg/store/redisstore"
)

// App groups server state and components.
type App struct {
	eff       config.EffectiveConfigResult
	paths     state.Paths
	version   string
	commit    string
	buildDate string

	backend store.Backend
	pebble  *pebblestore.Backend // nil on redis

	log        *messagelog.Log
	index      *convindex.Index
	retry      *retry.Queue
	coord      *coordinator.Coordinator
	compaction *compaction.Runner
	limiter    *auth.LimiterPool

	srvFast *fasthttp.Server
	ready   atomic.Bool
	cancel  context.CancelFunc
	stopBg  context.CancelFunc
}

type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// New opens the backend and builds every component. Nothing runs until Run.
// The caller must have created the state directories.
func New(ctx context.Context, eff config.EffectiveConfigResult, paths state.Paths, bi BuildInfo) (*App, error) {
	cfg := eff.Config
	a := &App{eff: eff, paths: paths, version: bi.Version, commit: bi.Commit, buildDate: bi.BuildDate}

	messagesCL, err := store.ParseConsistency(cfg.Storage.Consistency.Messages)
	if err != nil {
		return nil, err
	}
	indexCL, err := store.ParseConsistency(cfg.Storage.Consistency.Index)
	if err != nil {
		return nil, err
	}
	retriesCL, err := store.ParseConsistency(cfg.Storage.Consistency.Retries)
	if err != nil {
		return nil, err
	}

	switch cfg.Storage.Backend {
	case "redis":
		b, err := redisstore.Open(ctx, redisstore.Options{
			URL:      cfg.Storage.Redis.URL,
			Replicas: cfg.Storage.Redis.Replicas,
			Timeout:  cfg.Storage.Redis.Timeout.Duration(),
		})
		if err != nil {
			return nil, errors.Wrap(err, "open redis backend")
		}
		a.backend = b
	default:
		b, err := pebblestore.Open(pebblestore.Options{Path: paths.Store, DisableWAL: cfg.Storage.DisableWAL})
		if err != nil {
			return nil, err
		}
		a.backend, a.pebble = b, b
	}

	a.log = messagelog.New(a.backend, messagelog.Options{Consistency: messagesCL})
	a.index = convindex.New(a.backend, convindex.Options{Consistency: indexCL})
	a.retry = retry.New(a.backend, a.index, retry.Options{
		Capacity:       cfg.Retry.Capacity,
		Workers:        cfg.Retry.Workers,
		RPS:            cfg.Retry.RPS,
		Burst:          cfg.Retry.Burst,
		InitialBackoff: cfg.Retry.InitialBackoff.Duration(),
		MaxBackoff:     cfg.Retry.MaxBackoff.Duration(),
		MaxAttempts:    cfg.Retry.MaxAttempts,
		PollInterval:   cfg.Retry.PollInterval.Duration(),
		AttemptTimeout: cfg.Coordinator.FanoutTimeout.Duration(),
		Consistency:    retriesCL,
	})
	a.coord = coordinator.New(a.log, a.index, a.retry, coordinator.Options{
		FanoutTimeout:     cfg.Coordinator.FanoutTimeout.Duration(),
		FanoutConcurrency: cfg.Coordinator.FanoutConcurrency,
		PreviewLength:     cfg.Messages.PreviewLength,
		MaxBodyBytes:      int(cfg.Messages.MaxBodyBytes.Int64()),
	})
	if cfg.Compaction.Enabled {
		a.compaction = compaction.New(a.index, compaction.Options{
			Cron:      cfg.Compaction.Cron,
			BatchSize: cfg.Compaction.BatchSize,
			DryRun:    cfg.Compaction.DryRun,
			LockTTL:   cfg.Compaction.LockTTL.Duration(),
			LockDir:   paths.Compaction,
		})
	}
	a.limiter = auth.NewLimiterPool(auth.Config{RPS: cfg.Server.RateLimit.RPS, Burst: cfg.Server.RateLimit.Burst})

	a.logDurabilitySummary()
	return a, nil
}

// Start recovers pending retries and starts background work; the app is
// ready once it returns.
func (a *App) Start(ctx context.Context) {
	ctx, a.stopBg = context.WithCancel(ctx)
	a.retry.Start()
	if a.compaction != nil {
		a.compaction.Start(ctx)
	}
	a.ready.Store(true)
}

// Run starts background work and the HTTP server, and blocks until ctx is
// done or the server fails.
func (a *App) Run(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	a.printBanner()
	errCh := a.startHTTP()
	a.Start(ctx)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops accepting requests, drains the retry workers and closes the
// backend. Persisted retries survive for the next start.
func (a *App) Shutdown(ctx context.Context) error {
	a.ready.Store(false)
	if a.cancel != nil {
		a.cancel()
	}
	if a.stopBg != nil {
		a.stopBg()
	}
	var errs error
	if a.srvFast != nil {
		if err := a.srvFast.Shutdown(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "http shutdown"))
		}
	}
	a.limiter.Shutdown()
	if err := a.retry.Close(ctx); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "retry queue close"))
	}
	if a.pebble != nil {
		if err := a.pebble.Flush(); err != nil {
			logger.Warn("pebble_flush_failed", "error", err)
		}
	}
	if err := a.backend.Close(); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "backend close"))
	}
	logger.Info("shutdown_complete", "error", errs)
	return errs
}
