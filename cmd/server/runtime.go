package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"warfront/internal/adapter/metrics/inmemory"
	"warfront/internal/adapter/metrics/multi"
	"warfront/internal/adapter/metrics/prom"
	"warfront/internal/adapter/primary/memory"
	"warfront/internal/adapter/primary/redisstore"
	gormrepo "warfront/internal/adapter/repo/gorm"
	memrepo "warfront/internal/adapter/repo/memory"
	"warfront/internal/app/battle"
	"warfront/internal/app/command"
	"warfront/internal/app/entitycache"
	"warfront/internal/app/persistence"
	"warfront/internal/app/ports"
	"warfront/internal/app/reservation"
	"warfront/internal/app/sideeffect"
	"warfront/internal/platform/config"
)

// primaryStore is every primary-store port; both backends implement all of them.
type primaryStore interface {
	ports.EntityStore
	ports.Streams
	ports.CommandMarkers
	ports.CommandResultStore
	ports.CommandSteps
	ports.Reservations
	ports.Invalidations
	ports.EventPublisher
	ports.BattleStore
}

var (
	_ primaryStore = (*memory.Store)(nil)
	_ primaryStore = (*redisstore.Store)(nil)
)

type runtime struct {
	cfg     config.Config
	log     zerolog.Logger
	primary primaryStore
	durable ports.DurableStore
	kpi     *inmemory.Recorder
	prom    *prom.Collectors
	metrics multi.Recorder
	effects *sideeffect.Dispatcher
	closers []func() error
}

func newRuntime(ctx context.Context, cfg config.Config, log zerolog.Logger) (*runtime, error) {
	rt := &runtime{
		cfg:     cfg,
		log:     log,
		kpi:     inmemory.NewRecorder(),
		prom:    prom.New(),
		effects: sideeffect.NewDispatcher(1024, 5*time.Second, log),
	}
	rt.metrics = multi.Recorder{rt.kpi, rt.prom}

	switch cfg.Backend {
	case config.BackendMemory:
		rt.primary = memory.NewStore(memory.Options{
			ChangeLogStream: cfg.Streams.ChangeLog,
			StreamMaxLen:    cfg.Streams.MaxLen,
		})
	default:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			DB:       cfg.Redis.DB,
			Password: cfg.Redis.Password,
		})
		store := redisstore.New(rdb, redisstore.Options{
			ChangeLogStream: cfg.Streams.ChangeLog,
			StreamMaxLen:    cfg.Streams.MaxLen,
		})
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, eris.Wrapf(err, "connect redis %s", cfg.Redis.Addr)
		}
		rt.primary = store
		rt.closers = append(rt.closers, store.Close)
	}
	return rt, nil
}

// openDurable connects the durable store. Without a DSN an in-process store
// is used, which only makes sense for local runs.
func (rt *runtime) openDurable() error {
	if rt.durable != nil {
		return nil
	}
	if rt.cfg.Postgres.DSN == "" {
		rt.log.Warn().Msg("no postgres DSN configured, durable writes stay in process memory")
		rt.durable = memrepo.NewDocumentStore()
		return nil
	}
	db, err := gormrepo.OpenPostgres(rt.cfg.Postgres.DSN, gormrepo.PoolOptions{
		MaxOpenConns: rt.cfg.Postgres.MaxOpenConns,
		MaxIdleConns: rt.cfg.Postgres.MaxIdleConns,
	})
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		rt.closers = append(rt.closers, sqlDB.Close)
	}
	rt.durable = gormrepo.NewDocumentRepo(db)
	return nil
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.log.Warn().Err(err).Msg("close")
		}
	}
}

func (rt *runtime) cache() entitycache.Cache {
	return entitycache.Cache{
		Store:         rt.primary,
		Invalidations: rt.primary,
		Effects:       rt.effects,
		Log:           rt.log.With().Str("component", "entitycache").Logger(),
	}
}

func (rt *runtime) submitter() command.Submitter {
	s := command.Submitter{Streams: rt.primary, Stream: rt.cfg.Streams.Commands, Strict: true}
	if rt.cfg.Streams.ActorRate > 0 {
		s.Limiter = command.NewActorLimiter(rt.cfg.Streams.ActorRate, rt.cfg.Streams.ActorBurst)
	}
	return s
}

func (rt *runtime) worker(cache entitycache.Cache) command.Worker {
	wc := command.DefaultWorkerConfig()
	wc.Stream = rt.cfg.Streams.Commands
	wc.Consumer = consumerName("worker")
	wc.BatchSize = rt.cfg.Streams.CommandBatch
	wc.Block = rt.cfg.Streams.Block
	wc.ReclaimIdle = rt.cfg.Streams.ReclaimIdle
	wc.MaxDeliveries = rt.cfg.Streams.MaxDeliveries
	wc.MarkerLease = rt.cfg.Dedup.MarkerLease
	wc.MarkerTTL = rt.cfg.Dedup.MarkerTTL
	wc.ResultTTL = rt.cfg.Dedup.ResultTTL
	return command.Worker{
		Streams: rt.primary,
		Markers: rt.primary,
		Results: rt.primary,
		Steps:   rt.primary,
		Cache:   cache,
		Metrics: rt.metrics,
		Config:  wc,
		Log:     rt.log.With().Str("component", "worker").Logger(),
	}
}

func (rt *runtime) daemon() persistence.Daemon {
	dc := persistence.DefaultConfig()
	dc.Stream = rt.cfg.Streams.ChangeLog
	dc.Consumer = consumerName("persist")
	dc.BatchSize = rt.cfg.Streams.PersistBatch
	dc.Block = rt.cfg.Streams.Block
	dc.ReclaimIdle = rt.cfg.Streams.ReclaimIdle
	dc.MaxDeliveries = rt.cfg.Streams.MaxDeliveries
	return persistence.Daemon{
		Streams:  rt.primary,
		Entities: rt.primary,
		Durable:  rt.durable,
		Metrics:  rt.metrics,
		Config:   dc,
		Log:      rt.log.With().Str("component", "persist").Logger(),
	}
}

func (rt *runtime) engine(cache entitycache.Cache) *battle.Engine {
	bc := battle.DefaultConfig()
	bc.TickInterval = rt.cfg.Battle.TickInterval
	bc.Rules.RoundCap = rt.cfg.Battle.RoundCap
	bc.Rules.TickCap = rt.cfg.Battle.TickCap
	bc.TTL = rt.cfg.Battle.TTL
	bc.LeaseTTL = rt.cfg.Battle.LeaseTTL
	bc.StallLimit = rt.cfg.Battle.StallLimit
	bc.Owner = consumerName("engine")
	return &battle.Engine{
		Store: rt.primary,
		Cache: cache,
		Reservations: reservation.Protocol{
			Store: rt.primary,
			Cache: cache,
			Log:   rt.log.With().Str("component", "reservation").Logger(),
		},
		Events:  rt.primary,
		Effects: rt.effects,
		Metrics: rt.metrics,
		Config:  bc,
		Log:     rt.log.With().Str("component", "battle").Logger(),
	}
}

// consumerName is unique per process so consumers of one group never collide.
func consumerName(role string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return fmt.Sprintf("%s-%s-%d", role, host, os.Getpid())
}
