package redisstore

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"warfront/internal/app/ports"
)

const (
	DefaultInvalidationChannel = "entity:invalidations"
	activeBattlesKey           = "battle:active"
)

type Options struct {
	ChangeLogStream     string
	InvalidationChannel string
	// StreamMaxLen trims a stream once it grows past this length, never
	// past the oldest entry some group has not acknowledged.
	StreamMaxLen int64
	// TrimEvery is how many appends pass between trim checks.
	TrimEvery    int64
	FinalizedTTL time.Duration
	Now          func() time.Time
}

// Store implements every primary-store port on Redis. Each multi-key write
// is a single Lua script so the entity, its indexes and its change-log entry
// commit together.
type Store struct {
	rdb     redis.UniversalClient
	opts    Options
	appends atomic.Int64
}

func New(rdb redis.UniversalClient, opts Options) *Store {
	if opts.ChangeLogStream == "" {
		opts.ChangeLogStream = "changelog"
	}
	if opts.InvalidationChannel == "" {
		opts.InvalidationChannel = DefaultInvalidationChannel
	}
	if opts.TrimEvery <= 0 {
		opts.TrimEvery = 1000
	}
	if opts.FinalizedTTL <= 0 {
		opts.FinalizedTTL = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{rdb: rdb, opts: opts}
}

func (s *Store) now() time.Time { return s.opts.Now() }

func (s *Store) Ping(ctx context.Context) error {
	return eris.Wrap(s.rdb.Ping(ctx).Err(), "redis ping")
}

func (s *Store) Close() error { return s.rdb.Close() }

// scriptError turns the error replies our scripts raise into port errors.
func scriptError(err error, op string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "STEPAPPLIED"):
		return fmt.Errorf("%w: %s", ports.ErrStepApplied, op)
	case strings.Contains(msg, "CONFLICT"):
		return fmt.Errorf("%w: %s", ports.ErrConflict, op)
	case strings.Contains(msg, "NOTFOUND"):
		return fmt.Errorf("%w: %s", ports.ErrNotFound, op)
	case strings.Contains(msg, "INSUFFICIENT"):
		return fmt.Errorf("%w: %s", ports.ErrInsufficientResource, op)
	case strings.Contains(msg, "NOTRESERVED"):
		return fmt.Errorf("%w: %s", ports.ErrNotReserved, op)
	case strings.Contains(msg, "FINALIZED"):
		return fmt.Errorf("%w: %s", ports.ErrAlreadyFinalized, op)
	}
	return eris.Wrap(err, op)
}

func millis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	return ms
}
