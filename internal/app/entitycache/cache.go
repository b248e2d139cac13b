package entitycache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"warfront/internal/app/ports"
	"warfront/internal/app/sideeffect"
	"warfront/internal/domain/entity"
)

var ErrInvalidEntity = errors.New("invalid entity")

// Cache is the single primary copy of every mutable entity. Each mutation is
// one atomic store step that bumps the version, marks the entity dirty and
// appends a change-log entry; the invalidation notice follows best-effort.
type Cache struct {
	Store         ports.EntityStore
	Invalidations ports.Invalidations
	Effects       *sideeffect.Dispatcher
	Log           zerolog.Logger
	Now           func() time.Time
}

type stepKey struct{}

// WithStep makes every write through ctx journal mark atomically with it.
func WithStep(ctx context.Context, mark ports.StepMark) context.Context {
	return context.WithValue(ctx, stepKey{}, mark)
}

func stepFrom(ctx context.Context) *ports.StepMark {
	if mark, ok := ctx.Value(stepKey{}).(ports.StepMark); ok {
		return &mark
	}
	return nil
}

func (c Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Get returns the entity or ok=false when the id was never created.
func (c Cache) Get(ctx context.Context, t entity.Type, id string) (entity.Entity, bool, error) {
	stored, ok, err := c.Store.LoadEntity(ctx, t, id)
	if err != nil || !ok {
		return nil, false, err
	}
	e, report, err := entity.Decode(t, stored.Fields)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ports.ErrInvariant, entity.Key(t, id), err)
	}
	if !report.Clean() {
		c.Log.Debug().
			Str("key", entity.Key(t, id)).
			Strs("migrated", report.Migrated).
			Strs("dropped", report.Dropped).
			Msg("legacy fields repaired on read")
	}
	meta := e.Base()
	meta.ID = id
	meta.Version = stored.Version
	meta.Dirty = stored.Dirty
	meta.UpdatedAt = stored.UpdatedAt
	return e, true, nil
}

func (c Cache) Create(ctx context.Context, e entity.Entity) error {
	fields, err := c.validate(e)
	if err != nil {
		return err
	}
	return c.commit(ctx, e, ports.EntityWrite{
		Type:    e.Type(),
		ID:      e.Base().ID,
		Op:      entity.OpCreate,
		Fields:  fields,
		Changes: entity.Subset(fields, nil),
	})
}

// Set writes the full field map of e, guarded by the version e was loaded at.
// changed names the fields recorded in the change log; none means all.
func (c Cache) Set(ctx context.Context, e entity.Entity, changed ...string) error {
	fields, err := c.validate(e)
	if err != nil {
		return err
	}
	return c.commit(ctx, e, ports.EntityWrite{
		Type:            e.Type(),
		ID:              e.Base().ID,
		Op:              entity.OpUpdate,
		ExpectedVersion: e.Base().Version,
		Fields:          fields,
		Changes:         entity.Subset(fields, changed),
	})
}

func (c Cache) Delete(ctx context.Context, t entity.Type, id string, expectedVersion int64) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidEntity
	}
	res, err := c.Store.WriteEntity(ctx, ports.EntityWrite{
		Type:            t,
		ID:              id,
		Op:              entity.OpDelete,
		ExpectedVersion: expectedVersion,
		Now:             c.now(),
		Step:            stepFrom(ctx),
	})
	if err != nil {
		return err
	}
	c.Notify(ctx, t, id, res.Version)
	return nil
}

// List loads every entity of an index. Ids that vanish between the index read
// and the load are skipped.
func (c Cache) List(ctx context.Context, t entity.Type, index, parent string) ([]entity.Entity, error) {
	ids, err := c.Store.ListIDs(ctx, t, index, parent)
	if err != nil {
		return nil, err
	}
	out := make([]entity.Entity, 0, len(ids))
	for _, id := range ids {
		e, ok, err := c.Get(ctx, t, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (c Cache) validate(e entity.Entity) (map[string]string, error) {
	if e == nil || strings.TrimSpace(e.Base().ID) == "" {
		return nil, ErrInvalidEntity
	}
	fields, err := entity.Encode(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}
	return fields, nil
}

func (c Cache) commit(ctx context.Context, e entity.Entity, w ports.EntityWrite) error {
	w.Now = c.now()
	w.Step = stepFrom(ctx)
	before := e.Base().Version
	res, err := c.Store.WriteEntity(ctx, w)
	if err != nil {
		return err
	}
	if res.Version <= before {
		c.Log.Error().Str("key", entity.Key(w.Type, w.ID)).Int64("before", before).Int64("after", res.Version).Msg("version did not advance")
		return fmt.Errorf("%w: %s version %d -> %d", ports.ErrInvariant, entity.Key(w.Type, w.ID), before, res.Version)
	}
	meta := e.Base()
	meta.Version = res.Version
	meta.Dirty = true
	meta.UpdatedAt = res.UpdatedAt
	c.Notify(ctx, w.Type, w.ID, res.Version)
	return nil
}

// Notify publishes an invalidation notice. Failure is logged and never
// undoes the committed write.
func (c Cache) Notify(ctx context.Context, t entity.Type, id string, version int64) {
	if c.Invalidations == nil {
		return
	}
	inv := ports.Invalidation{Type: t, ID: id, Version: version}
	publish := func(ctx context.Context) error {
		return c.Invalidations.PublishInvalidation(ctx, inv)
	}
	if c.Effects != nil {
		c.Effects.Dispatch("invalidate "+entity.Key(t, id), publish)
		return
	}
	if err := publish(ctx); err != nil {
		c.Log.Warn().Err(err).Str("key", entity.Key(t, id)).Msg("invalidation publish failed")
	}
}
