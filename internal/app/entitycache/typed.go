package entitycache

import (
	"context"
	"errors"
	"fmt"

	"warfront/internal/app/ports"
	"warfront/internal/domain/entity"
)

const DefaultUpdateAttempts = 3

// Load fetches one entity as its concrete variant. A missing id is ports.ErrNotFound.
func Load[T entity.Entity](ctx context.Context, c Cache, t entity.Type, id string) (T, error) {
	var zero T
	e, ok, err := c.Get(ctx, t, id)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, fmt.Errorf("%w: %s", ports.ErrNotFound, entity.Key(t, id))
	}
	typed, ok := e.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s decoded as %T", ports.ErrInvariant, entity.Key(t, id), e)
	}
	return typed, nil
}

// Update loads, mutates and writes back one entity, reloading on version
// conflicts. mutate returns the names of the fields it changed.
func Update[T entity.Entity](ctx context.Context, c Cache, t entity.Type, id string, attempts int, mutate func(T) ([]string, error)) (T, error) {
	if attempts <= 0 {
		attempts = DefaultUpdateAttempts
	}
	var zero T
	var lastErr error
	for i := 0; i < attempts; i++ {
		current, err := Load[T](ctx, c, t, id)
		if err != nil {
			return zero, err
		}
		changed, err := mutate(current)
		if err != nil {
			return zero, err
		}
		err = c.Set(ctx, current, changed...)
		if err == nil {
			return current, nil
		}
		if !errors.Is(err, ports.ErrConflict) {
			return zero, err
		}
		lastErr = err
		c.Log.Debug().Str("key", entity.Key(t, id)).Int("attempt", i+1).Msg("version conflict, reloading")
	}
	return zero, lastErr
}

func Commander(ctx context.Context, c Cache, id string) (*entity.Commander, error) {
	return Load[*entity.Commander](ctx, c, entity.TypeCommander, id)
}

func Settlement(ctx context.Context, c Cache, id string) (*entity.Settlement, error) {
	return Load[*entity.Settlement](ctx, c, entity.TypeSettlement, id)
}

func Faction(ctx context.Context, c Cache, id string) (*entity.Faction, error) {
	return Load[*entity.Faction](ctx, c, entity.TypeFaction, id)
}

// Relation returns the relation between two factions, or a fresh neutral one
// with version zero when none was stored yet.
func Relation(ctx context.Context, c Cache, a, b string) (*entity.Relation, error) {
	id := entity.RelationID(a, b)
	r, err := Load[*entity.Relation](ctx, c, entity.TypeRelation, id)
	if errors.Is(err, ports.ErrNotFound) {
		pair := []string{a, b}
		if b < a {
			pair[0], pair[1] = b, a
		}
		return &entity.Relation{Meta: entity.Meta{ID: id}, FactionA: pair[0], FactionB: pair[1], Stance: entity.StanceNeutral}, nil
	}
	return r, err
}
