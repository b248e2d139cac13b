package readcache

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"

	"warfront/internal/app/ports"
	"warfront/internal/domain/entity"
)

type Loader interface {
	Get(ctx context.Context, t entity.Type, id string) (entity.Entity, bool, error)
}

type entry struct {
	value entity.Entity
	token uint64
}

// Cache is a read-through view over a Loader. Every key carries an
// invalidation token; an entry is served only while its token is current.
// Returned entities are shared and must be treated as read-only.
type Cache struct {
	source  Loader
	entries *xsync.MapOf[string, entry]
	tokens  *xsync.MapOf[string, uint64]
}

func New(source Loader) *Cache {
	return &Cache{
		source:  source,
		entries: xsync.NewMapOf[string, entry](),
		tokens:  xsync.NewMapOf[string, uint64](),
	}
}

func (c *Cache) Get(ctx context.Context, t entity.Type, id string) (entity.Entity, bool, error) {
	key := entity.Key(t, id)
	token, _ := c.tokens.Load(key)
	if e, ok := c.entries.Load(key); ok && e.token == token {
		return e.value, true, nil
	}
	v, ok, err := c.source.Get(ctx, t, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	c.entries.Store(key, entry{value: v, token: token})
	return v, true, nil
}

func (c *Cache) Invalidate(inv ports.Invalidation) {
	key := entity.Key(inv.Type, inv.ID)
	c.tokens.Compute(key, func(old uint64, _ bool) (uint64, bool) {
		return old + 1, false
	})
	c.entries.Delete(key)
}

// Listen applies notices from ch until it closes or ctx is done.
func (c *Cache) Listen(ctx context.Context, ch <-chan ports.Invalidation) {
	for {
		select {
		case <-ctx.Done():
			return
		case inv, ok := <-ch:
			if !ok {
				return
			}
			c.Invalidate(inv)
		}
	}
}

func (c *Cache) Len() int { return c.entries.Size() }

type ctxKey struct{}

func WithCache(ctx context.Context, c *Cache) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func FromContext(ctx context.Context) (*Cache, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Cache)
	return c, ok && c != nil
}
