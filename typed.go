package cachemux

import (
	"context"
	"time"

	"github.com/unkn0wn-root/cachemux/codec"
	"github.com/unkn0wn-root/cachemux/hooks"
)

// Cache is a typed view over a Manager. Values go through Codec on the way
// in and out; an entry that fails to decode is deleted and reported as a
// miss.
type Cache[V any] struct {
	h     Handle
	codec codec.Codec[V]
}

// Typed returns a Cache on m's default kind.
func Typed[V any](m *Manager, c codec.Codec[V]) *Cache[V] {
	return &Cache[V]{h: m.On(""), codec: c}
}

// On returns a copy of c bound to kind.
func (c *Cache[V]) On(kind Kind) *Cache[V] {
	return &Cache[V]{h: c.h.m.On(kind), codec: c.codec}
}

func (c *Cache[V]) Load(ctx context.Context, key string) (V, bool, error) {
	var zero V
	raw, ok, err := c.h.Load(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}
	v, err := c.codec.Decode(raw)
	if err != nil {
		c.selfHeal(ctx, key, err)
		return zero, false, nil
	}
	return v, true, nil
}

func (c *Cache[V]) Save(ctx context.Context, key string, v V, ttl time.Duration) error {
	raw, err := c.codec.Encode(v)
	if err != nil {
		return err
	}
	return c.h.Save(ctx, key, raw, ttl)
}

func (c *Cache[V]) Delete(ctx context.Context, key string) (bool, error) {
	return c.h.Delete(ctx, key)
}

// LoadMany decodes every matching entry, dropping those that fail to decode.
func (c *Cache[V]) LoadMany(ctx context.Context, p Pattern) (map[string]V, error) {
	raw, err := c.h.LoadMany(ctx, p)
	if err != nil {
		return nil, err
	}
	out := make(map[string]V, len(raw))
	for k, b := range raw {
		v, err := c.codec.Decode(b)
		if err != nil {
			c.selfHeal(ctx, k, err)
			continue
		}
		out[k] = v
	}
	return out, nil
}

func (c *Cache[V]) DeleteMany(ctx context.Context, p Pattern) error {
	return c.h.DeleteMany(ctx, p)
}

func (c *Cache[V]) selfHeal(ctx context.Context, key string, cause error) {
	if _, err := c.h.Delete(ctx, key); err != nil {
		c.h.m.log.Warn("drop undecodable entry failed", Fields{"key": key, "err": err})
		return
	}
	c.h.m.hooks.Purged(string(c.h.Kind()), key, hooks.ReasonCorrupt)
	c.h.m.log.Debug("dropped undecodable entry", Fields{"key": key, "kind": c.h.Kind(), "err": cause})
}
