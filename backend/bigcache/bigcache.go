// Package bigcache is the shared-memory backend: an in-process, GC-friendly
// byte arena (allegro/bigcache) addressed by prefix + logical key.
//
// bigcache only knows a single global life window, so every value is stored
// inside a wire envelope carrying its own creation time and TTL. Expiry is
// decided from the envelope; the life window is an upper bound on how long
// any entry, including NoExpiry ones, stays resident.
package bigcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	bc "github.com/allegro/bigcache/v3"
	"github.com/cespare/xxhash/v2"

	"github.com/unkn0wn-root/cachemux/backend"
	"github.com/unkn0wn-root/cachemux/hooks"
	"github.com/unkn0wn-root/cachemux/internal/keys"
	"github.com/unkn0wn-root/cachemux/internal/wire"
	"github.com/unkn0wn-root/cachemux/log"
)

const (
	Kind = "shm"
	Rank = 10

	defaultTTL  = time.Hour
	lockStripes = 64
)

type Options struct {
	// LifeWindow bounds residency of every entry. Default 30 days.
	LifeWindow time.Duration
	// CleanWindow is how often bigcache drops entries older than LifeWindow.
	// Default 5 minutes.
	CleanWindow        time.Duration
	Shards             int // power of two; default 64
	MaxEntriesInWindow int // sizing hint; default 4096
	MaxEntrySize       int // sizing hint in bytes; default 512
	HardMaxCacheSizeMB int // 0 = unlimited

	// Now overrides the clock used for envelope expiry. Defaults to time.Now.
	Now func() time.Time
}

type Backend struct {
	opts  Options
	now   func() time.Time
	initM sync.Mutex

	mu     sync.RWMutex
	c      *bc.BigCache
	prefix string
	ttl    time.Duration
	log    log.Logger
	hooks  hooks.Hooks

	// writes and purges of a key serialize on its stripe so a purge can
	// compare the bytes it inspected with what is stored now
	stripes [lockStripes]sync.Mutex
}

var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Flusher = (*Backend)(nil)
	_ backend.Closer  = (*Backend)(nil)
)

func New(opts Options) *Backend {
	opts.LifeWindow = backend.Coalesce(opts.LifeWindow, 30*24*time.Hour)
	opts.CleanWindow = backend.Coalesce(opts.CleanWindow, 5*time.Minute)
	opts.Shards = backend.Coalesce(opts.Shards, 64)
	opts.MaxEntriesInWindow = backend.Coalesce(opts.MaxEntriesInWindow, 4096)
	opts.MaxEntrySize = backend.Coalesce(opts.MaxEntrySize, 512)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Backend{opts: opts, now: now}
}

// Info always reports available: the arena lives in this process.
func (b *Backend) Info(context.Context, backend.Config) backend.Info {
	return backend.Info{Available: true, Rank: Rank}
}

func (b *Backend) Init(ctx context.Context, cfg backend.Config) error {
	b.initM.Lock()
	defer b.initM.Unlock()
	if b.cache() != nil {
		return nil
	}

	lg := log.OrNop(cfg.Logger)
	conf := bc.DefaultConfig(b.opts.LifeWindow)
	conf.CleanWindow = b.opts.CleanWindow
	conf.Shards = b.opts.Shards
	conf.MaxEntriesInWindow = b.opts.MaxEntriesInWindow
	conf.MaxEntrySize = b.opts.MaxEntrySize
	conf.HardMaxCacheSize = b.opts.HardMaxCacheSizeMB
	conf.Logger = printfLogger{lg}

	c, err := bc.New(ctx, conf)
	if err != nil {
		return fmt.Errorf("bigcache: %w", err)
	}

	b.mu.Lock()
	b.c = c
	b.prefix = backend.Coalesce(cfg.Prefix, keys.DefaultPrefix("shm/"))
	b.ttl = backend.Coalesce(cfg.DefaultTTL, defaultTTL)
	b.log = lg
	b.hooks = hooks.OrNop(cfg.Hooks)
	b.mu.Unlock()

	lg.Debug("shm backend initialized", log.Fields{"prefix": b.prefix, "shards": conf.Shards})
	return nil
}

func (b *Backend) cache() *bc.BigCache {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.c
}

func (b *Backend) ready() (*bc.BigCache, error) {
	c := b.cache()
	if c == nil {
		return nil, backend.ErrNotInitialized
	}
	return c, nil
}

func (b *Backend) Load(_ context.Context, key string) ([]byte, bool, error) {
	c, err := b.ready()
	if err != nil {
		return nil, false, err
	}
	raw, err := c.Get(b.prefix + key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	h, payload, ok := b.open(c, key, raw)
	if !ok || h.Key != key {
		return nil, false, nil
	}
	return payload, true, nil
}

func (b *Backend) Save(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c, err := b.ready()
	if err != nil {
		return err
	}
	env, err := wire.Encode(wire.Header{
		CreatedAt: b.now(),
		TTL:       backend.ResolveTTL(ttl, b.ttl),
		Key:       key,
	}, value)
	if err != nil {
		return err
	}
	mu := b.stripe(key)
	mu.Lock()
	defer mu.Unlock()
	return c.Set(b.prefix+key, env)
}

// Delete reports false for an entry that was present but already expired.
func (b *Backend) Delete(_ context.Context, key string) (bool, error) {
	c, err := b.ready()
	if err != nil {
		return false, err
	}
	raw, err := c.Get(b.prefix + key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	h, _, ok := b.open(c, key, raw)
	if !ok {
		return false, nil
	}
	mu := b.stripe(key)
	mu.Lock()
	defer mu.Unlock()
	if err := c.Delete(b.prefix + key); err != nil {
		if errors.Is(err, bc.ErrEntryNotFound) {
			return false, nil
		}
		return false, err
	}
	return h.Key == key, nil
}

func (b *Backend) LoadMany(ctx context.Context, p backend.Pattern) (map[string][]byte, error) {
	c, err := b.ready()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	err = b.scan(ctx, c, func(key string, h wire.Header, payload []byte) bool {
		if p.MatchKey(h.Key) {
			out[h.Key] = payload
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteMany removes matching entries. Expired entries are removed for every
// pattern as a side effect of the scan.
func (b *Backend) DeleteMany(ctx context.Context, p backend.Pattern) error {
	c, err := b.ready()
	if err != nil {
		return err
	}
	return b.scan(ctx, c, func(_ string, h wire.Header, _ []byte) bool {
		return p.MatchKey(h.Key)
	})
}

func (b *Backend) GC(ctx context.Context) error {
	return b.DeleteMany(ctx, backend.Expired())
}

// DeleteAll removes every entry under this backend's prefix. Entries written
// by other prefixes in the same arena are left alone.
func (b *Backend) DeleteAll(ctx context.Context) error {
	return b.DeleteMany(ctx, backend.All())
}

func (b *Backend) Close(context.Context) error {
	b.initM.Lock()
	defer b.initM.Unlock()
	b.mu.Lock()
	c := b.c
	b.c = nil
	b.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func (b *Backend) stripe(key string) *sync.Mutex {
	return &b.stripes[xxhash.Sum64String(key)%lockStripes]
}

// open decodes an envelope and purges it when it is corrupt or expired.
func (b *Backend) open(c *bc.BigCache, key string, raw []byte) (wire.Header, []byte, bool) {
	h, payload, err := wire.Decode(raw)
	if err != nil {
		if b.purgeIfSame(c, key, raw) {
			b.hooks.Purged(Kind, key, hooks.ReasonCorrupt)
		}
		return wire.Header{}, nil, false
	}
	if h.Expired(b.now()) {
		if b.purgeIfSame(c, key, raw) {
			b.hooks.Purged(Kind, h.Key, hooks.ReasonExpired)
		}
		return h, nil, false
	}
	return h, payload, true
}

// purgeIfSame deletes key only while it still holds raw. A value written
// after raw was read survives.
func (b *Backend) purgeIfSame(c *bc.BigCache, key string, raw []byte) bool {
	mu := b.stripe(key)
	mu.Lock()
	defer mu.Unlock()
	cur, err := c.Get(b.prefix + key)
	if err != nil || !bytes.Equal(cur, raw) {
		return false
	}
	if err := c.Delete(b.prefix + key); err != nil {
		if !errors.Is(err, bc.ErrEntryNotFound) {
			b.log.Warn("shm delete failed", log.Fields{"key": key, "err": err})
		}
		return false
	}
	return true
}

// scan visits every live entry under the prefix. Keys for which fn returns
// true are deleted after the iteration, together with expired and corrupt
// entries.
func (b *Backend) scan(ctx context.Context, c *bc.BigCache, fn func(key string, h wire.Header, payload []byte) bool) error {
	type doomed struct {
		key, reason string
		raw         []byte
	}
	var drop []doomed
	now := b.now()

	it := c.Iterator()
	for it.SetNext() {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := it.Value()
		if err != nil {
			// entry vanished between index copy and read
			continue
		}
		full := e.Key()
		if !strings.HasPrefix(full, b.prefix) {
			continue
		}
		key := strings.TrimPrefix(full, b.prefix)
		raw := e.Value()
		h, payload, err := wire.Decode(raw)
		switch {
		case err != nil:
			drop = append(drop, doomed{key, hooks.ReasonCorrupt, raw})
		case h.Expired(now):
			drop = append(drop, doomed{key, hooks.ReasonExpired, raw})
		case fn(key, h, payload):
			drop = append(drop, doomed{key: key, raw: raw})
		}
	}

	for _, d := range drop {
		if !b.purgeIfSame(c, d.key, d.raw) {
			continue
		}
		if d.reason != "" {
			b.hooks.Purged(Kind, d.key, d.reason)
		}
	}
	return nil
}

// printfLogger routes bigcache's internal messages to a leveled logger.
type printfLogger struct{ l log.Logger }

func (p printfLogger) Printf(format string, v ...interface{}) {
	p.l.Debug(fmt.Sprintf(format, v...), log.Fields{"backend": Kind})
}
