// Package ristretto is an in-process backend on dgraph-io/ristretto with
// native per-entry TTL. The cache admits entries by TinyLFU, so under memory
// pressure a Save may be rejected or evicted early. Keys cannot be
// enumerated; pattern operations report backend.ErrUnsupported.
package ristretto

import (
	"context"
	"fmt"
	"sync"
	"time"

	rc "github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/cachemux/backend"
	"github.com/unkn0wn-root/cachemux/log"
)

const (
	Kind = "ristretto"
	Rank = 15

	defaultTTL = time.Hour
)

type Options struct {
	NumCounters int64 // default 1e6 (~10x expected entries)
	MaxCost     int64 // bytes; default 64 MiB
	BufferItems int64 // default 64
	Metrics     bool
}

type Backend struct {
	opts  Options
	initM sync.Mutex

	mu     sync.RWMutex
	c      *rc.Cache
	prefix string
	ttl    time.Duration
	log    log.Logger
}

var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Flusher = (*Backend)(nil)
	_ backend.Closer  = (*Backend)(nil)
)

func New(opts Options) *Backend {
	opts.NumCounters = backend.Coalesce(opts.NumCounters, 1_000_000)
	opts.MaxCost = backend.Coalesce(opts.MaxCost, 64<<20)
	opts.BufferItems = backend.Coalesce(opts.BufferItems, 64)
	return &Backend{opts: opts}
}

func (b *Backend) Info(context.Context, backend.Config) backend.Info {
	return backend.Info{Available: true, Rank: Rank}
}

func (b *Backend) Init(_ context.Context, cfg backend.Config) error {
	b.initM.Lock()
	defer b.initM.Unlock()
	if b.cache() != nil {
		return nil
	}
	if b.opts.NumCounters < 0 || b.opts.MaxCost < 0 || b.opts.BufferItems < 0 {
		return fmt.Errorf("ristretto: invalid config %+v", b.opts)
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters:        b.opts.NumCounters,
		MaxCost:            b.opts.MaxCost,
		BufferItems:        b.opts.BufferItems,
		Metrics:            b.opts.Metrics,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return fmt.Errorf("ristretto: %w", err)
	}

	lg := log.OrNop(cfg.Logger)
	b.mu.Lock()
	b.c = c
	b.prefix = cfg.Prefix
	b.ttl = backend.Coalesce(cfg.DefaultTTL, defaultTTL)
	b.log = lg
	b.mu.Unlock()
	lg.Debug("ristretto backend initialized", log.Fields{"max_cost": b.opts.MaxCost})
	return nil
}

func (b *Backend) cache() *rc.Cache {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.c
}

func (b *Backend) ready() (*rc.Cache, error) {
	if c := b.cache(); c != nil {
		return c, nil
	}
	return nil, backend.ErrNotInitialized
}

func (b *Backend) Load(_ context.Context, key string) ([]byte, bool, error) {
	c, err := b.ready()
	if err != nil {
		return nil, false, err
	}
	v, ok := c.Get(b.prefix + key)
	if !ok {
		return nil, false, nil
	}
	raw, _ := v.([]byte)
	if raw == nil {
		// self-heal: drop unexpected entry shape
		c.Del(b.prefix + key)
		return nil, false, nil
	}
	return raw, true, nil
}

// Save blocks until the write is applied so a following Load observes it.
// A write rejected by the admission policy is logged, not returned.
func (b *Backend) Save(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c, err := b.ready()
	if err != nil {
		return err
	}
	ttl = backend.ResolveTTL(ttl, b.ttl)
	if ttl < 0 {
		ttl = 0 // ristretto: zero means no expiry
	}
	cp := append([]byte(nil), value...)
	if !c.SetWithTTL(b.prefix+key, cp, int64(len(cp)+len(key)), ttl) {
		b.log.Debug("ristretto dropped write", log.Fields{"key": key})
	}
	c.Wait()
	return nil
}

func (b *Backend) Delete(_ context.Context, key string) (bool, error) {
	c, err := b.ready()
	if err != nil {
		return false, err
	}
	_, ok := c.Get(b.prefix + key)
	c.Del(b.prefix + key)
	return ok, nil
}

func (b *Backend) LoadMany(context.Context, backend.Pattern) (map[string][]byte, error) {
	if _, err := b.ready(); err != nil {
		return nil, err
	}
	return nil, backend.ErrUnsupported
}

func (b *Backend) DeleteMany(context.Context, backend.Pattern) error {
	if _, err := b.ready(); err != nil {
		return err
	}
	return backend.ErrUnsupported
}

// GC is a no-op: ristretto expires entries itself.
func (b *Backend) GC(context.Context) error {
	_, err := b.ready()
	return err
}

// DeleteAll clears the whole cache instance.
func (b *Backend) DeleteAll(context.Context) error {
	c, err := b.ready()
	if err != nil {
		return err
	}
	c.Clear()
	return nil
}

// Metrics exposes ristretto's counters; nil unless Options.Metrics is set.
func (b *Backend) Metrics() *rc.Metrics {
	if c := b.cache(); c != nil {
		return c.Metrics
	}
	return nil
}

func (b *Backend) Close(context.Context) error {
	b.initM.Lock()
	defer b.initM.Unlock()
	b.mu.Lock()
	c := b.c
	b.c = nil
	b.mu.Unlock()
	if c != nil {
		c.Wait()
		c.Close()
	}
	return nil
}
