// Package memcache is the remote-memory backend, a memcached server reached
// through bradfitz/gomemcache.
//
// memcached cannot enumerate keys, so LoadMany and DeleteMany report
// backend.ErrUnsupported. Expiry is native; GC is a no-op.
package memcache

import (
	"context"
	"errors"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	mc "github.com/bradfitz/gomemcache/memcache"

	"github.com/unkn0wn-root/cachemux/backend"
	"github.com/unkn0wn-root/cachemux/internal/keys"
	"github.com/unkn0wn-root/cachemux/log"
)

const (
	Kind = "memcache"
	Rank = 20

	DefaultHost = "localhost"
	DefaultPort = 11211

	defaultTTL = time.Hour

	// memcached treats expirations above 30 days as absolute unix times.
	maxRelative = 30 * 24 * time.Hour
	maxKeyLen   = 250
)

type Options struct {
	// Timeout for socket reads and writes. Default 500ms.
	Timeout time.Duration
	// ProbeTimeout bounds the availability probe. Default 200ms.
	ProbeTimeout time.Duration
	MaxIdleConns int
	// Now is used for absolute expirations. Defaults to time.Now.
	Now func() time.Time
}

type Backend struct {
	opts  Options
	now   func() time.Time
	initM sync.Mutex

	mu     sync.RWMutex
	c      *mc.Client
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
	opts.Timeout = backend.Coalesce(opts.Timeout, 500*time.Millisecond)
	opts.ProbeTimeout = backend.Coalesce(opts.ProbeTimeout, 200*time.Millisecond)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Backend{opts: opts, now: now}
}

func addr(cfg backend.Config) string {
	return net.JoinHostPort(
		backend.Coalesce(cfg.Host, DefaultHost),
		strconv.Itoa(backend.Coalesce(cfg.Port, DefaultPort)),
	)
}

// Info pings the configured server with a short timeout.
func (b *Backend) Info(_ context.Context, cfg backend.Config) backend.Info {
	if b.client() != nil {
		return backend.Info{Available: true, Rank: Rank}
	}
	c := mc.New(addr(cfg))
	c.Timeout = b.opts.ProbeTimeout
	defer c.Close()
	return backend.Info{Available: c.Ping() == nil, Rank: Rank}
}

func (b *Backend) Init(_ context.Context, cfg backend.Config) error {
	b.initM.Lock()
	defer b.initM.Unlock()
	if b.client() != nil {
		return nil
	}
	a := addr(cfg)
	c := mc.New(a)
	c.Timeout = b.opts.Timeout
	if b.opts.MaxIdleConns > 0 {
		c.MaxIdleConns = b.opts.MaxIdleConns
	}
	if err := c.Ping(); err != nil {
		_ = c.Close()
		return err
	}

	lg := log.OrNop(cfg.Logger)
	b.mu.Lock()
	b.c = c
	b.prefix = backend.Coalesce(cfg.Prefix, keys.DefaultPrefix("/"))
	b.ttl = backend.Coalesce(cfg.DefaultTTL, defaultTTL)
	b.log = lg
	b.mu.Unlock()
	lg.Debug("memcache backend initialized", log.Fields{"addr": a})
	return nil
}

func (b *Backend) client() *mc.Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.c
}

func (b *Backend) ready() (*mc.Client, error) {
	if c := b.client(); c != nil {
		return c, nil
	}
	return nil, backend.ErrNotInitialized
}

// storageKey prefixes key, falling back to a hash when the result is not a
// legal memcached key (too long, whitespace or control bytes).
func (b *Backend) storageKey(key string) string {
	k := b.prefix + key
	if legal(k) {
		return k
	}
	return b.prefix + "h:" + keys.Hash(key)
}

func legal(k string) bool {
	if len(k) == 0 || len(k) > maxKeyLen {
		return false
	}
	for i := 0; i < len(k); i++ {
		if c := k[i]; c <= ' ' || c == 0x7f {
			return false
		}
	}
	return true
}

// expiration converts a resolved TTL to memcached's encoding: relative
// seconds up to 30 days, an absolute unix time beyond, 0 for never.
// Sub-second TTLs round up to one second. An absolute time past what the
// protocol's 32-bit field can hold is stored as never.
func (b *Backend) expiration(ttl time.Duration) int32 {
	if ttl < 0 {
		return 0
	}
	secs := int64(ttl / time.Second)
	if ttl%time.Second != 0 {
		secs++
	}
	if secs <= int64(maxRelative/time.Second) {
		return int32(secs)
	}
	at := b.now().Unix()
	if secs > math.MaxInt32-at {
		return 0
	}
	return int32(at + secs)
}

func (b *Backend) Load(_ context.Context, key string) ([]byte, bool, error) {
	c, err := b.ready()
	if err != nil {
		return nil, false, err
	}
	it, err := c.Get(b.storageKey(key))
	if errors.Is(err, mc.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return it.Value, true, nil
}

func (b *Backend) Save(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c, err := b.ready()
	if err != nil {
		return err
	}
	return c.Set(&mc.Item{
		Key:        b.storageKey(key),
		Value:      value,
		Expiration: b.expiration(backend.ResolveTTL(ttl, b.ttl)),
	})
}

func (b *Backend) Delete(_ context.Context, key string) (bool, error) {
	c, err := b.ready()
	if err != nil {
		return false, err
	}
	err = c.Delete(b.storageKey(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, mc.ErrCacheMiss):
		return false, nil
	default:
		return false, err
	}
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

// GC is a no-op: memcached expires entries itself.
func (b *Backend) GC(context.Context) error {
	_, err := b.ready()
	return err
}

// DeleteAll flushes the whole server, including keys outside this prefix.
func (b *Backend) DeleteAll(context.Context) error {
	c, err := b.ready()
	if err != nil {
		return err
	}
	b.log.Warn("flushing memcached server", nil)
	return c.FlushAll()
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
