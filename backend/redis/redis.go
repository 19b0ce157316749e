// Package redis is a remote backend on redis/go-redis. Values are stored
// verbatim under prefix + key with native expiry. Pattern operations scan the
// prefix with SCAN and filter on the logical key, so KeyContains keeps its
// plain substring meaning even though redis itself speaks globs.
package redis

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/cachemux/backend"
	"github.com/unkn0wn-root/cachemux/internal/keys"
	"github.com/unkn0wn-root/cachemux/log"
)

const (
	Kind = "redis"
	Rank = 25

	DefaultHost = "localhost"
	DefaultPort = 6379

	defaultTTL = time.Hour
	scanCount  = 256
)

type Options struct {
	// Client, when set, is used instead of dialing Config.Host:Port.
	Client redis.UniversalClient
	// CloseClient closes Client on Close. Clients built from Config are
	// always closed.
	CloseClient bool
	// ProbeTimeout bounds the availability probe. Default 250ms.
	ProbeTimeout time.Duration
}

type Backend struct {
	opts  Options
	initM sync.Mutex

	mu     sync.RWMutex
	rdb    redis.UniversalClient
	owned  bool
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
	opts.ProbeTimeout = backend.Coalesce(opts.ProbeTimeout, 250*time.Millisecond)
	return &Backend{opts: opts}
}

func dial(cfg backend.Config, timeout time.Duration) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: net.JoinHostPort(
			backend.Coalesce(cfg.Host, DefaultHost),
			strconv.Itoa(backend.Coalesce(cfg.Port, DefaultPort)),
		),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: timeout,
	})
}

// Info pings the server. A probe client is built and discarded when no
// client was supplied.
func (b *Backend) Info(ctx context.Context, cfg backend.Config) backend.Info {
	rdb := b.client()
	if rdb == nil {
		rdb = b.opts.Client
	}
	if rdb == nil {
		c := dial(cfg, b.opts.ProbeTimeout)
		defer c.Close()
		rdb = c
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.ProbeTimeout)
	defer cancel()
	return backend.Info{Available: rdb.Ping(ctx).Err() == nil, Rank: Rank}
}

func (b *Backend) Init(ctx context.Context, cfg backend.Config) error {
	b.initM.Lock()
	defer b.initM.Unlock()
	if b.client() != nil {
		return nil
	}
	rdb, owned := b.opts.Client, b.opts.CloseClient
	if rdb == nil {
		rdb, owned = dial(cfg, 5*time.Second), true
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		if owned && b.opts.Client == nil {
			_ = rdb.Close()
		}
		return err
	}

	lg := log.OrNop(cfg.Logger)
	b.mu.Lock()
	b.rdb = rdb
	b.owned = owned
	b.prefix = backend.Coalesce(cfg.Prefix, keys.DefaultPrefix("/"))
	b.ttl = backend.Coalesce(cfg.DefaultTTL, defaultTTL)
	b.log = lg
	b.mu.Unlock()
	lg.Debug("redis backend initialized", log.Fields{"prefix": b.prefix})
	return nil
}

func (b *Backend) client() redis.UniversalClient {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rdb
}

func (b *Backend) ready() (redis.UniversalClient, error) {
	if c := b.client(); c != nil {
		return c, nil
	}
	return nil, backend.ErrNotInitialized
}

func (b *Backend) Load(ctx context.Context, key string) ([]byte, bool, error) {
	rdb, err := b.ready()
	if err != nil {
		return nil, false, err
	}
	v, err := rdb.Get(ctx, b.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (b *Backend) Save(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	rdb, err := b.ready()
	if err != nil {
		return err
	}
	ttl = backend.ResolveTTL(ttl, b.ttl)
	if ttl < 0 {
		ttl = 0 // go-redis: zero means no expiry
	}
	return rdb.Set(ctx, b.prefix+key, value, ttl).Err()
}

func (b *Backend) Delete(ctx context.Context, key string) (bool, error) {
	rdb, err := b.ready()
	if err != nil {
		return false, err
	}
	n, err := rdb.Del(ctx, b.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LoadMany returns an empty map for Expired: redis never returns an expired key.
func (b *Backend) LoadMany(ctx context.Context, p backend.Pattern) (map[string][]byte, error) {
	rdb, err := b.ready()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	if p.IsExpired() {
		return out, nil
	}
	err = b.scan(ctx, rdb, p, func(batch []string) error {
		cmds := make([]*redis.StringCmd, len(batch))
		_, err := rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, k := range batch {
				cmds[i] = pipe.Get(ctx, k)
			}
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		for i, cmd := range cmds {
			v, err := cmd.Bytes()
			if errors.Is(err, redis.Nil) {
				continue // expired or deleted since the scan
			}
			if err != nil {
				return err
			}
			out[strings.TrimPrefix(batch[i], b.prefix)] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteMany with Expired is a no-op: redis evicts expired keys itself.
func (b *Backend) DeleteMany(ctx context.Context, p backend.Pattern) error {
	rdb, err := b.ready()
	if err != nil {
		return err
	}
	if p.IsExpired() {
		return nil
	}
	return b.scan(ctx, rdb, p, func(batch []string) error {
		_, err := rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, k := range batch {
				pipe.Unlink(ctx, k)
			}
			return nil
		})
		return err
	})
}

func (b *Backend) GC(context.Context) error {
	_, err := b.ready()
	return err
}

// DeleteAll removes every key under the prefix; the rest of the database is
// left alone.
func (b *Backend) DeleteAll(ctx context.Context) error {
	return b.DeleteMany(ctx, backend.All())
}

func (b *Backend) Close(context.Context) error {
	b.initM.Lock()
	defer b.initM.Unlock()
	b.mu.Lock()
	rdb, owned := b.rdb, b.owned
	b.rdb = nil
	b.mu.Unlock()
	if rdb == nil || !owned {
		return nil
	}
	return rdb.Close()
}

// scan walks the prefix and hands fn batches of full redis keys whose logical
// key matches p. Cluster clients are scanned master by master, concurrently,
// but fn is never called from two goroutines at once.
func (b *Backend) scan(ctx context.Context, rdb redis.UniversalClient, p backend.Pattern, fn func([]string) error) error {
	match := escapeGlob(b.prefix) + "*"
	fn = serialized(fn)
	each := func(ctx context.Context, c redis.Cmdable) error {
		var cursor uint64
		for {
			ks, next, err := c.Scan(ctx, cursor, match, scanCount).Result()
			if err != nil {
				return err
			}
			batch := ks[:0]
			for _, k := range ks {
				if p.MatchKey(strings.TrimPrefix(k, b.prefix)) {
					batch = append(batch, k)
				}
			}
			if len(batch) > 0 {
				if err := fn(batch); err != nil {
					return err
				}
			}
			if cursor = next; cursor == 0 {
				return nil
			}
		}
	}
	if cc, ok := rdb.(*redis.ClusterClient); ok {
		return cc.ForEachMaster(ctx, func(ctx context.Context, c *redis.Client) error {
			return each(ctx, c)
		})
	}
	return each(ctx, rdb)
}

// serialized wraps fn so concurrent callers take turns.
func serialized(fn func([]string) error) func([]string) error {
	var mu sync.Mutex
	return func(batch []string) error {
		mu.Lock()
		defer mu.Unlock()
		return fn(batch)
	}
}

// escapeGlob quotes redis glob metacharacters so s matches literally.
func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
