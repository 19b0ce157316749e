// Package bolt is a durable single-file backend on bbolt. Entries live in one
// bucket (named by Config.Prefix, default "cache") as wire-framed values, so
// expiry is decided lazily on read like the file backend, and GC sweeps the
// bucket in a single write transaction.
package bolt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/unkn0wn-root/cachemux/backend"
	"github.com/unkn0wn-root/cachemux/hooks"
	"github.com/unkn0wn-root/cachemux/internal/keys"
	"github.com/unkn0wn-root/cachemux/internal/wire"
	"github.com/unkn0wn-root/cachemux/log"
)

const (
	Kind = "bolt"
	Rank = 60

	FileName = "cache.bbolt"

	defaultTTL    = time.Hour
	defaultBucket = "cache"
	// longer logical keys are stored under a hash
	maxRawKey = 1024
)

type Options struct {
	// OpenTimeout bounds waiting for the file lock held by another process.
	// Default 1s.
	OpenTimeout time.Duration
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

type Backend struct {
	opts  Options
	now   func() time.Time
	initM sync.Mutex

	mu     sync.RWMutex
	db     *bolt.DB
	bucket []byte
	ttl    time.Duration
	log    log.Logger
	hooks  hooks.Hooks
}

var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Flusher = (*Backend)(nil)
	_ backend.Closer  = (*Backend)(nil)
)

func New(opts Options) *Backend {
	opts.OpenTimeout = backend.Coalesce(opts.OpenTimeout, time.Second)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Backend{opts: opts, now: now}
}

func dirFor(cfg backend.Config) string {
	if cfg.Dir != "" {
		return cfg.Dir
	}
	return filepath.Join(os.TempDir(), "cachemux", keys.InstallHash(), "bolt")
}

// Info reports unavailable when the configured directory exists but is not a
// directory.
func (b *Backend) Info(_ context.Context, cfg backend.Config) backend.Info {
	fi, err := os.Stat(dirFor(cfg))
	if err != nil {
		return backend.Info{Available: errors.Is(err, os.ErrNotExist), Rank: Rank}
	}
	return backend.Info{Available: fi.IsDir(), Rank: Rank}
}

func (b *Backend) Init(_ context.Context, cfg backend.Config) error {
	b.initM.Lock()
	defer b.initM.Unlock()
	if b.handle() != nil {
		return nil
	}
	dir := dirFor(cfg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, FileName)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: b.opts.OpenTimeout})
	if err != nil {
		return fmt.Errorf("bolt: open %s: %w", path, err)
	}
	bucket := []byte(backend.Coalesce(cfg.Prefix, defaultBucket))
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		_ = db.Close()
		return err
	}

	lg := log.OrNop(cfg.Logger)
	b.mu.Lock()
	b.db = db
	b.bucket = bucket
	b.ttl = backend.Coalesce(cfg.DefaultTTL, defaultTTL)
	b.log = lg
	b.hooks = hooks.OrNop(cfg.Hooks)
	b.mu.Unlock()
	lg.Debug("bolt backend initialized", log.Fields{"path": path, "bucket": string(bucket)})
	return nil
}

func (b *Backend) handle() *bolt.DB {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.db
}

func (b *Backend) ready() (*bolt.DB, error) {
	if db := b.handle(); db != nil {
		return db, nil
	}
	return nil, backend.ErrNotInitialized
}

func storageKey(key string) []byte {
	if len(key) <= maxRawKey {
		return []byte(key)
	}
	return []byte("\x00h:" + keys.Hash(key))
}

// doomed is an entry found dead during a read-only pass. raw pins the exact
// bytes so the later write transaction leaves a rewritten entry alone.
type doomed struct {
	k, raw      []byte
	key, reason string
}

func (b *Backend) Load(_ context.Context, key string) ([]byte, bool, error) {
	db, err := b.ready()
	if err != nil {
		return nil, false, err
	}
	sk := storageKey(key)
	var (
		out  []byte
		hit  bool
		dead *doomed
	)
	now := b.now()
	err = db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(b.bucket).Get(sk)
		if raw == nil {
			return nil
		}
		h, payload, err := wire.Decode(raw)
		switch {
		case err != nil:
			dead = &doomed{k: sk, raw: bytes.Clone(raw), key: key, reason: hooks.ReasonCorrupt}
		case h.Expired(now):
			dead = &doomed{k: sk, raw: bytes.Clone(raw), key: h.Key, reason: hooks.ReasonExpired}
		case h.Key == key:
			out, hit = bytes.Clone(payload), true
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if dead != nil {
		b.purge(db, []doomed{*dead})
	}
	return out, hit, nil
}

func (b *Backend) Save(_ context.Context, key string, value []byte, ttl time.Duration) error {
	db, err := b.ready()
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
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Put(storageKey(key), env)
	})
}

// Delete reports false for an entry that was present but already expired.
func (b *Backend) Delete(_ context.Context, key string) (bool, error) {
	db, err := b.ready()
	if err != nil {
		return false, err
	}
	sk := storageKey(key)
	var existed bool
	now := b.now()
	err = db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(b.bucket)
		raw := bk.Get(sk)
		if raw == nil {
			return nil
		}
		h, _, err := wire.Decode(raw)
		existed = err == nil && !h.Expired(now) && h.Key == key
		return bk.Delete(sk)
	})
	return existed, err
}

func (b *Backend) LoadMany(ctx context.Context, p backend.Pattern) (map[string][]byte, error) {
	db, err := b.ready()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	var dead []doomed
	now := b.now()
	err = db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(b.bucket).Cursor()
		for k, raw := c.First(); k != nil; k, raw = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			h, payload, err := wire.Decode(raw)
			switch {
			case err != nil:
				dead = append(dead, doomed{k: bytes.Clone(k), raw: bytes.Clone(raw), key: string(k), reason: hooks.ReasonCorrupt})
			case h.Expired(now):
				dead = append(dead, doomed{k: bytes.Clone(k), raw: bytes.Clone(raw), key: h.Key, reason: hooks.ReasonExpired})
			case p.MatchKey(h.Key):
				out[h.Key] = bytes.Clone(payload)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.purge(db, dead)
	return out, nil
}

// DeleteMany removes matching entries in one write transaction. Expired and
// corrupt entries are removed for every pattern.
func (b *Backend) DeleteMany(ctx context.Context, p backend.Pattern) error {
	db, err := b.ready()
	if err != nil {
		return err
	}
	var purged []doomed
	now := b.now()
	err = db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(b.bucket)
		var drop [][]byte
		c := bk.Cursor()
		for k, raw := c.First(); k != nil; k, raw = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			h, _, err := wire.Decode(raw)
			switch {
			case err != nil:
				purged = append(purged, doomed{key: string(k), reason: hooks.ReasonCorrupt})
			case h.Expired(now):
				purged = append(purged, doomed{key: h.Key, reason: hooks.ReasonExpired})
			case p.MatchKey(h.Key):
			default:
				continue
			}
			drop = append(drop, bytes.Clone(k))
		}
		for _, k := range drop {
			if err := bk.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, d := range purged {
		b.hooks.Purged(Kind, d.key, d.reason)
	}
	return nil
}

func (b *Backend) GC(ctx context.Context) error {
	return b.DeleteMany(ctx, backend.Expired())
}

// DeleteAll drops and recreates the bucket.
func (b *Backend) DeleteAll(context.Context) error {
	db, err := b.ready()
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(b.bucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(b.bucket)
		return err
	})
}

// Path is the database file, or "" before Init.
func (b *Backend) Path() string {
	if db := b.handle(); db != nil {
		return db.Path()
	}
	return ""
}

func (b *Backend) Close(context.Context) error {
	b.initM.Lock()
	defer b.initM.Unlock()
	b.mu.Lock()
	db := b.db
	b.db = nil
	b.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

// purge deletes entries found dead by a read-only pass, skipping any whose
// bytes changed in the meantime.
func (b *Backend) purge(db *bolt.DB, dead []doomed) {
	if len(dead) == 0 {
		return
	}
	var done []doomed
	err := db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(b.bucket)
		done = done[:0]
		for _, d := range dead {
			if !bytes.Equal(bk.Get(d.k), d.raw) {
				continue
			}
			if err := bk.Delete(d.k); err != nil {
				return err
			}
			done = append(done, d)
		}
		return nil
	})
	if err != nil {
		b.log.Warn("bolt purge failed", log.Fields{"err": err})
		return
	}
	for _, d := range done {
		b.hooks.Purged(Kind, d.key, d.reason)
	}
}
