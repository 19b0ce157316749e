// Package file is a durable cache backend that keeps one file per entry in a
// two-level shard tree:
//
//	<dir>/<2-hex shard>/<slug>.<10-hex fragment>.<ext>
//
// The shard and fragment come from an xxhash64 of the logical key; the slug is
// a filesystem-safe rendition of the key kept for humans and for cheap
// substring prefiltering during scans.
//
// Writes go to a temp file in the shard directory and are renamed into place,
// so readers never observe a partial entry. Expired or corrupt entries are
// purged when read, but only if the path still holds the exact file that was
// inspected; a concurrent rewrite of the same key survives.
package file

import (
	"bufio"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/cachemux/backend"
	"github.com/unkn0wn-root/cachemux/hooks"
	"github.com/unkn0wn-root/cachemux/internal/keys"
	"github.com/unkn0wn-root/cachemux/internal/wire"
	"github.com/unkn0wn-root/cachemux/log"
)

const (
	Kind = "file"
	Rank = 70

	defaultTTL = time.Hour
	tmpPrefix  = ".tmp-"
)

type Options struct {
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

type Backend struct {
	now   func() time.Time
	initM sync.Mutex
	st    atomic.Pointer[state]
	// one lock per shard directory; serializes rename against purge
	locks [256]sync.Mutex
}

type state struct {
	dir    string
	ttl    time.Duration
	format format
	log    log.Logger
	hooks  hooks.Hooks
}

var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Flusher = (*Backend)(nil)
)

func New(opts Options) *Backend {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Backend{now: now}
}

func (b *Backend) Info(context.Context, backend.Config) backend.Info {
	return backend.Info{Available: true, Rank: Rank}
}

// Init resolves the cache directory and record format. An empty or unwritable
// Dir falls back to a per-installation directory under os.TempDir.
func (b *Backend) Init(_ context.Context, cfg backend.Config) error {
	b.initM.Lock()
	defer b.initM.Unlock()
	if b.st.Load() != nil {
		return nil
	}

	f, err := formatFor(backend.Coalesce(cfg.FileType, TypeJSON))
	if err != nil {
		return err
	}
	lg := log.OrNop(cfg.Logger)

	dir := cfg.Dir
	if dir == "" || !writable(dir) {
		fallback := filepath.Join(os.TempDir(), "cachemux", keys.InstallHash(), "cache")
		if dir != "" {
			lg.Warn("cache dir not writable, using fallback", log.Fields{"dir": dir, "fallback": fallback})
		}
		dir = fallback
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	b.st.Store(&state{
		dir:    dir,
		ttl:    backend.Coalesce(cfg.DefaultTTL, defaultTTL),
		format: f,
		log:    lg,
		hooks:  hooks.OrNop(cfg.Hooks),
	})
	lg.Debug("file backend initialized", log.Fields{"dir": dir, "format": f.ext()})
	return nil
}

// Dir is the resolved cache directory, or "" before Init.
func (b *Backend) Dir() string {
	if s := b.st.Load(); s != nil {
		return s.dir
	}
	return ""
}

func writable(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	f, err := os.CreateTemp(dir, tmpPrefix+"probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

func (b *Backend) state() (*state, error) {
	s := b.st.Load()
	if s == nil {
		return nil, backend.ErrNotInitialized
	}
	return s, nil
}

// path maps a logical key to its file and shard.
func (s *state) path(key string) (path, shard string) {
	h := keys.Hash(key)
	shard = keys.Shard(h)
	slug := keys.Slug(key)
	if slug == "" {
		slug = "_"
	}
	name := slug + "." + keys.Fragment(h) + "." + s.format.ext()
	return filepath.Join(s.dir, shard, name), shard
}

func (b *Backend) lock(shard string) *sync.Mutex {
	n, err := strconv.ParseUint(shard, 16, 8)
	if err != nil {
		n = 0
	}
	return &b.locks[n]
}

func (b *Backend) Load(_ context.Context, key string) ([]byte, bool, error) {
	s, err := b.state()
	if err != nil {
		return nil, false, err
	}
	path, shard := s.path(key)
	e := b.inspect(s, path, shard, func(h wire.Header) bool { return h.Key == key })
	if !e.live || e.hdr.Key != key {
		return nil, false, nil
	}
	return e.payload, true, nil
}

func (b *Backend) Save(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s, err := b.state()
	if err != nil {
		return err
	}
	h := wire.Header{CreatedAt: b.now(), TTL: backend.ResolveTTL(ttl, s.ttl), Key: key}
	data, err := s.format.encode(h, value)
	if err != nil {
		return err
	}

	path, shard := s.path(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	mu := b.lock(shard)
	mu.Lock()
	err = os.Rename(tmpName, path)
	mu.Unlock()
	if err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (b *Backend) Delete(_ context.Context, key string) (bool, error) {
	s, err := b.state()
	if err != nil {
		return false, err
	}
	path, shard := s.path(key)
	mu := b.lock(shard)
	mu.Lock()
	err = os.Remove(path)
	mu.Unlock()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// LoadMany scans the shard tree. Files whose slug cannot contain the slug of
// the substring are skipped without being opened.
func (b *Backend) LoadMany(ctx context.Context, p backend.Pattern) (map[string][]byte, error) {
	s, err := b.state()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	err = b.walk(ctx, s, p, false, func(path, shard string) {
		e := b.inspect(s, path, shard, func(h wire.Header) bool { return p.MatchKey(h.Key) })
		if e.live && p.MatchKey(e.hdr.Key) {
			out[e.hdr.Key] = e.payload
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) DeleteMany(ctx context.Context, p backend.Pattern) error {
	s, err := b.state()
	if err != nil {
		return err
	}
	// All unlinks without reading, whatever format wrote the file
	return b.walk(ctx, s, p, p.IsAll(), func(path, shard string) {
		if p.IsAll() {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.log.Warn("file cache delete failed", log.Fields{"path": path, "err": err})
			}
			return
		}
		// inspect purges expired and corrupt files on its own
		e := b.inspect(s, path, shard, func(wire.Header) bool { return false })
		if e.live && p.MatchKey(e.hdr.Key) {
			b.removeIfSame(path, shard, e.info)
		}
	})
}

// GC removes every expired or corrupt entry.
func (b *Backend) GC(ctx context.Context) error {
	return b.DeleteMany(ctx, backend.Expired())
}

// DeleteAll removes the whole cache directory tree.
func (b *Backend) DeleteAll(context.Context) error {
	s, err := b.state()
	if err != nil {
		return err
	}
	return os.RemoveAll(s.dir)
}

type inspected struct {
	hdr     wire.Header
	info    os.FileInfo
	payload []byte
	live    bool
}

// inspect decodes the metadata at path and purges the file when it is corrupt
// or expired. want decides from a live entry's metadata whether the payload is
// read as well. I/O failures are logged and reported as not live.
func (b *Backend) inspect(s *state, path, shard string, want func(wire.Header) bool) inspected {
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("file cache read failed", log.Fields{"path": path, "err": err})
		}
		return inspected{}
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		s.log.Warn("file cache stat failed", log.Fields{"path": path, "err": err})
		return inspected{}
	}

	h, body, err := s.format.readHeader(bufio.NewReader(f))
	if err != nil {
		b.purge(s, path, shard, fi, filepath.Base(path), hooks.ReasonCorrupt)
		return inspected{}
	}
	if h.Expired(b.now()) {
		b.purge(s, path, shard, fi, h.Key, hooks.ReasonExpired)
		return inspected{}
	}
	e := inspected{hdr: h, info: fi, live: true}
	if !want(h) {
		return e
	}
	payload, err := body()
	if err != nil {
		b.purge(s, path, shard, fi, h.Key, hooks.ReasonCorrupt)
		return inspected{}
	}
	e.payload = payload
	return e
}

func (b *Backend) purge(s *state, path, shard string, fi os.FileInfo, key, reason string) {
	if b.removeIfSame(path, shard, fi) {
		s.hooks.Purged(Kind, key, reason)
		s.log.Debug("file cache entry purged", log.Fields{"key": key, "reason": reason})
	}
}

// removeIfSame unlinks path only if it still refers to the file described by fi.
func (b *Backend) removeIfSame(path, shard string, fi os.FileInfo) bool {
	mu := b.lock(shard)
	mu.Lock()
	defer mu.Unlock()
	cur, err := os.Stat(path)
	if err != nil || !os.SameFile(fi, cur) {
		return false
	}
	return os.Remove(path) == nil
}

// walk calls fn for every entry file that p could match, shard by shard.
// Files of other record formats are only visited when anyFormat is set.
func (b *Backend) walk(ctx context.Context, s *state, p backend.Pattern, anyFormat bool, fn func(path, shard string)) error {
	shards, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	sub, isSub := p.Substring()
	subSlug := keys.Slug(sub)
	ext := "." + s.format.ext()

	for _, sd := range shards {
		if !sd.IsDir() || len(sd.Name()) != 2 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		shardDir := filepath.Join(s.dir, sd.Name())
		files, err := os.ReadDir(shardDir)
		if err != nil {
			s.log.Warn("file cache shard unreadable", log.Fields{"dir": shardDir, "err": err})
			continue
		}
		for _, fe := range files {
			name := fe.Name()
			if fe.IsDir() || strings.HasPrefix(name, ".") {
				continue
			}
			if !anyFormat && !strings.HasSuffix(name, ext) {
				continue
			}
			if isSub && !mayContain(name, subSlug) {
				continue
			}
			fn(filepath.Join(shardDir, name), sd.Name())
		}
	}
	return nil
}

// mayContain reports whether a file named name could hold a key containing a
// substring whose slug is subSlug. A truncated slug cannot rule anything out.
func mayContain(name, subSlug string) bool {
	if subSlug == "" {
		return true
	}
	slug := name
	if i := strings.IndexByte(name, '.'); i >= 0 {
		slug = name[:i]
	}
	if len(slug) >= keys.MaxSlug-1 {
		return true
	}
	return strings.Contains(slug, subSlug)
}
