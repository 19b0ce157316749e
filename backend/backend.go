// Package backend defines the storage contract every cache backend implements.
//
// A backend owns an independent keyspace. Keys passed in are logical keys;
// each backend decides how to map them onto its medium (hashing, prefixing,
// sharding). Values are opaque bytes and must round-trip unchanged.
//
// Every read path treats an expired entry as absent, even if its bytes are
// still on the medium, until GC (or a read) removes it.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/unkn0wn-root/cachemux/hooks"
	"github.com/unkn0wn-root/cachemux/log"
)

// TTL sentinels accepted by Save.
const (
	// TTLDefault selects the backend's configured DefaultTTL.
	TTLDefault time.Duration = 0
	// NoExpiry stores the entry without expiry where the medium supports it.
	// Any negative TTL is treated the same way.
	NoExpiry time.Duration = -1
)

// ErrUnsupported is returned by operations a backend cannot perform, such as
// pattern scans on a store without key enumeration. It is distinct from an
// empty result and matches errors.ErrUnsupported.
var ErrUnsupported = fmt.Errorf("cachemux: operation not supported by backend: %w", errors.ErrUnsupported)

// ErrNotInitialized is returned by operations called before a successful Init.
var ErrNotInitialized = errors.New("cachemux: backend not initialized")

// Info is the result of a backend probe.
type Info struct {
	Available bool
	// Rank is a static priority; lower is preferred (faster).
	Rank int
}

// Config is the per-kind configuration handed to Info and Init.
// Fields a backend does not use are ignored.
type Config struct {
	Prefix     string        `json:"prefix,omitempty"`
	DefaultTTL time.Duration `json:"default_ttl,omitempty"`
	Dir        string        `json:"dir,omitempty"`       // file, bolt
	FileType   string        `json:"file_type,omitempty"` // file: binary | json | code
	Host       string        `json:"host,omitempty"`      // memcache, redis
	Port       int           `json:"port,omitempty"`      // memcache, redis
	Password   string        `json:"-"`                   // redis
	DB         int           `json:"db,omitempty"`        // redis

	// Runtime collaborators, filled in by the manager.
	Logger log.Logger  `json:"-"`
	Hooks  hooks.Hooks `json:"-"`
}

// Backend is the capability contract. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Info is a cheap, side-effect-free probe of whether the medium is usable
	// with cfg, plus the backend's static rank.
	Info(ctx context.Context, cfg Config) Info

	// Init fills defaults and prepares the medium. Calling it again after a
	// successful Init is a no-op. It fails only on structurally invalid
	// configuration or an unusable medium.
	Init(ctx context.Context, cfg Config) error

	// Load returns (value, true, nil) on hit and (nil, false, nil) on miss,
	// expiry or corruption.
	Load(ctx context.Context, key string) ([]byte, bool, error)

	// Save stores value. ttl == TTLDefault uses the configured default;
	// ttl < 0 means never expire.
	Save(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete reports whether an entry existed and was removed.
	Delete(ctx context.Context, key string) (bool, error)

	// LoadMany returns live entries matching p, keyed by logical key.
	LoadMany(ctx context.Context, p Pattern) (map[string][]byte, error)

	// DeleteMany removes entries matching p.
	DeleteMany(ctx context.Context, p Pattern) error

	// GC removes expired entries; a no-op where the medium expires natively.
	GC(ctx context.Context) error
}

// Flusher is implemented by backends that can wipe their whole keyspace.
type Flusher interface {
	DeleteAll(ctx context.Context) error
}

// Closer is implemented by backends holding resources (connections, files).
type Closer interface {
	Close(ctx context.Context) error
}

// ResolveTTL maps the Save sentinels onto a concrete TTL: TTLDefault becomes
// def and any negative value becomes NoExpiry.
func ResolveTTL(ttl, def time.Duration) time.Duration {
	switch {
	case ttl == TTLDefault:
		return def
	case ttl < 0:
		return NoExpiry
	default:
		return ttl
	}
}

// Coalesce returns def when v is the zero value of T - otherwise v.
func Coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
