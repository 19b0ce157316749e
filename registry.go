package cachemux

import (
	"github.com/unkn0wn-root/cachemux/backend"
	"github.com/unkn0wn-root/cachemux/backend/bigcache"
	"github.com/unkn0wn-root/cachemux/backend/bolt"
	"github.com/unkn0wn-root/cachemux/backend/file"
	"github.com/unkn0wn-root/cachemux/backend/memcache"
	"github.com/unkn0wn-root/cachemux/backend/redis"
	"github.com/unkn0wn-root/cachemux/backend/ristretto"
)

// Kind names a backend registration.
type Kind string

const (
	KindFile      Kind = file.Kind
	KindShm       Kind = bigcache.Kind
	KindRistretto Kind = ristretto.Kind
	KindMemcache  Kind = memcache.Kind
	KindRedis     Kind = redis.Kind
	KindBolt      Kind = bolt.Kind

	DefaultKind = KindFile
)

// Registration binds a kind to a backend instance.
type Registration struct {
	Kind    Kind
	Backend backend.Backend
}

// DefaultRegistrations returns fresh instances of the built-in backends in
// registration order. The order breaks rank ties in FastestAvailable.
func DefaultRegistrations() []Registration {
	return []Registration{
		{KindFile, file.New(file.Options{})},
		{KindShm, bigcache.New(bigcache.Options{})},
		{KindRistretto, ristretto.New(ristretto.Options{})},
		{KindMemcache, memcache.New(memcache.Options{})},
		{KindRedis, redis.New(redis.Options{})},
		{KindBolt, bolt.New(bolt.Options{})},
	}
}
