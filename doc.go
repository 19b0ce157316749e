// Package cachemux is a pluggable caching layer. A Manager owns one instance
// of every registered backend kind, initializes each lazily on first use and
// routes operations to an explicitly chosen kind, the configured default, or
// the fastest available one.
//
// Backends (see package backend for the contract):
//
//	file       one file per entry in a sharded directory tree (default)
//	shm        in-process byte arena (bigcache)
//	ristretto  in-process TinyLFU cache
//	memcache   memcached server
//	redis      redis server
//	bolt       single-file bbolt database
//
// Values are opaque bytes. Cache[V] layers a codec on top for typed values.
//
//	m, _ := cachemux.New(cachemux.Options{})
//	_ = m.Save(ctx, "user:1", raw, time.Minute)
//	v, ok, err := m.Load(ctx, "user:1")
//	fast, _ := m.UseFastest(ctx)
package cachemux
