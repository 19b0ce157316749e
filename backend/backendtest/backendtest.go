// Package backendtest is a conformance suite for backend.Backend
// implementations. Each backend package runs it from its own tests.
package backendtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unkn0wn-root/cachemux/backend"
)

// Factory returns a fresh, uninitialized backend and the config to init it with.
type Factory func(t *testing.T) (backend.Backend, backend.Config)

type Options struct {
	// Enumerable backends support LoadMany and DeleteMany.
	Enumerable bool
	// Expire makes d elapse for the backend. Defaults to time.Sleep.
	Expire func(t *testing.T, d time.Duration)
}

// Run executes the suite as subtests of t.
func Run(t *testing.T, factory Factory, opts Options) {
	t.Helper()
	if opts.Expire == nil {
		opts.Expire = func(_ *testing.T, d time.Duration) { time.Sleep(d) }
	}

	setup := func(t *testing.T) backend.Backend {
		t.Helper()
		b, cfg := factory(t)
		ctx := context.Background()
		if info := b.Info(ctx, cfg); !info.Available {
			t.Fatalf("backend reported unavailable: %+v", info)
		}
		if err := b.Init(ctx, cfg); err != nil {
			t.Fatalf("Init: %v", err)
		}
		if c, ok := b.(backend.Closer); ok {
			t.Cleanup(func() { _ = c.Close(context.Background()) })
		}
		return b
	}

	t.Run("round_trip", func(t *testing.T) {
		b := setup(t)
		mustSave(t, b, "k", "v", time.Minute)
		expectValue(t, b, "k", "v")
	})

	t.Run("miss", func(t *testing.T) {
		b := setup(t)
		expectMiss(t, b, "absent")
	})

	t.Run("overwrite", func(t *testing.T) {
		b := setup(t)
		mustSave(t, b, "k", "v1", time.Minute)
		mustSave(t, b, "k", "v2", time.Minute)
		expectValue(t, b, "k", "v2")
	})

	t.Run("default_and_no_expiry_ttl", func(t *testing.T) {
		b := setup(t)
		mustSave(t, b, "dflt", "a", backend.TTLDefault)
		mustSave(t, b, "never", "b", backend.NoExpiry)
		expectValue(t, b, "dflt", "a")
		expectValue(t, b, "never", "b")
	})

	t.Run("key_with_unsafe_chars", func(t *testing.T) {
		b := setup(t)
		k := "user profile/42:ÄÖ\tvalue"
		mustSave(t, b, k, "ok", time.Minute)
		expectValue(t, b, k, "ok")
	})

	t.Run("delete", func(t *testing.T) {
		ctx := context.Background()
		b := setup(t)
		mustSave(t, b, "k", "v", time.Minute)
		ok, err := b.Delete(ctx, "k")
		if err != nil || !ok {
			t.Fatalf("Delete existing: ok=%v err=%v", ok, err)
		}
		expectMiss(t, b, "k")
		ok, err = b.Delete(ctx, "k")
		if err != nil || ok {
			t.Fatalf("Delete missing: ok=%v err=%v", ok, err)
		}
	})

	t.Run("expiry", func(t *testing.T) {
		ctx := context.Background()
		b := setup(t)
		mustSave(t, b, "short", "v", time.Second)
		mustSave(t, b, "long", "w", time.Hour)
		opts.Expire(t, 1100*time.Millisecond)
		expectMiss(t, b, "short")
		expectValue(t, b, "long", "w")
		if !opts.Enumerable {
			return
		}
		got, err := b.LoadMany(ctx, backend.All())
		if err != nil {
			t.Fatalf("LoadMany(All): %v", err)
		}
		if _, ok := got["short"]; ok {
			t.Fatalf("expired key returned by LoadMany: %v", keysOf(got))
		}
		if string(got["long"]) != "w" {
			t.Fatalf("LoadMany(All) missing live key: %v", keysOf(got))
		}
	})

	t.Run("gc", func(t *testing.T) {
		ctx := context.Background()
		b := setup(t)
		mustSave(t, b, "short", "v", time.Second)
		mustSave(t, b, "long", "w", time.Hour)
		opts.Expire(t, 1100*time.Millisecond)
		if err := b.GC(ctx); err != nil {
			t.Fatalf("GC: %v", err)
		}
		expectMiss(t, b, "short")
		expectValue(t, b, "long", "w")
	})

	t.Run("init_idempotent", func(t *testing.T) {
		b, cfg := factory(t)
		ctx := context.Background()
		for i := 0; i < 2; i++ {
			if err := b.Init(ctx, cfg); err != nil {
				t.Fatalf("Init #%d: %v", i+1, err)
			}
		}
		if c, ok := b.(backend.Closer); ok {
			t.Cleanup(func() { _ = c.Close(context.Background()) })
		}
		mustSave(t, b, "k", "v", time.Minute)
		expectValue(t, b, "k", "v")
	})

	t.Run("delete_all", func(t *testing.T) {
		ctx := context.Background()
		b := setup(t)
		f, ok := b.(backend.Flusher)
		if !ok {
			t.Skip("backend has no DeleteAll")
		}
		mustSave(t, b, "a", "1", time.Minute)
		mustSave(t, b, "b", "2", time.Minute)
		if err := f.DeleteAll(ctx); err != nil {
			t.Fatalf("DeleteAll: %v", err)
		}
		expectMiss(t, b, "a")
		expectMiss(t, b, "b")
		// usable afterwards
		mustSave(t, b, "c", "3", time.Minute)
		expectValue(t, b, "c", "3")
	})

	if !opts.Enumerable {
		t.Run("bulk_unsupported", func(t *testing.T) {
			ctx := context.Background()
			b := setup(t)
			mustSave(t, b, "product_123", "a", time.Minute)
			got, err := b.LoadMany(ctx, backend.All())
			if !errors.Is(err, backend.ErrUnsupported) {
				t.Fatalf("LoadMany: want ErrUnsupported, got err=%v", err)
			}
			if got != nil {
				t.Fatalf("LoadMany: unsupported must not return a map, got %v", got)
			}
			if err := b.DeleteMany(ctx, backend.KeyContains("123")); !errors.Is(err, backend.ErrUnsupported) {
				t.Fatalf("DeleteMany: want ErrUnsupported, got %v", err)
			}
			expectValue(t, b, "product_123", "a")
		})
		return
	}

	t.Run("substring_filter", func(t *testing.T) {
		ctx := context.Background()
		b := setup(t)
		mustSave(t, b, "product_123", "a", time.Minute)
		mustSave(t, b, "product_124", "b", time.Minute)
		got, err := b.LoadMany(ctx, backend.KeyContains("123"))
		if err != nil {
			t.Fatalf("LoadMany: %v", err)
		}
		if len(got) != 1 || string(got["product_123"]) != "a" {
			t.Fatalf("LoadMany(contains 123) = %v", keysOf(got))
		}
	})

	t.Run("substring_is_not_a_glob", func(t *testing.T) {
		ctx := context.Background()
		b := setup(t)
		mustSave(t, b, "product_123", "a", time.Minute)
		got, err := b.LoadMany(ctx, backend.KeyContains("product_*"))
		if err != nil {
			t.Fatalf("LoadMany: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("glob metacharacters must be literal, got %v", keysOf(got))
		}
	})

	t.Run("delete_many_contains", func(t *testing.T) {
		ctx := context.Background()
		b := setup(t)
		mustSave(t, b, "user:1", "a", time.Minute)
		mustSave(t, b, "user:2", "b", time.Minute)
		mustSave(t, b, "order:1", "c", time.Minute)
		if err := b.DeleteMany(ctx, backend.KeyContains("user:")); err != nil {
			t.Fatalf("DeleteMany: %v", err)
		}
		expectMiss(t, b, "user:1")
		expectMiss(t, b, "user:2")
		expectValue(t, b, "order:1", "c")
	})

	t.Run("delete_many_all_wipes", func(t *testing.T) {
		ctx := context.Background()
		b := setup(t)
		for _, k := range []string{"a", "b", "c"} {
			mustSave(t, b, k, k, time.Minute)
		}
		if err := b.DeleteMany(ctx, backend.All()); err != nil {
			t.Fatalf("DeleteMany(All): %v", err)
		}
		got, err := b.LoadMany(ctx, backend.All())
		if err != nil {
			t.Fatalf("LoadMany(All): %v", err)
		}
		if got == nil || len(got) != 0 {
			t.Fatalf("want empty non-nil map after wipe, got %v", got)
		}
	})

	t.Run("delete_many_expired_keeps_live", func(t *testing.T) {
		ctx := context.Background()
		b := setup(t)
		mustSave(t, b, "short", "v", time.Second)
		mustSave(t, b, "long", "w", time.Hour)
		opts.Expire(t, 1100*time.Millisecond)
		if err := b.DeleteMany(ctx, backend.Expired()); err != nil {
			t.Fatalf("DeleteMany(Expired): %v", err)
		}
		got, err := b.LoadMany(ctx, backend.All())
		if err != nil {
			t.Fatalf("LoadMany(All): %v", err)
		}
		if len(got) != 1 || string(got["long"]) != "w" {
			t.Fatalf("want only live key, got %v", keysOf(got))
		}
	})

	t.Run("load_many_expired_is_empty", func(t *testing.T) {
		ctx := context.Background()
		b := setup(t)
		mustSave(t, b, "k", "v", time.Minute)
		got, err := b.LoadMany(ctx, backend.Expired())
		if err != nil {
			t.Fatalf("LoadMany(Expired): %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expired entries are never readable, got %v", keysOf(got))
		}
		expectValue(t, b, "k", "v")
	})
}

func mustSave(t *testing.T, b backend.Backend, key, value string, ttl time.Duration) {
	t.Helper()
	if err := b.Save(context.Background(), key, []byte(value), ttl); err != nil {
		t.Fatalf("Save(%q): %v", key, err)
	}
}

func expectValue(t *testing.T, b backend.Backend, key, want string) {
	t.Helper()
	got, ok, err := b.Load(context.Background(), key)
	if err != nil || !ok || string(got) != want {
		t.Fatalf("Load(%q) = %q ok=%v err=%v, want %q", key, got, ok, err, want)
	}
}

func expectMiss(t *testing.T, b backend.Backend, key string) {
	t.Helper()
	got, ok, err := b.Load(context.Background(), key)
	if err != nil || ok {
		t.Fatalf("Load(%q) = %q ok=%v err=%v, want miss", key, got, ok, err)
	}
}

func keysOf(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
