package bigcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/cachemux/backend"
	"github.com/unkn0wn-root/cachemux/backend/backendtest"
	"github.com/unkn0wn-root/cachemux/hooks"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Unix(1700000000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestConformance(t *testing.T) {
	var clk *clock
	backendtest.Run(t, func(t *testing.T) (backend.Backend, backend.Config) {
		clk = newClock()
		return New(Options{Now: clk.Now}), backend.Config{Prefix: "test/"}
	}, backendtest.Options{
		Enumerable: true,
		Expire:     func(_ *testing.T, d time.Duration) { clk.Advance(d) },
	})
}

type purgeRecorder struct {
	hooks.Nop
	mu     sync.Mutex
	purged []string
}

func (r *purgeRecorder) Purged(_, key, reason string) {
	r.mu.Lock()
	r.purged = append(r.purged, key+":"+reason)
	r.mu.Unlock()
}

func newInitialized(t *testing.T, h hooks.Hooks) (*Backend, *clock) {
	t.Helper()
	clk := newClock()
	b := New(Options{Now: clk.Now})
	if err := b.Init(context.Background(), backend.Config{Prefix: "p/", Hooks: h}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b, clk
}

func TestDeleteExpiredReportsFalse(t *testing.T) {
	ctx := context.Background()
	b, clk := newInitialized(t, nil)
	if err := b.Save(ctx, "k", []byte("v"), time.Second); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Second)
	ok, err := b.Delete(ctx, "k")
	if err != nil || ok {
		t.Fatalf("Delete expired: ok=%v err=%v", ok, err)
	}
}

func TestCorruptEnvelopePurged(t *testing.T) {
	ctx := context.Background()
	rec := &purgeRecorder{}
	b, _ := newInitialized(t, rec)
	if err := b.c.Set("p/bad", []byte("not an envelope")); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := b.Load(ctx, "bad"); ok || err != nil {
		t.Fatalf("corrupt entry: ok=%v err=%v", ok, err)
	}
	if _, err := b.c.Get("p/bad"); err == nil {
		t.Fatalf("corrupt entry should have been removed")
	}
	if len(rec.purged) != 1 || rec.purged[0] != "bad:"+hooks.ReasonCorrupt {
		t.Fatalf("purged = %v", rec.purged)
	}
}

func TestScanIgnoresForeignPrefix(t *testing.T) {
	ctx := context.Background()
	b, _ := newInitialized(t, nil)
	if err := b.c.Set("other/k", []byte("foreign")); err != nil {
		t.Fatal(err)
	}
	if err := b.Save(ctx, "k", []byte("mine"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := b.DeleteAll(ctx); err != nil {
		t.Fatal(err)
	}
	if v, err := b.c.Get("other/k"); err != nil || string(v) != "foreign" {
		t.Fatalf("foreign entry touched: %q %v", v, err)
	}
	if _, ok, _ := b.Load(ctx, "k"); ok {
		t.Fatalf("own entry survived DeleteAll")
	}
}

func TestGCReportsExpiredPurges(t *testing.T) {
	ctx := context.Background()
	rec := &purgeRecorder{}
	b, clk := newInitialized(t, rec)
	if err := b.Save(ctx, "old", []byte("v"), time.Second); err != nil {
		t.Fatal(err)
	}
	if err := b.Save(ctx, "new", []byte("v"), time.Hour); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Minute)
	if err := b.GC(ctx); err != nil {
		t.Fatal(err)
	}
	if len(rec.purged) != 1 || rec.purged[0] != "old:"+hooks.ReasonExpired {
		t.Fatalf("purged = %v", rec.purged)
	}
}

func TestClosedBackendIsUninitialized(t *testing.T) {
	ctx := context.Background()
	b := New(Options{})
	if err := b.Init(ctx, backend.Config{}); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Save(ctx, "k", nil, 0); !errors.Is(err, backend.ErrNotInitialized) {
		t.Fatalf("want ErrNotInitialized after Close, got %v", err)
	}
}

func TestExpiredReadSparesConcurrentSave(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	var (
		b     *Backend
		armed atomic.Bool
	)
	// the armed clock read happens between Load's Get and its purge
	b = New(Options{Now: func() time.Time {
		if armed.CompareAndSwap(true, false) {
			if err := b.Save(ctx, "k", []byte("fresh"), time.Hour); err != nil {
				t.Error(err)
			}
		}
		return clk.Now()
	}})
	if err := b.Init(ctx, backend.Config{Prefix: "p/"}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close(ctx) })

	if err := b.Save(ctx, "k", []byte("stale"), time.Second); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Second)
	armed.Store(true)

	if _, ok, err := b.Load(ctx, "k"); ok || err != nil {
		t.Fatalf("stale read: ok=%v err=%v", ok, err)
	}
	v, ok, err := b.Load(ctx, "k")
	if err != nil || !ok || string(v) != "fresh" {
		t.Fatalf("fresh value lost: %q ok=%v err=%v", v, ok, err)
	}
}

func TestPurgeSkipsRewrittenEntry(t *testing.T) {
	ctx := context.Background()
	b, clk := newInitialized(t, nil)
	if err := b.Save(ctx, "k", []byte("old"), time.Second); err != nil {
		t.Fatal(err)
	}
	stale, err := b.c.Get("p/k")
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Second)
	if err := b.Save(ctx, "k", []byte("new"), time.Hour); err != nil {
		t.Fatal(err)
	}

	if b.purgeIfSame(b.c, "k", stale) {
		t.Fatal("purge removed a rewritten entry")
	}
	if v, ok, _ := b.Load(ctx, "k"); !ok || string(v) != "new" {
		t.Fatalf("rewritten entry = %q ok=%v", v, ok)
	}

	cur, err := b.c.Get("p/k")
	if err != nil {
		t.Fatal(err)
	}
	if !b.purgeIfSame(b.c, "k", cur) {
		t.Fatal("purge of unchanged entry should delete it")
	}
}
