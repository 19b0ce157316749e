package cachemux

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/cachemux/backend"
	"github.com/unkn0wn-root/cachemux/backend/bigcache"
	"github.com/unkn0wn-root/cachemux/backend/file"
	"github.com/unkn0wn-root/cachemux/hooks"
)

// memBackend is an in-memory backend with knobs for probing and init.
type memBackend struct {
	rank      int
	available atomic.Bool
	initErr   error

	inits  atomic.Int32
	closed atomic.Bool
	gcs    atomic.Int32
	cfg    backend.Config

	mu sync.Mutex
	m  map[string][]byte
}

var (
	_ backend.Backend = (*memBackend)(nil)
	_ backend.Closer  = (*memBackend)(nil)
)

func newMem(rank int) *memBackend {
	b := &memBackend{rank: rank, m: make(map[string][]byte)}
	b.available.Store(true)
	return b
}

func (b *memBackend) Info(context.Context, backend.Config) backend.Info {
	return backend.Info{Available: b.available.Load(), Rank: b.rank}
}

func (b *memBackend) Init(_ context.Context, cfg backend.Config) error {
	if b.initErr != nil {
		return b.initErr
	}
	b.inits.Add(1)
	b.cfg = cfg
	return nil
}

func (b *memBackend) Load(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.m[key]
	return v, ok, nil
}

func (b *memBackend) Save(_ context.Context, key string, value []byte, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[key] = value
	return nil
}

func (b *memBackend) Delete(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.m[key]
	delete(b.m, key)
	return ok, nil
}

func (b *memBackend) LoadMany(context.Context, backend.Pattern) (map[string][]byte, error) {
	return nil, backend.ErrUnsupported
}

func (b *memBackend) DeleteMany(context.Context, backend.Pattern) error {
	return backend.ErrUnsupported
}

func (b *memBackend) GC(context.Context) error {
	b.gcs.Add(1)
	return nil
}

func (b *memBackend) Close(context.Context) error {
	b.closed.Store(true)
	return nil
}

type eventRecorder struct {
	hooks.Nop
	mu          sync.Mutex
	hits        int
	misses      int
	initialized []string
	unavailable []string
	unsupported []string
}

func (r *eventRecorder) Hit(string)  { r.mu.Lock(); r.hits++; r.mu.Unlock() }
func (r *eventRecorder) Miss(string) { r.mu.Lock(); r.misses++; r.mu.Unlock() }

func (r *eventRecorder) BackendInitialized(kind string) {
	r.mu.Lock()
	r.initialized = append(r.initialized, kind)
	r.mu.Unlock()
}

func (r *eventRecorder) BackendUnavailable(kind string, _ error) {
	r.mu.Lock()
	r.unavailable = append(r.unavailable, kind)
	r.mu.Unlock()
}

func (r *eventRecorder) Unsupported(kind, op string) {
	r.mu.Lock()
	r.unsupported = append(r.unsupported, kind+"/"+op)
	r.mu.Unlock()
}

func newManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestDefaultRegistrationOrder(t *testing.T) {
	m := newManager(t, Options{})
	want := []Kind{KindFile, KindShm, KindRistretto, KindMemcache, KindRedis, KindBolt}
	got := m.Kinds()
	if len(got) != len(want) {
		t.Fatalf("Kinds = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Kinds = %v, want %v", got, want)
		}
	}
	if m.Default() != KindFile {
		t.Fatalf("default = %q", m.Default())
	}
}

func TestFastestPrefersLowestRank(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, Options{
		Backends: []Registration{
			{KindFile, file.New(file.Options{})},
			{KindShm, bigcache.New(bigcache.Options{})},
		},
		Configs: map[Kind]backend.Config{KindFile: {Dir: t.TempDir()}},
	})
	k, err := m.FastestAvailable(ctx)
	if err != nil || k != KindShm {
		t.Fatalf("FastestAvailable = %q, %v; want shm", k, err)
	}
	if _, err := m.UseFastest(ctx); err != nil {
		t.Fatal(err)
	}
	if m.Default() != KindShm {
		t.Fatalf("default = %q after UseFastest", m.Default())
	}
	if err := m.Save(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	// file keyspace is independent
	if _, ok, _ := m.On(KindFile).Load(ctx, "k"); ok {
		t.Fatalf("value leaked into the file backend")
	}
}

func TestFastestSkipsUnavailableAndBreaksTiesByOrder(t *testing.T) {
	ctx := context.Background()
	fast, tieA, tieB := newMem(1), newMem(5), newMem(5)
	fast.available.Store(false)
	m := newManager(t, Options{
		Default:  "a",
		Backends: []Registration{{"fast", fast}, {"a", tieA}, {"b", tieB}},
	})
	k, err := m.FastestAvailable(ctx)
	if err != nil || k != "a" {
		t.Fatalf("FastestAvailable = %q, %v", k, err)
	}

	tieA.available.Store(false)
	tieB.available.Store(false)
	if _, err := m.FastestAvailable(ctx); !errors.Is(err, ErrNoBackendAvailable) {
		t.Fatalf("want ErrNoBackendAvailable, got %v", err)
	}
}

func TestLazyInitOnce(t *testing.T) {
	ctx := context.Background()
	b := newMem(1)
	rec := &eventRecorder{}
	m := newManager(t, Options{Default: "mem", Backends: []Registration{{"mem", b}}, Hooks: rec})

	if b.inits.Load() != 0 {
		t.Fatalf("backend initialized at construction")
	}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.GetBackend(ctx, ""); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if n := b.inits.Load(); n != 1 {
		t.Fatalf("Init called %d times", n)
	}
	if len(rec.initialized) != 1 || rec.initialized[0] != "mem" {
		t.Fatalf("initialized events = %v", rec.initialized)
	}
}

func TestManagerInjectsLoggerAndHooks(t *testing.T) {
	b := newMem(1)
	rec := &eventRecorder{}
	m := newManager(t, Options{
		Default:  "mem",
		Backends: []Registration{{"mem", b}},
		Configs:  map[Kind]backend.Config{"mem": {Prefix: "p/"}},
		Hooks:    rec,
	})
	if _, err := m.GetBackend(context.Background(), "mem"); err != nil {
		t.Fatal(err)
	}
	if b.cfg.Prefix != "p/" || b.cfg.Hooks != Hooks(rec) || b.cfg.Logger == nil {
		t.Fatalf("config not propagated: %+v", b.cfg)
	}
}

func TestUnavailableIsNotSticky(t *testing.T) {
	ctx := context.Background()
	b := newMem(1)
	b.available.Store(false)
	rec := &eventRecorder{}
	m := newManager(t, Options{Default: "mem", Backends: []Registration{{"mem", b}}, Hooks: rec})

	_, err := m.GetBackend(ctx, "mem")
	var be *BackendError
	if !errors.As(err, &be) || be.Kind != "mem" || be.Op != "probe" || !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("want probe BackendError, got %v", err)
	}
	if len(rec.unavailable) != 1 {
		t.Fatalf("unavailable events = %v", rec.unavailable)
	}

	b.available.Store(true)
	if _, err := m.GetBackend(ctx, "mem"); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
}

func TestInitFailureWrapped(t *testing.T) {
	boom := errors.New("boom")
	b := newMem(1)
	b.initErr = boom
	m := newManager(t, Options{Default: "mem", Backends: []Registration{{"mem", b}}})

	_, err := m.GetBackend(context.Background(), "")
	var be *BackendError
	if !errors.As(err, &be) || be.Op != "init" || !errors.Is(err, boom) {
		t.Fatalf("want init BackendError wrapping boom, got %v", err)
	}
}

func TestUnknownKind(t *testing.T) {
	m := newManager(t, Options{Default: "mem", Backends: []Registration{{"mem", newMem(1)}}})
	if _, err := m.GetBackend(context.Background(), "nope"); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("want ErrUnknownBackend, got %v", err)
	}
	if err := m.SetDefault("nope"); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("SetDefault: want ErrUnknownBackend, got %v", err)
	}
}

func TestNewRejectsBadRegistrations(t *testing.T) {
	cases := map[string]Options{
		"duplicate":       {Default: "a", Backends: []Registration{{"a", newMem(1)}, {"a", newMem(2)}}},
		"nil_backend":     {Default: "a", Backends: []Registration{{"a", nil}}},
		"unknown_default": {Default: "z", Backends: []Registration{{"a", newMem(1)}}},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := New(opts); err == nil {
				t.Fatalf("New accepted %s", name)
			}
		})
	}
}

func TestExplicitKindBypassesDefault(t *testing.T) {
	ctx := context.Background()
	a, b := newMem(1), newMem(2)
	m := newManager(t, Options{Default: "a", Backends: []Registration{{"a", a}, {"b", b}}})

	if err := m.On("b").Save(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := m.Load(ctx, "k"); ok {
		t.Fatalf("default backend saw a write made to b")
	}
	if a.inits.Load() != 1 || b.inits.Load() != 1 {
		t.Fatalf("inits a=%d b=%d", a.inits.Load(), b.inits.Load())
	}

	h := m.On("")
	if err := m.SetDefault("b"); err != nil {
		t.Fatal(err)
	}
	if h.Kind() != "b" {
		t.Fatalf("default handle did not follow SetDefault")
	}
	if v, ok, _ := h.Load(ctx, "k"); !ok || string(v) != "v" {
		t.Fatalf("Load via default handle = %q %v", v, ok)
	}
}

func TestHitMissAndUnsupportedEvents(t *testing.T) {
	ctx := context.Background()
	rec := &eventRecorder{}
	m := newManager(t, Options{Default: "mem", Backends: []Registration{{"mem", newMem(1)}}, Hooks: rec})

	_ = m.Save(ctx, "k", []byte("v"), 0)
	_, _, _ = m.Load(ctx, "k")
	_, _, _ = m.Load(ctx, "absent")
	if rec.hits != 1 || rec.misses != 1 {
		t.Fatalf("hits=%d misses=%d", rec.hits, rec.misses)
	}

	got, err := m.LoadMany(ctx, All())
	if !errors.Is(err, ErrUnsupported) || got != nil {
		t.Fatalf("LoadMany = %v, %v", got, err)
	}
	if err := m.DeleteAll(ctx); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("DeleteAll without Flusher: %v", err)
	}
	if strings.Join(rec.unsupported, ",") != "mem/load_many,mem/delete_all" {
		t.Fatalf("unsupported events = %v", rec.unsupported)
	}
}

func TestFileWipeThroughManager(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, Options{
		Backends: []Registration{{KindFile, file.New(file.Options{})}},
		Configs:  map[Kind]backend.Config{KindFile: {Dir: t.TempDir()}},
	})
	for _, k := range []string{"product_123", "product_124"} {
		if err := m.Save(ctx, k, []byte(k), time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	got, err := m.LoadMany(ctx, KeyContains("123"))
	if err != nil || len(got) != 1 || string(got["product_123"]) != "product_123" {
		t.Fatalf("LoadMany(contains 123) = %v, %v", got, err)
	}
	if err := m.DeleteMany(ctx, All()); err != nil {
		t.Fatal(err)
	}
	got, err = m.LoadMany(ctx, All())
	if err != nil || len(got) != 0 {
		t.Fatalf("after wipe: %v, %v", got, err)
	}
}

func TestStatusDoesNotInitialize(t *testing.T) {
	a, b := newMem(3), newMem(1)
	b.available.Store(false)
	m := newManager(t, Options{Default: "a", Backends: []Registration{{"a", a}, {"b", b}}})
	st := m.Status(context.Background())
	if len(st) != 2 || !st[0].Available || !st[0].Default || st[0].Initialized || st[1].Available {
		t.Fatalf("Status = %+v", st)
	}
	if a.inits.Load() != 0 {
		t.Fatalf("Status initialized a backend")
	}
}

func TestCloseClosesInitializedOnly(t *testing.T) {
	ctx := context.Background()
	a, b := newMem(1), newMem(2)
	m, err := New(Options{Default: "a", Backends: []Registration{{"a", a}, {"b", b}}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetBackend(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if !a.closed.Load() || b.closed.Load() {
		t.Fatalf("closed a=%v b=%v", a.closed.Load(), b.closed.Load())
	}
}

func TestUseAfterCloseReportsClosed(t *testing.T) {
	ctx := context.Background()
	a := newMem(1)
	m, err := New(Options{Default: "a", Backends: []Registration{{"a", a}}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Save(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatal(err)
	}

	if _, _, err := m.Load(ctx, "k"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Load after Close: %v", err)
	}
	if _, err := m.GetBackend(ctx, "a"); !errors.Is(err, ErrClosed) {
		t.Fatalf("GetBackend after Close: %v", err)
	}
	if got := a.inits.Load(); got != 1 {
		t.Fatalf("backend re-initialized after Close: inits=%d", got)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestGCLoopRunsOnInitializedBackends(t *testing.T) {
	ctx := context.Background()
	a, b := newMem(1), newMem(2)
	m := newManager(t, Options{
		Default:    "a",
		Backends:   []Registration{{"a", a}, {"b", b}},
		GCInterval: 5 * time.Millisecond,
	})
	if _, err := m.GetBackend(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for a.gcs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.gcs.Load() == 0 {
		t.Fatalf("gc loop never ran")
	}
	if b.gcs.Load() != 0 || b.inits.Load() != 0 {
		t.Fatalf("gc loop touched an uninitialized backend")
	}
}
