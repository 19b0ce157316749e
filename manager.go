package cachemux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/cachemux/backend"
	"github.com/unkn0wn-root/cachemux/hooks"
	"github.com/unkn0wn-root/cachemux/log"
)

// Options configure a Manager. The zero value registers the built-in
// backends with file as the default.
type Options struct {
	// Default kind for operations that name none. Default "file".
	Default Kind
	// Configs holds per-kind configuration handed to Info and Init.
	Configs map[Kind]backend.Config
	// Backends replaces the built-in registrations. To extend them, append
	// to DefaultRegistrations().
	Backends []Registration

	Logger Logger // nil => NopLogger
	Hooks  Hooks  // nil => hooks.Nop

	// GCInterval > 0 runs GC on every initialized backend at that interval
	// until Close.
	GCInterval time.Duration
}

type registration struct {
	kind        Kind
	b           backend.Backend
	initMu      sync.Mutex
	initialized atomic.Bool
}

// Manager routes cache operations to lazily initialized backends. It is safe
// for concurrent use.
type Manager struct {
	regs   []*registration
	byKind map[Kind]*registration
	cfgs   map[Kind]backend.Config
	log    Logger
	hooks  Hooks

	mu  sync.RWMutex
	def Kind

	stopCh    chan struct{}
	closeWg   sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
}

func New(opts Options) (*Manager, error) {
	regs := opts.Backends
	if regs == nil {
		regs = DefaultRegistrations()
	}
	m := &Manager{
		byKind: make(map[Kind]*registration, len(regs)),
		cfgs:   make(map[Kind]backend.Config, len(opts.Configs)),
		log:    log.OrNop(opts.Logger),
		hooks:  hooks.OrNop(opts.Hooks),
		def:    backend.Coalesce(opts.Default, DefaultKind),
	}
	for _, r := range regs {
		if r.Kind == "" || r.Backend == nil {
			return nil, fmt.Errorf("cachemux: invalid registration %q", r.Kind)
		}
		if _, dup := m.byKind[r.Kind]; dup {
			return nil, fmt.Errorf("cachemux: duplicate registration %q", r.Kind)
		}
		reg := &registration{kind: r.Kind, b: r.Backend}
		m.regs = append(m.regs, reg)
		m.byKind[r.Kind] = reg
	}
	if _, ok := m.byKind[m.def]; !ok {
		return nil, fmt.Errorf("%w: default %q", ErrUnknownBackend, m.def)
	}
	for k, cfg := range opts.Configs {
		m.cfgs[k] = cfg
	}

	if opts.GCInterval > 0 {
		m.stopCh = make(chan struct{})
		m.closeWg.Add(1)
		go m.gcLoop(opts.GCInterval)
	}
	return m, nil
}

// config returns the configuration for kind with the manager's logger and
// hooks filled in where the caller left them empty.
func (m *Manager) config(kind Kind) backend.Config {
	cfg := m.cfgs[kind]
	if cfg.Logger == nil {
		cfg.Logger = m.log
	}
	if cfg.Hooks == nil {
		cfg.Hooks = m.hooks
	}
	return cfg
}

func (m *Manager) lookup(kind Kind) (*registration, error) {
	if kind == "" {
		kind = m.Default()
	}
	r, ok := m.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
	}
	return r, nil
}

// GetBackend returns the backend for kind ("" means the default), probing
// and initializing it on first use. A failed probe or Init is reported as a
// *BackendError and retried on the next call. After Close every call fails
// with ErrClosed.
func (m *Manager) GetBackend(ctx context.Context, kind Kind) (backend.Backend, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	r, err := m.lookup(kind)
	if err != nil {
		return nil, err
	}
	if r.initialized.Load() {
		return r.b, nil
	}

	r.initMu.Lock()
	defer r.initMu.Unlock()
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if r.initialized.Load() {
		return r.b, nil
	}

	cfg := m.config(r.kind)
	if info := r.b.Info(ctx, cfg); !info.Available {
		err := &BackendError{Kind: r.kind, Op: "probe", Err: ErrBackendUnavailable}
		m.hooks.BackendUnavailable(string(r.kind), err)
		m.log.Debug("backend unavailable", Fields{"kind": r.kind})
		return nil, err
	}
	if err := r.b.Init(ctx, cfg); err != nil {
		be := &BackendError{Kind: r.kind, Op: "init", Err: err}
		m.hooks.BackendUnavailable(string(r.kind), be)
		m.log.Warn("backend init failed", Fields{"kind": r.kind, "err": err})
		return nil, be
	}
	r.initialized.Store(true)
	m.hooks.BackendInitialized(string(r.kind))
	m.log.Info("backend initialized", Fields{"kind": r.kind})
	return r.b, nil
}

// FastestAvailable probes every registration and returns the available kind
// with the lowest rank. Ties go to the earlier registration.
func (m *Manager) FastestAvailable(ctx context.Context) (Kind, error) {
	var (
		best     Kind
		bestRank int
		found    bool
	)
	for _, r := range m.regs {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		info := r.b.Info(ctx, m.config(r.kind))
		if !info.Available {
			continue
		}
		if !found || info.Rank < bestRank {
			best, bestRank, found = r.kind, info.Rank, true
		}
	}
	if !found {
		return "", ErrNoBackendAvailable
	}
	return best, nil
}

// UseFastest makes the fastest available kind the default and returns it.
func (m *Manager) UseFastest(ctx context.Context) (Kind, error) {
	k, err := m.FastestAvailable(ctx)
	if err != nil {
		return "", err
	}
	return k, m.SetDefault(k)
}

func (m *Manager) SetDefault(kind Kind) error {
	if _, ok := m.byKind[kind]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
	}
	m.mu.Lock()
	m.def = kind
	m.mu.Unlock()
	m.log.Debug("default backend changed", Fields{"kind": kind})
	return nil
}

func (m *Manager) Default() Kind {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.def
}

// Kinds lists registered kinds in registration order.
func (m *Manager) Kinds() []Kind {
	out := make([]Kind, len(m.regs))
	for i, r := range m.regs {
		out[i] = r.kind
	}
	return out
}

// Status describes one registration at the time of the call.
type Status struct {
	Kind        Kind `json:"kind"`
	Rank        int  `json:"rank"`
	Available   bool `json:"available"`
	Initialized bool `json:"initialized"`
	Default     bool `json:"default"`
}

// Status probes every registration without initializing anything.
func (m *Manager) Status(ctx context.Context) []Status {
	def := m.Default()
	out := make([]Status, 0, len(m.regs))
	for _, r := range m.regs {
		info := r.b.Info(ctx, m.config(r.kind))
		out = append(out, Status{
			Kind:        r.kind,
			Rank:        info.Rank,
			Available:   info.Available,
			Initialized: r.initialized.Load(),
			Default:     r.kind == def,
		})
	}
	return out
}

// On returns a handle bound to kind. The empty kind follows the default,
// including later SetDefault calls.
func (m *Manager) On(kind Kind) Handle { return Handle{m: m, kind: kind} }

func (m *Manager) Load(ctx context.Context, key string) ([]byte, bool, error) {
	return m.On("").Load(ctx, key)
}

func (m *Manager) Save(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.On("").Save(ctx, key, value, ttl)
}

func (m *Manager) Delete(ctx context.Context, key string) (bool, error) {
	return m.On("").Delete(ctx, key)
}

func (m *Manager) LoadMany(ctx context.Context, p Pattern) (map[string][]byte, error) {
	return m.On("").LoadMany(ctx, p)
}

func (m *Manager) DeleteMany(ctx context.Context, p Pattern) error {
	return m.On("").DeleteMany(ctx, p)
}

func (m *Manager) GC(ctx context.Context) error { return m.On("").GC(ctx) }

func (m *Manager) DeleteAll(ctx context.Context) error { return m.On("").DeleteAll(ctx) }

// Close stops the GC loop and closes every initialized backend that holds
// resources. Errors are joined. The manager cannot be used afterwards;
// operations return ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.closed.Store(true)
	m.closeOnce.Do(func() {
		if m.stopCh != nil {
			close(m.stopCh)
			m.closeWg.Wait()
		}
	})
	var errs []error
	for _, r := range m.regs {
		r.initMu.Lock()
		if r.initialized.Swap(false) {
			if c, ok := r.b.(backend.Closer); ok {
				if err := c.Close(ctx); err != nil {
					errs = append(errs, fmt.Errorf("close %s: %w", r.kind, err))
				}
			}
		}
		r.initMu.Unlock()
	}
	return errors.Join(errs...)
}

func (m *Manager) gcLoop(every time.Duration) {
	defer m.closeWg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.gcInitialized(context.Background())
		}
	}
}

// gcInitialized runs GC on every backend already in service. It never
// initializes one.
func (m *Manager) gcInitialized(ctx context.Context) {
	for _, r := range m.regs {
		if !r.initialized.Load() {
			continue
		}
		start := time.Now()
		if err := r.b.GC(ctx); err != nil && !errors.Is(err, backend.ErrUnsupported) {
			m.log.Warn("gc failed", Fields{"kind": r.kind, "err": err})
			continue
		}
		m.log.Debug("gc done", Fields{"kind": r.kind, "took": time.Since(start).String()})
	}
}

// Handle runs operations against one backend kind.
type Handle struct {
	m    *Manager
	kind Kind
}

// Kind is the kind the handle resolves to right now.
func (h Handle) Kind() Kind {
	if h.kind == "" {
		return h.m.Default()
	}
	return h.kind
}

func (h Handle) resolve(ctx context.Context) (backend.Backend, Kind, error) {
	k := h.Kind()
	b, err := h.m.GetBackend(ctx, k)
	return b, k, err
}

func (h Handle) unsupported(k Kind, op string, err error) error {
	if errors.Is(err, backend.ErrUnsupported) {
		h.m.hooks.Unsupported(string(k), op)
	}
	return err
}

func (h Handle) Load(ctx context.Context, key string) ([]byte, bool, error) {
	b, k, err := h.resolve(ctx)
	if err != nil {
		return nil, false, err
	}
	v, ok, err := b.Load(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		h.m.hooks.Hit(string(k))
	} else {
		h.m.hooks.Miss(string(k))
	}
	return v, ok, nil
}

func (h Handle) Save(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b, _, err := h.resolve(ctx)
	if err != nil {
		return err
	}
	return b.Save(ctx, key, value, ttl)
}

func (h Handle) Delete(ctx context.Context, key string) (bool, error) {
	b, _, err := h.resolve(ctx)
	if err != nil {
		return false, err
	}
	return b.Delete(ctx, key)
}

func (h Handle) LoadMany(ctx context.Context, p Pattern) (map[string][]byte, error) {
	b, k, err := h.resolve(ctx)
	if err != nil {
		return nil, err
	}
	out, err := b.LoadMany(ctx, p)
	if err != nil {
		return nil, h.unsupported(k, "load_many", err)
	}
	return out, nil
}

func (h Handle) DeleteMany(ctx context.Context, p Pattern) error {
	b, k, err := h.resolve(ctx)
	if err != nil {
		return err
	}
	return h.unsupported(k, "delete_many", b.DeleteMany(ctx, p))
}

func (h Handle) GC(ctx context.Context) error {
	b, k, err := h.resolve(ctx)
	if err != nil {
		return err
	}
	return h.unsupported(k, "gc", b.GC(ctx))
}

// DeleteAll wipes the backend's keyspace, or returns ErrUnsupported when the
// backend cannot.
func (h Handle) DeleteAll(ctx context.Context) error {
	b, k, err := h.resolve(ctx)
	if err != nil {
		return err
	}
	f, ok := b.(backend.Flusher)
	if !ok {
		return h.unsupported(k, "delete_all", backend.ErrUnsupported)
	}
	return h.unsupported(k, "delete_all", f.DeleteAll(ctx))
}
