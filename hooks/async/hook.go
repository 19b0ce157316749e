// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    PurgeEvery: 10, // sample logs: ~every 10th purge
//	})
//
//	h := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer h.Close()
//
//	m, err := cachemux.New(cachemux.Options{Hooks: h})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/cachemux/hooks"
)

// Hooks forwards events to inner on a bounded queue. Events are dropped when
// the queue is full.
type Hooks struct {
	inner   hooks.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
}

var _ hooks.Hooks = (*Hooks)(nil)

func New(inner hooks.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: hooks.OrNop(inner), q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains the queue and stops the workers. Events sent after Close panic,
// so close only once the manager is done.
func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded because the queue was full.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) Hit(k string)                { h.try(func() { h.inner.Hit(k) }) }
func (h *Hooks) Miss(k string)               { h.try(func() { h.inner.Miss(k) }) }
func (h *Hooks) BackendInitialized(k string) { h.try(func() { h.inner.BackendInitialized(k) }) }
func (h *Hooks) Purged(kind, key, reason string) {
	h.try(func() { h.inner.Purged(kind, key, reason) })
}
func (h *Hooks) BackendUnavailable(k string, err error) {
	h.try(func() { h.inner.BackendUnavailable(k, err) })
}
func (h *Hooks) Unsupported(k, op string) { h.try(func() { h.inner.Unsupported(k, op) }) }
