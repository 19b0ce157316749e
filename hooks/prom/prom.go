// Package promhooks exports cache events as Prometheus counters.
package promhooks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/unkn0wn-root/cachemux/hooks"
)

type Hooks struct {
	hits        *prometheus.CounterVec
	misses      *prometheus.CounterVec
	purged      *prometheus.CounterVec
	inits       *prometheus.CounterVec
	unavailable *prometheus.CounterVec
	unsupported *prometheus.CounterVec
}

var _ hooks.Hooks = (*Hooks)(nil)

// New registers the cachemux counters on reg. Pass prometheus.DefaultRegisterer
// to expose them on the default /metrics handler.
func New(reg prometheus.Registerer) *Hooks {
	f := promauto.With(reg)
	return &Hooks{
		hits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cachemux_hits_total",
			Help: "Total number of cache hits",
		}, []string{"backend"}),
		misses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cachemux_misses_total",
			Help: "Total number of cache misses",
		}, []string{"backend"}),
		purged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cachemux_purged_total",
			Help: "Entries removed on read or scan because they were expired or corrupt",
		}, []string{"backend", "reason"}),
		inits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cachemux_backend_initialized_total",
			Help: "Backend initializations",
		}, []string{"backend"}),
		unavailable: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cachemux_backend_unavailable_total",
			Help: "Backend probes or inits that failed",
		}, []string{"backend"}),
		unsupported: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cachemux_unsupported_total",
			Help: "Operations rejected because the backend does not implement them",
		}, []string{"backend", "op"}),
	}
}

func (h *Hooks) Hit(kind string)  { h.hits.WithLabelValues(kind).Inc() }
func (h *Hooks) Miss(kind string) { h.misses.WithLabelValues(kind).Inc() }

// Purged drops the key label; per-key series would be unbounded.
func (h *Hooks) Purged(kind, _, reason string) {
	h.purged.WithLabelValues(kind, reason).Inc()
}

func (h *Hooks) BackendInitialized(kind string) { h.inits.WithLabelValues(kind).Inc() }

func (h *Hooks) BackendUnavailable(kind string, _ error) {
	h.unavailable.WithLabelValues(kind).Inc()
}

func (h *Hooks) Unsupported(kind, op string) { h.unsupported.WithLabelValues(kind, op).Inc() }
