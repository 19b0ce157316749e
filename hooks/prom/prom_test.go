package promhooks

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/unkn0wn-root/cachemux/hooks"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := New(reg)

	h.Hit("file")
	h.Hit("file")
	h.Miss("shm")
	h.Purged("file", "a", hooks.ReasonExpired)
	h.Purged("file", "b", hooks.ReasonExpired)
	h.Purged("file", "c", hooks.ReasonCorrupt)
	h.Unsupported("memcache", "load_many")

	assert.Equal(t, 2.0, testutil.ToFloat64(h.hits.WithLabelValues("file")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.misses.WithLabelValues("shm")))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.purged.WithLabelValues("file", hooks.ReasonExpired)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.purged.WithLabelValues("file", hooks.ReasonCorrupt)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.unsupported.WithLabelValues("memcache", "load_many")))
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
