// Package sloghooks logs cache events to a *slog.Logger with optional sampling.
package sloghooks

import (
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/unkn0wn-root/cachemux/hooks"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	PurgeEvery uint64
	MissEvery  uint64
	// Optional key redactor. Defaults to an xxhash64 hex digest.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	purgeCtr atomic.Uint64
	missCtr  atomic.Uint64
}

var _ hooks.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	var b [8]byte
	sum := xxhash.Sum64String(k)
	for i := 7; i >= 0; i-- {
		b[i] = byte(sum)
		sum >>= 8
	}
	return hex.EncodeToString(b[:])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

// Hit is not logged; use hooks/prom for hit ratios.
func (h *Hooks) Hit(string) {}

func (h *Hooks) Miss(kind string) {
	if h.l == nil || !sample(h.opts.MissEvery, &h.missCtr) {
		return
	}
	h.l.Debug("cachemux.miss", "backend", kind)
}

func (h *Hooks) Purged(kind, key, reason string) {
	if h.l == nil || !sample(h.opts.PurgeEvery, &h.purgeCtr) {
		return
	}
	h.l.Debug("cachemux.purged",
		"backend", kind,
		"key", h.redact(key),
		"reason", reason)
}

func (h *Hooks) BackendInitialized(kind string) {
	if h.l == nil {
		return
	}
	h.l.Info("cachemux.backend_initialized", "backend", kind)
}

func (h *Hooks) BackendUnavailable(kind string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("cachemux.backend_unavailable",
		"backend", kind,
		"err", err)
}

func (h *Hooks) Unsupported(kind, op string) {
	if h.l == nil {
		return
	}
	h.l.Info("cachemux.unsupported",
		"backend", kind,
		"op", op)
}
