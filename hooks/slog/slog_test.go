package sloghooks

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/unkn0wn-root/cachemux/hooks"
)

func newBuf() (*bytes.Buffer, *slog.Logger) {
	var buf bytes.Buffer
	return &buf, slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestPurgedRedactsKey(t *testing.T) {
	buf, l := newBuf()
	h := New(l, Options{})
	h.Purged("file", "user:secret", hooks.ReasonExpired)

	out := buf.String()
	if strings.Contains(out, "user:secret") {
		t.Fatalf("raw key leaked: %q", out)
	}
	if !strings.Contains(out, "reason=expired") || !strings.Contains(out, "backend=file") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestSampling(t *testing.T) {
	buf, l := newBuf()
	h := New(l, Options{PurgeEvery: 3, Redact: func(s string) string { return s }})
	for i := 0; i < 9; i++ {
		h.Purged("shm", "k", hooks.ReasonCorrupt)
	}
	if n := strings.Count(buf.String(), "cachemux.purged"); n != 3 {
		t.Fatalf("logged %d purges, want 3", n)
	}
}

func TestUnavailableIncludesError(t *testing.T) {
	buf, l := newBuf()
	New(l, Options{}).BackendUnavailable("memcache", errors.New("dial refused"))
	if !strings.Contains(buf.String(), "dial refused") {
		t.Fatalf("missing error: %q", buf.String())
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	h := New(nil, Options{})
	h.Miss("file")
	h.Purged("file", "k", hooks.ReasonExpired)
	h.BackendInitialized("file")
	h.BackendUnavailable("file", nil)
	h.Unsupported("file", "delete_all")
}
