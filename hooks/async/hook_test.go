package asynchook

import (
	"sync"
	"testing"

	"github.com/unkn0wn-root/cachemux/hooks"
)

type recorder struct {
	hooks.Nop
	mu     sync.Mutex
	purged []string
	hits   int
}

func (r *recorder) Hit(string) {
	r.mu.Lock()
	r.hits++
	r.mu.Unlock()
}

func (r *recorder) Purged(_, key, _ string) {
	r.mu.Lock()
	r.purged = append(r.purged, key)
	r.mu.Unlock()
}

func TestCloseDrainsQueue(t *testing.T) {
	rec := &recorder{}
	h := New(rec, 2, 64)
	for i := 0; i < 10; i++ {
		h.Hit("file")
	}
	h.Purged("file", "k", hooks.ReasonExpired)
	h.Close()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.hits+int(h.Dropped()) != 10 {
		t.Fatalf("hits=%d dropped=%d, want total 10", rec.hits, h.Dropped())
	}
	if len(rec.purged) != 1 || rec.purged[0] != "k" {
		t.Fatalf("purged=%v", rec.purged)
	}
}

func TestFullQueueDrops(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	inner := &blocking{block: block, started: started}
	h := New(inner, 1, 1)

	h.Miss("a") // picked up by the worker, which then blocks
	<-started
	h.Miss("b") // fills the queue
	h.Miss("c") // dropped

	if got := h.Dropped(); got != 1 {
		t.Fatalf("dropped=%d want 1", got)
	}
	close(block)
	h.Close()
}

type blocking struct {
	hooks.Nop
	once    sync.Once
	block   chan struct{}
	started chan struct{}
}

func (b *blocking) Miss(string) {
	b.once.Do(func() { close(b.started) })
	<-b.block
}
