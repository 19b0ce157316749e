package hooks

import (
	"errors"
	"reflect"
	"testing"
)

type recorder struct {
	Nop
	events []string
}

func (r *recorder) Miss(kind string) { r.events = append(r.events, "miss:"+kind) }
func (r *recorder) Purged(kind, key, reason string) {
	r.events = append(r.events, "purged:"+kind+":"+key+":"+reason)
}
func (r *recorder) BackendUnavailable(kind string, err error) {
	r.events = append(r.events, "unavailable:"+kind+":"+err.Error())
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	var h Hooks = Multi{a, Nop{}, b}

	h.Hit("file")
	h.Miss("file")
	h.Purged("shm", "k", ReasonExpired)
	h.BackendUnavailable("redis", errors.New("refused"))
	h.Unsupported("memcache", "load_many")

	want := []string{"miss:file", "purged:shm:k:expired", "unavailable:redis:refused"}
	for _, r := range []*recorder{a, b} {
		if !reflect.DeepEqual(r.events, want) {
			t.Fatalf("events = %v, want %v", r.events, want)
		}
	}
}

func TestOrNop(t *testing.T) {
	if _, ok := OrNop(nil).(Nop); !ok {
		t.Fatal("OrNop(nil) should be Nop")
	}
	r := &recorder{}
	if OrNop(r) != Hooks(r) {
		t.Fatal("OrNop should pass through non-nil hooks")
	}
}
