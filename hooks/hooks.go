// Package hooks defines lightweight callbacks for high-signal cache events.
package hooks

// Purge reasons reported through Hooks.Purged.
const (
	ReasonExpired = "expired"
	ReasonCorrupt = "corrupt"
)

// Hooks receives cache events. Implementations MUST be cheap and non-blocking;
// the manager and backends call them on hot paths.
type Hooks interface {
	// Hit and Miss are reported per Load on the manager.
	Hit(kind string)
	Miss(kind string)

	// An entry was physically removed as a side effect of a read or a bulk scan.
	// reason ∈ {"expired", "corrupt"}
	Purged(kind, key, reason string)

	// First successful Init of a backend kind.
	BackendInitialized(kind string)

	// Probe reported the backend unavailable or Init failed.
	BackendUnavailable(kind string, err error)

	// The backend does not implement op (e.g. "load_many" on memcache).
	Unsupported(kind, op string)
}

// Nop is the default no-op.
type Nop struct{}

func (Nop) Hit(string)                       {}
func (Nop) Miss(string)                      {}
func (Nop) Purged(string, string, string)    {}
func (Nop) BackendInitialized(string)        {}
func (Nop) BackendUnavailable(string, error) {}
func (Nop) Unsupported(string, string)       {}

// OrNop returns h, or Nop when h is nil.
func OrNop(h Hooks) Hooks {
	if h == nil {
		return Nop{}
	}
	return h
}

// Multi fans every event out to each of its members in order.
type Multi []Hooks

func (m Multi) Hit(kind string) {
	for _, h := range m {
		h.Hit(kind)
	}
}

func (m Multi) Miss(kind string) {
	for _, h := range m {
		h.Miss(kind)
	}
}

func (m Multi) Purged(kind, key, reason string) {
	for _, h := range m {
		h.Purged(kind, key, reason)
	}
}

func (m Multi) BackendInitialized(kind string) {
	for _, h := range m {
		h.BackendInitialized(kind)
	}
}

func (m Multi) BackendUnavailable(kind string, err error) {
	for _, h := range m {
		h.BackendUnavailable(kind, err)
	}
}

func (m Multi) Unsupported(kind, op string) {
	for _, h := range m {
		h.Unsupported(kind, op)
	}
}
