package cachemux

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownBackend     = errors.New("cachemux: unknown backend kind")
	ErrBackendUnavailable = errors.New("cachemux: backend unavailable")
	ErrNoBackendAvailable = errors.New("cachemux: no backend available")
	ErrClosed             = errors.New("cachemux: manager closed")
)

// BackendError reports a failure to bring a backend kind into service.
// Op is "probe" or "init".
type BackendError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("cachemux: %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
