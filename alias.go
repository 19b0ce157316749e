package cachemux

import (
	"github.com/unkn0wn-root/cachemux/backend"
	"github.com/unkn0wn-root/cachemux/hooks"
	"github.com/unkn0wn-root/cachemux/log"
)

type (
	Logger  = log.Logger
	Fields  = log.Fields
	Hooks   = hooks.Hooks
	Pattern = backend.Pattern
	Config  = backend.Config
)

const (
	TTLDefault = backend.TTLDefault
	NoExpiry   = backend.NoExpiry
)

// ErrUnsupported is backend.ErrUnsupported.
var ErrUnsupported = backend.ErrUnsupported

func All() Pattern                { return backend.All() }
func Expired() Pattern            { return backend.Expired() }
func KeyContains(s string) Pattern { return backend.KeyContains(s) }
