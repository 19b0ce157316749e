package zap

import (
	"go.uber.org/zap"

	"github.com/unkn0wn-root/cachemux/log"
)

var _ log.Logger = Logger{}

// Logger adapts a *zap.Logger. Fields are passed through as zap.Any.
type Logger struct{ L *zap.Logger }

// New returns a Logger tagged with component=cachemux.
func New(l *zap.Logger) Logger {
	return Logger{L: l.With(zap.String("component", "cachemux"))}
}

func (z Logger) Debug(msg string, f log.Fields) { z.L.Debug(msg, zf(f)...) }
func (z Logger) Info(msg string, f log.Fields)  { z.L.Info(msg, zf(f)...) }
func (z Logger) Warn(msg string, f log.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z Logger) Error(msg string, f log.Fields) { z.L.Error(msg, zf(f)...) }

func zf(f log.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}
