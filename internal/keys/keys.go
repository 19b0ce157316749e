// Package keys derives storage names from logical cache keys.
package keys

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// MaxSlug caps the slug part of a file name.
const MaxSlug = 64

// Hash returns the xxhash64 digest of key as 16 lowercase hex chars.
func Hash(key string) string {
	h := strconv.FormatUint(xxhash.Sum64String(key), 16)
	if len(h) < 16 {
		h = strings.Repeat("0", 16-len(h)) + h
	}
	return h
}

// Shard is the two-char directory bucket for a hash from Hash.
func Shard(hash string) string { return hash[:2] }

// Fragment is the 10-char disambiguator embedded in file names.
func Fragment(hash string) string { return hash[:10] }

// Slug lowercases s and collapses every run of characters outside [a-z0-9]
// into a single '_'. Leading and trailing separators are dropped and the
// result is capped at MaxSlug bytes.
func Slug(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	sep := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		if ('a' <= c && c <= 'z') || ('0' <= c && c <= '9') {
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			sep = false
			b.WriteByte(c)
			continue
		}
		sep = true
	}
	out := b.String()
	if len(out) > MaxSlug {
		out = strings.TrimRight(out[:MaxSlug], "_")
	}
	return out
}

var (
	installOnce sync.Once
	installHash string
)

// InstallHash is a stable digest of the directory holding the running binary.
// Applications installed side by side get different values, which keeps their
// shared keyspaces apart.
func InstallHash() string {
	installOnce.Do(func() {
		dir := "."
		if exe, err := os.Executable(); err == nil {
			dir = filepath.Dir(exe)
		}
		installHash = Hash(dir)
	})
	return installHash
}

// DefaultPrefix returns "<install hash>" + suffix.
func DefaultPrefix(suffix string) string {
	return InstallHash() + suffix
}
