package backend

import "strings"

type patternKind uint8

const (
	patternAll patternKind = iota
	patternExpired
	patternContains
)

// Pattern selects entries for LoadMany and DeleteMany. The zero value is All.
type Pattern struct {
	kind   patternKind
	substr string
}

// All matches every entry.
func All() Pattern { return Pattern{kind: patternAll} }

// Expired matches only entries whose TTL has already elapsed.
func Expired() Pattern { return Pattern{kind: patternExpired} }

// KeyContains matches entries whose logical key contains s. This is plain
// substring containment, not a glob or regular expression.
func KeyContains(s string) Pattern { return Pattern{kind: patternContains, substr: s} }

func (p Pattern) IsAll() bool     { return p.kind == patternAll }
func (p Pattern) IsExpired() bool { return p.kind == patternExpired }

// Substring returns the KeyContains argument and whether p is a substring pattern.
func (p Pattern) Substring() (string, bool) {
	return p.substr, p.kind == patternContains
}

// MatchKey applies p to a live entry's logical key. Expired never matches a
// live entry.
func (p Pattern) MatchKey(key string) bool {
	switch p.kind {
	case patternAll:
		return true
	case patternContains:
		return strings.Contains(key, p.substr)
	default:
		return false
	}
}

// Match applies p to an entry given its key and expiry state.
func (p Pattern) Match(key string, expired bool) bool {
	if p.kind == patternExpired {
		return expired
	}
	return !expired && p.MatchKey(key)
}

func (p Pattern) String() string {
	switch p.kind {
	case patternAll:
		return "all"
	case patternExpired:
		return "expired"
	default:
		return "contains(" + p.substr + ")"
	}
}
