// Package objname maps client asset identifiers to storage keys.
package objname

import (
	"regexp"
	"strings"
)

// Namespace prefixes every storage key written by the gateway.
const Namespace = "uploads/"

var disallowed = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// StripExtension removes the final ".ext" segment of id, if any.
func StripExtension(id string) string {
	if i := strings.LastIndexByte(id, '.'); i >= 0 {
		return id[:i]
	}
	return id
}

// Sanitize replaces each run of characters outside [A-Za-z0-9_-] with a
// single underscore.
func Sanitize(s string) string {
	return disallowed.ReplaceAllString(s, "_")
}

// Resolve derives the storage key for an asset id. It accepts any string,
// including the empty one.
func Resolve(id string) string {
	return KeyOf(StripExtension(id))
}

// KeyOf derives the storage key for an id whose extension has already been
// stripped, as returned by SplitList.
func KeyOf(stripped string) string {
	return Namespace + Sanitize(stripped)
}

// SplitList splits a comma separated id list, trimming whitespace and
// stripping the extension of every element. Order is preserved and empty
// elements are kept.
func SplitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, StripExtension(strings.TrimSpace(p)))
	}
	return out
}
