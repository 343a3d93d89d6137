package blob

import (
	"net/http"
	"strings"
	"time"
)

// Conditional holds the If-* preconditions of a fetch.
type Conditional struct {
	IfMatch           []string
	IfNoneMatch       []string
	IfModifiedSince   time.Time
	IfUnmodifiedSince time.Time
}

// ParseConditional reads the If-* headers of h. It returns nil when none are
// present. Unparseable dates are ignored.
func ParseConditional(h http.Header) *Conditional {
	var c Conditional
	c.IfMatch = splitETags(h.Get("If-Match"))
	c.IfNoneMatch = splitETags(h.Get("If-None-Match"))
	if v := h.Get("If-Modified-Since"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			c.IfModifiedSince = t
		}
	}
	if v := h.Get("If-Unmodified-Since"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			c.IfUnmodifiedSince = t
		}
	}
	if c.empty() {
		return nil
	}
	return &c
}

func (c *Conditional) empty() bool {
	return len(c.IfMatch) == 0 && len(c.IfNoneMatch) == 0 &&
		c.IfModifiedSince.IsZero() && c.IfUnmodifiedSince.IsZero()
}

// Allows evaluates the preconditions against an object's etag and
// modification time following RFC 7232 section 6. Weak and strong etags
// compare equal once the W/ prefix and quotes are removed.
func (c *Conditional) Allows(etag string, modified time.Time) bool {
	if c == nil {
		return true
	}
	etag = trimETag(etag)
	modified = modified.Truncate(time.Second)
	if len(c.IfMatch) > 0 {
		if !matchETag(c.IfMatch, etag) {
			return false
		}
	} else if !c.IfUnmodifiedSince.IsZero() && modified.After(c.IfUnmodifiedSince) {
		return false
	}
	if len(c.IfNoneMatch) > 0 {
		if matchETag(c.IfNoneMatch, etag) {
			return false
		}
	} else if !c.IfModifiedSince.IsZero() && !modified.After(c.IfModifiedSince) {
		return false
	}
	return true
}

func splitETags(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if tag := trimETag(part); tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

func matchETag(candidates []string, etag string) bool {
	for _, c := range candidates {
		if c == "*" || c == etag {
			return true
		}
	}
	return false
}
