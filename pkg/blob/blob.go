package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrNotFound reports a missing object.
	ErrNotFound = errors.New("blob: object not found")
	// ErrAlreadyExists is returned by exclusive writes to an occupied key.
	ErrAlreadyExists = errors.New("blob: object already exists")
	// ErrRangeNotSatisfiable reports a range that lies outside the object.
	ErrRangeNotSatisfiable = errors.New("blob: range not satisfiable")
	// ErrMalformedRange reports a Range header that cannot be parsed.
	ErrMalformedRange = errors.New("blob: malformed range")
)

// RangeError carries the object size for an unsatisfiable range so callers
// can emit "Content-Range: bytes */size".
type RangeError struct {
	Size int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%v (object size %d)", ErrRangeNotSatisfiable, e.Size)
}

// Is reports whether target is ErrRangeNotSatisfiable.
func (e *RangeError) Is(target error) bool { return target == ErrRangeNotSatisfiable }

// Store is the keyed blob store the gateway writes assets into.
// Implementations must be safe for concurrent use.
type Store interface {
	// Head returns the metadata of key. ok is false when the key is absent.
	Head(ctx context.Context, key string) (meta Meta, ok bool, err error)
	// Get fetches key, applying range and preconditions itself.
	Get(ctx context.Context, key string, opts GetOptions) (GetResult, error)
	// Put stores r under key.
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Meta, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Meta describes a stored object.
type Meta struct {
	Key      string       `json:"key"`
	Size     int64        `json:"size"`
	ETag     string       `json:"etag"`
	Uploaded time.Time    `json:"uploaded"`
	HTTP     HTTPMetadata `json:"http"`
}

// HTTPETag returns the quoted etag suitable for the ETag header.
func (m Meta) HTTPETag() string {
	return `"` + m.ETag + `"`
}

// HTTPMetadata is the subset of request headers persisted with an object and
// replayed on download.
type HTTPMetadata struct {
	ContentType        string    `json:"content_type,omitempty"`
	ContentLanguage    string    `json:"content_language,omitempty"`
	ContentDisposition string    `json:"content_disposition,omitempty"`
	ContentEncoding    string    `json:"content_encoding,omitempty"`
	CacheControl       string    `json:"cache_control,omitempty"`
	CacheExpiry        time.Time `json:"cache_expiry,omitzero"`
}

// HTTPMetadataFromHeader captures the persisted headers from h.
func HTTPMetadataFromHeader(h http.Header) HTTPMetadata {
	md := HTTPMetadata{
		ContentType:        h.Get("Content-Type"),
		ContentLanguage:    h.Get("Content-Language"),
		ContentDisposition: h.Get("Content-Disposition"),
		ContentEncoding:    h.Get("Content-Encoding"),
		CacheControl:       h.Get("Cache-Control"),
	}
	if v := h.Get("Expires"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			md.CacheExpiry = t.UTC()
		}
	}
	return md
}

// WriteHeader sets the non-empty fields on h.
func (m HTTPMetadata) WriteHeader(h http.Header) {
	set := func(k, v string) {
		if v != "" {
			h.Set(k, v)
		}
	}
	set("Content-Type", m.ContentType)
	set("Content-Language", m.ContentLanguage)
	set("Content-Disposition", m.ContentDisposition)
	set("Content-Encoding", m.ContentEncoding)
	set("Cache-Control", m.CacheControl)
	if !m.CacheExpiry.IsZero() {
		h.Set("Expires", m.CacheExpiry.UTC().Format(http.TimeFormat))
	}
}

// GetOptions controls a fetch.
type GetOptions struct {
	Range       *Range
	Conditional *Conditional
}

// GetOptionsFromHeader extracts the Range and If-* headers of a request.
// Malformed or multi-part ranges are ignored so the full object is served.
func GetOptionsFromHeader(h http.Header) GetOptions {
	var opts GetOptions
	if rng, err := ParseRange(h.Get("Range")); err == nil {
		opts.Range = rng
	}
	opts.Conditional = ParseConditional(h)
	return opts
}

// PutOptions controls persistence.
type PutOptions struct {
	// Size is the payload length, or -1 when unknown.
	Size int64
	HTTP HTTPMetadata
	// OnlyIfAbsent asks the store to refuse the write when key already
	// exists, returning ErrAlreadyExists. Stores without an exclusive-create
	// primitive fall back to a best-effort existence check.
	OnlyIfAbsent bool
}

// Outcome tags a GetResult.
type Outcome int

const (
	// OutcomeAbsent means no object exists at the key.
	OutcomeAbsent Outcome = iota
	// OutcomeNoBody means preconditions short-circuited the fetch.
	OutcomeNoBody
	// OutcomeBody means a full or partial payload is attached.
	OutcomeBody
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoBody:
		return "no-body"
	case OutcomeBody:
		return "body"
	default:
		return "absent"
	}
}

// GetResult is the tagged result of Store.Get. Meta is set for OutcomeNoBody
// and OutcomeBody; Body and Range only for OutcomeBody. Range is the
// effective range clamped to the object, nil for a full-body read.
type GetResult struct {
	Outcome Outcome
	Meta    Meta
	Range   *Range
	Body    io.ReadCloser
}

// Absent builds an OutcomeAbsent result.
func Absent() GetResult { return GetResult{Outcome: OutcomeAbsent} }

// NoBody builds an OutcomeNoBody result.
func NoBody(meta Meta) GetResult { return GetResult{Outcome: OutcomeNoBody, Meta: meta} }

// WithBody builds an OutcomeBody result.
func WithBody(meta Meta, rng *Range, body io.ReadCloser) GetResult {
	return GetResult{Outcome: OutcomeBody, Meta: meta, Range: rng, Body: body}
}

func trimETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}
