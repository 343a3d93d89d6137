// Package respcache stores complete download responses keyed by storage key
// and replays them, honouring Range and If-* headers of the replaying request.
package respcache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/jacktea/assetgw/pkg/blob"
)

// ErrEntryTooLarge is returned by Insert when the body exceeds the
// configured per-entry limit. Nothing is stored.
var ErrEntryTooLarge = errors.New("respcache: entry too large")

// Cache stores full responses. Implementations must be safe for concurrent
// use.
type Cache interface {
	// Lookup returns the entry for key, or ok == false on a miss.
	Lookup(ctx context.Context, key string) (entry *Entry, ok bool, err error)
	// Insert reads body to EOF and stores it under key.
	Insert(ctx context.Context, key string, status int, header http.Header, body io.Reader) error
	// Invalidate removes key. Missing keys are not an error.
	Invalidate(ctx context.Context, key string) error
}

// Entry is a cached response.
type Entry struct {
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

func readLimited(body io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(body)
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrEntryTooLarge
	}
	return data, nil
}

// Serve writes entry to w as the answer to r. Preconditions that fail yield
// 304 without a body, a satisfiable Range yields 206 with the slice, an
// unsatisfiable one yields 416, and anything else replays the full entry.
func Serve(w http.ResponseWriter, r *http.Request, entry *Entry) {
	h := w.Header()
	for k, v := range entry.Header {
		h[k] = append([]string(nil), v...)
	}
	size := int64(len(entry.Body))

	modified, _ := http.ParseTime(entry.Header.Get("Last-Modified"))
	if cond := blob.ParseConditional(r.Header); !cond.Allows(entry.Header.Get("ETag"), modified) {
		h.Del("Content-Length")
		w.WriteHeader(http.StatusNotModified)
		return
	}

	rng, err := blob.ParseRange(r.Header.Get("Range"))
	if err != nil || rng == nil {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(entry.Status)
		if r.Method != http.MethodHead {
			w.Write(entry.Body)
		}
		return
	}
	eff, err := rng.Clamp(size)
	if err != nil {
		h.Del("Content-Length")
		h.Set("Content-Range", "bytes */"+strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	start, end, _ := eff.Bounds(size)
	h.Set("Content-Range", eff.ContentRange(size))
	h.Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method != http.MethodHead {
		io.Copy(w, bytes.NewReader(entry.Body[start:end+1]))
	}
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Lookup(context.Context, string) (*Entry, bool, error) { return nil, false, nil }

func (Nop) Insert(context.Context, string, int, http.Header, io.Reader) error { return nil }

func (Nop) Invalidate(context.Context, string) error { return nil }
