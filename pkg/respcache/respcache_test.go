package respcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func sampleHeader() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "image/png")
	h.Set("ETag", `"abc"`)
	h.Set("Cache-Control", "public, max-age=31536000, immutable")
	h.Set("Last-Modified", "Wed, 01 May 2024 12:00:00 GMT")
	return h
}

func newRedisCache(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewRedis(RedisConfig{Addr: mr.Addr(), TTL: ttl})
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func exerciseCache(t *testing.T, c Cache) {
	t.Helper()
	ctx := context.Background()
	if _, ok, err := c.Lookup(ctx, "uploads/a"); ok || err != nil {
		t.Fatalf("empty cache lookup: ok=%v err=%v", ok, err)
	}
	if err := c.Insert(ctx, "uploads/a", http.StatusOK, sampleHeader(), strings.NewReader("0123456789")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	entry, ok, err := c.Lookup(ctx, "uploads/a")
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if entry.Status != http.StatusOK || string(entry.Body) != "0123456789" || entry.Header.Get("ETag") != `"abc"` {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if err := c.Invalidate(ctx, "uploads/a"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := c.Lookup(ctx, "uploads/a"); ok {
		t.Fatalf("entry survived invalidation")
	}
	if err := c.Invalidate(ctx, "uploads/a"); err != nil {
		t.Fatalf("invalidate missing key: %v", err)
	}
}

func TestMemoryCache(t *testing.T) {
	exerciseCache(t, NewMemory(MemoryConfig{Entries: 4}))
}

func TestRedisCache(t *testing.T) {
	c, _ := newRedisCache(t, 0)
	exerciseCache(t, c)
}

func TestMemoryCacheEvicts(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(MemoryConfig{Entries: 2})
	for _, k := range []string{"a", "b", "c"} {
		if err := c.Insert(ctx, k, http.StatusOK, http.Header{}, strings.NewReader(k)); err != nil {
			t.Fatalf("insert %s: %v", k, err)
		}
	}
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	if _, ok, _ := c.Lookup(ctx, "a"); ok {
		t.Fatalf("oldest entry should be evicted")
	}
}

func TestEntryTooLarge(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(MemoryConfig{MaxEntryBytes: 4})
	if err := mem.Insert(ctx, "k", http.StatusOK, http.Header{}, strings.NewReader("12345")); !errors.Is(err, ErrEntryTooLarge) {
		t.Fatalf("expected ErrEntryTooLarge, got %v", err)
	}
	if _, ok, _ := mem.Lookup(ctx, "k"); ok {
		t.Fatalf("oversized entry stored")
	}
	if err := mem.Insert(ctx, "k", http.StatusOK, http.Header{}, strings.NewReader("1234")); err != nil {
		t.Fatalf("entry at limit: %v", err)
	}
}

func TestRedisCacheTTL(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedisCache(t, time.Minute)
	if err := c.Insert(ctx, "uploads/t", http.StatusOK, sampleHeader(), strings.NewReader("x")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := c.Lookup(ctx, "uploads/t"); ok {
		t.Fatalf("entry should expire")
	}
}

func TestNopCache(t *testing.T) {
	ctx := context.Background()
	var c Cache = Nop{}
	if err := c.Insert(ctx, "k", http.StatusOK, http.Header{}, strings.NewReader("x")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, ok, _ := c.Lookup(ctx, "k"); ok {
		t.Fatalf("nop cache must always miss")
	}
}

func serve(t *testing.T, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	entry := &Entry{Status: http.StatusOK, Header: sampleHeader(), Body: []byte("0123456789")}
	req := httptest.NewRequest(http.MethodGet, "/api/uploads/a.png", nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	Serve(rr, req, entry)
	return rr
}

func TestServeFull(t *testing.T) {
	rr := serve(t, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	if string(body) != "0123456789" || rr.Header().Get("Content-Length") != "10" {
		t.Fatalf("body=%q length=%q", body, rr.Header().Get("Content-Length"))
	}
	if rr.Header().Get("ETag") != `"abc"` || rr.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("headers not replayed: %v", rr.Header())
	}
}

func TestServeRange(t *testing.T) {
	rr := serve(t, http.Header{"Range": {"bytes=-3"}})
	if rr.Code != http.StatusPartialContent {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Range"); got != "bytes 7-9/10" {
		t.Fatalf("content-range = %q", got)
	}
	if rr.Body.String() != "789" || rr.Header().Get("Content-Length") != "3" {
		t.Fatalf("body=%q length=%q", rr.Body.String(), rr.Header().Get("Content-Length"))
	}
}

func TestServeUnsatisfiableRange(t *testing.T) {
	rr := serve(t, http.Header{"Range": {"bytes=20-"}})
	if rr.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Range"); got != "bytes */10" {
		t.Fatalf("content-range = %q", got)
	}
}

func TestServeMalformedRangeServesFull(t *testing.T) {
	rr := serve(t, http.Header{"Range": {"bytes=0-1,3-4"}})
	if rr.Code != http.StatusOK || rr.Body.Len() != 10 {
		t.Fatalf("status=%d len=%d", rr.Code, rr.Body.Len())
	}
}

func TestServeNotModified(t *testing.T) {
	rr := serve(t, http.Header{"If-None-Match": {`"abc"`}})
	if rr.Code != http.StatusNotModified {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Fatalf("304 must not carry a body")
	}
	if rr.Header().Get("ETag") != `"abc"` {
		t.Fatalf("etag missing on 304")
	}

	rr = serve(t, http.Header{"If-Modified-Since": {"Wed, 01 May 2024 12:00:00 GMT"}})
	if rr.Code != http.StatusNotModified {
		t.Fatalf("If-Modified-Since status = %d", rr.Code)
	}
}
