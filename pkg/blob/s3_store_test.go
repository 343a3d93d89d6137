package blob

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

func newFakeS3Store(t *testing.T) *S3Store {
	t.Helper()
	backend := s3mem.New()
	if err := backend.CreateBucket("assets"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	ts := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(ts.Close)

	store, err := NewS3Store(context.Background(), S3Config{
		Endpoint:  ts.URL,
		Bucket:    "assets",
		Region:    "us-east-1",
		AccessKey: "test",
		SecretKey: "test",
		PathStyle: true,
	})
	if err != nil {
		t.Fatalf("new s3 store: %v", err)
	}
	return store
}

func TestS3StoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newFakeS3Store(t)
	payload := []byte("0123456789")

	meta, err := store.Put(ctx, "uploads/cat", bytes.NewReader(payload), PutOptions{
		Size: int64(len(payload)),
		HTTP: HTTPMetadata{ContentType: "image/png"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if meta.Size != 10 || meta.ETag == "" {
		t.Fatalf("unexpected meta %+v", meta)
	}
	if meta.HTTP.ContentType != "image/png" {
		t.Fatalf("content type not persisted: %+v", meta.HTTP)
	}

	res, err := store.Get(ctx, "uploads/cat", GetOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := readAll(t, res); got != string(payload) {
		t.Fatalf("body = %q", got)
	}
	if res.Meta.ETag != meta.ETag {
		t.Fatalf("etag mismatch %q vs %q", res.Meta.ETag, meta.ETag)
	}
}

func TestS3StoreRangedGet(t *testing.T) {
	ctx := context.Background()
	store := newFakeS3Store(t)
	payload := []byte("0123456789")
	if _, err := store.Put(ctx, "uploads/r", bytes.NewReader(payload), PutOptions{Size: 10}); err != nil {
		t.Fatalf("put: %v", err)
	}

	res, err := store.Get(ctx, "uploads/r", GetOptions{Range: &Range{Offset: 2, Length: 3}})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.Range == nil || *res.Range != (Range{Offset: 2, Length: 3}) {
		t.Fatalf("effective range = %+v", res.Range)
	}
	if res.Meta.Size != 10 {
		t.Fatalf("total size = %d, want 10", res.Meta.Size)
	}
	if got := readAll(t, res); got != "234" {
		t.Fatalf("body = %q", got)
	}
}

func TestS3StoreAbsentAndDelete(t *testing.T) {
	ctx := context.Background()
	store := newFakeS3Store(t)

	res, err := store.Get(ctx, "uploads/none", GetOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.Outcome != OutcomeAbsent {
		t.Fatalf("expected absent, got %v", res.Outcome)
	}
	if _, ok, err := store.Head(ctx, "uploads/none"); err != nil || ok {
		t.Fatalf("head missing: ok=%v err=%v", ok, err)
	}

	if _, err := store.Put(ctx, "uploads/d", bytes.NewReader([]byte("x")), PutOptions{Size: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Delete(ctx, "uploads/d"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.Head(ctx, "uploads/d"); ok {
		t.Fatalf("object survived delete")
	}
}

func TestS3StoreUnknownSizeSpools(t *testing.T) {
	ctx := context.Background()
	store := newFakeS3Store(t)
	meta, err := store.Put(ctx, "uploads/spool", bytes.NewBufferString("streamed"), PutOptions{Size: -1})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if meta.Size != int64(len("streamed")) {
		t.Fatalf("size = %d", meta.Size)
	}
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	if _, err := NewS3Store(context.Background(), S3Config{}); err == nil {
		t.Fatalf("expected error without bucket")
	}
}

func TestContentRangeTotal(t *testing.T) {
	if n, ok := contentRangeTotal("bytes 2-4/10"); !ok || n != 10 {
		t.Fatalf("got %d %v", n, ok)
	}
	if _, ok := contentRangeTotal("bytes */*"); ok {
		t.Fatalf("unknown total should not parse")
	}
}

func TestJoinETags(t *testing.T) {
	if got := joinETags([]string{"a", "*", "b"}); got != `"a", *, "b"` {
		t.Fatalf("joinETags = %q", got)
	}
}

func TestSplitEndpoint(t *testing.T) {
	for _, tc := range []struct {
		raw    string
		ssl    bool
		host   string
		secure bool
	}{
		{"https://minio.local:9000/", false, "minio.local:9000", true},
		{"http://127.0.0.1:9000", true, "127.0.0.1:9000", false},
		{"minio.local:9000", true, "minio.local:9000", true},
	} {
		host, secure := splitEndpoint(tc.raw, tc.ssl)
		if host != tc.host || secure != tc.secure {
			t.Fatalf("splitEndpoint(%q) = %q %v", tc.raw, host, secure)
		}
	}
}

func TestNewMinioStoreValidates(t *testing.T) {
	if _, err := NewMinioStore(MinioConfig{Endpoint: "localhost:9000"}); err == nil {
		t.Fatalf("expected error without bucket")
	}
	if _, err := NewMinioStore(MinioConfig{Bucket: "b"}); err == nil {
		t.Fatalf("expected error without endpoint")
	}
	store, err := NewMinioStore(MinioConfig{Endpoint: "http://localhost:9000", Bucket: "b", AccessKey: "k", SecretKey: "s", PathStyle: true})
	if err != nil || store == nil {
		t.Fatalf("new minio store: %v", err)
	}
}

func TestRangeErrorIs(t *testing.T) {
	var err error = &RangeError{Size: 3}
	if !errors.Is(err, ErrRangeNotSatisfiable) {
		t.Fatalf("RangeError must match ErrRangeNotSatisfiable")
	}
}

func TestMinioStoreObjectGoneBeforeRead(t *testing.T) {
	ctx := context.Background()
	backend := s3mem.New()
	if err := backend.CreateBucket("assets"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	fake := gofakes3.New(backend).Server()
	var dropOnGet atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && dropOnGet.Load() && strings.HasSuffix(r.URL.Path, "/uploads/gone") {
			backend.DeleteObject("assets", "uploads/gone")
		}
		fake.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	writer, err := NewS3Store(ctx, S3Config{
		Endpoint:  ts.URL,
		Bucket:    "assets",
		Region:    "us-east-1",
		AccessKey: "test",
		SecretKey: "test",
		PathStyle: true,
	})
	if err != nil {
		t.Fatalf("new s3 store: %v", err)
	}
	store, err := NewMinioStore(MinioConfig{
		Endpoint:  ts.URL,
		Region:    "us-east-1",
		Bucket:    "assets",
		AccessKey: "test",
		SecretKey: "test",
		PathStyle: true,
	})
	if err != nil {
		t.Fatalf("new minio store: %v", err)
	}
	payload := []byte("0123456789")
	if _, err := writer.Put(ctx, "uploads/gone", bytes.NewReader(payload), PutOptions{Size: int64(len(payload))}); err != nil {
		t.Fatalf("put: %v", err)
	}

	res, err := store.Get(ctx, "uploads/gone", GetOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := readAll(t, res); got != string(payload) {
		t.Fatalf("unexpected body %q", got)
	}

	// the object disappears after the stat but before the read
	dropOnGet.Store(true)
	res, err = store.Get(ctx, "uploads/gone", GetOptions{})
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if res.Outcome != OutcomeAbsent {
		t.Fatalf("expected absent, got %v", res.Outcome)
	}
}
