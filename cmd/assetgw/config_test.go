package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jacktea/assetgw/pkg/asset"
	"github.com/jacktea/assetgw/pkg/blob"
	"github.com/jacktea/assetgw/pkg/respcache"
)

func TestBuildStoreLocal(t *testing.T) {
	root := t.TempDir()
	store, err := buildStore(context.Background(), "local", storageOptions{Root: root})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ps, ok := store.(*blob.PathStore)
	if !ok {
		t.Fatalf("expected path store, got %T", store)
	}
	defer ps.Close()
	if _, err := os.Stat(filepath.Join(root, "meta.db")); err != nil {
		t.Fatalf("expected metadata index in root: %v", err)
	}
}

func TestBuildStoreValidation(t *testing.T) {
	cases := []struct {
		provider string
		opts     storageOptions
	}{
		{"local", storageOptions{}},
		{"s3", storageOptions{}},
		{"r2", storageOptions{Bucket: "assets"}},
		{"minio", storageOptions{Bucket: "assets"}},
		{"gcs", storageOptions{Bucket: "assets"}},
	}
	for _, tc := range cases {
		if _, err := buildStore(context.Background(), tc.provider, tc.opts); err == nil {
			t.Fatalf("%s: expected validation error", tc.provider)
		}
	}
}

func TestBuildStoreRemote(t *testing.T) {
	cases := []struct {
		provider string
		opts     storageOptions
	}{
		{"s3", storageOptions{Endpoint: "https://s3.example.com", Bucket: "bucket", Region: "us-east-1", AccessKey: "ak", SecretKey: "sk"}},
		{"r2", storageOptions{Bucket: "bucket", AccountID: "acct", AccessKey: "ak", SecretKey: "sk"}},
		{"minio", storageOptions{Endpoint: "http://localhost:9000", Bucket: "bucket", AccessKey: "ak", SecretKey: "sk"}},
	}
	for _, tc := range cases {
		store, err := buildStore(context.Background(), tc.provider, tc.opts)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.provider, err)
		}
		if store == nil {
			t.Fatalf("%s: expected store instance", tc.provider)
		}
	}
}

func TestBuildCache(t *testing.T) {
	cache, err := buildCache("memory", cacheOptions{Entries: 4})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := cache.(*respcache.Memory); !ok {
		t.Fatalf("expected memory cache, got %T", cache)
	}

	cache, err = buildCache("none", cacheOptions{})
	if err != nil {
		t.Fatalf("none: %v", err)
	}
	if _, ok := cache.(respcache.Nop); !ok {
		t.Fatalf("expected nop cache, got %T", cache)
	}

	if _, err := buildCache("redis", cacheOptions{}); err == nil {
		t.Fatalf("expected redis address validation error")
	}
	cache, err = buildCache("redis", cacheOptions{RedisAddr: "127.0.0.1:6379"})
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	cache.(*respcache.Redis).Close()

	if _, err := buildCache("memcached", cacheOptions{}); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}

func newCLIService(t *testing.T) *asset.Service {
	t.Helper()
	store, err := buildStore(context.Background(), "local", storageOptions{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.(*blob.PathStore).Close() })
	svc, err := asset.New(asset.Config{Store: store, Cache: respcache.NewMemory(respcache.MemoryConfig{})})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	t.Cleanup(svc.Wait)
	return svc
}

func TestPutGetRm(t *testing.T) {
	ctx := context.Background()
	svc := newCLIService(t)
	src := filepath.Join(t.TempDir(), "logo.png")
	if err := os.WriteFile(src, []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if err := doPut(ctx, svc, "logo.png", src, ""); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := doPut(ctx, svc, "notes.txt", src, ""); err == nil {
		t.Fatalf("expected text upload to be rejected")
	}

	var out bytes.Buffer
	if err := doGet(ctx, svc, "logo.png", "", &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.String() != "0123456789" {
		t.Fatalf("unexpected body %q", out.String())
	}
	svc.Wait()

	// second read is answered from the cache
	out.Reset()
	if err := doGet(ctx, svc, "logo.png", "bytes=-3", &out); err != nil {
		t.Fatalf("ranged get: %v", err)
	}
	if out.String() != "789" {
		t.Fatalf("unexpected range %q", out.String())
	}

	out.Reset()
	if err := doRm(ctx, svc, "logo,missing", &out); err != nil {
		t.Fatalf("rm: %v", err)
	}
	if !strings.Contains(out.String(), "deleted\tlogo") || !strings.Contains(out.String(), "failed\tmissing\tAsset not found") {
		t.Fatalf("unexpected rm output %q", out.String())
	}
	if err := doRm(ctx, svc, "logo", &out); err == nil {
		t.Fatalf("expected error when nothing is deleted")
	}
}
