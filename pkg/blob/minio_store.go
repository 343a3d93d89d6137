package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures a MinioStore.
type MinioConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
}

// MinioStore stores objects through the MinIO client. Preconditions are
// evaluated against a stat before the ranged read, and the read is pinned to
// the stat's etag.
type MinioStore struct {
	cl     *minio.Client
	bucket string
}

// NewMinioStore builds a client from cfg. Endpoint may carry an http:// or
// https:// scheme, which overrides UseSSL.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("miniostore: bucket is required")
	}
	endpoint, secure := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	if endpoint == "" {
		return nil, errors.New("miniostore: endpoint is required")
	}
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	cl, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("miniostore: %w", err)
	}
	return &MinioStore{cl: cl, bucket: cfg.Bucket}, nil
}

func splitEndpoint(raw string, useSSL bool) (string, bool) {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(raw, "https://"), "/"), true
	case strings.HasPrefix(raw, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(raw, "http://"), "/"), false
	}
	return strings.TrimSuffix(raw, "/"), useSSL
}

func (s *MinioStore) Head(ctx context.Context, key string) (Meta, bool, error) {
	info, err := s.cl.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minioNotFound(err) {
			return Meta{}, false, nil
		}
		return Meta{}, false, fmt.Errorf("miniostore: stat %s: %w", key, err)
	}
	return metaFromObjectInfo(key, info), true, nil
}

func (s *MinioStore) Get(ctx context.Context, key string, opts GetOptions) (GetResult, error) {
	meta, ok, err := s.Head(ctx, key)
	if err != nil {
		return GetResult{}, err
	}
	if !ok {
		return Absent(), nil
	}
	if !opts.Conditional.Allows(meta.ETag, meta.Uploaded) {
		return NoBody(meta), nil
	}

	getOpts := minio.GetObjectOptions{}
	if err := getOpts.SetMatchETag(meta.ETag); err != nil {
		return GetResult{}, err
	}
	var eff *Range
	if opts.Range != nil {
		clamped, err := opts.Range.Clamp(meta.Size)
		if err != nil {
			return GetResult{}, err
		}
		start, end, _ := clamped.Bounds(meta.Size)
		if err := getOpts.SetRange(start, end); err != nil {
			return GetResult{}, err
		}
		eff = &clamped
	}
	obj, err := s.cl.GetObject(ctx, s.bucket, key, getOpts)
	if err != nil {
		if minioNotFound(err) {
			return Absent(), nil
		}
		return GetResult{}, fmt.Errorf("miniostore: get %s: %w", key, err)
	}
	// GetObject is lazy; Stat issues the request so a vanished object is
	// reported before any response is written.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minioNotFound(err) || minio.ToErrorResponse(err).StatusCode == http.StatusPreconditionFailed {
			return Absent(), nil
		}
		return GetResult{}, fmt.Errorf("miniostore: get %s: %w", key, err)
	}
	return WithBody(meta, eff, obj), nil
}

func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Meta, error) {
	if opts.OnlyIfAbsent {
		// Stat-then-put; a concurrent writer can still slip in between.
		if _, ok, err := s.Head(ctx, key); err != nil {
			return Meta{}, err
		} else if ok {
			return Meta{}, ErrAlreadyExists
		}
	}
	md := opts.HTTP
	_, err := s.cl.PutObject(ctx, s.bucket, key, r, opts.Size, minio.PutObjectOptions{
		ContentType:        md.ContentType,
		ContentLanguage:    md.ContentLanguage,
		ContentDisposition: md.ContentDisposition,
		ContentEncoding:    md.ContentEncoding,
		CacheControl:       md.CacheControl,
		Expires:            md.CacheExpiry,
	})
	if err != nil {
		return Meta{}, fmt.Errorf("miniostore: put %s: %w", key, err)
	}
	meta, ok, err := s.Head(ctx, key)
	if err != nil {
		return Meta{}, err
	}
	if !ok {
		return Meta{}, fmt.Errorf("miniostore: put %s: object vanished after write: %w", key, ErrNotFound)
	}
	return meta, nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	err := s.cl.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !minioNotFound(err) {
		return fmt.Errorf("miniostore: delete %s: %w", key, err)
	}
	return nil
}

func minioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func metaFromObjectInfo(key string, info minio.ObjectInfo) Meta {
	md := HTTPMetadata{
		ContentType: info.ContentType,
		CacheExpiry: info.Expires.UTC(),
	}
	if info.Metadata != nil {
		md.ContentLanguage = info.Metadata.Get("Content-Language")
		md.ContentDisposition = info.Metadata.Get("Content-Disposition")
		md.ContentEncoding = info.Metadata.Get("Content-Encoding")
		md.CacheControl = info.Metadata.Get("Cache-Control")
	}
	return Meta{
		Key:      key,
		Size:     info.Size,
		ETag:     trimETag(info.ETag),
		Uploaded: info.LastModified,
		HTTP:     md,
	}
}
