package asset

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jacktea/assetgw/pkg/blob"
	"github.com/jacktea/assetgw/pkg/fanout"
	"github.com/jacktea/assetgw/pkg/objname"
	"github.com/jacktea/assetgw/pkg/respcache"
	"github.com/jacktea/assetgw/pkg/xerrors"
)

// Response is the outcome of a download. Exactly one of Cached and Body is
// set for cache hits and bodied responses; a 304 carries neither. Callers
// must close Body.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
	// Cached is a full response replayed from the cache. It must be served
	// with respcache.Serve so the request's Range and If-* headers apply.
	Cached *respcache.Entry
}

// Download fetches an asset, answering from the cache when possible. header
// carries the request's Range and If-* headers.
func (s *Service) Download(ctx context.Context, id string, header http.Header) (resp *Response, err error) {
	start := time.Now()
	cacheHit := false
	defer func() { s.observer.RecordDownload(time.Since(start), cacheHit, err) }()

	key := objname.Resolve(id)
	entry, ok, err := s.cache.Lookup(ctx, key)
	if err != nil {
		s.logger.Warn("cache lookup failed", "key", key, "error", err)
	} else if ok {
		cacheHit = true
		return &Response{Status: entry.Status, Header: entry.Header.Clone(), Cached: entry}, nil
	}

	res, err := s.store.Get(ctx, key, blob.GetOptionsFromHeader(header))
	if err != nil {
		if errors.Is(err, blob.ErrRangeNotSatisfiable) {
			return nil, xerrors.Wrap(xerrors.KindRange, "download", key, err)
		}
		return nil, xerrors.Wrap(xerrors.KindOf(err), "download", key, err)
	}

	switch res.Outcome {
	case blob.OutcomeAbsent:
		return nil, xerrors.Wrap(xerrors.KindNotFound, "download", key, ErrNotFound)
	case blob.OutcomeNoBody:
		return &Response{Status: http.StatusNotModified, Header: responseHeader(res.Meta)}, nil
	}

	h := responseHeader(res.Meta)
	h.Set("Accept-Ranges", "bytes")
	length := res.Meta.Size
	status := http.StatusOK
	if cr, ok := ContentRange(res.Range, res.Meta.Size); ok {
		h.Set("Content-Range", cr)
		first, last, _ := res.Range.Bounds(res.Meta.Size)
		length = last - first + 1
		status = http.StatusPartialContent
	}
	h.Set("Content-Length", strconv.FormatInt(length, 10))

	if status != http.StatusOK || !s.cacheEnabled() {
		return &Response{Status: status, Header: h, Body: res.Body}, nil
	}
	branches := fanout.Split(res.Body, 2)
	s.populate(ctx, key, h.Clone(), branches[1])
	return &Response{Status: status, Header: h, Body: branches[0]}, nil
}

// populate writes a full response into the cache in the background. The
// write outlives the request but not the configured timeout.
func (s *Service) populate(ctx context.Context, key string, header http.Header, body io.ReadCloser) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		defer body.Close()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cacheWriteTimeout)
		defer cancel()
		stop := context.AfterFunc(ctx, func() { body.Close() })
		defer stop()

		start := time.Now()
		err := s.cache.Insert(ctx, key, http.StatusOK, header, body)
		if err == nil {
			err = s.dropIfDeleted(ctx, key)
		}
		s.observer.RecordCacheWrite(time.Since(start), err)
		switch {
		case errors.Is(err, respcache.ErrEntryTooLarge):
			s.logger.Debug("asset too large to cache", "key", key)
		case err != nil:
			s.logger.Warn("cache write failed", "key", key, "error", err)
		}
	}()
}

// dropIfDeleted removes a fresh entry whose object was deleted while the
// body streamed. Deletes remove the object before invalidating the key.
func (s *Service) dropIfDeleted(ctx context.Context, key string) error {
	_, ok, err := s.store.Head(ctx, key)
	if err == nil && ok {
		return nil
	}
	if ierr := s.cache.Invalidate(ctx, key); ierr != nil {
		return ierr
	}
	if err != nil {
		return err
	}
	s.logger.Debug("dropped cache entry for deleted asset", "key", key)
	return nil
}

// ContentRange computes the Content-Range header for an effective range
// against an object of size bytes. ok is false when no header is due: no
// range, or an offset range that spans the whole object. Suffix ranges always
// produce a header.
func ContentRange(rng *blob.Range, size int64) (string, bool) {
	if rng == nil {
		return "", false
	}
	if rng.IsSuffix() {
		return rng.ContentRange(size), true
	}
	start := rng.Offset
	end := size - 1
	if rng.Length > 0 {
		end = start + rng.Length - 1
	}
	if start == 0 && end == size-1 {
		return "", false
	}
	return rng.ContentRange(size), true
}

func responseHeader(meta blob.Meta) http.Header {
	h := http.Header{}
	meta.HTTP.WriteHeader(h)
	h.Set("Cache-Control", CacheControl)
	h.Set("ETag", meta.HTTPETag())
	if !meta.Uploaded.IsZero() {
		h.Set("Last-Modified", meta.Uploaded.UTC().Format(http.TimeFormat))
	}
	return h
}
