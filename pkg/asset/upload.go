package asset

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jacktea/assetgw/pkg/blob"
	"github.com/jacktea/assetgw/pkg/objname"
	"github.com/jacktea/assetgw/pkg/xerrors"
)

// UploadRequest carries one upload. Size is the declared body length, or -1
// when unknown.
type UploadRequest struct {
	ID     string
	Header http.Header
	Body   io.Reader
	Size   int64
}

// Upload validates and stores a new asset. Existing assets are never
// overwritten.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (meta blob.Meta, err error) {
	start := time.Now()
	defer func() { s.observer.RecordUpload(time.Since(start), meta.Size, err) }()

	key := objname.Resolve(req.ID)
	ct := req.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "image/") && !strings.HasPrefix(ct, "video/") {
		return blob.Meta{}, xerrors.Wrap(xerrors.KindInvalid, "upload", key, ErrInvalidContentType)
	}
	if s.maxUploadBytes > 0 && req.Size > s.maxUploadBytes {
		return blob.Meta{}, xerrors.E(xerrors.KindTooLarge, "upload", key)
	}

	_, exists, err := s.store.Head(ctx, key)
	if err != nil {
		return blob.Meta{}, xerrors.Wrap(xerrors.KindOf(err), "upload.head", key, err)
	}
	if exists {
		return blob.Meta{}, xerrors.Wrap(xerrors.KindAlreadyExists, "upload", key, ErrConflict)
	}

	meta, err = s.store.Put(ctx, key, req.Body, blob.PutOptions{
		Size:         req.Size,
		HTTP:         blob.HTTPMetadataFromHeader(req.Header),
		OnlyIfAbsent: true,
	})
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, blob.ErrAlreadyExists):
			return blob.Meta{}, xerrors.Wrap(xerrors.KindAlreadyExists, "upload", key, ErrConflict)
		case errors.As(err, &tooLarge):
			return blob.Meta{}, xerrors.Wrap(xerrors.KindTooLarge, "upload", key, err)
		}
		return blob.Meta{}, xerrors.Wrap(xerrors.KindOf(err), "upload.put", key, err)
	}
	s.logger.Debug("asset stored", "key", key, "size", meta.Size, "content_type", ct)
	return meta, nil
}
