// Package asset implements the gateway's upload, download and batch delete
// operations on top of a blob store and a response cache.
package asset

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jacktea/assetgw/pkg/blob"
	"github.com/jacktea/assetgw/pkg/respcache"
)

var (
	ErrInvalidContentType = errors.New("invalid content type")
	ErrConflict           = errors.New("upload already exists")
	ErrNotFound           = errors.New("asset not found")
)

// ReasonNotFound is the failure reason reported for ids that do not exist.
const ReasonNotFound = "Asset not found"

// CacheControl is sent with every stored asset; assets never change once
// written.
const CacheControl = "public, max-age=31536000, immutable"

const defaultCacheWriteTimeout = 30 * time.Second

// Observer captures telemetry for asset operations.
type Observer interface {
	RecordUpload(duration time.Duration, sizeBytes int64, err error)
	RecordDownload(duration time.Duration, cacheHit bool, err error)
	RecordDelete(duration time.Duration, failed int, err error)
	RecordCacheWrite(duration time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) RecordUpload(time.Duration, int64, error) {}

func (nopObserver) RecordDownload(time.Duration, bool, error) {}

func (nopObserver) RecordDelete(time.Duration, int, error) {}

func (nopObserver) RecordCacheWrite(time.Duration, error) {}

// Config wires a Service. Store is required; the rest default to no-ops.
type Config struct {
	Store    blob.Store
	Cache    respcache.Cache
	Logger   *slog.Logger
	Observer Observer
	// CacheWriteTimeout bounds each background cache population.
	CacheWriteTimeout time.Duration
	// MaxUploadBytes rejects larger uploads when positive.
	MaxUploadBytes int64
}

// Service is the asset access component. It holds no per-asset state; the
// only in-process state is the set of pending background cache writes.
type Service struct {
	store             blob.Store
	cache             respcache.Cache
	logger            *slog.Logger
	observer          Observer
	cacheWriteTimeout time.Duration
	maxUploadBytes    int64

	pending sync.WaitGroup
}

// New builds a Service from cfg.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("asset: store is required")
	}
	s := &Service{
		store:             cfg.Store,
		cache:             cfg.Cache,
		logger:            cfg.Logger,
		observer:          cfg.Observer,
		cacheWriteTimeout: cfg.CacheWriteTimeout,
		maxUploadBytes:    cfg.MaxUploadBytes,
	}
	if s.cache == nil {
		s.cache = respcache.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.cacheWriteTimeout <= 0 {
		s.cacheWriteTimeout = defaultCacheWriteTimeout
	}
	return s, nil
}

// Wait blocks until every background cache write started so far has
// finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

func (s *Service) cacheEnabled() bool {
	_, nop := s.cache.(respcache.Nop)
	return !nop
}
