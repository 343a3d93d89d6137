package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/assetgw/pkg/asset"
	"github.com/jacktea/assetgw/pkg/blob"
	"github.com/jacktea/assetgw/pkg/respcache"
	"github.com/jacktea/assetgw/pkg/server/middleware"
	"github.com/jacktea/assetgw/pkg/xerrors"
)

// Server exposes the asset service over HTTP.
type Server struct {
	Assets *asset.Service
	Log    *slog.Logger
	Opts   Options
}

// Options configure rate limiting, upload limits and metrics exposure.
type Options struct {
	RateLimit      middleware.RateLimitOptions
	MaxUploadBytes int64
	// Metrics, when set, is served on /metrics.
	Metrics         prometheus.Gatherer
	ShutdownTimeout time.Duration
}

// Start listens on addr until ctx is canceled, then drains in-flight requests
// and pending cache writes.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
	}
	timeout := s.Opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return srv.Shutdown(ctxShutdown)
	})
	eg.Go(func() error {
		s.logger().Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	err := eg.Wait()
	s.Assets.Wait()
	return err
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router()
}

func (s *Server) router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("POST /api/uploads/{id}", s.handleUpload)
	mux.HandleFunc("PUT /api/uploads/{id}", s.handleUpload)
	mux.HandleFunc("GET /api/uploads/{id}", s.handleDownload)
	mux.HandleFunc("DELETE /api/uploads/{ids}", s.handleDelete)
	if s.Opts.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.Opts.Metrics, promhttp.HandlerOpts{}))
	}
	return s.applyMiddleware(mux)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.Opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.Opts.MaxUploadBytes)
	}
	_, err := s.Assets.Upload(r.Context(), asset.UploadRequest{
		ID:     r.PathValue("id"),
		Header: r.Header,
		Body:   r.Body,
		Size:   r.ContentLength,
	})
	if err != nil {
		s.httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	resp, err := s.Assets.Download(r.Context(), r.PathValue("id"), r.Header)
	if err != nil {
		s.httpError(w, err)
		return
	}
	if resp.Cached != nil {
		respcache.Serve(w, r, resp.Cached)
		return
	}
	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(resp.Status)
	if resp.Body == nil {
		return
	}
	defer resp.Body.Close()
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger().Debug("download interrupted", "id", r.PathValue("id"), "error", err)
	}
}

type deleteResponse struct {
	OK        bool            `json:"ok"`
	Succeeded []string        `json:"succeeded,omitempty"`
	Failed    []asset.Failure `json:"failed,omitempty"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	out := s.Assets.DeleteBatch(r.Context(), r.PathValue("ids"))
	if out.AllFailed() {
		writeJSON(w, http.StatusNotFound, deleteResponse{OK: false, Failed: out.Failed})
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{OK: true, Succeeded: out.Succeeded, Failed: out.Failed})
}

func (s *Server) httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "Internal server error"
	switch {
	case errors.Is(err, asset.ErrInvalidContentType):
		status, msg = http.StatusBadRequest, "Invalid content type"
	case errors.Is(err, asset.ErrConflict):
		status, msg = http.StatusConflict, "Upload already exists"
	case errors.Is(err, asset.ErrNotFound):
		status, msg = http.StatusNotFound, "Not found"
	default:
		switch xerrors.KindOf(err) {
		case xerrors.KindNotFound:
			status, msg = http.StatusNotFound, "Not found"
		case xerrors.KindAlreadyExists:
			status, msg = http.StatusConflict, "Upload already exists"
		case xerrors.KindRange:
			status, msg = http.StatusRequestedRangeNotSatisfiable, "Range not satisfiable"
			var rerr *blob.RangeError
			if errors.As(err, &rerr) {
				w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(rerr.Size, 10))
			}
		case xerrors.KindTooLarge:
			status, msg = http.StatusRequestEntityTooLarge, "Upload too large"
		case xerrors.KindInvalid:
			status, msg = http.StatusBadRequest, "Bad request"
		case xerrors.KindNotSupported:
			status, msg = http.StatusNotImplemented, "Not implemented"
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger().Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	return middleware.Wrap(handler,
		middleware.Recover(s.logger()),
		middleware.LogRequests(s.Log),
		middleware.RateLimit(s.Opts.RateLimit),
	)
}
