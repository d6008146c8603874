// Package httpapi exposes the asset service over HTTP.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cbrewster/assetstore/internal/assetstore"
	"github.com/cbrewster/assetstore/internal/chunkstore"
	"github.com/cbrewster/assetstore/internal/delivery"
)

const (
	// PrincipalHeader carries the caller identity, authenticated upstream.
	PrincipalHeader = "X-Principal"
	// TokenHeader carries the continuation token of a delivery response.
	TokenHeader = "X-Continuation-Token"

	// DefaultMaxChunkSize bounds the body of a chunk upload.
	DefaultMaxChunkSize = 8 << 20
)

type Server struct {
	h            http.Handler
	chunks       *chunkstore.Store
	assets       *assetstore.Store
	engine       *delivery.Engine
	logger       zerolog.Logger
	gatherer     prometheus.Gatherer
	maxChunkSize int64
}

type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGatherer serves the collectors of g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

func WithMaxChunkSize(n int64) Option {
	return func(s *Server) {
		s.maxChunkSize = n
	}
}

func New(chunks *chunkstore.Store, assets *assetstore.Store, engine *delivery.Engine, options ...Option) *Server {
	s := &Server{
		chunks:       chunks,
		assets:       assets,
		engine:       engine,
		logger:       zerolog.Nop(),
		maxChunkSize: DefaultMaxChunkSize,
	}
	for _, option := range options {
		option(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/asset/{id}", s.deliver)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stream/{token}", s.continueDelivery)

		r.Route("/chunks", func(r chi.Router) {
			r.With(requirePrincipal).Post("/", s.uploadChunk)
			r.Post("/availability", s.chunkAvailability)
			r.Post("/expired", s.clearExpired)
			r.Get("/{id}", s.getChunk)
		})

		r.Route("/assets", func(r chi.Router) {
			r.Get("/", s.listAssets)
			r.With(requirePrincipal).Post("/", s.commit)
			r.Get("/{id}", s.getAsset)
			r.With(requirePrincipal).Delete("/{id}", s.deleteAsset)
		})
	})

	s.h = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.h
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
