package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/webmonitor/internal/annotation"
	"github.com/JakeFAU/webmonitor/internal/config"
	"github.com/JakeFAU/webmonitor/internal/diff"
	"github.com/JakeFAU/webmonitor/internal/diffservice"
	"github.com/JakeFAU/webmonitor/internal/metrics"
	"github.com/JakeFAU/webmonitor/internal/monitor"
)

const (
	requestTimeout  = 60 * time.Second
	storeTimeout    = 5 * time.Second
	maxAnnotation   = 1 << 20
	defaultMaxBytes = 64 << 20
)

// Submitter queues stored import batches for processing.
type Submitter interface {
	Submit(ctx context.Context, imp monitor.Import) error
}

// Differ asks the differencing service for a diff of two archived bodies.
type Differ interface {
	Diff(ctx context.Context, kind, a, b string, params map[string]string) (diffservice.Result, error)
}

// Deps are the collaborators behind the HTTP surface. Payloads, Submitter,
// Annotations and Differ are optional; their routes answer 503 without them.
type Deps struct {
	Store       monitor.Store
	Payloads    monitor.ArchiveStore
	Submitter   Submitter
	Engine      *diff.Engine
	Annotations *annotation.Service
	Differ      Differ
	// Ready reports whether downstream dependencies are reachable.
	Ready  func(ctx context.Context) error
	IDs    monitor.IDGenerator
	Clock  monitor.Clock
	Logger *zap.Logger
}

// Server wires HTTP handlers to the stores and services.
type Server struct {
	router      chi.Router
	store       monitor.Store
	payloads    monitor.ArchiveStore
	submitter   Submitter
	engine      *diff.Engine
	annotations *annotation.Service
	differ      Differ
	ready       func(ctx context.Context) error
	ids         monitor.IDGenerator
	clock       monitor.Clock
	cfg         config.Config
	logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Server.MaxImportBytes <= 0 {
		cfg.Server.MaxImportBytes = defaultMaxBytes
	}
	s := &Server{
		store:       deps.Store,
		payloads:    deps.Payloads,
		submitter:   deps.Submitter,
		engine:      deps.Engine,
		annotations: deps.Annotations,
		differ:      deps.Differ,
		ready:       deps.Ready,
		ids:         deps.IDs,
		clock:       deps.Clock,
		cfg:         cfg,
		logger:      logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/canonicalize", s.canonicalize)
		r.Route("/imports", func(r chi.Router) {
			r.Post("/", s.submitImport)
			r.Get("/{import_id}", s.getImport)
		})
		r.Route("/pages/{page_id}", func(r chi.Router) {
			r.Get("/", s.getPage)
			r.Route("/changes/{change_id}", func(r chi.Router) {
				r.Get("/", s.getChange)
				r.Post("/annotations", s.annotate)
				r.Get("/diff/{kind}", s.diff)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "record store unavailable")
		return
	}
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "dependencies unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeStoreError maps monitor errors onto HTTP statuses. Unexpected errors
// are logged and hidden behind a 500.
func (s *Server) writeStoreError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, monitor.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, monitor.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		s.logger.Error("request failed", zap.String("resource", what), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load "+what)
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type requestIDKey struct{}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", requestID(r.Context())),
					zap.Any("panic", rec),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
