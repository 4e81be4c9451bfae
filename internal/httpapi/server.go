// Package httpapi serves the worker and router HTTP APIs.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chatloop/internal/errs"
	"chatloop/internal/logging"
	"chatloop/internal/transport"
	"chatloop/pkg/types"
)

// WorkerService is what a stage worker exposes over HTTP.
type WorkerService interface {
	Generate(ctx context.Context, req types.GenerateRequest) (types.InferResponse, error)
	Forward(ctx context.Context, req types.ForwardRequest) (types.ForwardResponse, error)
	Release(ctx context.Context, seqs []uint64) error
	Health(ctx context.Context) types.HealthResponse
	Status(ctx context.Context) types.WorkerStatus
	Ready() bool
}

// RouterService is what the router exposes over HTTP.
type RouterService interface {
	Infer(ctx context.Context, req types.InferRequest) (types.InferResponse, error)
	Status() types.RouterStatus
	Ready() bool
}

type server struct {
	opts     Options
	log      zerolog.Logger
	logLevel zerolog.Level
}

func newServer(opts Options, component string) *server {
	opts = opts.withDefaults()
	lvl := zerolog.Disabled
	if opts.RequestLogLevel != "" {
		if l, err := logging.ParseLevel(opts.RequestLogLevel); err == nil {
			lvl = l
		}
	}
	return &server{
		opts:     opts,
		log:      opts.Logger.With().Str("component", component).Logger(),
		logLevel: lvl,
	}
}

// base builds the router shared by both APIs.
func (s *server) base(ready func() bool) chi.Router {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if c := s.opts.CORS; c.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: c.AllowedOrigins,
			AllowedMethods: c.AllowedMethods,
			AllowedHeaders: c.AllowedHeaders,
		}))
	}
	if s.opts.Metrics != nil {
		r.Use(MetricsMiddleware(s.opts.Metrics))
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})
	MountSwagger(r)
	return r
}

// decode reads a JSON body of at most MaxBodyBytes into v.
func (s *server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	return s.decodeLimit(w, r, v, s.opts.MaxBodyBytes)
}

func (s *server) decodeLimit(w http.ResponseWriter, r *http.Request, v any, limit int64) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, errs.KindInvalid, "Content-Type must be application/json")
		return false
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, errs.KindInvalid, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		writeJSONError(w, http.StatusBadRequest, errs.KindInvalid, "unreadable request body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeJSONError(w, http.StatusBadRequest, errs.KindInvalid, "invalid JSON body")
		return false
	}
	return true
}

// run calls fn under a context joined with the server's base context and
// writes the result. Nothing is written when the caller or the server went
// away.
func run[T any](s *server, w http.ResponseWriter, r *http.Request, fn func(context.Context) (T, error)) {
	ctx, cancel := joinContexts(s.opts.BaseContext, r.Context())
	defer cancel()
	out, err := fn(ctx)
	if err != nil {
		if r.Context().Err() != nil || s.opts.BaseContext.Err() != nil {
			return
		}
		if status := s.writeError(w, err); status >= http.StatusInternalServerError {
			s.log.Warn().Err(err).Str("path", r.URL.Path).Str("request_id", middleware.GetReqID(r.Context())).Int("status", status).Msg("request failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// NewWorkerMux returns the HTTP API of one stage worker.
func NewWorkerMux(svc WorkerService, opts Options) http.Handler {
	s := newServer(opts, "worker-http")
	r := s.base(svc.Ready)

	r.With(s.requestLogger).Post(transport.PathGenerate, func(w http.ResponseWriter, r *http.Request) {
		var req types.GenerateRequest
		if !s.decode(w, r, &req) {
			return
		}
		run(s, w, r, func(ctx context.Context) (types.InferResponse, error) { return svc.Generate(ctx, req) })
	})

	r.Post(transport.PathForward, func(w http.ResponseWriter, r *http.Request) {
		var req types.ForwardRequest
		if !s.decodeLimit(w, r, &req, s.opts.MaxForwardBytes) {
			return
		}
		run(s, w, r, func(ctx context.Context) (types.ForwardResponse, error) { return svc.Forward(ctx, req) })
	})

	r.Post(transport.PathRelease, func(w http.ResponseWriter, r *http.Request) {
		var req types.ReleaseRequest
		if !s.decode(w, r, &req) {
			return
		}
		if err := svc.Release(r.Context(), req.SequenceIDs); err != nil {
			s.log.Debug().Err(err).Msg("release downstream failed")
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get(transport.PathHealth, func(w http.ResponseWriter, r *http.Request) {
		h := svc.Health(r.Context())
		status := http.StatusOK
		if !h.Healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	})

	r.Get(transport.PathStatus, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status(r.Context()))
	})
	return r
}

// Router API paths.
const (
	PathInfer    = "/v1/infer"
	PathReplicas = "/v1/replicas"
)

// NewRouterMux returns the router's public HTTP API.
func NewRouterMux(svc RouterService, opts Options) http.Handler {
	s := newServer(opts, "router-http")
	r := s.base(svc.Ready)

	r.With(s.requestLogger).Post(PathInfer, func(w http.ResponseWriter, r *http.Request) {
		var req types.InferRequest
		if !s.decode(w, r, &req) {
			return
		}
		run(s, w, r, func(ctx context.Context) (types.InferResponse, error) { return svc.Infer(ctx, req) })
	})

	r.Get(PathReplicas, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})
	return r
}
