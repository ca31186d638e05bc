// Package api exposes the pipeline manager over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/bom-pipeline/internal/cache"
	"github.com/sells-group/bom-pipeline/internal/model"
	"github.com/sells-group/bom-pipeline/internal/pipeline"
	"github.com/sells-group/bom-pipeline/internal/progress"
	"github.com/sells-group/bom-pipeline/internal/resilience"
)

// Store is the persistence the HTTP surface touches directly.
type Store interface {
	Ping(ctx context.Context) error
	CountLineItems(ctx context.Context, bomID string) (int, error)
	InsertLineItems(ctx context.Context, bomID string, items []model.LineItem) error
}

// Manager is the subset of pipeline.Manager used by the handlers.
type Manager interface {
	Start(ctx context.Context, req model.BOMProcessingRequest) (*model.PipelineState, error)
	Signal(ctx context.Context, bomID string, kind model.SignalKind) (bool, error)
	Status(ctx context.Context, bomID string) (*model.PipelineState, error)
	List(ctx context.Context, filter model.PipelineFilter) ([]*model.PipelineState, error)
}

var _ Manager = (*pipeline.Manager)(nil)

// Options configures optional parts of the server.
type Options struct {
	// UploadsDir resolves relative request filenames.
	UploadsDir  string
	CORSOrigins []string
	// Metrics mounts the Prometheus handler at /metrics.
	Metrics bool
	// RequestTimeout bounds every non-streaming request. Defaults to 60s.
	RequestTimeout time.Duration

	Breaker    *resilience.CircuitBreaker
	CacheStats func() cache.Stats

	// Bus and ChannelPrefix enable the server-sent progress stream.
	Bus           progress.Bus
	ChannelPrefix string
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	mgr   Manager
	store Store
	opts  Options
}

// NewServer creates a Server.
func NewServer(mgr Manager, st Store, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	return &Server{mgr: mgr, store: st, opts: opts}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	timeout := middleware.Timeout(s.opts.RequestTimeout)

	r.With(timeout).Get("/health", s.handleHealth)
	if s.opts.Metrics {
		r.With(timeout).Handle("/metrics", promhttp.Handler())
	}

	r.Route("/pipelines", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(timeout)
			r.Post("/", s.handleStart)
			r.Get("/", s.handleList)
			r.Get("/{bomID}", s.handleStatus)
			r.Post("/{bomID}/pause", s.handleSignal(model.SignalPause))
			r.Post("/{bomID}/resume", s.handleSignal(model.SignalResume))
			r.Post("/{bomID}/cancel", s.handleSignal(model.SignalCancel))
		})

		// Streams outlive the request timeout.
		if s.opts.Bus != nil {
			r.Get("/{bomID}/events", s.handleEvents)
		}
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
