package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Clark-Hu/store-rater/internal/cache"
	"github.com/Clark-Hu/store-rater/internal/config"
	"github.com/Clark-Hu/store-rater/internal/logging"
	"github.com/Clark-Hu/store-rater/internal/metrics"
	"github.com/Clark-Hu/store-rater/internal/rating"
	"github.com/Clark-Hu/store-rater/internal/reconcile"
	"github.com/Clark-Hu/store-rater/internal/repository"
	"github.com/Clark-Hu/store-rater/internal/store"
)

// Deps groups the collaborators of the HTTP layer. Cache, Metrics and
// Logger are optional.
type Deps struct {
	Store      *store.Store
	Repo       *repository.Repository
	Aggregator *rating.Aggregator
	Reconciler *reconcile.Worker
	Cache      cache.StoreCache
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Server wires HTTP routing, middleware, and handlers.
type Server struct {
	cfg        config.Config
	store      *store.Store
	repo       *repository.Repository
	agg        *rating.Aggregator
	reconciler *reconcile.Worker
	cache      cache.StoreCache
	metrics    *metrics.Metrics
	logger     *zap.Logger
	router     chi.Router
	httpSrv    *http.Server
}

// New constructs the HTTP server with base middleware and routes.
func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	storeCache := deps.Cache
	if storeCache == nil {
		storeCache = cache.Noop{}
	}

	s := &Server{
		cfg:        cfg,
		store:      deps.Store,
		repo:       deps.Repo,
		agg:        deps.Aggregator,
		reconciler: deps.Reconciler,
		cache:      storeCache,
		metrics:    deps.Metrics,
		logger:     logger.Named("http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}
	s.router = r
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	s.router.Route("/stores", func(r chi.Router) {
		r.Get("/", s.handleListStores)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetStore)
			r.Get("/ratings", s.handleListStoreRatings)
			r.Post("/ratings", s.handleSubmitRating)
			r.Delete("/ratings", s.handleRemoveRating)
			r.Get("/ratings/{userId}", s.handleGetRating)
		})
	})
	s.router.Get("/users/{id}/ratings", s.handleListUserRatings)

	s.router.Route("/admin", func(r chi.Router) {
		r.Use(s.requireBearer)
		r.Get("/stats", s.handleStats)
		r.Get("/users", s.handleListUsers)
		r.Post("/users", s.handleCreateUser)
		r.Patch("/users/{id}", s.handleUpdateUser)
		r.Delete("/users/{id}", s.handleDeactivateUser)
		r.Post("/stores", s.handleCreateStore)
		r.Patch("/stores/{id}", s.handleUpdateStore)
		r.Delete("/stores/{id}", s.handleDeactivateStore)
		r.Post("/stores/{id}/reconcile", s.handleReconcileStore)
		r.Post("/reconcile", s.handleReconcileAll)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start boots the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.IdleTimeoutSecs) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		s.log(r).Warn("health check failed", zap.Error(err))
		s.respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Database unreachable")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger logs one line per request and attaches a request-scoped
// logger carrying the request id to the context.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqLogger := s.logger.With(zap.String("request_id", middleware.GetReqID(r.Context())))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(logging.WithContext(r.Context(), reqLogger)))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		reqLogger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr))
	})
}

func (s *Server) log(r *http.Request) *zap.Logger {
	return logging.FromContext(r.Context(), s.logger)
}
