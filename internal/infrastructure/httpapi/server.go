package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ListingWatcher/internal/domain"
	"ListingWatcher/internal/usecase"
)

const (
	readTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Minute
	idleTimeout  = 2 * time.Minute

	defaultRunTimeout = time.Hour
)

// Searches is the part of the search service exposed over HTTP.
type Searches interface {
	CreateSearch(ctx context.Context, ref usecase.UserRef, rawURL string) (usecase.CreateSearchResult, error)
	ListSearches(ctx context.Context, chatID int64) ([]domain.Search, error)
}

// Deps groups the collaborators behind the admin API.
type Deps struct {
	Runner   usecase.Runner
	Searches Searches
	Health   func(ctx context.Context) error
	Metrics  http.Handler
	Logger   *slog.Logger

	// RunTimeout bounds runs triggered over HTTP; they outlive the request.
	RunTimeout time.Duration
}

// Server is the admin HTTP API.
type Server struct {
	router *gin.Engine
	server *http.Server
	deps   Deps
	logger *slog.Logger
}

// NewServer registers routes; addr is only used by ListenAndServe.
func NewServer(addr string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if deps.RunTimeout <= 0 {
		deps.RunTimeout = defaultRunTimeout
	}

	s := &Server{router: gin.New(), deps: deps, logger: logger}
	s.router.Use(gin.Recovery(), s.requestLogger())

	s.router.GET("/healthz", s.health)
	if deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	runs := s.router.Group("/runs")
	runs.POST("/etl", s.runETL)
	runs.POST("/notify", s.runNotify)
	s.router.POST("/searches", s.createSearch)
	s.router.GET("/users/:chatID/searches", s.listSearches)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server stops; a graceful Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("admin api listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		)
	}
}
