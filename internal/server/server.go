package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/amoylab/clinicpush/internal/common/config"
	"github.com/amoylab/clinicpush/internal/hub"
	"github.com/amoylab/clinicpush/pkg/metrics"
)

// Server hosts the hub endpoint and its operational routes
type Server struct {
	logger     *zap.Logger
	cfg        *config.ServerConfig
	hub        *hub.Hub
	metrics    *metrics.Metrics
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates a server around h. m may be nil.
func NewServer(logger *zap.Logger, cfg *config.ServerConfig, h *hub.Hub, m *metrics.Metrics) *Server {
	router := gin.New()
	s := &Server{
		logger:  logger.Named("server"),
		cfg:     cfg,
		hub:     h,
		metrics: m,
		router:  router,
	}
	s.registerRoutes()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.Use(s.recoveryMiddleware())
	s.router.Use(s.loggerMiddleware())
	if s.cfg.Tracing.Enabled {
		s.router.Use(otelgin.Middleware(s.cfg.Tracing.ServiceName))
	}
	if s.metrics != nil {
		s.router.Use(s.metrics.Middleware())
	}

	s.router.GET(s.cfg.Hub.Path, gin.WrapH(s.hub))
	s.router.GET("/healthz", s.handleHealth)

	if s.metrics != nil && s.cfg.Metrics.Enabled {
		s.router.GET(s.cfg.Metrics.Path, gin.WrapH(s.metrics.Handler()))
	}

	if s.cfg.Internal.NotifyToken != "" {
		internal := s.router.Group("/internal", s.internalTokenMiddleware(s.cfg.Internal.NotifyToken))
		internal.POST("/notify", s.handleNotify)
	} else {
		s.logger.Info("internal notify endpoint disabled, no token configured")
	}
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("starting server", zap.String("addr", s.httpServer.Addr), zap.String("ws_path", s.cfg.Hub.Path))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Shutdown closes every session as going away and then drains the listener
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.hub.Shutdown(ctx); err != nil {
		s.logger.Warn("sessions did not close in time", zap.Error(err))
	}
	return s.httpServer.Shutdown(ctx)
}
