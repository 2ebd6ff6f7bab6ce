package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/leozw/compliance-guardian/internal/api/handlers"
	"github.com/leozw/compliance-guardian/internal/api/middleware"
	"github.com/leozw/compliance-guardian/internal/config"
)

type Server struct {
	Config   *config.Config
	Router   *gin.Engine
	handler  *handlers.Handler
	registry *prometheus.Registry
	logger   *zap.Logger
}

func NewServer(cfg *config.Config, handler *handlers.Handler, registry *prometheus.Registry, logger *zap.Logger) *Server {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	router := gin.New()

	router.Use(middleware.Logger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())

	server := &Server{
		Config:   cfg,
		Router:   router,
		handler:  handler,
		registry: registry,
		logger:   logger,
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.Router.GET("/health", s.handler.Health)
	s.Router.GET("/ready", s.handler.Ready)
	if s.registry != nil {
		s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	api := s.Router.Group("/api/v1")
	api.Use(middleware.AuthRequired(s.Config.Server.JWTSecret))
	{
		api.POST("/runs", s.handler.TriggerRun)
		api.GET("/runs/:id", s.handler.GetRun)
		api.GET("/dead-letters", s.handler.ListDeadLetters)
	}

	internal := api.Group("/internal")
	internal.Use(middleware.RequireService())
	{
		internal.POST("/outbox/process", s.handler.ProcessOutbox)
		internal.POST("/integrations/process", s.handler.ProcessIntegrations)
		internal.POST("/scheduler/run", s.handler.RunScheduler)
	}
}
