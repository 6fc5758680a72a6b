package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/marketing/config"
	"example.com/backstage/services/marketing/internal/api/handlers"
	"example.com/backstage/services/marketing/internal/dispatch"
	"example.com/backstage/services/marketing/internal/metrics"
	"example.com/backstage/services/marketing/internal/repositories"
	"example.com/backstage/services/marketing/internal/services"
	"example.com/backstage/services/marketing/internal/tracing"
)

// Deps is everything the HTTP surface needs wired in.
type Deps struct {
	Contacts  *repositories.ContactRepository
	Events    *repositories.EventRepository
	Actions   *repositories.ActionRepository
	Templates *repositories.TemplateRepository
	Campaigns *repositories.CampaignRepository

	ContactService  *services.ContactService
	EventService    *services.EventService
	CampaignService *services.CampaignService

	Dispatcher *dispatch.Dispatcher
	Metrics    *metrics.Metrics
	Tracer     tracing.Tracer
}

// Server represents the HTTP server
type Server struct {
	config     config.Config
	router     *gin.Engine
	httpServer *http.Server
	deps       Deps
}

// NewServer creates a new HTTP server
func NewServer(cfg config.Config, deps Deps) *Server {
	server := &Server{
		config: cfg,
		deps:   deps,
	}

	router := server.setupRouter()
	server.router = router

	server.httpServer = &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  cfg.ServerTimeout,
		WriteTimeout: cfg.ServerTimeout,
	}

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	if s.config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())
	if app := s.deps.Tracer.App(); app != nil {
		router.Use(nrgin.Middleware(app))
	}

	handlers.NewEventHandler(s.deps.EventService, s.deps.Events, s.deps.Tracer).RegisterRoutes(router)
	handlers.NewContactHandler(s.deps.Contacts, s.deps.ContactService).RegisterRoutes(router)
	handlers.NewActionHandler(s.deps.Actions).RegisterRoutes(router)
	handlers.NewTemplateHandler(s.deps.Templates).RegisterRoutes(router)
	handlers.NewCampaignHandler(s.deps.Campaigns, s.deps.CampaignService).RegisterRoutes(router)
	handlers.NewMetricsHandler(s.deps.Metrics, s.deps.Dispatcher).RegisterRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router
}

// requestLogger logs one line per request
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		entry := log.Info()
		status := c.Writer.Status()
		if status >= 500 {
			entry = log.Error()
		} else if status >= 400 {
			entry = log.Warn()
		}
		entry.
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("method", c.Request.Method).
			Str("path", path).
			Msg("Request processed")
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
