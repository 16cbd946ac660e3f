// Package api hosts the engine behind a thin HTTP adapter. The engine
// itself owns no transport; these handlers only translate requests
// into the typed contracts and map errors to status codes.
package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/adherahq/adhera/internal/adherence"
	"github.com/adherahq/adhera/internal/clock"
	"github.com/adherahq/adhera/internal/config"
	"github.com/adherahq/adhera/internal/metrics"
	"github.com/adherahq/adhera/internal/notify"
	"github.com/adherahq/adhera/internal/schedule"
	"github.com/adherahq/adhera/internal/treatment"
)

// Server handles the HTTP API.
type Server struct {
	app        *fiber.App
	config     *config.Config
	treatments *treatment.Store
	service    *treatment.Service
	store      *notify.Store
	queues     *notify.Registry
	engine     *notify.Engine
	generator  *schedule.Generator
	evaluator  *adherence.Evaluator
	sweeper    Sweeper
	clock      clock.Clock
	logger     *zap.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
}

// Sweeper triggers an immediate timeout sweep.
type Sweeper interface {
	SweepTimeouts()
}

// Deps bundles the engine components the API exposes.
type Deps struct {
	Treatments *treatment.Store
	Service    *treatment.Service
	Store      *notify.Store
	Queues     *notify.Registry
	Engine     *notify.Engine
	Generator  *schedule.Generator
	Evaluator  *adherence.Evaluator
	Sweeper    Sweeper
	Clock      clock.Clock
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
}

// New creates a new API server
func New(cfg *config.Config, deps Deps, log *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	})

	s := &Server{
		app:        app,
		config:     cfg,
		treatments: deps.Treatments,
		service:    deps.Service,
		store:      deps.Store,
		queues:     deps.Queues,
		engine:     deps.Engine,
		generator:  deps.Generator,
		evaluator:  deps.Evaluator,
		sweeper:    deps.Sweeper,
		clock:      deps.Clock,
		logger:     log,
		registry:   deps.Registry,
		metrics:    deps.Metrics,
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNop()
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Use(recover.New())
	s.app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(s.config.Security.AllowOrigins, ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	s.app.Get("/api/health", s.handleHealth)
	s.app.Get("/healthz", s.handleHealth)
	if s.registry != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(
			promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}),
		))
	}

	api := s.app.Group("/api")
	protected := api.Use(s.authMiddleware())

	protected.Post("/treatments", s.handleCreateTreatment)
	protected.Get("/treatments/:id", s.handleGetTreatment)
	protected.Post("/treatments/:id/cancel", s.handleCancelTreatment)
	protected.Post("/treatments/:id/replace", s.handleReplaceTreatment)
	protected.Post("/treatments/:id/generate", s.handleGenerate)
	protected.Get("/treatments/:id/queue", s.handleQueueSnapshot)
	protected.Post("/treatments/:id/queue/pop", s.handleQueuePop)
	protected.Get("/treatments/:id/adherence", s.handleAdherence)

	protected.Post("/alerts/:id/confirm", s.handleConfirmAlert)
	protected.Post("/reminders/:id/send", s.handleSendReminder)
	protected.Post("/sweep", s.handleSweep)
}

// Start starts the server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Address, s.config.Server.Port)
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": s.clock.Now().Unix(),
	})
}
