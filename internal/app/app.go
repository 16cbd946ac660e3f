// Package app wires the engine components together and runs the
// server lifecycle.
package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/adherahq/adhera/internal/adherence"
	"github.com/adherahq/adhera/internal/api"
	"github.com/adherahq/adhera/internal/clock"
	"github.com/adherahq/adhera/internal/config"
	"github.com/adherahq/adhera/internal/metrics"
	"github.com/adherahq/adhera/internal/notify"
	"github.com/adherahq/adhera/internal/schedule"
	"github.com/adherahq/adhera/internal/treatment"
)

// App holds the application components
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Clock      clock.Clock
	DB         *gorm.DB
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Treatments *treatment.Store
	Notify     *notify.Store
	Queues     *notify.Registry
	Engine     *notify.Engine
	Generator  *schedule.Generator
	Evaluator  *adherence.Evaluator
	Service    *treatment.Service
	Runner     *schedule.Runner
}

// New builds the full component graph. Construction fails fast on
// invalid thresholds so a misconfigured evaluator never reaches
// serving.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Storage.SQLitePath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	clk := clock.System{}

	notifyStore, err := notify.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to init notification store: %w", err)
	}
	treatmentStore, err := treatment.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to init treatment store: %w", err)
	}

	queues := notify.NewRegistry()
	engine := notify.NewEngine(notifyStore, treatmentStore, logger, m, cfg.Engine.MaxAttempts)
	generator := schedule.NewGenerator(cfg.Engine, notifyStore, treatmentStore, queues, logger, m)
	service := treatment.NewService(treatmentStore, engine, queues, logger, m)

	evaluator, err := adherence.NewEvaluator(cfg.Adherence, logger, m)
	if err != nil {
		return nil, err
	}

	runner := schedule.NewRunner(cfg.Scheduler, generator, engine, notifyStore, treatmentStore, queues, clk, logger)

	return &App{
		Config:     cfg,
		Logger:     logger,
		Clock:      clk,
		DB:         db,
		Registry:   registry,
		Metrics:    m,
		Treatments: treatmentStore,
		Notify:     notifyStore,
		Queues:     queues,
		Engine:     engine,
		Generator:  generator,
		Evaluator:  evaluator,
		Service:    service,
		Runner:     runner,
	}, nil
}

// RunServer starts the scheduler and HTTP server and blocks until a
// termination signal arrives.
func (app *App) RunServer() {
	if app.Config.Scheduler.Enabled {
		if err := app.Runner.Start(); err != nil {
			app.Logger.Error("Failed to start scheduler", zap.Error(err))
		} else {
			app.Logger.Info("Scheduler started",
				zap.String("generation_spec", app.Config.Scheduler.GenerationSpec),
				zap.Int("sweep_interval_sec", app.Config.Scheduler.SweepIntervalSec),
			)
		}
	}

	server := api.New(app.Config, api.Deps{
		Treatments: app.Treatments,
		Service:    app.Service,
		Store:      app.Notify,
		Queues:     app.Queues,
		Engine:     app.Engine,
		Generator:  app.Generator,
		Evaluator:  app.Evaluator,
		Sweeper:    app.Runner,
		Clock:      app.Clock,
		Registry:   app.Registry,
		Metrics:    app.Metrics,
	}, app.Logger)

	go func() {
		if err := server.Start(); err != nil {
			app.Logger.Fatal("Server error", zap.Error(err))
		}
	}()

	app.Logger.Info("Server started",
		zap.String("address", app.Config.Server.Address),
		zap.Int("port", app.Config.Server.Port),
		zap.String("url", fmt.Sprintf("http://localhost:%d", app.Config.Server.Port)),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	app.Logger.Info("Shutting down...")

	if app.Runner.IsRunning() {
		app.Runner.Stop()
	}

	if err := server.Shutdown(); err != nil {
		app.Logger.Error("Server shutdown error", zap.Error(err))
	}
}
