package schedule

import (
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/adherahq/adhera/internal/clock"
	"github.com/adherahq/adhera/internal/config"
	apperrors "github.com/adherahq/adhera/internal/errors"
	"github.com/adherahq/adhera/internal/notify"
	"github.com/adherahq/adhera/internal/treatment"
)

// Runner is the wall-clock edge of the engine: a daily generation job
// and a periodic timeout sweep. The engine itself stays driven by the
// timestamps the runner hands it.
type Runner struct {
	cfg        config.SchedulerConfig
	generator  *Generator
	engine     *notify.Engine
	store      *notify.Store
	treatments *treatment.Store
	queues     *notify.Registry
	clock      clock.Clock
	logger     *zap.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

func NewRunner(cfg config.SchedulerConfig, generator *Generator, engine *notify.Engine, store *notify.Store, treatments *treatment.Store, queues *notify.Registry, clk clock.Clock, logger *zap.Logger) *Runner {
	if cfg.SweepIntervalSec <= 0 {
		cfg.SweepIntervalSec = 60
	}
	if cfg.GenerationSpec == "" {
		cfg.GenerationSpec = "0 9 * * *"
	}
	return &Runner{
		cfg:        cfg,
		generator:  generator,
		engine:     engine,
		store:      store,
		treatments: treatments,
		queues:     queues,
		clock:      clk,
		logger:     logger,
	}
}

// Start schedules the generation and sweep jobs.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("schedule runner already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(r.cfg.GenerationSpec, r.GenerateDaily); err != nil {
		return fmt.Errorf("invalid generation spec %q: %w", r.cfg.GenerationSpec, err)
	}
	sweepSpec := fmt.Sprintf("@every %ds", r.cfg.SweepIntervalSec)
	if _, err := c.AddFunc(sweepSpec, r.SweepTimeouts); err != nil {
		return fmt.Errorf("invalid sweep spec %q: %w", sweepSpec, err)
	}

	c.Start()
	r.cron = c
	r.running = true

	r.logger.Info("Schedule runner started",
		zap.String("generation_spec", r.cfg.GenerationSpec),
		zap.Int("sweep_interval_sec", r.cfg.SweepIntervalSec),
	)
	return nil
}

// Stop halts the jobs and waits for in-flight runs.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.running = false
	r.logger.Info("Schedule runner stopped")
}

// IsRunning returns whether the runner is active.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// GenerateDaily produces today's notifications for every active
// treatment.
func (r *Runner) GenerateDaily() {
	now := r.clock.Now()

	treatments, err := r.treatments.ListActiveTreatments()
	if err != nil {
		r.logger.Error("Failed to list active treatments", zap.Error(err))
		return
	}

	for i := range treatments {
		t := &treatments[i]
		if _, err := r.generator.GenerateNotifications(t, now); err != nil {
			r.logger.Error("Daily generation failed",
				zap.String("treatment_id", t.ID),
				zap.Error(err),
			)
		}
	}
}

// SweepTimeouts escalates every outstanding alert whose wait window
// elapsed. A confirmation landing between the query and the timeout is
// benign: the engine rejects the transition and the sweep moves on.
func (r *Runner) SweepTimeouts() {
	now := r.clock.Now()

	due, err := r.store.AlertsDueForEscalation(now)
	if err != nil {
		r.logger.Error("Failed to query alerts due for escalation", zap.Error(err))
		return
	}

	for _, alert := range due {
		queue := r.queues.ForTreatment(alert.TreatmentID)
		if _, err := r.engine.Timeout(alert.ID, queue, now); err != nil {
			if errors.Is(err, apperrors.ErrInvalidTransition) {
				continue
			}
			r.logger.Error("Timeout handling failed",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}
}
