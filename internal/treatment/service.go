package treatment

import (
	"go.uber.org/zap"

	"github.com/adherahq/adhera/internal/metrics"
	"github.com/adherahq/adhera/internal/notify"
)

// Service couples treatment lifecycle changes with their notification
// side effects: deactivating a treatment must stop every outstanding
// alert from ever escalating again. Voiding goes through the engine so
// it serializes with in-flight timeouts and confirmations.
type Service struct {
	store   *Store
	engine  *notify.Engine
	queues  *notify.Registry
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewService(store *Store, engine *notify.Engine, queues *notify.Registry, logger *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		engine:  engine,
		queues:  queues,
		logger:  logger,
		metrics: m,
	}
}

// Cancel deactivates a treatment with a mandatory reason and voids its
// pending notifications.
func (s *Service) Cancel(treatmentID, reason string) (*Treatment, error) {
	t, err := s.store.CancelTreatment(treatmentID, reason)
	if err != nil {
		return nil, err
	}

	voided, err := s.engine.VoidTreatment(treatmentID)
	if err != nil {
		return nil, err
	}
	s.queues.Drop(treatmentID)
	s.metrics.QueueDepth.DeleteLabelValues(treatmentID)

	s.logger.Info("Treatment cancelled",
		zap.String("treatment_id", treatmentID),
		zap.String("reason", reason),
		zap.Int64("voided_notifications", voided),
	)

	return t, nil
}

// Replace swaps a treatment's regimen: the original goes inactive with
// its pending notifications voided, and an active successor carries
// the new medications and recommendations with a fresh adherence
// record.
func (s *Service) Replace(treatmentID string, medications []MedicationSchedule, recommendations []string) (*Treatment, error) {
	successor, err := s.store.ReplaceTreatment(treatmentID, medications, recommendations)
	if err != nil {
		return nil, err
	}

	voided, err := s.engine.VoidTreatment(treatmentID)
	if err != nil {
		return nil, err
	}
	s.queues.Drop(treatmentID)
	s.metrics.QueueDepth.DeleteLabelValues(treatmentID)

	s.logger.Info("Treatment regimen replaced",
		zap.String("treatment_id", treatmentID),
		zap.String("successor_id", successor.ID),
		zap.Int64("voided_notifications", voided),
	)

	return successor, nil
}
