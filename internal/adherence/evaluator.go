// Package adherence turns confirmation history into a treatment
// recommendation.
package adherence

import (
	"go.uber.org/zap"

	"github.com/adherahq/adhera/internal/config"
	apperrors "github.com/adherahq/adhera/internal/errors"
	"github.com/adherahq/adhera/internal/metrics"
	"github.com/adherahq/adhera/internal/treatment"
)

// Categories and decisions use the clinical protocol's original labels.
const (
	CategoryHigh = "alto"
	CategoryLow  = "bajo"

	DecisionModify   = "modificar"
	DecisionMaintain = "mantener"
	DecisionCancel   = "cancelar"
)

// Result is the evaluator's advisory output. It never mutates the
// treatment itself.
type Result struct {
	Percentage float64 `json:"percentage"`
	Category   string  `json:"category"`
	Decision   string  `json:"decision"`
}

// Evaluator applies threshold rules over aggregated adherence counts.
type Evaluator struct {
	high    float64
	low     float64
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewEvaluator(cfg config.AdherenceConfig, logger *zap.Logger, m *metrics.Metrics) (*Evaluator, error) {
	if cfg.LowThreshold >= cfg.HighThreshold {
		return nil, apperrors.ErrInvalidThresholds
	}
	return &Evaluator{
		high:    cfg.HighThreshold,
		low:     cfg.LowThreshold,
		logger:  logger,
		metrics: m,
	}, nil
}

// Percentage derives compliance from an adherence record. Zero
// expected doses count as full compliance: no evidence of
// non-adherence.
func (e *Evaluator) Percentage(record *treatment.AdherenceRecord) float64 {
	if record == nil || record.ExpectedDoses == 0 {
		return 100
	}
	return float64(record.ConfirmedDoses) / float64(record.ExpectedDoses) * 100
}

// Evaluate computes the compliance percentage, its category, and the
// recommended treatment action.
func (e *Evaluator) Evaluate(record *treatment.AdherenceRecord) Result {
	pct := e.Percentage(record)

	category := CategoryLow
	if pct >= e.high {
		category = CategoryHigh
	}

	decision := e.Decide(pct)
	e.metrics.Decisions.WithLabelValues(decision).Inc()

	e.logger.Info("Adherence evaluated",
		zap.Float64("percentage", pct),
		zap.String("category", category),
		zap.String("decision", decision),
	)

	return Result{Percentage: pct, Category: category, Decision: decision}
}

// Decide maps a compliance percentage to a recommended action. The
// output is advisory; treatment management applies the actual change.
func (e *Evaluator) Decide(percentage float64) string {
	switch {
	case percentage >= e.high:
		return DecisionModify
	case percentage <= e.low:
		return DecisionCancel
	default:
		return DecisionMaintain
	}
}
