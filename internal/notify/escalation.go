package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/adherahq/adhera/internal/errors"
	"github.com/adherahq/adhera/internal/metrics"
)

// AdherenceRecorder receives terminal confirmation outcomes. The
// treatment store implements it.
type AdherenceRecorder interface {
	RecordConfirmed(treatmentID string, n int) error
}

// Engine drives the alert escalation state machine. It never reads the
// wall clock; every operation takes the caller's timestamps. Mutations
// on alerts of the same treatment are serialized.
type Engine struct {
	store       *Store
	adherence   AdherenceRecorder
	logger      *zap.Logger
	metrics     *metrics.Metrics
	maxAttempts int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(store *Store, adherence AdherenceRecorder, logger *zap.Logger, m *metrics.Metrics, maxAttempts int) *Engine {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Engine{
		store:       store,
		adherence:   adherence,
		logger:      logger,
		metrics:     m,
		maxAttempts: maxAttempts,
		locks:       make(map[string]*sync.Mutex),
	}
}

// lockFor serializes alert mutations per treatment so a timeout sweep
// cannot race a concurrently arriving confirmation.
func (e *Engine) lockFor(treatmentID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[treatmentID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[treatmentID] = l
	}
	return l
}

// ConfirmTaken classifies a confirmation by elapsed time since the
// scheduled dose time and moves the alert to the matching terminal
// tier. The boundary at the window edge is inclusive: confirming at
// exactly the window is still on time.
func (e *Engine) ConfirmTaken(alertID string, confirmedAt time.Time) (*Alert, error) {
	alert, err := e.store.GetAlert(alertID)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, apperrors.ErrAlertNotFound
	}

	lock := e.lockFor(alert.TreatmentID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a timeout may have won the race.
	alert, err = e.store.GetAlert(alertID)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, apperrors.ErrAlertNotFound
	}
	if alert.State.Terminal() {
		return nil, apperrors.ErrInvalidTransition
	}

	elapsed := confirmedAt.Sub(alert.DoseTime)
	window := alert.ConfirmationWindow()

	var next State
	switch {
	case elapsed <= window:
		next = StateConfirmedTaken
	case elapsed <= 2*window:
		next = StateConfirmedTakenLate
	default:
		next = StateConfirmedTakenVeryLate
	}

	// Conditional write: a void landing between the read and here must
	// not be overwritten, and must not count toward adherence.
	ok, err := e.store.TransitionAlert(alert.ID, StateActive, next)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.ErrInvalidTransition
	}
	alert.State = next

	if err := e.adherence.RecordConfirmed(alert.TreatmentID, 1); err != nil {
		return nil, err
	}

	e.metrics.Confirmations.WithLabelValues(string(alert.State)).Inc()
	e.logger.Info("Alert confirmed",
		zap.String("alert_id", alert.ID),
		zap.String("treatment_id", alert.TreatmentID),
		zap.String("state", string(alert.State)),
		zap.Duration("elapsed", elapsed),
	)

	return alert, nil
}

// ConfirmNotTaken records an explicit patient decline. Terminal.
func (e *Engine) ConfirmNotTaken(alertID string) (*Alert, error) {
	alert, err := e.store.GetAlert(alertID)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, apperrors.ErrAlertNotFound
	}

	lock := e.lockFor(alert.TreatmentID)
	lock.Lock()
	defer lock.Unlock()

	alert, err = e.store.GetAlert(alertID)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, apperrors.ErrAlertNotFound
	}
	if alert.State.Terminal() {
		return nil, apperrors.ErrInvalidTransition
	}

	ok, err := e.store.TransitionAlert(alert.ID, StateActive, StateConfirmedNotTaken)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.ErrInvalidTransition
	}
	alert.State = StateConfirmedNotTaken

	e.metrics.Confirmations.WithLabelValues(string(StateConfirmedNotTaken)).Inc()
	e.logger.Info("Alert declined",
		zap.String("alert_id", alert.ID),
		zap.String("treatment_id", alert.TreatmentID),
	)

	return alert, nil
}

// Timeout handles an alert whose wait window elapsed with no
// confirmation. Below the attempt cap it creates a successor at the
// timeout instant and push-fronts it so it is served before older
// entries; at the cap the alert simply ends unconfirmed. Returns the
// successor, or nil when none is created.
func (e *Engine) Timeout(alertID string, queue *Queue, now time.Time) (*Alert, error) {
	alert, err := e.store.GetAlert(alertID)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, apperrors.ErrAlertNotFound
	}

	lock := e.lockFor(alert.TreatmentID)
	lock.Lock()
	defer lock.Unlock()

	alert, err = e.store.GetAlert(alertID)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, apperrors.ErrAlertNotFound
	}
	if alert.State.Terminal() {
		// A confirmation beat the sweep. Nothing to escalate.
		return nil, apperrors.ErrInvalidTransition
	}
	if now.Before(alert.EscalationDeadline()) {
		return nil, nil
	}

	queue.Remove(alert.ID)
	defer e.metrics.QueueDepth.WithLabelValues(alert.TreatmentID).Set(float64(queue.Len()))

	if alert.AttemptNumber >= e.maxAttempts {
		ok, err := e.store.TransitionAlert(alert.ID, StateActive, StateUnconfirmed)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperrors.ErrInvalidTransition
		}
		e.metrics.AlertsExhausted.Inc()
		e.logger.Info("Alert exhausted without confirmation",
			zap.String("alert_id", alert.ID),
			zap.String("treatment_id", alert.TreatmentID),
			zap.Int("attempt", alert.AttemptNumber),
		)
		return nil, nil
	}

	// Retire the original before the successor exists so a concurrent
	// void can never leave both alive.
	ok, err := e.store.TransitionAlert(alert.ID, StateActive, StateUnconfirmedEscalated)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.ErrInvalidTransition
	}

	successor := &Alert{
		TreatmentID:               alert.TreatmentID,
		MedicationID:              alert.MedicationID,
		Message:                   alert.Message,
		ScheduledAt:               now,
		DoseTime:                  alert.DoseTime,
		AttemptNumber:             alert.AttemptNumber + 1,
		ConfirmationWindowMinutes: alert.ConfirmationWindowMinutes,
		EscalationWaitMinutes:     alert.EscalationWaitMinutes,
		State:                     StateActive,
	}
	if err := e.store.SaveAlert(successor); err != nil {
		return nil, err
	}

	queue.PushFront(Entry{ID: successor.ID, Kind: KindAlert})

	e.metrics.Escalations.Inc()
	e.logger.Info("Alert escalated",
		zap.String("alert_id", alert.ID),
		zap.String("successor_id", successor.ID),
		zap.String("treatment_id", alert.TreatmentID),
		zap.Int("attempt", successor.AttemptNumber),
	)

	return successor, nil
}

// VoidTreatment voids every outstanding notification of a treatment.
// It holds the treatment's lock, so an in-flight timeout or
// confirmation either finishes first or finds only VOIDED state, and
// no successor can be created once the void lands.
func (e *Engine) VoidTreatment(treatmentID string) (int64, error) {
	lock := e.lockFor(treatmentID)
	lock.Lock()
	defer lock.Unlock()

	voided, err := e.store.VoidPending(treatmentID)
	if err != nil {
		return 0, err
	}

	e.metrics.AlertsVoided.Add(float64(voided))
	e.logger.Info("Pending notifications voided",
		zap.String("treatment_id", treatmentID),
		zap.Int64("count", voided),
	)
	return voided, nil
}

// SendReminder marks a reminder as sent. Sending an already-sent
// reminder is a no-op, not an error.
func (e *Engine) SendReminder(reminderID string) (*Reminder, error) {
	reminder, err := e.store.GetReminder(reminderID)
	if err != nil {
		return nil, err
	}
	if reminder == nil {
		return nil, apperrors.ErrReminderNotFound
	}

	if reminder.State == StateSent {
		return reminder, nil
	}
	if reminder.State != StateActive {
		return nil, apperrors.ErrInvalidTransition
	}

	ok, err := e.store.TransitionReminder(reminder.ID, StateActive, StateSent)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race: either another send (idempotent) or a void.
		current, err := e.store.GetReminder(reminder.ID)
		if err != nil {
			return nil, err
		}
		if current != nil && current.State == StateSent {
			return current, nil
		}
		return nil, apperrors.ErrInvalidTransition
	}
	reminder.State = StateSent

	e.metrics.RemindersSent.Inc()
	e.logger.Debug("Reminder sent",
		zap.String("reminder_id", reminder.ID),
		zap.String("treatment_id", reminder.TreatmentID),
	)

	return reminder, nil
}
