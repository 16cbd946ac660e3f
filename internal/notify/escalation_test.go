package notify

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	apperrors "github.com/adherahq/adhera/internal/errors"
	"github.com/adherahq/adhera/internal/metrics"
)

type recorderStub struct {
	confirmed int
}

func (r *recorderStub) RecordConfirmed(treatmentID string, n int) error {
	r.confirmed += n
	return nil
}

func setupTestStore(t *testing.T) *Store {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func setupTestEngine(t *testing.T) (*Engine, *Store, *recorderStub) {
	store := setupTestStore(t)
	recorder := &recorderStub{}
	logger, _ := zap.NewDevelopment()

	engine := NewEngine(store, recorder, logger, metrics.NewNop(), 3)
	return engine, store, recorder
}

func newDoseAlert(doseTime time.Time) *Alert {
	return &Alert{
		TreatmentID:               "treatment-1",
		MedicationID:              "med-1",
		Message:                   "Time to take Topiramate 50mg",
		ScheduledAt:               doseTime,
		DoseTime:                  doseTime,
		AttemptNumber:             1,
		ConfirmationWindowMinutes: 15,
		EscalationWaitMinutes:     15,
	}
}

func TestEngine_ConfirmWithinWindow(t *testing.T) {
	engine, store, recorder := setupTestEngine(t)
	dose := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	alert := newDoseAlert(dose)
	require.NoError(t, store.SaveAlert(alert))

	confirmed, err := engine.ConfirmTaken(alert.ID, dose.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StateConfirmedTaken, confirmed.State)
	assert.Equal(t, 1, recorder.confirmed)
}

func TestEngine_ConfirmAtExactWindowBoundaryIsOnTime(t *testing.T) {
	engine, store, _ := setupTestEngine(t)
	dose := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	alert := newDoseAlert(dose)
	require.NoError(t, store.SaveAlert(alert))

	confirmed, err := engine.ConfirmTaken(alert.ID, dose.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StateConfirmedTaken, confirmed.State)
}

func TestEngine_ConfirmationTiers(t *testing.T) {
	dose := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		elapsed time.Duration
		want    State
	}{
		{"just past window is late", 16 * time.Minute, StateConfirmedTakenLate},
		{"double window boundary is still late", 30 * time.Minute, StateConfirmedTakenLate},
		{"past double window is very late", 31 * time.Minute, StateConfirmedTakenVeryLate},
		{"hours later is very late", 3 * time.Hour, StateConfirmedTakenVeryLate},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine, store, recorder := setupTestEngine(t)
			alert := newDoseAlert(dose)
			require.NoError(t, store.SaveAlert(alert))

			confirmed, err := engine.ConfirmTaken(alert.ID, dose.Add(tc.elapsed))
			require.NoError(t, err)
			assert.Equal(t, tc.want, confirmed.State)
			assert.Equal(t, 1, recorder.confirmed, "every taken tier counts toward adherence")
		})
	}
}

func TestEngine_ConfirmTerminalAlertRejected(t *testing.T) {
	engine, store, recorder := setupTestEngine(t)
	dose := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	alert := newDoseAlert(dose)
	require.NoError(t, store.SaveAlert(alert))

	_, err := engine.ConfirmTaken(alert.ID, dose.Add(time.Minute))
	require.NoError(t, err)

	_, err = engine.ConfirmTaken(alert.ID, dose.Add(2*time.Minute))
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	assert.Equal(t, 1, recorder.confirmed, "a repeated confirmation must not double count")
}

func TestEngine_ConfirmUnknownAlert(t *testing.T) {
	engine, _, _ := setupTestEngine(t)

	_, err := engine.ConfirmTaken("missing", time.Now())
	assert.ErrorIs(t, err, apperrors.ErrAlertNotFound)
}

func TestEngine_DeclineDoesNotCountTowardAdherence(t *testing.T) {
	engine, store, recorder := setupTestEngine(t)
	dose := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	alert := newDoseAlert(dose)
	require.NoError(t, store.SaveAlert(alert))

	declined, err := engine.ConfirmNotTaken(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmedNotTaken, declined.State)
	assert.Equal(t, 0, recorder.confirmed)

	// Declined is terminal; no later confirmation can flip it.
	_, err = engine.ConfirmTaken(alert.ID, dose.Add(time.Minute))
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestEngine_TimeoutBeforeDeadlineIsNoop(t *testing.T) {
	engine, store, _ := setupTestEngine(t)
	dose := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	alert := newDoseAlert(dose)
	require.NoError(t, store.SaveAlert(alert))

	queue := NewQueue()
	queue.PushBack(Entry{ID: alert.ID, Kind: KindAlert})

	successor, err := engine.Timeout(alert.ID, queue, dose.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, successor)
	assert.Equal(t, 1, queue.Len())

	current, err := store.GetAlert(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, current.State)
}

func TestEngine_TimeoutCreatesFrontQueuedSuccessor(t *testing.T) {
	engine, store, _ := setupTestEngine(t)
	dose := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	alert := newDoseAlert(dose)
	require.NoError(t, store.SaveAlert(alert))

	queue := NewQueue()
	queue.PushBack(Entry{ID: "older-reminder", Kind: KindReminder})
	queue.PushBack(Entry{ID: alert.ID, Kind: KindAlert})

	timeoutAt := dose.Add(15 * time.Minute)
	successor, err := engine.Timeout(alert.ID, queue, timeoutAt)
	require.NoError(t, err)
	require.NotNil(t, successor)

	assert.Equal(t, 2, successor.AttemptNumber)
	assert.Equal(t, timeoutAt, successor.ScheduledAt)
	assert.Equal(t, dose, successor.DoseTime, "successors keep the original dose instant")
	assert.Equal(t, StateActive, successor.State)

	original, err := store.GetAlert(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, StateUnconfirmedEscalated, original.State)

	front, ok := queue.PeekFront()
	require.True(t, ok)
	assert.Equal(t, successor.ID, front.ID, "the escalated alert jumps the backlog")
	assert.Equal(t, 2, queue.Len())
}

func TestEngine_TimeoutAtAttemptCapEndsUnconfirmed(t *testing.T) {
	engine, store, recorder := setupTestEngine(t)
	dose := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	alert := newDoseAlert(dose)
	alert.AttemptNumber = 3
	require.NoError(t, store.SaveAlert(alert))

	queue := NewQueue()
	queue.PushBack(Entry{ID: alert.ID, Kind: KindAlert})

	successor, err := engine.Timeout(alert.ID, queue, dose.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, successor)
	assert.Equal(t, 0, queue.Len())

	current, err := store.GetAlert(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, StateUnconfirmed, current.State)
	assert.Equal(t, 0, recorder.confirmed)
}

func TestEngine_EscalationChainStopsAtThreeAttempts(t *testing.T) {
	engine, store, _ := setupTestEngine(t)
	dose := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	alert := newDoseAlert(dose)
	require.NoError(t, store.SaveAlert(alert))

	queue := NewQueue()
	queue.PushBack(Entry{ID: alert.ID, Kind: KindAlert})

	current := alert
	now := dose
	for attempt := 1; attempt < 3; attempt++ {
		now = current.EscalationDeadline()
		successor, err := engine.Timeout(current.ID, queue, now)
		require.NoError(t, err)
		require.NotNil(t, successor)
		assert.Equal(t, attempt+1, successor.AttemptNumber)
		current = successor
	}

	successor, err := engine.Timeout(current.ID, queue, current.EscalationDeadline())
	require.NoError(t, err)
	assert.Nil(t, successor, "attempt three never escalates")
	assert.Equal(t, 0, queue.Len())

	final, err := store.GetAlert(current.ID)
	require.NoError(t, err)
	assert.Equal(t, StateUnconfirmed, final.State)
}

func TestEngine_TimeoutAfterConfirmationRejected(t *testing.T) {
	engine, store, _ := setupTestEngine(t)
	dose := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	alert := newDoseAlert(dose)
	require.NoError(t, store.SaveAlert(alert))

	_, err := engine.ConfirmTaken(alert.ID, dose.Add(time.Minute))
	require.NoError(t, err)

	_, err = engine.Timeout(alert.ID, NewQueue(), dose.Add(time.Hour))
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestEngine_EscalatedSuccessorStillConfirmable(t *testing.T) {
	engine, store, recorder := setupTestEngine(t)
	dose := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	alert := newDoseAlert(dose)
	require.NoError(t, store.SaveAlert(alert))

	queue := NewQueue()
	queue.PushBack(Entry{ID: alert.ID, Kind: KindAlert})

	successor, err := engine.Timeout(alert.ID, queue, dose.Add(15*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, successor)

	// Timing tiers measure from the original dose, so a confirmation on
	// the second attempt lands in a late tier.
	confirmed, err := engine.ConfirmTaken(successor.ID, dose.Add(20*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StateConfirmedTakenLate, confirmed.State)
	assert.Equal(t, 1, recorder.confirmed)
}

func TestEngine_SendReminder(t *testing.T) {
	engine, store, _ := setupTestEngine(t)

	reminder := &Reminder{
		TreatmentID: "treatment-1",
		Message:     "Upcoming dose: Topiramate 50mg",
		ScheduledAt: time.Date(2026, 3, 1, 7, 30, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveReminder(reminder))

	sent, err := engine.SendReminder(reminder.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSent, sent.State)

	// Sending again is an idempotent no-op.
	again, err := engine.SendReminder(reminder.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSent, again.State)
}

func TestEngine_SendVoidedReminderRejected(t *testing.T) {
	engine, store, _ := setupTestEngine(t)

	reminder := &Reminder{
		TreatmentID: "treatment-1",
		Message:     "Upcoming dose",
		ScheduledAt: time.Date(2026, 3, 1, 7, 30, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveReminder(reminder))

	_, err := store.VoidPending("treatment-1")
	require.NoError(t, err)

	_, err = engine.SendReminder(reminder.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestStore_TransitionAlertIsConditional(t *testing.T) {
	store := setupTestStore(t)
	dose := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	alert := newDoseAlert(dose)
	require.NoError(t, store.SaveAlert(alert))

	ok, err := store.TransitionAlert(alert.ID, StateActive, StateUnconfirmedEscalated)
	require.NoError(t, err)
	assert.True(t, ok)

	// The alert is no longer ACTIVE, so a competing transition loses.
	ok, err = store.TransitionAlert(alert.ID, StateActive, StateConfirmedTaken)
	require.NoError(t, err)
	assert.False(t, ok)

	current, err := store.GetAlert(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, StateUnconfirmedEscalated, current.State)
}

func TestEngine_VoidTreatmentStopsEscalation(t *testing.T) {
	engine, store, recorder := setupTestEngine(t)
	dose := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	alert := newDoseAlert(dose)
	require.NoError(t, store.SaveAlert(alert))

	queue := NewQueue()
	queue.PushBack(Entry{ID: alert.ID, Kind: KindAlert})

	voided, err := engine.VoidTreatment("treatment-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), voided)

	successor, err := engine.Timeout(alert.ID, queue, dose.Add(time.Hour))
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	assert.Nil(t, successor)

	_, err = engine.ConfirmTaken(alert.ID, dose.Add(time.Minute))
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	assert.Equal(t, 0, recorder.confirmed)

	current, err := store.GetAlert(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, StateVoided, current.State)
}

func TestEngine_TimeoutKeepsQueueDepthGaugeCurrent(t *testing.T) {
	store := setupTestStore(t)
	recorder := &recorderStub{}
	logger, _ := zap.NewDevelopment()
	m := metrics.New(prometheus.NewRegistry())
	engine := NewEngine(store, recorder, logger, m, 3)

	dose := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	alert := newDoseAlert(dose)
	require.NoError(t, store.SaveAlert(alert))

	queue := NewQueue()
	queue.PushBack(Entry{ID: alert.ID, Kind: KindAlert})

	_, err := engine.Timeout(alert.ID, queue, dose.Add(15*time.Minute))
	require.NoError(t, err)

	depth := testutil.ToFloat64(m.QueueDepth.WithLabelValues("treatment-1"))
	assert.Equal(t, float64(queue.Len()), depth)
}

func TestStore_VoidPendingSkipsTerminalStates(t *testing.T) {
	engine, store, _ := setupTestEngine(t)
	dose := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	confirmedAlert := newDoseAlert(dose)
	require.NoError(t, store.SaveAlert(confirmedAlert))
	_, err := engine.ConfirmTaken(confirmedAlert.ID, dose.Add(time.Minute))
	require.NoError(t, err)

	pendingAlert := newDoseAlert(dose.Add(8 * time.Hour))
	require.NoError(t, store.SaveAlert(pendingAlert))

	voided, err := store.VoidPending("treatment-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), voided)

	kept, err := store.GetAlert(confirmedAlert.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmedTaken, kept.State)

	dropped, err := store.GetAlert(pendingAlert.ID)
	require.NoError(t, err)
	assert.Equal(t, StateVoided, dropped.State)
}
