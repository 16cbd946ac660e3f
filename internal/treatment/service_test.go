package treatment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	apperrors "github.com/adherahq/adhera/internal/errors"
	"github.com/adherahq/adhera/internal/metrics"
	"github.com/adherahq/adhera/internal/notify"
)

func setupService(t *testing.T) (*Service, *Store, *notify.Store, *notify.Registry) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	store, err := NewStore(db)
	require.NoError(t, err)
	notifyStore, err := notify.NewStore(db)
	require.NoError(t, err)

	queues := notify.NewRegistry()
	logger, _ := zap.NewDevelopment()
	m := metrics.NewNop()

	engine := notify.NewEngine(notifyStore, store, logger, m, 3)
	svc := NewService(store, engine, queues, logger, m)
	return svc, store, notifyStore, queues
}

func newMigraineTreatment() *Treatment {
	return &Treatment{
		PatientID: "patient-1",
		StartDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Medications: []MedicationSchedule{{
			Name:           "Topiramate",
			Dose:           "50mg",
			StartTime:      "08:00",
			FrequencyHours: 12,
			DurationDays:   30,
		}},
		Recommendations: []string{"Avoid caffeine"},
	}
}

func TestStore_CreateAndGetTreatment(t *testing.T) {
	_, store, _, _ := setupService(t)

	tr := newMigraineTreatment()
	require.NoError(t, store.CreateTreatment(tr))
	assert.NotEmpty(t, tr.ID)
	assert.True(t, tr.Active)

	retrieved, err := store.GetTreatment(tr.ID)
	require.NoError(t, err)
	require.NotNil(t, retrieved)
	assert.Equal(t, tr.PatientID, retrieved.PatientID)
	require.Len(t, retrieved.Medications, 1)
	assert.Equal(t, "Topiramate", retrieved.Medications[0].Name)
	assert.Equal(t, []string{"Avoid caffeine"}, retrieved.Recommendations)

	record, err := store.GetAdherence(tr.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, 0, record.ExpectedDoses)
	assert.Equal(t, 0, record.ConfirmedDoses)
}

func TestStore_GetMissingTreatmentReturnsNil(t *testing.T) {
	_, store, _, _ := setupService(t)

	retrieved, err := store.GetTreatment("missing")
	require.NoError(t, err)
	assert.Nil(t, retrieved)
}

func TestStore_CancelRequiresReason(t *testing.T) {
	_, store, _, _ := setupService(t)

	tr := newMigraineTreatment()
	require.NoError(t, store.CreateTreatment(tr))

	_, err := store.CancelTreatment(tr.ID, "")
	assert.ErrorIs(t, err, apperrors.ErrCancelReasonNeeded)

	current, err := store.GetTreatment(tr.ID)
	require.NoError(t, err)
	assert.True(t, current.Active)
}

func TestStore_CancelIsOneShot(t *testing.T) {
	_, store, _, _ := setupService(t)

	tr := newMigraineTreatment()
	require.NoError(t, store.CreateTreatment(tr))

	cancelled, err := store.CancelTreatment(tr.ID, "adverse reaction")
	require.NoError(t, err)
	assert.False(t, cancelled.Active)
	assert.Equal(t, "adverse reaction", cancelled.CancellationReason)

	_, err = store.CancelTreatment(tr.ID, "second try")
	assert.ErrorIs(t, err, apperrors.ErrTreatmentInactive)
}

func TestStore_AdherenceCountersAccumulate(t *testing.T) {
	_, store, _, _ := setupService(t)

	tr := newMigraineTreatment()
	require.NoError(t, store.CreateTreatment(tr))

	require.NoError(t, store.AddExpectedDoses(tr.ID, 3))
	require.NoError(t, store.AddExpectedDoses(tr.ID, 2))
	require.NoError(t, store.RecordConfirmed(tr.ID, 1))

	record, err := store.GetAdherence(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, record.ExpectedDoses)
	assert.Equal(t, 1, record.ConfirmedDoses)
}

func TestService_CancelVoidsPendingNotifications(t *testing.T) {
	svc, store, notifyStore, queues := setupService(t)

	tr := newMigraineTreatment()
	require.NoError(t, store.CreateTreatment(tr))

	dose := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	alert := &notify.Alert{
		TreatmentID:               tr.ID,
		MedicationID:              tr.Medications[0].ID,
		Message:                   "Time to take Topiramate 50mg",
		ScheduledAt:               dose,
		DoseTime:                  dose,
		AttemptNumber:             1,
		ConfirmationWindowMinutes: 15,
		EscalationWaitMinutes:     15,
	}
	require.NoError(t, notifyStore.SaveAlert(alert))
	queues.ForTreatment(tr.ID).PushBack(notify.Entry{ID: alert.ID, Kind: notify.KindAlert})

	cancelled, err := svc.Cancel(tr.ID, "patient request")
	require.NoError(t, err)
	assert.False(t, cancelled.Active)

	voided, err := notifyStore.GetAlert(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, notify.StateVoided, voided.State)
	assert.Equal(t, 0, queues.ForTreatment(tr.ID).Len())
}

func TestService_CancelledAlertCannotEscalate(t *testing.T) {
	svc, store, notifyStore, queues := setupService(t)

	tr := newMigraineTreatment()
	require.NoError(t, store.CreateTreatment(tr))

	dose := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	alert := &notify.Alert{
		TreatmentID:               tr.ID,
		MedicationID:              tr.Medications[0].ID,
		Message:                   "Time to take Topiramate 50mg",
		ScheduledAt:               dose,
		DoseTime:                  dose,
		AttemptNumber:             1,
		ConfirmationWindowMinutes: 15,
		EscalationWaitMinutes:     15,
	}
	require.NoError(t, notifyStore.SaveAlert(alert))

	logger, _ := zap.NewDevelopment()
	engine := notify.NewEngine(notifyStore, store, logger, metrics.NewNop(), 3)

	_, err := svc.Cancel(tr.ID, "patient request")
	require.NoError(t, err)

	// A sweep that queried the alert before the cancel landed must not
	// resurrect it: the void wins and no successor appears.
	queue := queues.ForTreatment(tr.ID)
	successor, err := engine.Timeout(alert.ID, queue, dose.Add(time.Hour))
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	assert.Nil(t, successor)
	assert.Equal(t, 0, queue.Len())

	current, err := notifyStore.GetAlert(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, notify.StateVoided, current.State)

	// Late confirmations are rejected too, so nothing counts toward
	// adherence after cancellation.
	_, err = engine.ConfirmTaken(alert.ID, dose.Add(time.Minute))
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	record, err := store.GetAdherence(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, record.ConfirmedDoses)
}

func TestStore_CreateTreatmentRejectsInvalidSchedule(t *testing.T) {
	_, store, _, _ := setupService(t)

	cases := []struct {
		name string
		med  MedicationSchedule
	}{
		{"bad start time", MedicationSchedule{Name: "Topiramate", Dose: "50mg", StartTime: "25:99", FrequencyHours: 8, DurationDays: 1}},
		{"zero frequency", MedicationSchedule{Name: "Topiramate", Dose: "50mg", StartTime: "08:00", FrequencyHours: 0, DurationDays: 1}},
		{"zero duration", MedicationSchedule{Name: "Topiramate", Dose: "50mg", StartTime: "08:00", FrequencyHours: 8, DurationDays: 0}},
		{"missing name", MedicationSchedule{Dose: "50mg", StartTime: "08:00", FrequencyHours: 8, DurationDays: 1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := &Treatment{
				PatientID:   "patient-1",
				StartDate:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
				Medications: []MedicationSchedule{tc.med},
			}
			err := store.CreateTreatment(tr)
			assert.ErrorIs(t, err, apperrors.ErrInvalidSchedule)
		})
	}
}

func TestService_ReplaceCreatesActiveSuccessor(t *testing.T) {
	svc, store, notifyStore, queues := setupService(t)

	tr := newMigraineTreatment()
	require.NoError(t, store.CreateTreatment(tr))

	dose := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	alert := &notify.Alert{
		TreatmentID:               tr.ID,
		MedicationID:              tr.Medications[0].ID,
		ScheduledAt:               dose,
		DoseTime:                  dose,
		AttemptNumber:             1,
		ConfirmationWindowMinutes: 15,
		EscalationWaitMinutes:     15,
	}
	require.NoError(t, notifyStore.SaveAlert(alert))
	queues.ForTreatment(tr.ID).PushBack(notify.Entry{ID: alert.ID, Kind: notify.KindAlert})

	successor, err := svc.Replace(tr.ID, []MedicationSchedule{{
		Name:           "Propranolol",
		Dose:           "40mg",
		StartTime:      "09:00",
		FrequencyHours: 24,
		DurationDays:   60,
	}}, []string{"Regular sleep schedule"})
	require.NoError(t, err)
	require.NotNil(t, successor)
	assert.NotEqual(t, tr.ID, successor.ID)
	assert.True(t, successor.Active)
	assert.Equal(t, tr.PatientID, successor.PatientID)

	original, err := store.GetTreatment(tr.ID)
	require.NoError(t, err)
	assert.False(t, original.Active)

	voided, err := notifyStore.GetAlert(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, notify.StateVoided, voided.State)
	assert.Equal(t, 0, queues.ForTreatment(tr.ID).Len())

	// The successor starts with a clean adherence slate.
	record, err := store.GetAdherence(successor.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, 0, record.ExpectedDoses)
	assert.Equal(t, 0, record.ConfirmedDoses)
}

func TestService_ReplaceInactiveRejected(t *testing.T) {
	svc, store, _, _ := setupService(t)

	tr := newMigraineTreatment()
	require.NoError(t, store.CreateTreatment(tr))
	_, err := store.CancelTreatment(tr.ID, "adverse reaction")
	require.NoError(t, err)

	_, err = svc.Replace(tr.ID, newMigraineTreatment().Medications, nil)
	assert.ErrorIs(t, err, apperrors.ErrTreatmentInactive)
}

func TestMedicationSchedule_CoversDate(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	med := &MedicationSchedule{DurationDays: 3}

	assert.True(t, med.CoversDate(start, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, med.CoversDate(start, time.Date(2026, 3, 3, 23, 0, 0, 0, time.UTC)))
	assert.False(t, med.CoversDate(start, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)))
	assert.False(t, med.CoversDate(start, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)))
}
