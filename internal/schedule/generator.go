// Package schedule expands medication regimens into concrete
// notifications and hosts the wall-clock runner that drives the
// engine.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/adherahq/adhera/internal/config"
	apperrors "github.com/adherahq/adhera/internal/errors"
	"github.com/adherahq/adhera/internal/metrics"
	"github.com/adherahq/adhera/internal/notify"
	"github.com/adherahq/adhera/internal/treatment"
)

// Generator turns a treatment's regimen into reminders and alerts for
// a given day and enqueues them. It does not de-duplicate across
// repeated calls for the same date by itself; dose alerts are guarded
// by a (medication, dose instant) existence check in the store.
type Generator struct {
	cfg        config.EngineConfig
	store      *notify.Store
	treatments *treatment.Store
	queues     *notify.Registry
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func NewGenerator(cfg config.EngineConfig, store *notify.Store, treatments *treatment.Store, queues *notify.Registry, logger *zap.Logger, m *metrics.Metrics) *Generator {
	return &Generator{
		cfg:        cfg,
		store:      store,
		treatments: treatments,
		queues:     queues,
		logger:     logger,
		metrics:    m,
	}
}

// GenerateNotifications produces the day's notifications for a
// treatment: one reminder ahead of each dose, one first-attempt alert
// at the dose instant, and one reminder per recommendation tag at the
// fixed daily hour. A date outside every medication's validity window
// yields an empty list, not an error.
func (g *Generator) GenerateNotifications(t *treatment.Treatment, forDate time.Time) ([]notify.Notification, error) {
	if t == nil {
		return nil, apperrors.ErrTreatmentNotFound
	}
	if !t.Active {
		return nil, apperrors.New(apperrors.ErrScheduleGeneration.Code,
			"cannot generate notifications for an inactive treatment",
			apperrors.ErrTreatmentInactive)
	}

	queue := g.queues.ForTreatment(t.ID)
	lead := time.Duration(g.cfg.ReminderLeadMinutes) * time.Minute

	// Expand every medication before persisting anything, so an invalid
	// schedule cannot leave a partial day behind.
	type medPlan struct {
		med      *treatment.MedicationSchedule
		instants []time.Time
	}
	var plans []medPlan
	for i := range t.Medications {
		med := &t.Medications[i]
		if !med.CoversDate(t.StartDate, forDate) {
			continue
		}

		instants, err := doseInstants(med, forDate)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrScheduleGeneration.Code,
				fmt.Sprintf("invalid schedule for medication %s", med.Name))
		}
		plans = append(plans, medPlan{med: med, instants: instants})
	}

	var generated []notify.Notification
	newDoses := 0

	for _, plan := range plans {
		med := plan.med
		for _, instant := range plan.instants {
			exists, err := g.store.AlertExistsForDose(med.ID, instant)
			if err != nil {
				return nil, err
			}
			if exists {
				continue
			}

			reminder := &notify.Reminder{
				TreatmentID: t.ID,
				Message:     fmt.Sprintf("Upcoming dose: %s %s", med.Name, med.Dose),
				ScheduledAt: instant.Add(-lead),
			}
			if err := g.store.SaveReminder(reminder); err != nil {
				return nil, err
			}

			alert := &notify.Alert{
				TreatmentID:               t.ID,
				MedicationID:              med.ID,
				Message:                   fmt.Sprintf("Time to take %s %s", med.Name, med.Dose),
				ScheduledAt:               instant,
				DoseTime:                  instant,
				AttemptNumber:             1,
				ConfirmationWindowMinutes: g.cfg.ConfirmationWindowMinutes,
				EscalationWaitMinutes:     g.cfg.EscalationWaitMinutes,
			}
			if err := g.store.SaveAlert(alert); err != nil {
				return nil, err
			}

			// First attempts are not urgent; both go to the back.
			queue.PushBack(notify.Entry{ID: reminder.ID, Kind: notify.KindReminder})
			queue.PushBack(notify.Entry{ID: alert.ID, Kind: notify.KindAlert})

			generated = append(generated, reminder, alert)
			newDoses++

			g.metrics.NotificationsGenerated.WithLabelValues(string(notify.KindReminder)).Inc()
			g.metrics.NotificationsGenerated.WithLabelValues(string(notify.KindAlert)).Inc()
		}
	}

	day := time.Date(forDate.Year(), forDate.Month(), forDate.Day(), g.cfg.RecommendationHour, 0, 0, 0, forDate.Location())
	for _, tag := range t.Recommendations {
		reminder := &notify.Reminder{
			TreatmentID: t.ID,
			Message:     tag,
			ScheduledAt: day,
		}
		if err := g.store.SaveReminder(reminder); err != nil {
			return nil, err
		}
		queue.PushBack(notify.Entry{ID: reminder.ID, Kind: notify.KindReminder})
		generated = append(generated, reminder)
		g.metrics.NotificationsGenerated.WithLabelValues(string(notify.KindReminder)).Inc()
	}

	if newDoses > 0 {
		if err := g.treatments.AddExpectedDoses(t.ID, newDoses); err != nil {
			return nil, err
		}
	}

	g.metrics.QueueDepth.WithLabelValues(t.ID).Set(float64(queue.Len()))
	g.logger.Info("Notifications generated",
		zap.String("treatment_id", t.ID),
		zap.Time("for_date", forDate),
		zap.Int("doses", newDoses),
		zap.Int("notifications", len(generated)),
	)

	return generated, nil
}

// doseInstants lists a medication's dose times on forDate, starting at
// the configured start time and stepping by the frequency. A dose
// landing exactly on the following midnight still belongs to forDate.
func doseInstants(med *treatment.MedicationSchedule, forDate time.Time) ([]time.Time, error) {
	hour, minute, err := parseTimeOfDay(med.StartTime)
	if err != nil {
		return nil, err
	}
	if med.FrequencyHours <= 0 {
		return nil, fmt.Errorf("frequency must be positive, got %d", med.FrequencyHours)
	}

	dayStart := time.Date(forDate.Year(), forDate.Month(), forDate.Day(), 0, 0, 0, 0, forDate.Location())
	offset := time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute
	step := time.Duration(med.FrequencyHours) * time.Hour

	var instants []time.Time
	for ; offset <= 24*time.Hour; offset += step {
		instants = append(instants, dayStart.Add(offset))
	}
	return instants, nil
}

func parseTimeOfDay(value string) (int, int, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time of day %q", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", value)
	}
	return hour, minute, nil
}
