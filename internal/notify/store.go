package notify

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Store persists alerts and reminders. It is the system of record for
// notification state; queues only hold references.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Alert{}, &Reminder{}); err != nil {
		return nil, fmt.Errorf("failed to migrate notification schemas: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveAlert creates or updates an alert.
func (s *Store) SaveAlert(alert *Alert) error {
	now := time.Now()
	if alert.ID == "" {
		alert.ID = uuid.NewString()
		alert.CreatedAt = now
	}
	if alert.State == "" {
		alert.State = StateActive
	}
	alert.UpdatedAt = now
	return s.db.Save(alert).Error
}

// SaveReminder creates or updates a reminder.
func (s *Store) SaveReminder(reminder *Reminder) error {
	now := time.Now()
	if reminder.ID == "" {
		reminder.ID = uuid.NewString()
		reminder.CreatedAt = now
	}
	if reminder.State == "" {
		reminder.State = StateActive
	}
	reminder.UpdatedAt = now
	return s.db.Save(reminder).Error
}

// TransitionAlert moves an alert to a new state only while it still
// holds the expected one. Returns false when another actor won the
// race; the caller must not apply any side effects in that case.
func (s *Store) TransitionAlert(alertID string, from, to State) (bool, error) {
	res := s.db.Model(&Alert{}).
		Where("id = ? AND state = ?", alertID, from).
		Updates(map[string]interface{}{"state": to, "updated_at": time.Now()})
	return res.RowsAffected > 0, res.Error
}

// TransitionReminder is the reminder counterpart of TransitionAlert.
func (s *Store) TransitionReminder(reminderID string, from, to State) (bool, error) {
	res := s.db.Model(&Reminder{}).
		Where("id = ? AND state = ?", reminderID, from).
		Updates(map[string]interface{}{"state": to, "updated_at": time.Now()})
	return res.RowsAffected > 0, res.Error
}

// GetAlert retrieves an alert by ID. Returns nil when absent.
func (s *Store) GetAlert(alertID string) (*Alert, error) {
	var alert Alert
	err := s.db.Where("id = ?", alertID).First(&alert).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &alert, err
}

// GetReminder retrieves a reminder by ID. Returns nil when absent.
func (s *Store) GetReminder(reminderID string) (*Reminder, error) {
	var reminder Reminder
	err := s.db.Where("id = ?", reminderID).First(&reminder).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &reminder, err
}

// PendingAlerts lists a treatment's outstanding alerts.
func (s *Store) PendingAlerts(treatmentID string) ([]Alert, error) {
	var alerts []Alert
	err := s.db.Where("treatment_id = ? AND state = ?", treatmentID, StateActive).
		Order("scheduled_at ASC").Find(&alerts).Error
	return alerts, err
}

// AlertsDueForEscalation returns outstanding alerts whose wait window
// has elapsed at the given instant.
func (s *Store) AlertsDueForEscalation(now time.Time) ([]Alert, error) {
	var candidates []Alert
	err := s.db.Where("state = ? AND scheduled_at <= ?", StateActive, now).
		Order("scheduled_at ASC").Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	// The wait is per-alert, so the final cut happens here.
	due := candidates[:0]
	for _, a := range candidates {
		if !now.Before(a.EscalationDeadline()) {
			due = append(due, a)
		}
	}
	return due, nil
}

// AlertExistsForDose reports whether a first-attempt alert was already
// generated for the given medication dose instant. Callers use it to
// de-duplicate repeated generation for the same date.
func (s *Store) AlertExistsForDose(medicationID string, doseTime time.Time) (bool, error) {
	var count int64
	err := s.db.Model(&Alert{}).
		Where("medication_id = ? AND dose_time = ? AND attempt_number = 1", medicationID, doseTime).
		Count(&count).Error
	return count > 0, err
}

// VoidPending moves every outstanding notification of a treatment to
// VOIDED so it can never escalate or send again.
func (s *Store) VoidPending(treatmentID string) (int64, error) {
	now := time.Now()

	alerts := s.db.Model(&Alert{}).
		Where("treatment_id = ? AND state = ?", treatmentID, StateActive).
		Updates(map[string]interface{}{"state": StateVoided, "updated_at": now})
	if alerts.Error != nil {
		return 0, alerts.Error
	}

	reminders := s.db.Model(&Reminder{}).
		Where("treatment_id = ? AND state = ?", treatmentID, StateActive).
		Updates(map[string]interface{}{"state": StateVoided, "updated_at": now})
	if reminders.Error != nil {
		return alerts.RowsAffected, reminders.Error
	}

	return alerts.RowsAffected + reminders.RowsAffected, nil
}
