package treatment

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	apperrors "github.com/adherahq/adhera/internal/errors"
)

// Store handles treatment and adherence persistence.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Treatment{}, &MedicationSchedule{}, &AdherenceRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate treatment schemas: %w", err)
	}
	return &Store{db: db}, nil
}

// CreateTreatment persists a new active treatment with its medications
// and an empty adherence record.
func (s *Store) CreateTreatment(t *Treatment) error {
	for i := range t.Medications {
		if err := t.Medications[i].Validate(); err != nil {
			return err
		}
	}

	now := time.Now()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Active = true
	t.CreatedAt = now
	t.UpdatedAt = now
	for i := range t.Medications {
		if t.Medications[i].ID == "" {
			t.Medications[i].ID = uuid.NewString()
		}
		t.Medications[i].TreatmentID = t.ID
		t.Medications[i].CreatedAt = now
	}
	t.marshalRecommendations()

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(t).Error; err != nil {
			return err
		}
		record := &AdherenceRecord{TreatmentID: t.ID, UpdatedAt: now}
		return tx.Create(record).Error
	})
}

// GetTreatment retrieves a treatment with its medications. Returns nil
// when absent.
func (s *Store) GetTreatment(treatmentID string) (*Treatment, error) {
	var t Treatment
	err := s.db.Preload("Medications").Where("id = ?", treatmentID).First(&t).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.unmarshalRecommendations()
	return &t, nil
}

// ListActiveTreatments returns every active treatment with medications.
func (s *Store) ListActiveTreatments() ([]Treatment, error) {
	var treatments []Treatment
	err := s.db.Preload("Medications").Where("active = ?", true).Find(&treatments).Error
	if err != nil {
		return nil, err
	}
	for i := range treatments {
		treatments[i].unmarshalRecommendations()
	}
	return treatments, nil
}

// SaveTreatment updates an existing treatment.
func (s *Store) SaveTreatment(t *Treatment) error {
	t.UpdatedAt = time.Now()
	t.marshalRecommendations()
	return s.db.Save(t).Error
}

// CancelTreatment deactivates a treatment. The reason is mandatory and
// a treatment can only be deactivated once.
func (s *Store) CancelTreatment(treatmentID, reason string) (*Treatment, error) {
	if reason == "" {
		return nil, apperrors.ErrCancelReasonNeeded
	}

	t, err := s.GetTreatment(treatmentID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, apperrors.ErrTreatmentNotFound
	}
	if !t.Active {
		return nil, apperrors.ErrTreatmentInactive
	}

	t.Active = false
	t.CancellationReason = reason
	if err := s.SaveTreatment(t); err != nil {
		return nil, err
	}
	return t, nil
}

// ReplaceTreatment deactivates the original and creates a successor
// with the new regimen. The successor starts a fresh notification
// history and adherence record.
func (s *Store) ReplaceTreatment(treatmentID string, medications []MedicationSchedule, recommendations []string) (*Treatment, error) {
	old, err := s.GetTreatment(treatmentID)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, apperrors.ErrTreatmentNotFound
	}
	if !old.Active {
		return nil, apperrors.ErrTreatmentInactive
	}

	old.Active = false
	if err := s.SaveTreatment(old); err != nil {
		return nil, err
	}

	successor := &Treatment{
		PatientID:       old.PatientID,
		StartDate:       old.StartDate,
		Medications:     medications,
		Recommendations: recommendations,
	}
	if err := s.CreateTreatment(successor); err != nil {
		return nil, err
	}
	return successor, nil
}

// GetAdherence returns a treatment's adherence record. Returns nil
// when absent.
func (s *Store) GetAdherence(treatmentID string) (*AdherenceRecord, error) {
	var record AdherenceRecord
	err := s.db.Where("treatment_id = ?", treatmentID).First(&record).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &record, err
}

// AddExpectedDoses atomically increments the expected-dose count.
func (s *Store) AddExpectedDoses(treatmentID string, n int) error {
	return s.db.Model(&AdherenceRecord{}).Where("treatment_id = ?", treatmentID).
		Updates(map[string]interface{}{
			"expected_doses": gorm.Expr("expected_doses + ?", n),
			"updated_at":     time.Now(),
		}).Error
}

// RecordConfirmed atomically increments the confirmed-dose count.
// Confirmation and timeout events may race; the increment is a single
// read-modify-write inside the database.
func (s *Store) RecordConfirmed(treatmentID string, n int) error {
	return s.db.Model(&AdherenceRecord{}).Where("treatment_id = ?", treatmentID).
		Updates(map[string]interface{}{
			"confirmed_doses": gorm.Expr("confirmed_doses + ?", n),
			"updated_at":      time.Now(),
		}).Error
}

// SetCompliance stores the evaluator's derived percentage and category.
func (s *Store) SetCompliance(treatmentID string, percentage float64, category string) error {
	return s.db.Model(&Treatment{}).Where("id = ?", treatmentID).
		Updates(map[string]interface{}{
			"compliance":          percentage,
			"compliance_category": category,
			"updated_at":          time.Now(),
		}).Error
}
