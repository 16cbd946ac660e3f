package treatment

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/adherahq/adhera/internal/errors"
)

// Treatment is an active regimen of medications and recommendations
// for a patient. It is created active and becomes inactive exactly
// once, by cancellation or by regimen replacement.
type Treatment struct {
	ID        string `json:"id" gorm:"primaryKey"`
	PatientID string `json:"patient_id" gorm:"index"`

	StartDate time.Time `json:"start_date"`
	Active    bool      `json:"active" gorm:"index"`

	Medications []MedicationSchedule `json:"medications" gorm:"foreignKey:TreatmentID"`

	// Recommendations are free-text tags, serialized the same way the
	// medication times are elsewhere in the schema.
	Recommendations     []string `json:"recommendations" gorm:"-"`
	RecommendationsJSON string   `json:"-" gorm:"type:text"`

	// Compliance is derived by the adherence evaluator.
	Compliance         float64 `json:"compliance"`
	ComplianceCategory string  `json:"compliance_category,omitempty"`

	// CancellationReason is set only when the treatment is cancelled.
	CancellationReason string `json:"cancellation_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MedicationSchedule describes one medication's dosing. Immutable once
// created; owned by exactly one treatment.
type MedicationSchedule struct {
	ID          string `json:"id" gorm:"primaryKey"`
	TreatmentID string `json:"treatment_id" gorm:"index"`

	Name        string `json:"name"`
	Dose        string `json:"dose"`
	Description string `json:"description,omitempty"`

	// StartTime is the first dose of the day, "15:04" format.
	StartTime      string `json:"start_time"`
	FrequencyHours int    `json:"frequency_hours"`
	DurationDays   int    `json:"duration_days"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate rejects dosing fields that notification generation cannot
// expand. Schedules are immutable, so this runs once at creation.
func (m *MedicationSchedule) Validate() error {
	if m.Name == "" {
		return apperrors.New(apperrors.ErrInvalidSchedule.Code,
			"medication name is required", apperrors.ErrInvalidSchedule)
	}
	if _, err := time.Parse("15:04", m.StartTime); err != nil {
		return apperrors.New(apperrors.ErrInvalidSchedule.Code,
			fmt.Sprintf("invalid start time %q for medication %s", m.StartTime, m.Name),
			apperrors.ErrInvalidSchedule)
	}
	if m.FrequencyHours <= 0 {
		return apperrors.New(apperrors.ErrInvalidSchedule.Code,
			fmt.Sprintf("frequency must be positive for medication %s, got %d", m.Name, m.FrequencyHours),
			apperrors.ErrInvalidSchedule)
	}
	if m.DurationDays <= 0 {
		return apperrors.New(apperrors.ErrInvalidSchedule.Code,
			fmt.Sprintf("duration must be positive for medication %s, got %d", m.Name, m.DurationDays),
			apperrors.ErrInvalidSchedule)
	}
	return nil
}

// CoversDate reports whether forDate falls inside the medication's
// validity window [start, start+durationDays).
func (m *MedicationSchedule) CoversDate(treatmentStart, forDate time.Time) bool {
	start := dateOf(treatmentStart)
	day := dateOf(forDate)
	end := start.AddDate(0, 0, m.DurationDays)
	return !day.Before(start) && day.Before(end)
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// AdherenceRecord accumulates confirmation outcomes per treatment.
// Expected doses are counted when first-attempt alerts are generated;
// confirmed doses when an alert reaches a confirmed-taken state of any
// timing tier.
type AdherenceRecord struct {
	TreatmentID    string `json:"treatment_id" gorm:"primaryKey"`
	ExpectedDoses  int    `json:"expected_doses"`
	ConfirmedDoses int    `json:"confirmed_doses"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (t *Treatment) marshalRecommendations() {
	if len(t.Recommendations) == 0 {
		t.RecommendationsJSON = ""
		return
	}
	data, _ := json.Marshal(t.Recommendations)
	t.RecommendationsJSON = string(data)
}

func (t *Treatment) unmarshalRecommendations() {
	t.Recommendations = nil
	if t.RecommendationsJSON == "" {
		return
	}
	_ = json.Unmarshal([]byte(t.RecommendationsJSON), &t.Recommendations)
}
