package notify

import (
	"time"
)

// State is the lifecycle state shared by both notification variants.
type State string

const (
	// StateActive is the initial state: the notification is outstanding.
	StateActive State = "ACTIVE"

	// StateSent terminates a reminder. Reminders never retry.
	StateSent State = "SENT"

	// Confirmation tiers, classified by elapsed time since the scheduled
	// dose time (not the alert's own fire time).
	StateConfirmedTaken         State = "CONFIRMED_TAKEN"
	StateConfirmedTakenLate     State = "CONFIRMED_TAKEN_LATE"
	StateConfirmedTakenVeryLate State = "CONFIRMED_TAKEN_VERY_LATE"

	// StateConfirmedNotTaken records an explicit patient decline.
	StateConfirmedNotTaken State = "CONFIRMED_NOT_TAKEN"

	// StateUnconfirmedEscalated marks an alert replaced by a successor
	// after its wait window elapsed. Distinct from an explicit decline.
	StateUnconfirmedEscalated State = "UNCONFIRMED_ESCALATED"

	// StateUnconfirmed marks a final-attempt alert that timed out with
	// no confirmation. No successor is created.
	StateUnconfirmed State = "UNCONFIRMED"

	// StateVoided marks notifications invalidated by treatment
	// cancellation or modification. Never re-escalated.
	StateVoided State = "VOIDED"
)

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	return s != StateActive
}

// Kind tags the two notification variants.
type Kind string

const (
	KindReminder Kind = "reminder"
	KindAlert    Kind = "alert"
)

// Notification is the contract shared by reminders and alerts.
type Notification interface {
	NotificationID() string
	NotificationKind() Kind
	Text() string
	FiresAt() time.Time
	CurrentState() State
}

// Reminder is a one-shot notification. Its only transition is
// ACTIVE -> SENT and it never affects adherence.
type Reminder struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	TreatmentID string    `json:"treatment_id" gorm:"index"`
	Message     string    `json:"message"`
	ScheduledAt time.Time `json:"scheduled_at" gorm:"index"`
	State       State     `json:"state" gorm:"index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *Reminder) NotificationID() string { return r.ID }
func (r *Reminder) NotificationKind() Kind { return KindReminder }
func (r *Reminder) Text() string           { return r.Message }
func (r *Reminder) FiresAt() time.Time     { return r.ScheduledAt }
func (r *Reminder) CurrentState() State    { return r.State }

// Alert is an escalating notification tied to a single medication dose.
type Alert struct {
	ID           string `json:"id" gorm:"primaryKey"`
	TreatmentID  string `json:"treatment_id" gorm:"index"`
	MedicationID string `json:"medication_id" gorm:"index"`

	Message     string    `json:"message"`
	ScheduledAt time.Time `json:"scheduled_at" gorm:"index"`

	// DoseTime is the scheduled dose instant confirmation timing is
	// measured against. Escalated successors keep the original value.
	DoseTime time.Time `json:"dose_time" gorm:"index"`

	AttemptNumber             int `json:"attempt_number"`
	ConfirmationWindowMinutes int `json:"confirmation_window_minutes"`
	EscalationWaitMinutes     int `json:"escalation_wait_minutes"`

	State State `json:"state" gorm:"index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (a *Alert) NotificationID() string { return a.ID }
func (a *Alert) NotificationKind() Kind { return KindAlert }
func (a *Alert) Text() string           { return a.Message }
func (a *Alert) FiresAt() time.Time     { return a.ScheduledAt }
func (a *Alert) CurrentState() State    { return a.State }

// EscalationDeadline is the instant after which an unconfirmed alert
// times out.
func (a *Alert) EscalationDeadline() time.Time {
	return a.ScheduledAt.Add(time.Duration(a.EscalationWaitMinutes) * time.Minute)
}

// ConfirmationWindow returns the on-time window measured from DoseTime.
func (a *Alert) ConfirmationWindow() time.Duration {
	return time.Duration(a.ConfirmationWindowMinutes) * time.Minute
}
