package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	apperrors "github.com/adherahq/adhera/internal/errors"
	"github.com/adherahq/adhera/internal/notify"
	"github.com/adherahq/adhera/internal/treatment"
)

type createTreatmentRequest struct {
	PatientID       string                         `json:"patient_id"`
	StartDate       string                         `json:"start_date"`
	Medications     []treatment.MedicationSchedule `json:"medications"`
	Recommendations []string                       `json:"recommendations"`
}

func (s *Server) handleCreateTreatment(c *fiber.Ctx) error {
	var req createTreatmentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.PatientID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "patient_id is required"})
	}
	if len(req.Medications) == 0 {
		return c.Status(400).JSON(fiber.Map{"error": "at least one medication is required"})
	}

	startDate := s.clock.Now()
	if req.StartDate != "" {
		parsed, err := parseDate(req.StartDate)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid start_date"})
		}
		startDate = parsed
	}

	t := &treatment.Treatment{
		PatientID:       req.PatientID,
		StartDate:       startDate,
		Medications:     req.Medications,
		Recommendations: req.Recommendations,
	}
	if err := s.treatments.CreateTreatment(t); err != nil {
		return s.respondError(c, err)
	}

	return c.Status(201).JSON(t)
}

func (s *Server) handleGetTreatment(c *fiber.Ctx) error {
	t, err := s.treatments.GetTreatment(c.Params("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	if t == nil {
		return c.Status(404).JSON(fiber.Map{"error": "treatment not found"})
	}
	return c.JSON(t)
}

func (s *Server) handleCancelTreatment(c *fiber.Ctx) error {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	t, err := s.service.Cancel(c.Params("id"), req.Reason)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(t)
}

func (s *Server) handleReplaceTreatment(c *fiber.Ctx) error {
	var req struct {
		Medications     []treatment.MedicationSchedule `json:"medications"`
		Recommendations []string                       `json:"recommendations"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if len(req.Medications) == 0 {
		return c.Status(400).JSON(fiber.Map{"error": "at least one medication is required"})
	}

	successor, err := s.service.Replace(c.Params("id"), req.Medications, req.Recommendations)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.Status(201).JSON(successor)
}

func (s *Server) handleGenerate(c *fiber.Ctx) error {
	var req struct {
		Date string `json:"date"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	forDate := s.clock.Now()
	if req.Date != "" {
		parsed, err := parseDate(req.Date)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid date"})
		}
		forDate = parsed
	}

	t, err := s.treatments.GetTreatment(c.Params("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	if t == nil {
		return c.Status(404).JSON(fiber.Map{"error": "treatment not found"})
	}

	generated, err := s.generator.GenerateNotifications(t, forDate)
	if err != nil {
		return s.respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"treatment_id":  t.ID,
		"date":          forDate.Format("2006-01-02"),
		"generated":     len(generated),
		"notifications": generated,
	})
}

func (s *Server) handleQueueSnapshot(c *fiber.Ctx) error {
	t, err := s.treatments.GetTreatment(c.Params("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	if t == nil {
		return c.Status(404).JSON(fiber.Map{"error": "treatment not found"})
	}

	queue := s.queues.ForTreatment(t.ID)
	entries := queue.List()
	if entries == nil {
		entries = []notify.Entry{}
	}
	return c.JSON(fiber.Map{
		"treatment_id": t.ID,
		"depth":        len(entries),
		"entries":      entries,
	})
}

// handleQueuePop hands the next pending notification to a delivery
// channel. Callers are responsible for honoring scheduled_at before
// transmitting.
func (s *Server) handleQueuePop(c *fiber.Ctx) error {
	t, err := s.treatments.GetTreatment(c.Params("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	if t == nil {
		return c.Status(404).JSON(fiber.Map{"error": "treatment not found"})
	}

	queue := s.queues.ForTreatment(t.ID)
	entry, ok := queue.PopFront()
	if !ok {
		return s.respondError(c, apperrors.ErrQueueEmpty)
	}
	s.metrics.QueueDepth.WithLabelValues(t.ID).Set(float64(queue.Len()))

	var notification notify.Notification
	switch entry.Kind {
	case notify.KindAlert:
		alert, err := s.store.GetAlert(entry.ID)
		if err != nil {
			return s.respondError(c, err)
		}
		notification = alert
	default:
		reminder, err := s.store.GetReminder(entry.ID)
		if err != nil {
			return s.respondError(c, err)
		}
		notification = reminder
	}

	return c.JSON(fiber.Map{
		"entry":        entry,
		"notification": notification,
	})
}

func (s *Server) handleAdherence(c *fiber.Ctx) error {
	record, err := s.treatments.GetAdherence(c.Params("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	if record == nil {
		return c.Status(404).JSON(fiber.Map{"error": "treatment not found"})
	}

	result := s.evaluator.Evaluate(record)

	// The decision stays advisory; only the derived compliance figures
	// are written back to the treatment.
	if err := s.treatments.SetCompliance(record.TreatmentID, result.Percentage, result.Category); err != nil {
		return s.respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"treatment_id":    record.TreatmentID,
		"expected_doses":  record.ExpectedDoses,
		"confirmed_doses": record.ConfirmedDoses,
		"percentage":      result.Percentage,
		"category":        result.Category,
		"decision":        result.Decision,
	})
}

func (s *Server) handleConfirmAlert(c *fiber.Ctx) error {
	var req struct {
		Taken       bool   `json:"taken"`
		ConfirmedAt string `json:"confirmed_at"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	var (
		alert *notify.Alert
		err   error
	)
	if req.Taken {
		confirmedAt := s.clock.Now()
		if req.ConfirmedAt != "" {
			parsed, perr := time.Parse(time.RFC3339, req.ConfirmedAt)
			if perr != nil {
				return c.Status(400).JSON(fiber.Map{"error": "invalid confirmed_at"})
			}
			confirmedAt = parsed
		}
		alert, err = s.engine.ConfirmTaken(c.Params("id"), confirmedAt)
	} else {
		alert, err = s.engine.ConfirmNotTaken(c.Params("id"))
	}
	if err != nil {
		return s.respondError(c, err)
	}

	queue := s.queues.ForTreatment(alert.TreatmentID)
	queue.Remove(alert.ID)
	s.metrics.QueueDepth.WithLabelValues(alert.TreatmentID).Set(float64(queue.Len()))
	return c.JSON(alert)
}

func (s *Server) handleSweep(c *fiber.Ctx) error {
	if s.sweeper == nil {
		return c.Status(503).JSON(fiber.Map{"error": "sweeper not configured"})
	}
	s.sweeper.SweepTimeouts()
	return c.JSON(fiber.Map{"status": "swept"})
}

func (s *Server) handleSendReminder(c *fiber.Ctx) error {
	reminder, err := s.engine.SendReminder(c.Params("id"))
	if err != nil {
		return s.respondError(c, err)
	}

	queue := s.queues.ForTreatment(reminder.TreatmentID)
	queue.Remove(reminder.ID)
	s.metrics.QueueDepth.WithLabelValues(reminder.TreatmentID).Set(float64(queue.Len()))
	return c.JSON(reminder)
}

// respondError maps engine errors to HTTP status codes by error code.
func (s *Server) respondError(c *fiber.Ctx, err error) error {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		s.logger.Error("request failed", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}

	switch appErr.Code {
	case apperrors.ErrInvalidTransition.Code:
		return c.Status(409).JSON(fiber.Map{"error": appErr.Message})
	case apperrors.ErrAlertNotFound.Code,
		apperrors.ErrReminderNotFound.Code,
		apperrors.ErrTreatmentNotFound.Code,
		apperrors.ErrQueueEmpty.Code,
		apperrors.ErrNotFound.Code:
		return c.Status(404).JSON(fiber.Map{"error": appErr.Message})
	case apperrors.ErrTreatmentInactive.Code,
		apperrors.ErrCancelReasonNeeded.Code,
		apperrors.ErrInvalidSchedule.Code,
		apperrors.ErrScheduleGeneration.Code,
		apperrors.ErrBadRequest.Code:
		return c.Status(400).JSON(fiber.Map{"error": appErr.Message})
	case apperrors.ErrUnauthorized.Code:
		return c.Status(401).JSON(fiber.Map{"error": appErr.Message})
	default:
		s.logger.Error("request failed", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
}

func parseDate(value string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}
