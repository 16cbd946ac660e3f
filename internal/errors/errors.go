package errors

import "fmt"

type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(code, message string, cause ...error) *AppError {
	var c error
	if len(cause) > 0 {
		c = cause[0]
	}
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   c,
	}
}

var (
	ErrConfigInvalid     = &AppError{Code: "CONFIG_001", Message: "invalid configuration"}
	ErrInvalidThresholds = &AppError{Code: "CONFIG_002", Message: "low threshold must be strictly below high threshold"}

	ErrInvalidTransition = &AppError{Code: "NOTIFY_001", Message: "notification is already in a terminal state"}
	ErrAlertNotFound     = &AppError{Code: "NOTIFY_002", Message: "alert not found"}
	ErrReminderNotFound  = &AppError{Code: "NOTIFY_003", Message: "reminder not found"}
	ErrQueueEmpty        = &AppError{Code: "NOTIFY_004", Message: "notification queue is empty"}

	ErrTreatmentNotFound  = &AppError{Code: "TREAT_001", Message: "treatment not found"}
	ErrTreatmentInactive  = &AppError{Code: "TREAT_002", Message: "treatment is not active"}
	ErrCancelReasonNeeded = &AppError{Code: "TREAT_003", Message: "cancellation reason is required"}
	ErrInvalidSchedule    = &AppError{Code: "TREAT_004", Message: "invalid medication schedule"}

	ErrScheduleGeneration = &AppError{Code: "SCHED_001", Message: "notification generation failed"}

	ErrUnauthorized = &AppError{Code: "AUTH_001", Message: "unauthorized"}

	ErrNotFound   = &AppError{Code: "GEN_001", Message: "resource not found"}
	ErrBadRequest = &AppError{Code: "GEN_002", Message: "bad request"}
	ErrInternal   = &AppError{Code: "GEN_003", Message: "internal error"}
)

func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

func GetCode(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return "UNKNOWN"
}

func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}
