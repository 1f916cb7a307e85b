package service

import (
	"errors"
	"fmt"

	"github.com/iliyamo/pod-booking/internal/model"
)

var (
	// ErrInvalidInput wraps every request shape problem detected by a service.
	ErrInvalidInput = errors.New("invalid input")
	// ErrSlotUnavailable means at least one requested slot was reserved by
	// another booking first.
	ErrSlotUnavailable = errors.New("slot no longer available")
	// ErrPaymentRejected matches every GatewayError.
	ErrPaymentRejected = errors.New("payment request rejected")
	// ErrForbidden means the booking belongs to another user.
	ErrForbidden = errors.New("booking belongs to another user")
	// ErrInvalidTransition means the booking's status does not allow the
	// requested change.
	ErrInvalidTransition = errors.New("booking status does not allow this change")
)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// OverlapError reports the first candidate slot that collides with a
// persisted slot during generation.
type OverlapError struct {
	Kind      model.OverlapKind
	Candidate model.Interval
	Conflict  model.Slot
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("candidate [%s, %s) %s existing slot %d [%s, %s)",
		e.Candidate.Start.Format("2006-01-02 15:04"), e.Candidate.End.Format("15:04"),
		e.Kind, e.Conflict.ID,
		e.Conflict.StartTime.Format("2006-01-02 15:04"), e.Conflict.EndTime.Format("15:04"))
}

// GatewayError is returned when the payment gateway could not be reached or
// declined the payment request. Err is set for transport failures; Reason
// and Code are set for declines.
type GatewayError struct {
	Reason string
	Code   int
	Err    error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return "payment gateway unavailable: " + e.Err.Error()
	}
	return fmt.Sprintf("payment gateway rejected request (code %d): %s", e.Code, e.Reason)
}

func (e *GatewayError) Unwrap() error { return e.Err }

func (e *GatewayError) Is(target error) bool { return target == ErrPaymentRejected }
