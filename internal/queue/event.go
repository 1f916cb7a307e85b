// Package queue defines the notification events emitted on booking status
// changes and carries them over a RabbitMQ topic exchange.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// Event types double as routing keys on the notification exchange.
const (
	EventBookingCreated   = "booking.created"
	EventBookingConfirmed = "booking.confirmed"
	EventBookingCanceled  = "booking.canceled"
	EventBookingExpired   = "booking.expired"
	EventPaymentLate      = "payment.late"
)

// Event is a fire-and-forget message for the user who owns a booking. It
// contains enough for a downstream fan-out to render a notification without
// querying the primary database.
type Event struct {
	EventID    string    `json:"event_id"`
	Type       string    `json:"type"`
	UserID     uint64    `json:"user_id"`
	BookingID  uint64    `json:"booking_id"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewEvent stamps a fresh event id and the current time.
func NewEvent(typ string, userID, bookingID uint64, status, message string) Event {
	return Event{
		EventID:    uuid.NewString(),
		Type:       typ,
		UserID:     userID,
		BookingID:  bookingID,
		Status:     status,
		Message:    message,
		OccurredAt: time.Now().UTC(),
	}
}
