package model

import "time"

// Booking statuses. Pending is the only state the lifecycle engine moves
// out of automatically; Ongoing and Complete are operator driven.
const (
	BookingPending   = "PENDING"
	BookingConfirmed = "CONFIRMED"
	BookingCanceled  = "CANCELED"
	BookingOngoing   = "ONGOING"
	BookingComplete  = "COMPLETE"
)

// Booking records a customer's reservation of one or more slots of a pod.
//
// Fields:
//  ID              – primary key identifier.
//  PodID           – pod being reserved.
//  UserID          – customer who made the booking.
//  Status          – PENDING, CONFIRMED, CANCELED, ONGOING or COMPLETE.
//  Rating          – optional 1..5 rating left after the visit.
//  Comment         – optional free text left with the rating.
//  SlotsReleasedAt – set once the booking's slots were handed back.
//  CreatedAt       – creation timestamp; the expiry clock starts here.
//  UpdatedAt       – last update timestamp.
type Booking struct {
	ID              uint64     // bookings.id
	PodID           uint64     // bookings.pod_id
	UserID          uint64     // bookings.user_id
	Status          string     // bookings.status
	Rating          *uint8     // bookings.rating (nullable)
	Comment         *string    // bookings.comment (nullable)
	SlotsReleasedAt *time.Time // bookings.slots_released_at (nullable)
	CreatedAt       time.Time  // bookings.created_at
	UpdatedAt       time.Time  // bookings.updated_at
}

// IsTerminal reports whether the lifecycle engine is done with the booking.
func (b Booking) IsTerminal() bool {
	switch b.Status {
	case BookingConfirmed, BookingCanceled, BookingOngoing, BookingComplete:
		return true
	}
	return false
}

// BookingSlot binds a booking to a slot. Price is copied from the slot at
// booking time so later price edits never rewrite history.
type BookingSlot struct {
	ID        uint64 // booking_slots.id
	BookingID uint64 // booking_slots.booking_id
	SlotID    uint64 // booking_slots.slot_id
	Price     int64  // booking_slots.price
}

// BookingPatch is a narrow update of a booking. Nil fields are left alone.
type BookingPatch struct {
	ID      uint64
	Status  *string
	Rating  *uint8
	Comment *string
}

// TotalCost sums the captured prices of the given booking slots.
func TotalCost(slots []BookingSlot) int64 {
	var total int64
	for _, s := range slots {
		total += s.Price
	}
	return total
}
