package model

import "time"

// Slot is a fixed-duration, priced, bookable interval of a pod's calendar.
// Slots are created in batches by the generator and afterwards only the
// availability flag changes, flipped by reserve/release in the slot store.
//
// Fields:
//  ID          – primary key identifier.
//  PodID       – pod (physical resource) the slot belongs to.
//  StartTime   – inclusive start of the slot (UTC).
//  EndTime     – exclusive end of the slot (UTC).
//  UnitPrice   – price of the slot in the smallest currency unit.
//  IsAvailable – false while a booking holds the slot.
//  CreatedAt   – creation timestamp.
type Slot struct {
	ID          uint64    // slots.id
	PodID       uint64    // slots.pod_id
	StartTime   time.Time // slots.start_time
	EndTime     time.Time // slots.end_time
	UnitPrice   int64     // slots.unit_price
	IsAvailable bool      // slots.is_available
	CreatedAt   time.Time // slots.created_at
}

// Interval returns the half-open time interval covered by the slot.
func (s Slot) Interval() Interval {
	return Interval{ResourceID: s.PodID, Start: s.StartTime, End: s.EndTime}
}

// SlotFilter narrows slot listings. Zero values mean "no filter".
type SlotFilter struct {
	PodID       uint64
	Date        *time.Time // calendar day in the pod's timezone, as midnight
	StartTime   *time.Time // slots starting at or after this instant
	EndTime     *time.Time // slots ending at or before this instant
	IsAvailable *bool
}
