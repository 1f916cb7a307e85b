// Package repository defines the MySQL persistence of pods' slots, bookings
// and payments. Methods suffixed with Tx participate in a caller-owned
// transaction; the caller commits or rolls back. The sentinel values below
// let the service layer tell "not there" apart from storage failures.
package repository

import (
	"errors"
	"strings"
)

// ErrPodNotFound is returned when a pod row does not exist.
var ErrPodNotFound = errors.New("pod not found")

// ErrSlotNotFound is returned when one or more requested slots do not exist
// or do not belong to the requested pod.
var ErrSlotNotFound = errors.New("slot not found")

// ErrBookingNotFound is returned when a booking lookup yields no rows.
var ErrBookingNotFound = errors.New("booking not found")

// ErrPaymentNotFound is returned when a payment lookup yields no rows.
var ErrPaymentNotFound = errors.New("payment not found")

// ErrNoChange indicates a patch carried no field to update.
var ErrNoChange = errors.New("no change")

// inClause renders "?,?,?" for len(ids) placeholders and the matching
// argument slice.
func inClause(ids []uint64) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ","), args
}
