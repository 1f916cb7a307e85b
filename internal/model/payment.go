package model

import "time"

// Payment statuses. Paid and Failed are terminal.
const (
	PaymentProcessing = "PROCESSING"
	PaymentUnpaid     = "UNPAID"
	PaymentPaid       = "PAID"
	PaymentFailed     = "FAILED"
)

// Payment tracks the external payment request issued for a booking.
// TransactionID is the gateway's idempotency key (app_trans_id) and is the
// join key used by the inbound callback.
//
// Fields:
//  ID            – primary key identifier.
//  BookingID     – booking the payment settles (one-to-one).
//  TransactionID – gateway transaction id, format YYMMDD_<random>.
//  TotalCost     – amount requested from the gateway.
//  PaymentURL    – redirect URL returned by the gateway.
//  PaymentDate   – when the payment request was issued.
//  Status        – PROCESSING, UNPAID, PAID or FAILED.
type Payment struct {
	ID            uint64    // payments.id
	BookingID     uint64    // payments.booking_id
	TransactionID string    // payments.transaction_id
	TotalCost     int64     // payments.total_cost
	PaymentURL    string    // payments.payment_url
	PaymentDate   time.Time // payments.payment_date
	Status        string    // payments.status
	CreatedAt     time.Time // payments.created_at
	UpdatedAt     time.Time // payments.updated_at
}

// IsTerminal reports whether the payment reached Paid or Failed.
func (p Payment) IsTerminal() bool {
	return p.Status == PaymentPaid || p.Status == PaymentFailed
}

// PendingWatch pairs a pending booking with its unpaid payment. It is what
// the resume job needs to re-attach watchers after a restart.
type PendingWatch struct {
	BookingID uint64
	PaymentID uint64
	UserID    uint64
	CreatedAt time.Time
}
