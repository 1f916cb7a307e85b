package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/pod-booking/internal/model"
)

// PaymentRepo provides persistence for payments. A payment is created in
// the booking transaction and later settled by whichever reconciliation
// path observes a terminal gateway state first.
type PaymentRepo struct {
	db *sql.DB
}

// NewPaymentRepo returns a PaymentRepo bound to the given database.
func NewPaymentRepo(db *sql.DB) *PaymentRepo { return &PaymentRepo{db: db} }

// CreateTx inserts a payment inside the caller's transaction and populates
// its generated ID.
func (r *PaymentRepo) CreateTx(ctx context.Context, tx *sql.Tx, p *model.Payment) error {
	const q = `INSERT INTO payments (booking_id, transaction_id, total_cost, payment_url, payment_date, status)
	           VALUES (?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, q, p.BookingID, p.TransactionID, p.TotalCost, p.PaymentURL, p.PaymentDate.UTC(), p.Status)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = uint64(id)
	return nil
}

const paymentColumns = `id, booking_id, transaction_id, total_cost, payment_url, payment_date, status, created_at, updated_at`

func (r *PaymentRepo) getOne(ctx context.Context, where string, arg interface{}) (*model.Payment, error) {
	var p model.Payment
	err := r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+where+` = ?`, arg).Scan(
		&p.ID, &p.BookingID, &p.TransactionID, &p.TotalCost, &p.PaymentURL,
		&p.PaymentDate, &p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByID loads a payment by primary key.
func (r *PaymentRepo) GetByID(ctx context.Context, id uint64) (*model.Payment, error) {
	return r.getOne(ctx, "id", id)
}

// GetByTransactionID loads the payment carrying the gateway transaction id.
// The inbound callback joins on this key.
func (r *PaymentRepo) GetByTransactionID(ctx context.Context, transactionID string) (*model.Payment, error) {
	return r.getOne(ctx, "transaction_id", transactionID)
}

// GetByBookingID loads the payment issued for a booking.
func (r *PaymentRepo) GetByBookingID(ctx context.Context, bookingID uint64) (*model.Payment, error) {
	return r.getOne(ctx, "booking_id", bookingID)
}

// SettleTx moves a non-terminal payment to `to` (PAID or FAILED). A payment
// that is already terminal is left untouched and zero is returned.
func (r *PaymentRepo) SettleTx(ctx context.Context, tx *sql.Tx, id uint64, to string) (int64, error) {
	const q = `UPDATE payments SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`
	res, err := tx.ExecContext(ctx, q, to, time.Now().UTC(), id, model.PaymentUnpaid, model.PaymentProcessing)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
