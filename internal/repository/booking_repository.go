package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/iliyamo/pod-booking/internal/model"
)

// BookingRepo provides persistence for bookings and their booking_slots.
// Status changes go through conditional updates so that a second write of
// the same terminal state affects zero rows instead of failing.
type BookingRepo struct {
	db *sql.DB
}

// NewBookingRepo returns a BookingRepo bound to the given database.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

// CreateTx inserts a booking inside the caller's transaction and populates
// its generated ID. CreatedAt is written as given so the expiry clock is
// the one the caller observed.
func (r *BookingRepo) CreateTx(ctx context.Context, tx *sql.Tx, b *model.Booking) error {
	const q = `INSERT INTO bookings (pod_id, user_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	created := b.CreatedAt.UTC()
	res, err := tx.ExecContext(ctx, q, b.PodID, b.UserID, b.Status, created, created)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	b.ID = uint64(id)
	b.UpdatedAt = b.CreatedAt
	return nil
}

// CreateSlotsBulkTx inserts the booking_slots rows in one statement.
// Passing an empty slice has no effect.
func (r *BookingRepo) CreateSlotsBulkTx(ctx context.Context, tx *sql.Tx, slots []model.BookingSlot) error {
	if len(slots) == 0 {
		return nil
	}
	query := `INSERT INTO booking_slots (booking_id, slot_id, price) VALUES `
	args := make([]interface{}, 0, len(slots)*3)
	for i, s := range slots {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?)"
		args = append(args, s.BookingID, s.SlotID, s.Price)
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

const bookingColumns = `id, pod_id, user_id, status, rating, comment, slots_released_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBooking(row rowScanner) (*model.Booking, error) {
	var (
		b        model.Booking
		rating   sql.NullInt64
		comment  sql.NullString
		released sql.NullTime
	)
	err := row.Scan(&b.ID, &b.PodID, &b.UserID, &b.Status, &rating, &comment, &released, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if rating.Valid {
		v := uint8(rating.Int64)
		b.Rating = &v
	}
	if comment.Valid {
		c := comment.String
		b.Comment = &c
	}
	if released.Valid {
		t := released.Time
		b.SlotsReleasedAt = &t
	}
	return &b, nil
}

// GetByID loads a booking. It returns ErrBookingNotFound when missing.
func (r *BookingRepo) GetByID(ctx context.Context, id uint64) (*model.Booking, error) {
	b, err := scanBooking(r.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	return b, err
}

// GetByIDTx loads a booking with a row lock inside the transaction.
func (r *BookingRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, id uint64) (*model.Booking, error) {
	b, err := scanBooking(tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ? FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	return b, err
}

// SlotsByBooking returns the booking_slots rows of a booking.
func (r *BookingRepo) SlotsByBooking(ctx context.Context, bookingID uint64) ([]model.BookingSlot, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, booking_id, slot_id, price FROM booking_slots WHERE booking_id = ? ORDER BY id`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.BookingSlot, 0)
	for rows.Next() {
		var s model.BookingSlot
		if err := rows.Scan(&s.ID, &s.BookingID, &s.SlotID, &s.Price); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SlotIDsTx returns the slot ids bound to a booking.
func (r *BookingRepo) SlotIDsTx(ctx context.Context, tx *sql.Tx, bookingID uint64) ([]uint64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT slot_id FROM booking_slots WHERE booking_id = ?`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TransitionTx moves a booking to status `to` only when its current status
// is one of `from`. It returns the affected row count; zero means another
// writer already moved the booking and the call was a no-op.
func (r *BookingRepo) TransitionTx(ctx context.Context, tx *sql.Tx, id uint64, to string, from ...string) (int64, error) {
	if len(from) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(from))
	args := []interface{}{to, time.Now().UTC(), id}
	for i, s := range from {
		placeholders[i] = "?"
		args = append(args, s)
	}
	q := `UPDATE bookings SET status = ?, updated_at = ? WHERE id = ? AND status IN (` + strings.Join(placeholders, ",") + `)`
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClaimSlotReleaseTx stamps slots_released_at on a canceled booking whose
// slots were not handed back yet. Only the caller that gets true may
// release the slots, which keeps the release exactly-once across the
// watcher, callback and explicit cancel paths.
func (r *BookingRepo) ClaimSlotReleaseTx(ctx context.Context, tx *sql.Tx, id uint64, at time.Time) (bool, error) {
	const q = `UPDATE bookings SET slots_released_at = ? WHERE id = ? AND status = ? AND slots_released_at IS NULL`
	res, err := tx.ExecContext(ctx, q, at.UTC(), id, model.BookingCanceled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Update writes the rating and comment of a patch and returns the number
// of rows changed. Status is not written here; status changes go through
// TransitionTx so they are conditioned on the current status. Repeated
// identical patches are safe.
func (r *BookingRepo) Update(ctx context.Context, p model.BookingPatch) (int64, error) {
	var sets []string
	var args []interface{}
	if p.Rating != nil {
		sets = append(sets, "rating = ?")
		args = append(args, *p.Rating)
	}
	if p.Comment != nil {
		sets = append(sets, "comment = ?")
		args = append(args, *p.Comment)
	}
	if len(sets) == 0 {
		return 0, ErrNoChange
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), p.ID)
	q := `UPDATE bookings SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListPendingWatches returns pending bookings that still have an unpaid
// payment, oldest first. The resume job re-attaches watchers to them.
func (r *BookingRepo) ListPendingWatches(ctx context.Context, limit int) ([]model.PendingWatch, error) {
	const q = `SELECT b.id, p.id, b.user_id, b.created_at
	           FROM bookings b
	           JOIN payments p ON p.booking_id = b.id
	           WHERE b.status = ? AND p.status IN (?, ?)
	           ORDER BY b.created_at
	           LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, model.BookingPending, model.PaymentUnpaid, model.PaymentProcessing, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PendingWatch
	for rows.Next() {
		var w model.PendingWatch
		if err := rows.Scan(&w.BookingID, &w.PaymentID, &w.UserID, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
