package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/iliyamo/pod-booking/internal/model"
)

// SlotRepo owns the slots table. Availability is only ever flipped through
// ReserveManyTx and ReleaseManyTx so the affected-row count can reveal a
// lost reservation race.
type SlotRepo struct {
	db *sql.DB
}

// NewSlotRepo returns a SlotRepo bound to the given database.
func NewSlotRepo(db *sql.DB) *SlotRepo { return &SlotRepo{db: db} }

const slotColumns = `id, pod_id, start_time, end_time, unit_price, is_available, created_at`

func scanSlots(rows *sql.Rows) ([]model.Slot, error) {
	defer rows.Close()
	var slots []model.Slot
	for rows.Next() {
		var s model.Slot
		if err := rows.Scan(&s.ID, &s.PodID, &s.StartTime, &s.EndTime, &s.UnitPrice, &s.IsAvailable, &s.CreatedAt); err != nil {
			return nil, err
		}
		slots = append(slots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return slots, nil
}

// LockPodTx takes a row lock on the pod so concurrent slot generations for
// the same pod serialise behind each other. It returns ErrPodNotFound when
// the pod does not exist.
func (r *SlotRepo) LockPodTx(ctx context.Context, tx *sql.Tx, podID uint64) error {
	var id uint64
	err := tx.QueryRowContext(ctx, `SELECT id FROM pods WHERE id = ? FOR UPDATE`, podID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrPodNotFound
	}
	return err
}

// FindOverlappingTx returns every slot of the pod that shares at least one
// instant with [start, end). Slots that merely touch a boundary are not
// returned.
func (r *SlotRepo) FindOverlappingTx(ctx context.Context, tx *sql.Tx, podID uint64, start, end time.Time) ([]model.Slot, error) {
	q := `SELECT ` + slotColumns + ` FROM slots
	      WHERE pod_id = ? AND start_time < ? AND end_time > ?
	      ORDER BY start_time`
	rows, err := tx.QueryContext(ctx, q, podID, end.UTC(), start.UTC())
	if err != nil {
		return nil, err
	}
	return scanSlots(rows)
}

// CreateBulkTx inserts all slots in one statement. New slots are always
// available. Passing an empty slice has no effect.
func (r *SlotRepo) CreateBulkTx(ctx context.Context, tx *sql.Tx, slots []model.Slot) error {
	if len(slots) == 0 {
		return nil
	}
	query := `INSERT INTO slots (pod_id, start_time, end_time, unit_price, is_available) VALUES `
	args := make([]interface{}, 0, len(slots)*4)
	for i, s := range slots {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?, ?, 1)"
		args = append(args, s.PodID, s.StartTime.UTC(), s.EndTime.UTC(), s.UnitPrice)
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// GetByIDsTx loads the given slots of a pod inside the transaction. It
// returns ErrSlotNotFound unless every id resolves to a slot of podID.
func (r *SlotRepo) GetByIDsTx(ctx context.Context, tx *sql.Tx, podID uint64, ids []uint64) ([]model.Slot, error) {
	if len(ids) == 0 {
		return nil, ErrSlotNotFound
	}
	in, args := inClause(ids)
	q := `SELECT ` + slotColumns + ` FROM slots WHERE pod_id = ? AND id IN (` + in + `) ORDER BY start_time`
	rows, err := tx.QueryContext(ctx, q, append([]interface{}{podID}, args...)...)
	if err != nil {
		return nil, err
	}
	slots, err := scanSlots(rows)
	if err != nil {
		return nil, err
	}
	if len(slots) != len(ids) {
		return nil, ErrSlotNotFound
	}
	return slots, nil
}

// ReserveManyTx marks the given slots unavailable in a single statement and
// returns how many rows actually flipped. A count lower than len(ids) means
// another booking took at least one slot first.
func (r *SlotRepo) ReserveManyTx(ctx context.Context, tx *sql.Tx, ids []uint64) (int64, error) {
	return r.flipTx(ctx, tx, ids, false)
}

// ReleaseManyTx is the inverse of ReserveManyTx, used on cancellation and
// expiry.
func (r *SlotRepo) ReleaseManyTx(ctx context.Context, tx *sql.Tx, ids []uint64) (int64, error) {
	return r.flipTx(ctx, tx, ids, true)
}

func (r *SlotRepo) flipTx(ctx context.Context, tx *sql.Tx, ids []uint64, available bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	from, to := 1, 0
	if available {
		from, to = 0, 1
	}
	in, args := inClause(ids)
	q := `UPDATE slots SET is_available = ? WHERE is_available = ? AND id IN (` + in + `)`
	res, err := tx.ExecContext(ctx, q, append([]interface{}{to, from}, args...)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// List returns slots matching the filter ordered by start time. It backs
// the read-only slot listing endpoint.
func (r *SlotRepo) List(ctx context.Context, f model.SlotFilter) ([]model.Slot, error) {
	conds := []string{"pod_id = ?"}
	args := []interface{}{f.PodID}
	if f.Date != nil {
		conds = append(conds, "start_time >= ?", "start_time < ?")
		args = append(args, f.Date.UTC(), f.Date.AddDate(0, 0, 1).UTC())
	}
	if f.StartTime != nil {
		conds = append(conds, "start_time >= ?")
		args = append(args, f.StartTime.UTC())
	}
	if f.EndTime != nil {
		conds = append(conds, "end_time <= ?")
		args = append(args, f.EndTime.UTC())
	}
	if f.IsAvailable != nil {
		conds = append(conds, "is_available = ?")
		args = append(args, *f.IsAvailable)
	}
	q := `SELECT ` + slotColumns + ` FROM slots WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY start_time`
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	slots, err := scanSlots(rows)
	if err != nil {
		return nil, err
	}
	if slots == nil {
		slots = []model.Slot{}
	}
	return slots, nil
}
