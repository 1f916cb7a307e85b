package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/pod-booking/internal/model"
)

// ErrPodNameTaken is returned when an owner already has a pod with the name.
var ErrPodNameTaken = errors.New("pod name already exists")

const mysqlDuplicateEntry = 1062

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}

// PodRepo persists pods.
type PodRepo struct {
	db *sql.DB
}

func NewPodRepo(db *sql.DB) *PodRepo { return &PodRepo{db: db} }

const podColumns = `id, owner_id, name, created_at, updated_at`

func scanPod(row rowScanner) (*model.Pod, error) {
	var p model.Pod
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a pod and reloads it so the timestamps are populated.
func (r *PodRepo) Create(ctx context.Context, p *model.Pod) error {
	res, err := r.db.ExecContext(ctx, `INSERT INTO pods (owner_id, name) VALUES (?, ?)`, p.OwnerID, p.Name)
	if err != nil {
		if isDuplicate(err) {
			return ErrPodNameTaken
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	got, err := r.GetByID(ctx, uint64(id))
	if err != nil {
		return err
	}
	*p = *got
	return nil
}

// GetByID returns ErrPodNotFound when no row matches.
func (r *PodRepo) GetByID(ctx context.Context, id uint64) (*model.Pod, error) {
	p, err := scanPod(r.db.QueryRowContext(ctx, `SELECT `+podColumns+` FROM pods WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPodNotFound
	}
	return p, err
}

// List returns every pod, or only ownerID's when it is non-zero.
func (r *PodRepo) List(ctx context.Context, ownerID uint64) ([]model.Pod, error) {
	q := `SELECT ` + podColumns + ` FROM pods`
	var args []interface{}
	if ownerID > 0 {
		q += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	rows, err := r.db.QueryContext(ctx, q+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Pod{}
	for rows.Next() {
		p, err := scanPod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// Rename changes the name of a pod owned by ownerID. A pod that does not
// exist or belongs to someone else yields ErrPodNotFound.
func (r *PodRepo) Rename(ctx context.Context, id, ownerID uint64, name string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE pods SET name = ? WHERE id = ? AND owner_id = ?`, name, id, ownerID)
	if err != nil {
		if isDuplicate(err) {
			return ErrPodNameTaken
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// same name again affects no rows; tell that apart from a missing pod
		p, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if p.OwnerID != ownerID {
			return ErrPodNotFound
		}
	}
	return nil
}
