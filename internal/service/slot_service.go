package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/pod-booking/internal/model"
)

// maxSlotsPerBatch bounds a single generation request.
const maxSlotsPerBatch = 5000

// GenerateInput describes a batch of slots for one pod. StartDate and
// EndDate are calendar days; only their year, month and day are used.
// EndHour may be 24 to mean midnight at the end of the day.
//
// A slot may start as late as the minute before end_hour and run past it.
// WithinWindow drops such a slot and rolls to the next day instead.
type GenerateInput struct {
	PodID           uint64
	StartDate       time.Time
	EndDate         time.Time
	StartHour       int
	EndHour         int
	DurationMinutes int
	GapMinutes      int
	UnitPrice       int64
	WithinWindow    bool
}

// SlotService generates and lists slots.
type SlotService struct {
	db    *sql.DB
	slots SlotStore
	loc   *time.Location
	log   *zap.Logger
}

// NewSlotService returns a SlotService. Operating hours are interpreted in
// loc; a nil loc means UTC.
func NewSlotService(db *sql.DB, slots SlotStore, loc *time.Location, log *zap.Logger) *SlotService {
	if loc == nil {
		loc = time.UTC
	}
	return &SlotService{db: db, slots: slots, loc: loc, log: log.Named("slots")}
}

func (in GenerateInput) validate() error {
	switch {
	case in.PodID == 0:
		return invalid("pod id is required")
	case in.StartHour < 0 || in.StartHour > 23:
		return invalid("start_hour must be within 0..23")
	case in.EndHour < 1 || in.EndHour > 24:
		return invalid("end_hour must be within 1..24")
	case in.StartHour >= in.EndHour:
		return invalid("start_hour must be before end_hour")
	case in.DurationMinutes <= 0:
		return invalid("duration_minutes must be positive")
	case in.WithinWindow && in.DurationMinutes > (in.EndHour-in.StartHour)*60:
		return invalid("duration_minutes does not fit the daily window")
	case in.GapMinutes < 0:
		return invalid("gap_minutes must not be negative")
	case in.UnitPrice < 0:
		return invalid("unit_price must not be negative")
	case in.EndDate.Before(in.StartDate):
		return invalid("end_date is before start_date")
	}
	return nil
}

// Plan computes the candidate slots for in without touching the database.
// A candidate is emitted while its start is before end_date at end_hour.
// Once the advanced cursor reaches the day's end_hour it is reset to
// start_hour of the next day, never shifted by 24h, so uneven durations do
// not drift into closed hours.
func (s *SlotService) Plan(in GenerateInput) ([]model.Slot, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	at := func(day time.Time, hour int) time.Time {
		return time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, s.loc)
	}
	day := time.Date(in.StartDate.Year(), in.StartDate.Month(), in.StartDate.Day(), 0, 0, 0, 0, s.loc)
	windowEnd := at(in.EndDate, in.EndHour)
	duration := time.Duration(in.DurationMinutes) * time.Minute
	step := duration + time.Duration(in.GapMinutes)*time.Minute

	var out []model.Slot
	cursor := at(day, in.StartHour)
	for cursor.Before(windowEnd) {
		dayClose := at(day, in.EndHour)
		end := cursor.Add(duration)
		if in.WithinWindow && end.After(dayClose) {
			day = day.AddDate(0, 0, 1)
			cursor = at(day, in.StartHour)
			continue
		}
		if len(out) == maxSlotsPerBatch {
			return nil, invalid("request would create more than %d slots", maxSlotsPerBatch)
		}
		out = append(out, model.Slot{
			PodID:       in.PodID,
			StartTime:   cursor,
			EndTime:     end,
			UnitPrice:   in.UnitPrice,
			IsAvailable: true,
		})
		cursor = cursor.Add(step)
		for !cursor.Before(at(day, in.EndHour)) {
			day = day.AddDate(0, 0, 1)
			// a slot running past midnight into an early start_hour keeps its end
			if next := at(day, in.StartHour); next.After(cursor) {
				cursor = next
			}
		}
	}
	if len(out) == 0 {
		return nil, invalid("date range produces no slots")
	}
	return out, nil
}

// Generate plans the batch and persists it in one transaction. The pod row
// is locked first so two generations for the same pod run one after the
// other. The whole batch is rejected with an *OverlapError on the first
// candidate that collides with a persisted slot; nothing is inserted then.
func (s *SlotService) Generate(ctx context.Context, in GenerateInput) ([]model.Slot, error) {
	candidates, err := s.Plan(in)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := s.slots.LockPodTx(ctx, tx, in.PodID); err != nil {
		return nil, err
	}
	first, last := candidates[0], candidates[len(candidates)-1]
	existing, err := s.slots.FindOverlappingTx(ctx, tx, in.PodID, first.StartTime, last.EndTime)
	if err != nil {
		return nil, fmt.Errorf("find overlapping slots: %w", err)
	}
	if conflict := firstOverlap(candidates, existing); conflict != nil {
		s.log.Info("slot generation rejected",
			zap.Uint64("pod_id", in.PodID),
			zap.Stringer("kind", conflict.Kind),
			zap.Uint64("conflict_slot_id", conflict.Conflict.ID))
		return nil, conflict
	}
	if err := s.slots.CreateBulkTx(ctx, tx, candidates); err != nil {
		return nil, fmt.Errorf("insert slots: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	committed = true

	s.log.Info("slots generated", zap.Uint64("pod_id", in.PodID), zap.Int("count", len(candidates)))
	return candidates, nil
}

// firstOverlap walks the candidates in order and returns the first
// collision with any existing slot. Both slices are sorted by start time.
// An existing slot that ends at or before a candidate's start cannot
// collide with any later candidate either, so the leading run of those is
// skipped for good.
func firstOverlap(candidates, existing []model.Slot) *OverlapError {
	lo := 0
	for _, c := range candidates {
		ci := c.Interval()
		for lo < len(existing) && !existing[lo].EndTime.After(c.StartTime) {
			lo++
		}
		for _, e := range existing[lo:] {
			if !e.StartTime.Before(c.EndTime) {
				break
			}
			if kind := ci.Classify(e.Interval()); kind != model.OverlapNone {
				return &OverlapError{Kind: kind, Candidate: ci, Conflict: e}
			}
		}
	}
	return nil
}

// ListSlots returns the pod's slots matching the filter.
func (s *SlotService) ListSlots(ctx context.Context, f model.SlotFilter) ([]model.Slot, error) {
	if f.PodID == 0 {
		return nil, invalid("pod id is required")
	}
	return s.slots.List(ctx, f)
}

// Location is the zone operating hours are interpreted in.
func (s *SlotService) Location() *time.Location { return s.loc }
