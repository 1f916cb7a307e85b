package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/pod-booking/internal/gateway"
	"github.com/iliyamo/pod-booking/internal/model"
	"github.com/iliyamo/pod-booking/internal/queue"
	"github.com/iliyamo/pod-booking/internal/repository"
)

// DefaultExpiry is how long a booking may stay pending without a payment.
const DefaultExpiry = 5 * time.Minute

// BookingService owns booking state. Every status change goes through a
// conditional update, so the poll watchers and the gateway callback can
// race on the same booking and converge on one terminal state.
type BookingService struct {
	db       *sql.DB
	slots    SlotStore
	bookings BookingStore
	payments PaymentStore
	gw       PaymentGateway
	notify   Notifier
	watcher  Watcher
	clock    model.Clock
	expiry   time.Duration
	log      *zap.Logger
}

// Option customises a BookingService.
type Option func(*BookingService)

// WithClock replaces the wall clock.
func WithClock(c model.Clock) Option {
	return func(s *BookingService) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithExpiry overrides DefaultExpiry.
func WithExpiry(d time.Duration) Option {
	return func(s *BookingService) {
		if d > 0 {
			s.expiry = d
		}
	}
}

// NewBookingService wires the lifecycle engine. The watcher is attached
// afterwards with AttachWatcher because the scheduler itself depends on the
// service.
func NewBookingService(db *sql.DB, slots SlotStore, bookings BookingStore, payments PaymentStore,
	gw PaymentGateway, notify Notifier, log *zap.Logger, opts ...Option) *BookingService {
	s := &BookingService{
		db:       db,
		slots:    slots,
		bookings: bookings,
		payments: payments,
		gw:       gw,
		notify:   notify,
		clock:    model.RealClock{},
		expiry:   DefaultExpiry,
		log:      log.Named("booking"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AttachWatcher sets the component that reconciles committed bookings.
func (s *BookingService) AttachWatcher(w Watcher) { s.watcher = w }

// CreateBookingInput is a customer's request for slots of one pod.
type CreateBookingInput struct {
	PodID   uint64
	UserID  uint64
	SlotIDs []uint64
}

// CreateBookingResult is returned after the booking transaction commits.
type CreateBookingResult struct {
	BookingID     uint64 `json:"booking_id"`
	PaymentID     uint64 `json:"payment_id"`
	PaymentURL    string `json:"payment_url"`
	TotalCost     int64  `json:"total_cost"`
	TransactionID string `json:"transaction_id"`
}

// CreateBooking reserves the slots and issues the payment request in one
// transaction. Either the booking, its booking_slots, the slot flips and
// the payment row all commit together, or none of them do. Watchers are
// started only after the commit.
func (s *BookingService) CreateBooking(ctx context.Context, in CreateBookingInput) (*CreateBookingResult, error) {
	if in.PodID == 0 || in.UserID == 0 {
		return nil, invalid("pod id and user id are required")
	}
	ids := uniqueIDs(in.SlotIDs)
	if len(ids) == 0 {
		return nil, invalid("slot_ids is required")
	}
	now := s.clock.Now()

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

	slots, err := s.slots.GetByIDsTx(ctx, tx, in.PodID, ids)
	if err != nil {
		return nil, err
	}
	for _, sl := range slots {
		if !sl.IsAvailable {
			return nil, ErrSlotUnavailable
		}
		if !sl.StartTime.After(now) {
			return nil, invalid("slot %d has already started", sl.ID)
		}
	}

	booking := &model.Booking{PodID: in.PodID, UserID: in.UserID, Status: model.BookingPending, CreatedAt: now}
	if err := s.bookings.CreateTx(ctx, tx, booking); err != nil {
		return nil, fmt.Errorf("insert booking: %w", err)
	}

	bookingSlots := make([]model.BookingSlot, len(slots))
	items := make([]gateway.Item, len(slots))
	for i, sl := range slots {
		bookingSlots[i] = model.BookingSlot{BookingID: booking.ID, SlotID: sl.ID, Price: sl.UnitPrice}
		items[i] = gateway.Item{
			ItemID:       strconv.FormatUint(sl.ID, 10),
			ItemName:     sl.StartTime.Format("2006-01-02 15:04") + " - " + sl.EndTime.Format("15:04"),
			ItemPrice:    sl.UnitPrice,
			ItemQuantity: 1,
		}
	}
	if err := s.bookings.CreateSlotsBulkTx(ctx, tx, bookingSlots); err != nil {
		return nil, fmt.Errorf("insert booking slots: %w", err)
	}

	reserved, err := s.slots.ReserveManyTx(ctx, tx, ids)
	if err != nil {
		return nil, fmt.Errorf("reserve slots: %w", err)
	}
	if reserved != int64(len(ids)) {
		s.log.Info("reservation race lost",
			zap.Uint64("pod_id", in.PodID), zap.Int("requested", len(ids)), zap.Int64("reserved", reserved))
		return nil, ErrSlotUnavailable
	}

	total := model.TotalCost(bookingSlots)
	transID := s.gw.NewTransactionID()
	order, err := s.gw.CreateOrder(ctx, gateway.OrderRequest{
		TransactionID: transID,
		AppUser:       strconv.FormatUint(in.UserID, 10),
		Amount:        total,
		Items:         items,
		EmbedData:     map[string]interface{}{"booking_id": booking.ID},
		Description:   fmt.Sprintf("Pod booking #%d", booking.ID),
	})
	if err != nil {
		s.log.Warn("payment request failed", zap.Uint64("booking_id", booking.ID), zap.Error(err))
		return nil, &GatewayError{Err: err}
	}
	if !order.Accepted {
		s.log.Info("payment request declined",
			zap.Uint64("booking_id", booking.ID), zap.Int("code", order.ReturnCode), zap.String("reason", order.Reason))
		return nil, &GatewayError{Reason: order.Reason, Code: order.ReturnCode}
	}

	payment := &model.Payment{
		BookingID:     booking.ID,
		TransactionID: transID,
		TotalCost:     total,
		PaymentURL:    order.RedirectURL,
		PaymentDate:   now,
		Status:        model.PaymentUnpaid,
	}
	if err := s.payments.CreateTx(ctx, tx, payment); err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	committed = true

	s.log.Info("booking created",
		zap.Uint64("booking_id", booking.ID), zap.Uint64("payment_id", payment.ID),
		zap.String("transaction_id", transID), zap.Int64("total_cost", total))
	if s.watcher != nil {
		s.watcher.Watch(model.PendingWatch{
			BookingID: booking.ID,
			PaymentID: payment.ID,
			UserID:    in.UserID,
			CreatedAt: now,
		})
	}
	s.publish(ctx, queue.EventBookingCreated, in.UserID, booking.ID, model.BookingPending, "booking created, awaiting payment")

	return &CreateBookingResult{
		BookingID:     booking.ID,
		PaymentID:     payment.ID,
		PaymentURL:    payment.PaymentURL,
		TotalCost:     total,
		TransactionID: transID,
	}, nil
}

// BookingDetail is a booking with its slots and payment.
type BookingDetail struct {
	Booking *model.Booking
	Slots   []model.BookingSlot
	Payment *model.Payment
}

// GetBooking loads a booking owned by userID.
func (s *BookingService) GetBooking(ctx context.Context, id, userID uint64) (*BookingDetail, error) {
	b, err := s.bookings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.UserID != userID {
		return nil, ErrForbidden
	}
	slots, err := s.bookings.SlotsByBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := s.payments.GetByBookingID(ctx, id)
	if err != nil && !errors.Is(err, repository.ErrPaymentNotFound) {
		return nil, err
	}
	return &BookingDetail{Booking: b, Slots: slots, Payment: p}, nil
}

// statusFrom lists, per target status, the statuses a patch may move a
// booking from. Pending is never a target.
var statusFrom = map[string][]string{
	model.BookingConfirmed: {model.BookingPending},
	model.BookingOngoing:   {model.BookingConfirmed},
	model.BookingComplete:  {model.BookingConfirmed, model.BookingOngoing},
	model.BookingCanceled:  {model.BookingPending, model.BookingConfirmed},
}

// UpdateBooking applies a narrow patch. Rating must be within 1..5 and a
// status, when present, must be a known booking status reachable from the
// current one; otherwise ErrInvalidTransition. Repeating the same patch is
// harmless.
func (s *BookingService) UpdateBooking(ctx context.Context, p model.BookingPatch) (int64, error) {
	if p.Rating != nil && (*p.Rating < 1 || *p.Rating > 5) {
		return 0, invalid("rating must be within 1..5")
	}
	if p.Status != nil && !knownStatus(*p.Status) {
		return 0, invalid("unknown status %q", *p.Status)
	}
	if p.Status == nil && p.Rating == nil && p.Comment == nil {
		return 0, invalid("nothing to update")
	}

	var n int64
	if p.Status != nil {
		moved, err := s.setStatus(ctx, p.ID, *p.Status)
		if err != nil {
			return 0, err
		}
		n = moved
	}
	if p.Rating != nil || p.Comment != nil {
		fields := p
		fields.Status = nil
		m, err := s.bookings.Update(ctx, fields)
		if err != nil {
			return n, err
		}
		if m > n {
			n = m
		}
	}
	return n, nil
}

// setStatus moves a booking to `to` with a conditional update. Asking for
// the status the booking already holds is a no-op. A move to Canceled
// hands the slots back in the same transaction.
func (s *BookingService) setStatus(ctx context.Context, id uint64, to string) (int64, error) {
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		b, err := s.bookings.GetByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if b.Status == to {
			return nil
		}
		from := statusFrom[to]
		if !slices.Contains(from, b.Status) {
			return ErrInvalidTransition
		}
		if n, err = s.bookings.TransitionTx(ctx, tx, id, to, from...); err != nil {
			return fmt.Errorf("update booking status: %w", err)
		}
		if n == 1 && to == model.BookingCanceled {
			if _, err := s.releaseTx(ctx, tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	return n, err
}

// ReviewBooking lets the owner attach a rating or comment. Status is never
// taken from this path.
func (s *BookingService) ReviewBooking(ctx context.Context, userID uint64, p model.BookingPatch) (*model.Booking, error) {
	if p.Status != nil {
		return nil, invalid("status cannot be changed here")
	}
	b, err := s.bookings.GetByID(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if b.UserID != userID {
		return nil, ErrForbidden
	}
	if b.Status == model.BookingPending || b.Status == model.BookingCanceled {
		return nil, ErrInvalidTransition
	}
	if _, err := s.UpdateBooking(ctx, p); err != nil {
		return nil, err
	}
	return s.bookings.GetByID(ctx, p.ID)
}

// CancelBooking cancels a pending or confirmed booking on behalf of its
// owner and hands its slots back. Cancelling an already canceled booking
// returns it unchanged.
func (s *BookingService) CancelBooking(ctx context.Context, id, userID uint64) (*model.Booking, error) {
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

	b, err := s.bookings.GetByIDTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if b.UserID != userID {
		return nil, ErrForbidden
	}
	switch b.Status {
	case model.BookingCanceled:
		return b, nil
	case model.BookingPending, model.BookingConfirmed:
	default:
		return nil, ErrInvalidTransition
	}

	n, err := s.bookings.TransitionTx(ctx, tx, id, model.BookingCanceled, model.BookingPending, model.BookingConfirmed)
	if err != nil {
		return nil, fmt.Errorf("cancel booking: %w", err)
	}
	released, err := s.releaseTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	committed = true

	b.Status = model.BookingCanceled
	if s.watcher != nil {
		s.watcher.Stop(id)
	}
	if n == 1 {
		s.log.Info("booking canceled by owner", zap.Uint64("booking_id", id), zap.Int64("slots_released", released))
		s.publish(ctx, queue.EventBookingCanceled, b.UserID, id, model.BookingCanceled, "booking canceled")
	}
	return b, nil
}

// releaseTx hands the booking's slots back exactly once. Only the caller
// that claims the release flips the slots; everyone else gets zero.
func (s *BookingService) releaseTx(ctx context.Context, tx *sql.Tx, bookingID uint64) (int64, error) {
	claimed, err := s.bookings.ClaimSlotReleaseTx(ctx, tx, bookingID, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("claim slot release: %w", err)
	}
	if !claimed {
		return 0, nil
	}
	ids, err := s.bookings.SlotIDsTx(ctx, tx, bookingID)
	if err != nil {
		return 0, fmt.Errorf("load booking slots: %w", err)
	}
	n, err := s.slots.ReleaseManyTx(ctx, tx, ids)
	if err != nil {
		return 0, fmt.Errorf("release slots: %w", err)
	}
	return n, nil
}

// publish sends a notification without letting broker trouble or the
// caller's cancellation affect the operation that triggered it.
func (s *BookingService) publish(ctx context.Context, typ string, userID, bookingID uint64, status, msg string) {
	if s.notify == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.notify.Publish(pctx, queue.NewEvent(typ, userID, bookingID, status, msg)); err != nil {
		s.log.Warn("notification dropped", zap.String("type", typ), zap.Uint64("booking_id", bookingID), zap.Error(err))
	}
}

func uniqueIDs(in []uint64) []uint64 {
	out := make([]uint64, 0, len(in))
	seen := make(map[uint64]struct{}, len(in))
	for _, id := range in {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func knownStatus(s string) bool {
	switch s {
	case model.BookingPending, model.BookingConfirmed, model.BookingCanceled, model.BookingOngoing, model.BookingComplete:
		return true
	}
	return false
}
