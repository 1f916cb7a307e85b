package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/iliyamo/pod-booking/internal/gateway"
	"github.com/iliyamo/pod-booking/internal/model"
	"github.com/iliyamo/pod-booking/internal/queue"
	"github.com/iliyamo/pod-booking/internal/repository"
)

// The operations below are shared by the poll watchers and the gateway
// callback. Each one locks the booking row first, then the payment row, and
// reports whether it actually moved the booking. A repeated call after the
// booking reached a terminal state is a no-op returning false.

// LoadBooking reads the current booking row.
func (s *BookingService) LoadBooking(ctx context.Context, id uint64) (*model.Booking, error) {
	return s.bookings.GetByID(ctx, id)
}

// LoadPayment reads the current payment row.
func (s *BookingService) LoadPayment(ctx context.Context, id uint64) (*model.Payment, error) {
	return s.payments.GetByID(ctx, id)
}

// PendingWatches lists bookings that still wait for a payment outcome.
func (s *BookingService) PendingWatches(ctx context.Context, limit int) ([]model.PendingWatch, error) {
	return s.bookings.ListPendingWatches(ctx, limit)
}

func (s *BookingService) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// MarkPaid records a gateway success: the payment becomes Paid and a
// pending booking becomes Confirmed. A success for a booking that was
// already canceled is still recorded on the payment, the booking stays
// canceled and a payment.late event is raised so the money can be refunded.
func (s *BookingService) MarkPaid(ctx context.Context, paymentID uint64) (bool, error) {
	p, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return false, err
	}
	var (
		b         *model.Booking
		paid      int64
		confirmed int64
	)
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if b, err = s.bookings.GetByIDTx(ctx, tx, p.BookingID); err != nil {
			return err
		}
		if paid, err = s.payments.SettleTx(ctx, tx, p.ID, model.PaymentPaid); err != nil {
			return fmt.Errorf("settle payment: %w", err)
		}
		if confirmed, err = s.bookings.TransitionTx(ctx, tx, b.ID, model.BookingConfirmed, model.BookingPending); err != nil {
			return fmt.Errorf("confirm booking: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	switch {
	case confirmed == 1:
		s.log.Info("booking confirmed", zap.Uint64("booking_id", b.ID), zap.Uint64("payment_id", p.ID))
		s.publish(ctx, queue.EventBookingConfirmed, b.UserID, b.ID, model.BookingConfirmed, "payment received, booking confirmed")
	case paid == 1 && b.Status == model.BookingCanceled:
		s.log.Warn("payment received for canceled booking, refund required",
			zap.Uint64("booking_id", b.ID), zap.Uint64("payment_id", p.ID),
			zap.String("transaction_id", p.TransactionID), zap.Int64("amount", p.TotalCost))
		s.publish(ctx, queue.EventPaymentLate, b.UserID, b.ID, model.BookingCanceled, "payment received after cancellation, a refund will follow")
	}
	return confirmed == 1, nil
}

// MarkFailed records a gateway failure: the payment becomes Failed, a
// pending booking becomes Canceled and its slots are released.
func (s *BookingService) MarkFailed(ctx context.Context, paymentID uint64) (bool, error) {
	p, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return false, err
	}
	var (
		b        *model.Booking
		canceled int64
		released int64
	)
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if b, err = s.bookings.GetByIDTx(ctx, tx, p.BookingID); err != nil {
			return err
		}
		if _, err = s.payments.SettleTx(ctx, tx, p.ID, model.PaymentFailed); err != nil {
			return fmt.Errorf("settle payment: %w", err)
		}
		if canceled, err = s.bookings.TransitionTx(ctx, tx, b.ID, model.BookingCanceled, model.BookingPending); err != nil {
			return fmt.Errorf("cancel booking: %w", err)
		}
		if canceled == 1 {
			released, err = s.releaseTx(ctx, tx, b.ID)
		}
		return err
	})
	if err != nil {
		return false, err
	}
	if canceled == 1 {
		s.log.Info("booking canceled after payment failure",
			zap.Uint64("booking_id", b.ID), zap.Uint64("payment_id", p.ID), zap.Int64("slots_released", released))
		s.publish(ctx, queue.EventBookingCanceled, b.UserID, b.ID, model.BookingCanceled, "payment failed, booking canceled")
	}
	return canceled == 1, nil
}

// ExpireBooking cancels a booking that stayed pending for the expiry
// period and releases its slots. It does nothing for a booking that is no
// longer pending or is not old enough yet.
func (s *BookingService) ExpireBooking(ctx context.Context, bookingID uint64) (bool, error) {
	var (
		b        *model.Booking
		canceled int64
		released int64
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if b, err = s.bookings.GetByIDTx(ctx, tx, bookingID); err != nil {
			return err
		}
		if b.Status != model.BookingPending || s.clock.Now().Sub(b.CreatedAt) < s.expiry {
			return nil
		}
		if canceled, err = s.bookings.TransitionTx(ctx, tx, b.ID, model.BookingCanceled, model.BookingPending); err != nil {
			return fmt.Errorf("expire booking: %w", err)
		}
		if canceled == 1 {
			released, err = s.releaseTx(ctx, tx, b.ID)
		}
		return err
	})
	if err != nil {
		return false, err
	}
	if canceled == 1 {
		s.log.Info("booking expired", zap.Uint64("booking_id", b.ID), zap.Int64("slots_released", released))
		s.publish(ctx, queue.EventBookingExpired, b.UserID, b.ID, model.BookingCanceled, "booking expired before payment")
	}
	return canceled == 1, nil
}

// ReleaseIfCanceled hands back the slots of a canceled booking if no other
// path did so yet.
func (s *BookingService) ReleaseIfCanceled(ctx context.Context, bookingID uint64) (bool, error) {
	var released int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		released, err = s.releaseTx(ctx, tx, bookingID)
		return err
	})
	if err != nil {
		return false, err
	}
	if released > 0 {
		s.log.Info("slots released for canceled booking", zap.Uint64("booking_id", bookingID), zap.Int64("slots_released", released))
	}
	return released > 0, nil
}

// Callback return codes understood by the gateway.
const (
	CallbackOK      = 1
	CallbackRetry   = 0
	CallbackInvalid = -1
)

// CallbackResult is the body answered to the gateway.
type CallbackResult struct {
	ReturnCode    int    `json:"return_code"`
	ReturnMessage string `json:"return_message"`
}

// HandleCallback authenticates a gateway callback and records the payment
// success it announces. A bad MAC never touches state and answers -1.
// Transient problems answer 0 so the gateway retries.
func (s *BookingService) HandleCallback(ctx context.Context, cb gateway.Callback) CallbackResult {
	data, err := s.gw.ParseCallback(cb)
	if errors.Is(err, gateway.ErrInvalidMAC) {
		s.log.Warn("callback rejected: mac mismatch")
		return CallbackResult{CallbackInvalid, "mac not equal"}
	}
	if err != nil {
		s.log.Warn("callback rejected: malformed data", zap.Error(err))
		return CallbackResult{CallbackInvalid, "invalid data"}
	}

	p, err := s.payments.GetByTransactionID(ctx, data.AppTransID)
	if errors.Is(err, repository.ErrPaymentNotFound) {
		// the booking transaction may not have committed yet
		s.log.Warn("callback for unknown transaction", zap.String("transaction_id", data.AppTransID))
		return CallbackResult{CallbackRetry, "unknown transaction"}
	}
	if err != nil {
		s.log.Error("callback lookup failed", zap.String("transaction_id", data.AppTransID), zap.Error(err))
		return CallbackResult{CallbackRetry, "temporarily unavailable"}
	}
	if data.Amount != p.TotalCost {
		s.log.Warn("callback amount mismatch",
			zap.String("transaction_id", data.AppTransID), zap.Int64("expected", p.TotalCost), zap.Int64("got", data.Amount))
		return CallbackResult{CallbackInvalid, "amount mismatch"}
	}

	if _, err := s.MarkPaid(ctx, p.ID); err != nil {
		s.log.Error("callback processing failed", zap.Uint64("payment_id", p.ID), zap.Error(err))
		return CallbackResult{CallbackRetry, "temporarily unavailable"}
	}
	return CallbackResult{CallbackOK, "success"}
}
