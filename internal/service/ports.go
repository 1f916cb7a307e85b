// Package service holds the slot generator and the booking lifecycle
// engine. Both run their writes inside database transactions opened here
// and delegate SQL to the repository package.
package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/pod-booking/internal/gateway"
	"github.com/iliyamo/pod-booking/internal/model"
	"github.com/iliyamo/pod-booking/internal/queue"
)

// SlotStore is satisfied by *repository.SlotRepo.
type SlotStore interface {
	LockPodTx(ctx context.Context, tx *sql.Tx, podID uint64) error
	FindOverlappingTx(ctx context.Context, tx *sql.Tx, podID uint64, start, end time.Time) ([]model.Slot, error)
	CreateBulkTx(ctx context.Context, tx *sql.Tx, slots []model.Slot) error
	GetByIDsTx(ctx context.Context, tx *sql.Tx, podID uint64, ids []uint64) ([]model.Slot, error)
	ReserveManyTx(ctx context.Context, tx *sql.Tx, ids []uint64) (int64, error)
	ReleaseManyTx(ctx context.Context, tx *sql.Tx, ids []uint64) (int64, error)
	List(ctx context.Context, f model.SlotFilter) ([]model.Slot, error)
}

// BookingStore is satisfied by *repository.BookingRepo.
type BookingStore interface {
	CreateTx(ctx context.Context, tx *sql.Tx, b *model.Booking) error
	CreateSlotsBulkTx(ctx context.Context, tx *sql.Tx, slots []model.BookingSlot) error
	GetByID(ctx context.Context, id uint64) (*model.Booking, error)
	GetByIDTx(ctx context.Context, tx *sql.Tx, id uint64) (*model.Booking, error)
	SlotsByBooking(ctx context.Context, bookingID uint64) ([]model.BookingSlot, error)
	SlotIDsTx(ctx context.Context, tx *sql.Tx, bookingID uint64) ([]uint64, error)
	TransitionTx(ctx context.Context, tx *sql.Tx, id uint64, to string, from ...string) (int64, error)
	ClaimSlotReleaseTx(ctx context.Context, tx *sql.Tx, id uint64, at time.Time) (bool, error)
	Update(ctx context.Context, p model.BookingPatch) (int64, error)
	ListPendingWatches(ctx context.Context, limit int) ([]model.PendingWatch, error)
}

// PaymentStore is satisfied by *repository.PaymentRepo.
type PaymentStore interface {
	CreateTx(ctx context.Context, tx *sql.Tx, p *model.Payment) error
	GetByID(ctx context.Context, id uint64) (*model.Payment, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*model.Payment, error)
	GetByBookingID(ctx context.Context, bookingID uint64) (*model.Payment, error)
	SettleTx(ctx context.Context, tx *sql.Tx, id uint64, to string) (int64, error)
}

// PaymentGateway is satisfied by *gateway.Client.
type PaymentGateway interface {
	NewTransactionID() string
	CreateOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.OrderResult, error)
	ParseCallback(cb gateway.Callback) (*gateway.CallbackData, error)
}

// Notifier publishes user notifications. Delivery is fire-and-forget.
type Notifier interface {
	Publish(ctx context.Context, ev queue.Event) error
}

// Watcher starts reconciliation for a freshly committed booking and stops
// it once the booking is settled elsewhere.
type Watcher interface {
	Watch(w model.PendingWatch)
	Stop(bookingID uint64)
}
