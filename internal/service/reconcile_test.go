package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/pod-booking/internal/gateway"
	"github.com/iliyamo/pod-booking/internal/model"
	"github.com/iliyamo/pod-booking/internal/queue"
)

func TestMarkPaidTwiceIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seedSlots()
	res := h.book(t, 5, 6)
	ctx := context.Background()

	h.expectTx()
	moved, err := h.svc.MarkPaid(ctx, res.PaymentID)
	require.NoError(t, err)
	assert.True(t, moved)

	h.expectTx()
	moved, err = h.svc.MarkPaid(ctx, res.PaymentID)
	require.NoError(t, err)
	assert.False(t, moved)

	assert.Equal(t, model.PaymentPaid, h.mem.payment(res.PaymentID).Status)
	assert.Equal(t, model.BookingConfirmed, h.mem.booking(res.BookingID).Status)
	assert.False(t, h.mem.slot(5).IsAvailable)
	assert.Equal(t, []string{queue.EventBookingCreated, queue.EventBookingConfirmed}, h.notify.types(),
		"one notification per observed transition")
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestMarkFailedCancelsAndReleases(t *testing.T) {
	h := newHarness(t)
	h.seedSlots()
	res := h.book(t, 5, 6)
	ctx := context.Background()

	h.expectTx()
	moved, err := h.svc.MarkFailed(ctx, res.PaymentID)
	require.NoError(t, err)
	assert.True(t, moved)

	assert.Equal(t, model.PaymentFailed, h.mem.payment(res.PaymentID).Status)
	b := h.mem.booking(res.BookingID)
	assert.Equal(t, model.BookingCanceled, b.Status)
	assert.NotNil(t, b.SlotsReleasedAt)
	assert.True(t, h.mem.slot(5).IsAvailable)
	assert.True(t, h.mem.slot(6).IsAvailable)

	// the booking watcher noticing the cancel afterwards must not release again
	h.expectTx()
	released, err := h.svc.ReleaseIfCanceled(ctx, res.BookingID)
	require.NoError(t, err)
	assert.False(t, released)

	// a success reported after the failure does not flip the payment
	h.expectTx()
	moved, err = h.svc.MarkPaid(ctx, res.PaymentID)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, model.PaymentFailed, h.mem.payment(res.PaymentID).Status)
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestExpireBookingAfterFiveMinutes(t *testing.T) {
	h := newHarness(t)
	h.seedSlots()
	res := h.book(t, 5, 6)
	ctx := context.Background()

	h.clock.Advance(4*time.Minute + 59*time.Second)
	h.expectTx()
	moved, err := h.svc.ExpireBooking(ctx, res.BookingID)
	require.NoError(t, err)
	assert.False(t, moved, "too early")
	assert.Equal(t, model.BookingPending, h.mem.booking(res.BookingID).Status)

	h.clock.Advance(2 * time.Second)
	h.expectTx()
	moved, err = h.svc.ExpireBooking(ctx, res.BookingID)
	require.NoError(t, err)
	assert.True(t, moved)

	assert.Equal(t, model.BookingCanceled, h.mem.booking(res.BookingID).Status)
	assert.True(t, h.mem.slot(5).IsAvailable)
	assert.True(t, h.mem.slot(6).IsAvailable)
	assert.Equal(t, model.PaymentUnpaid, h.mem.payment(res.PaymentID).Status)
	assert.Contains(t, h.notify.types(), queue.EventBookingExpired)
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestExpiredSlotsCanBeRebookedWithoutDoubleRelease(t *testing.T) {
	h := newHarness(t)
	h.seedSlots()
	first := h.book(t, 5)
	h.clock.Advance(5*time.Minute + time.Second)
	h.expectTx()
	_, err := h.svc.ExpireBooking(context.Background(), first.BookingID)
	require.NoError(t, err)

	second := h.book(t, 5)
	require.NotEqual(t, first.BookingID, second.BookingID)

	// a late second release for the first booking must not free slot 5
	h.expectTx()
	released, err := h.svc.ReleaseIfCanceled(context.Background(), first.BookingID)
	require.NoError(t, err)
	assert.False(t, released)
	assert.False(t, h.mem.slot(5).IsAvailable)
}

func TestLatePaymentAfterExpiry(t *testing.T) {
	h := newHarness(t)
	h.seedSlots()
	res := h.book(t, 5)
	h.clock.Advance(6 * time.Minute)
	h.expectTx()
	_, err := h.svc.ExpireBooking(context.Background(), res.BookingID)
	require.NoError(t, err)

	h.expectTx()
	moved, err := h.svc.MarkPaid(context.Background(), res.PaymentID)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, model.PaymentPaid, h.mem.payment(res.PaymentID).Status)
	assert.Equal(t, model.BookingCanceled, h.mem.booking(res.BookingID).Status, "no resurrection")
	assert.Contains(t, h.notify.types(), queue.EventPaymentLate)
}

func TestHandleCallback(t *testing.T) {
	h := newHarness(t)
	h.seedSlots()
	res := h.book(t, 5, 6)
	ctx := context.Background()

	got := h.svc.HandleCallback(ctx, gateway.Callback{Data: "{}", MAC: "forged"})
	assert.Equal(t, CallbackResult{CallbackInvalid, "mac not equal"}, got)
	assert.Equal(t, model.PaymentUnpaid, h.mem.payment(res.PaymentID).Status)

	h.gw.callback = &gateway.CallbackData{AppTransID: "250310_x", Amount: 160000}
	got = h.svc.HandleCallback(ctx, gateway.Callback{MAC: "good"})
	assert.Equal(t, CallbackRetry, got.ReturnCode)

	h.gw.callback = &gateway.CallbackData{AppTransID: res.TransactionID, Amount: 1}
	got = h.svc.HandleCallback(ctx, gateway.Callback{MAC: "good"})
	assert.Equal(t, CallbackInvalid, got.ReturnCode)
	assert.Equal(t, model.PaymentUnpaid, h.mem.payment(res.PaymentID).Status)

	h.gw.callback = &gateway.CallbackData{AppTransID: res.TransactionID, Amount: 160000}
	h.expectTx()
	got = h.svc.HandleCallback(ctx, gateway.Callback{MAC: "good"})
	assert.Equal(t, CallbackResult{CallbackOK, "success"}, got)
	assert.Equal(t, model.PaymentPaid, h.mem.payment(res.PaymentID).Status)
	assert.Equal(t, model.BookingConfirmed, h.mem.booking(res.BookingID).Status)

	// gateway retry of the same callback
	h.expectTx()
	got = h.svc.HandleCallback(ctx, gateway.Callback{MAC: "good"})
	assert.Equal(t, CallbackOK, got.ReturnCode)
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestHandleCallbackDatabaseErrorAsksForRetry(t *testing.T) {
	h := newHarness(t)
	h.seedSlots()
	res := h.book(t, 5)
	h.gw.callback = &gateway.CallbackData{AppTransID: res.TransactionID, Amount: 80000}
	h.mock.ExpectBegin().WillReturnError(assert.AnError)

	got := h.svc.HandleCallback(context.Background(), gateway.Callback{MAC: "good"})
	assert.Equal(t, CallbackRetry, got.ReturnCode)
	assert.Equal(t, model.PaymentUnpaid, h.mem.payment(res.PaymentID).Status)
}

func TestPendingWatchesListsUnresolvedBookings(t *testing.T) {
	h := newHarness(t)
	h.seedSlots()
	a := h.book(t, 5)
	b := h.book(t, 6)
	h.expectTx()
	_, err := h.svc.MarkPaid(context.Background(), b.PaymentID)
	require.NoError(t, err)

	ws, err := h.svc.PendingWatches(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, ws, 1)
	assert.Equal(t, a.BookingID, ws[0].BookingID)
}
