package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iliyamo/pod-booking/internal/gateway"
	"github.com/iliyamo/pod-booking/internal/model"
	"github.com/iliyamo/pod-booking/internal/repository"
)

type fakeLife struct {
	mu       sync.Mutex
	clock    model.Clock
	expiry   time.Duration
	bookings map[uint64]*model.Booking
	payments map[uint64]*model.Payment
	loadErr  error
	calls    map[string]int
	pending  []model.PendingWatch
}

func newFakeLife(clock model.Clock) *fakeLife {
	return &fakeLife{
		clock:    clock,
		expiry:   5 * time.Minute,
		bookings: map[uint64]*model.Booking{},
		payments: map[uint64]*model.Payment{},
		calls:    map[string]int{},
	}
}

func (f *fakeLife) add(bookingID, paymentID uint64, created time.Time) model.PendingWatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bookings[bookingID] = &model.Booking{ID: bookingID, UserID: 7, Status: model.BookingPending, CreatedAt: created}
	f.payments[paymentID] = &model.Payment{ID: paymentID, BookingID: bookingID, TransactionID: "250310_1", Status: model.PaymentUnpaid}
	return model.PendingWatch{BookingID: bookingID, PaymentID: paymentID, UserID: 7, CreatedAt: created}
}

func (f *fakeLife) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeLife) status(id uint64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bookings[id].Status
}

func (f *fakeLife) setStatus(id uint64, st string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bookings[id].Status = st
}

func (f *fakeLife) LoadBooking(_ context.Context, id uint64) (*model.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["load"]++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	b, ok := f.bookings[id]
	if !ok {
		return nil, repository.ErrBookingNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeLife) LoadPayment(_ context.Context, id uint64) (*model.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return nil, repository.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeLife) ExpireBooking(_ context.Context, id uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["expire"]++
	b := f.bookings[id]
	if b.Status != model.BookingPending || f.clock.Now().Sub(b.CreatedAt) < f.expiry {
		return false, nil
	}
	b.Status = model.BookingCanceled
	return true, nil
}

func (f *fakeLife) ReleaseIfCanceled(context.Context, uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["release"]++
	return true, nil
}

func (f *fakeLife) settle(paymentID uint64, pay, booking string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.payments[paymentID]
	if !p.IsTerminal() {
		p.Status = pay
	}
	b := f.bookings[p.BookingID]
	if b.Status != model.BookingPending {
		return false, nil
	}
	b.Status = booking
	return true, nil
}

func (f *fakeLife) MarkPaid(_ context.Context, id uint64) (bool, error) {
	f.mu.Lock()
	f.calls["paid"]++
	f.mu.Unlock()
	return f.settle(id, model.PaymentPaid, model.BookingConfirmed)
}

func (f *fakeLife) MarkFailed(_ context.Context, id uint64) (bool, error) {
	f.mu.Lock()
	f.calls["failed"]++
	f.mu.Unlock()
	return f.settle(id, model.PaymentFailed, model.BookingCanceled)
}

func (f *fakeLife) PendingWatches(context.Context, int) ([]model.PendingWatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

type fakeQuerier struct {
	mu     sync.Mutex
	status gateway.Status
	err    error
	calls  int
}

func (q *fakeQuerier) set(s gateway.Status) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.status = s
}

func (q *fakeQuerier) QueryStatus(context.Context, string) (*gateway.QueryResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.err != nil {
		return nil, q.err
	}
	return &gateway.QueryResult{Status: q.status}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var t0 = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

func TestBookingTickExpiresAfterThreshold(t *testing.T) {
	clock := &fakeClock{now: t0}
	life := newFakeLife(clock)
	life.add(11, 21, t0)
	s := New(life, &fakeQuerier{}, nil, clock, Config{}, zap.NewNop())
	ctx := context.Background()

	clock.Set(t0.Add(4*time.Minute + 59*time.Second))
	assert.False(t, s.bookingTick(ctx, 11, s.log))
	assert.Zero(t, life.count("expire"))

	clock.Set(t0.Add(5*time.Minute + time.Second))
	assert.True(t, s.bookingTick(ctx, 11, s.log))
	assert.Equal(t, 1, life.count("expire"))
	assert.Equal(t, model.BookingCanceled, life.status(11))
}

func TestBookingTickTerminalStates(t *testing.T) {
	clock := &fakeClock{now: t0}
	life := newFakeLife(clock)
	life.add(11, 21, t0)
	s := New(life, &fakeQuerier{}, nil, clock, Config{}, zap.NewNop())
	ctx := context.Background()

	for _, st := range []string{model.BookingConfirmed, model.BookingComplete, model.BookingOngoing} {
		life.setStatus(11, st)
		assert.True(t, s.bookingTick(ctx, 11, s.log), st)
	}
	assert.Zero(t, life.count("release"))

	life.setStatus(11, model.BookingCanceled)
	assert.True(t, s.bookingTick(ctx, 11, s.log))
	assert.Equal(t, 1, life.count("release"))

	assert.True(t, s.bookingTick(ctx, 404, s.log), "missing booking stops the watcher")

	life.loadErr = errors.New("db down")
	assert.False(t, s.bookingTick(ctx, 11, s.log), "errors are retried")
}

func TestPaymentTickOutcomes(t *testing.T) {
	clock := &fakeClock{now: t0}
	life := newFakeLife(clock)
	life.add(11, 21, t0)
	q := &fakeQuerier{}
	s := New(life, q, nil, clock, Config{QueryQPS: 1000}, zap.NewNop())
	ctx := context.Background()

	q.set(gateway.StatusPending)
	assert.False(t, s.paymentTick(ctx, 21, "250310_1", s.log))

	q.err = errors.New("timeout")
	assert.False(t, s.paymentTick(ctx, 21, "250310_1", s.log))
	q.err = nil

	q.set(gateway.StatusSuccess)
	assert.True(t, s.paymentTick(ctx, 21, "250310_1", s.log))
	assert.Equal(t, model.BookingConfirmed, life.status(11))

	// a second success, e.g. after the callback already confirmed, is harmless
	assert.True(t, s.paymentTick(ctx, 21, "250310_1", s.log))
	assert.Equal(t, 2, life.count("paid"))
	assert.Equal(t, model.BookingConfirmed, life.status(11))

	life.add(12, 22, t0)
	q.set(gateway.StatusFailed)
	assert.True(t, s.paymentTick(ctx, 22, "250310_1", s.log))
	assert.Equal(t, model.BookingCanceled, life.status(12))
}

func fastConfig() Config {
	return Config{
		Expiry:             5 * time.Minute,
		BookingInterval:    5 * time.Millisecond,
		PaymentInterval:    5 * time.Millisecond,
		PaymentMaxInterval: 20 * time.Millisecond,
		QueryQPS:           1000,
	}
}

func TestWatchExpiresAndStopsBothWatchers(t *testing.T) {
	clock := &fakeClock{now: t0}
	life := newFakeLife(clock)
	w := life.add(11, 21, t0)
	q := &fakeQuerier{status: gateway.StatusPending}
	s := New(life, q, nil, clock, fastConfig(), zap.NewNop())

	s.Watch(w)
	require.Equal(t, 1, s.Active())

	clock.Set(t0.Add(5*time.Minute + time.Second))
	require.Eventually(t, func() bool { return s.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, model.BookingCanceled, life.status(11))
	assert.Equal(t, 1, life.count("expire"))
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestWatchConfirmsOnGatewaySuccess(t *testing.T) {
	clock := &fakeClock{now: t0}
	life := newFakeLife(clock)
	w := life.add(11, 21, t0)
	q := &fakeQuerier{status: gateway.StatusSuccess}
	s := New(life, q, nil, clock, fastConfig(), zap.NewNop())

	s.Watch(w)
	require.Eventually(t, func() bool { return s.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, model.BookingConfirmed, life.status(11))
	assert.Zero(t, life.count("expire"))
}

func TestWatchIsDeduplicatedAndShutdownStopsAll(t *testing.T) {
	clock := &fakeClock{now: t0}
	life := newFakeLife(clock)
	w1 := life.add(11, 21, t0)
	w2 := life.add(12, 22, t0)
	q := &fakeQuerier{status: gateway.StatusPending}
	s := New(life, q, nil, clock, fastConfig(), zap.NewNop())

	s.Watch(w1)
	s.Watch(w1)
	s.Watch(w2)
	assert.Equal(t, 2, s.Active())

	s.Stop(12)
	require.Eventually(t, func() bool { return s.Active() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Zero(t, s.Active())

	s.Watch(w1)
	assert.Zero(t, s.Active(), "no new watchers after shutdown")
	assert.Equal(t, model.BookingPending, life.status(11), "shutdown never changes state")
}

type denyLease struct{ NopLease }

func (denyLease) Acquire(context.Context, uint64, time.Duration) (bool, error) { return false, nil }

func TestWatchSkipsBookingsLeasedElsewhere(t *testing.T) {
	clock := &fakeClock{now: t0}
	life := newFakeLife(clock)
	w := life.add(11, 21, t0)
	s := New(life, &fakeQuerier{}, denyLease{}, clock, fastConfig(), zap.NewNop())

	s.Watch(w)
	assert.Zero(t, s.Active())
}

// slowLease blocks in Acquire until unblocked.
type slowLease struct {
	NopLease
	entered chan struct{}
	unblock chan struct{}
}

func (l *slowLease) Acquire(ctx context.Context, _ uint64, _ time.Duration) (bool, error) {
	close(l.entered)
	select {
	case <-l.unblock:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func TestSlowLeaseDoesNotBlockStopOrActive(t *testing.T) {
	clock := &fakeClock{now: t0}
	life := newFakeLife(clock)
	w := life.add(11, 21, t0)
	lease := &slowLease{entered: make(chan struct{}), unblock: make(chan struct{})}
	s := New(life, &fakeQuerier{status: gateway.StatusPending}, lease, clock, fastConfig(), zap.NewNop())
	defer func() { _ = s.Shutdown(context.Background()) }()

	go s.Watch(w)
	<-lease.entered

	done := make(chan struct{})
	go func() {
		s.Stop(12)
		_ = s.Active()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop and Active waited for the lease")
	}

	close(lease.unblock)
	require.Eventually(t, func() bool { return s.Active() == 1 }, time.Second, 5*time.Millisecond)
}

func TestResumerReattachesPendingBookings(t *testing.T) {
	clock := &fakeClock{now: t0}
	life := newFakeLife(clock)
	life.pending = []model.PendingWatch{life.add(11, 21, t0), life.add(12, 22, t0)}
	s := New(life, &fakeQuerier{status: gateway.StatusPending}, nil, clock, fastConfig(), zap.NewNop())
	defer func() { _ = s.Shutdown(context.Background()) }()

	r, err := NewResumer(s, "@every 1m", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, r.ResumeNow(context.Background()))
	assert.Equal(t, 2, s.Active())

	// a second pass does not double the watchers
	r.ResumeNow(context.Background())
	assert.Equal(t, 2, s.Active())

	_, err = NewResumer(s, "not a spec", zap.NewNop())
	assert.Error(t, err)
}
