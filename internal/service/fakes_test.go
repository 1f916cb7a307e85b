package service

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iliyamo/pod-booking/internal/gateway"
	"github.com/iliyamo/pod-booking/internal/model"
	"github.com/iliyamo/pod-booking/internal/queue"
	"github.com/iliyamo/pod-booking/internal/repository"
)

// mem is an in-memory stand-in for the three repositories. Transactions
// are tracked by sqlmock; mem itself applies writes immediately.
type mem struct {
	mu           sync.Mutex
	nextID       uint64
	pods         map[uint64]bool
	slots        map[uint64]*model.Slot
	bookings     map[uint64]*model.Booking
	bookingSlots []model.BookingSlot
	payments     map[uint64]*model.Payment
	inserted     [][]model.Slot
}

func newMem() *mem {
	return &mem{
		nextID:   100,
		pods:     map[uint64]bool{},
		slots:    map[uint64]*model.Slot{},
		bookings: map[uint64]*model.Booking{},
		payments: map[uint64]*model.Payment{},
	}
}

func (m *mem) id() uint64 { m.nextID++; return m.nextID }

func (m *mem) addSlot(s model.Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	m.slots[s.ID] = &cp
}

func (m *mem) slot(id uint64) model.Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.slots[id]
}

func (m *mem) booking(id uint64) model.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.bookings[id]
}

func (m *mem) payment(id uint64) model.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.payments[id]
}

type fakeSlots struct{ *mem }

func (f fakeSlots) LockPodTx(_ context.Context, _ *sql.Tx, podID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.pods[podID] {
		return repository.ErrPodNotFound
	}
	return nil
}

func (f fakeSlots) FindOverlappingTx(_ context.Context, _ *sql.Tx, podID uint64, start, end time.Time) ([]model.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Slot
	for _, s := range f.slots {
		if s.PodID == podID && s.StartTime.Before(end) && s.EndTime.After(start) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (f fakeSlots) CreateBulkTx(_ context.Context, _ *sql.Tx, slots []model.Slot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, slots)
	for _, s := range slots {
		cp := s
		cp.ID = f.id()
		f.slots[cp.ID] = &cp
	}
	return nil
}

func (f fakeSlots) GetByIDsTx(_ context.Context, _ *sql.Tx, podID uint64, ids []uint64) ([]model.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Slot
	for _, id := range ids {
		s, ok := f.slots[id]
		if !ok || s.PodID != podID {
			return nil, repository.ErrSlotNotFound
		}
		out = append(out, *s)
	}
	return out, nil
}

func (f fakeSlots) flip(ids []uint64, from, to bool) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, id := range ids {
		if s, ok := f.slots[id]; ok && s.IsAvailable == from {
			s.IsAvailable = to
			n++
		}
	}
	return n
}

func (f fakeSlots) ReserveManyTx(_ context.Context, _ *sql.Tx, ids []uint64) (int64, error) {
	return f.flip(ids, true, false), nil
}

func (f fakeSlots) ReleaseManyTx(_ context.Context, _ *sql.Tx, ids []uint64) (int64, error) {
	return f.flip(ids, false, true), nil
}

func (f fakeSlots) List(_ context.Context, flt model.SlotFilter) ([]model.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.Slot{}
	for _, s := range f.slots {
		if s.PodID == flt.PodID {
			out = append(out, *s)
		}
	}
	return out, nil
}

type fakeBookings struct{ *mem }

func (f fakeBookings) CreateTx(_ context.Context, _ *sql.Tx, b *model.Booking) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b.ID = f.id()
	cp := *b
	f.bookings[b.ID] = &cp
	return nil
}

func (f fakeBookings) CreateSlotsBulkTx(_ context.Context, _ *sql.Tx, slots []model.BookingSlot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range slots {
		s.ID = f.id()
		f.bookingSlots = append(f.bookingSlots, s)
	}
	return nil
}

func (f fakeBookings) GetByID(_ context.Context, id uint64) (*model.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[id]
	if !ok {
		return nil, repository.ErrBookingNotFound
	}
	cp := *b
	return &cp, nil
}

func (f fakeBookings) GetByIDTx(ctx context.Context, _ *sql.Tx, id uint64) (*model.Booking, error) {
	return f.GetByID(ctx, id)
}

func (f fakeBookings) SlotsByBooking(_ context.Context, bookingID uint64) ([]model.BookingSlot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.BookingSlot{}
	for _, s := range f.bookingSlots {
		if s.BookingID == bookingID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f fakeBookings) SlotIDsTx(ctx context.Context, _ *sql.Tx, bookingID uint64) ([]uint64, error) {
	bs, _ := f.SlotsByBooking(ctx, bookingID)
	ids := make([]uint64, len(bs))
	for i, s := range bs {
		ids[i] = s.SlotID
	}
	return ids, nil
}

func (f fakeBookings) TransitionTx(_ context.Context, _ *sql.Tx, id uint64, to string, from ...string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[id]
	if !ok {
		return 0, nil
	}
	for _, s := range from {
		if b.Status == s {
			b.Status = to
			return 1, nil
		}
	}
	return 0, nil
}

func (f fakeBookings) ClaimSlotReleaseTx(_ context.Context, _ *sql.Tx, id uint64, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[id]
	if !ok || b.Status != model.BookingCanceled || b.SlotsReleasedAt != nil {
		return false, nil
	}
	t := at
	b.SlotsReleasedAt = &t
	return true, nil
}

func (f fakeBookings) Update(_ context.Context, p model.BookingPatch) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.Rating == nil && p.Comment == nil {
		return 0, repository.ErrNoChange
	}
	b, ok := f.bookings[p.ID]
	if !ok {
		return 0, nil
	}
	if p.Rating != nil {
		r := *p.Rating
		b.Rating = &r
	}
	if p.Comment != nil {
		c := *p.Comment
		b.Comment = &c
	}
	return 1, nil
}

func (f fakeBookings) ListPendingWatches(_ context.Context, limit int) ([]model.PendingWatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.PendingWatch
	for _, p := range f.payments {
		b := f.bookings[p.BookingID]
		if b.Status == model.BookingPending && !p.IsTerminal() && len(out) < limit {
			out = append(out, model.PendingWatch{BookingID: b.ID, PaymentID: p.ID, UserID: b.UserID, CreatedAt: b.CreatedAt})
		}
	}
	return out, nil
}

type fakePayments struct{ *mem }

func (f fakePayments) CreateTx(_ context.Context, _ *sql.Tx, p *model.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.ID = f.id()
	cp := *p
	f.payments[p.ID] = &cp
	return nil
}

func (f fakePayments) find(match func(*model.Payment) bool) (*model.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if match(p) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repository.ErrPaymentNotFound
}

func (f fakePayments) GetByID(_ context.Context, id uint64) (*model.Payment, error) {
	return f.find(func(p *model.Payment) bool { return p.ID == id })
}

func (f fakePayments) GetByTransactionID(_ context.Context, transID string) (*model.Payment, error) {
	return f.find(func(p *model.Payment) bool { return p.TransactionID == transID })
}

func (f fakePayments) GetByBookingID(_ context.Context, bookingID uint64) (*model.Payment, error) {
	return f.find(func(p *model.Payment) bool { return p.BookingID == bookingID })
}

func (f fakePayments) SettleTx(_ context.Context, _ *sql.Tx, id uint64, to string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok || p.IsTerminal() {
		return 0, nil
	}
	p.Status = to
	return 1, nil
}

type fakeGateway struct {
	mu       sync.Mutex
	seq      int
	result   *gateway.OrderResult
	err      error
	orders   []gateway.OrderRequest
	callback *gateway.CallbackData
}

func (g *fakeGateway) NewTransactionID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return "250310_" + string(rune('0'+g.seq))
}

func (g *fakeGateway) CreateOrder(_ context.Context, req gateway.OrderRequest) (*gateway.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders = append(g.orders, req)
	if g.err != nil {
		return nil, g.err
	}
	if g.result != nil {
		return g.result, nil
	}
	return &gateway.OrderResult{Accepted: true, RedirectURL: "https://pay.example/" + req.TransactionID, ReturnCode: 1}, nil
}

func (g *fakeGateway) ParseCallback(cb gateway.Callback) (*gateway.CallbackData, error) {
	if cb.MAC != "good" {
		return nil, gateway.ErrInvalidMAC
	}
	return g.callback, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []queue.Event
}

func (n *fakeNotifier) Publish(_ context.Context, ev queue.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *fakeNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, e := range n.events {
		out[i] = e.Type
	}
	return out
}

type fakeWatcher struct {
	mu      sync.Mutex
	watches []model.PendingWatch
	stopped []uint64
}

func (w *fakeWatcher) Stop(id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = append(w.stopped, id)
}

func (w *fakeWatcher) Watch(pw model.PendingWatch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watches = append(w.watches, pw)
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

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var t0 = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

type harness struct {
	svc     *BookingService
	mock    sqlmock.Sqlmock
	mem     *mem
	gw      *fakeGateway
	notify  *fakeNotifier
	watcher *fakeWatcher
	clock   *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		mock:    mock,
		mem:     newMem(),
		gw:      &fakeGateway{},
		notify:  &fakeNotifier{},
		watcher: &fakeWatcher{},
		clock:   &fakeClock{now: t0},
	}
	h.svc = NewBookingService(db, fakeSlots{h.mem}, fakeBookings{h.mem}, fakePayments{h.mem}, h.gw, h.notify,
		zap.NewNop(), WithClock(h.clock))
	h.svc.AttachWatcher(h.watcher)
	return h
}

// seedSlots adds two available one-hour slots (ids 5 and 6) on pod 3
// starting at 09:00, priced 80000 each.
func (h *harness) seedSlots() {
	start := t0.Add(time.Hour)
	h.mem.pods[3] = true
	h.mem.addSlot(model.Slot{ID: 5, PodID: 3, StartTime: start, EndTime: start.Add(time.Hour), UnitPrice: 80000, IsAvailable: true})
	h.mem.addSlot(model.Slot{ID: 6, PodID: 3, StartTime: start.Add(time.Hour), EndTime: start.Add(2 * time.Hour), UnitPrice: 80000, IsAvailable: true})
}

func (h *harness) expectTx() {
	h.mock.ExpectBegin()
	h.mock.ExpectCommit()
}

func (h *harness) book(t *testing.T, ids ...uint64) *CreateBookingResult {
	t.Helper()
	h.expectTx()
	res, err := h.svc.CreateBooking(context.Background(), CreateBookingInput{PodID: 3, UserID: 7, SlotIDs: ids})
	require.NoError(t, err)
	return res
}
