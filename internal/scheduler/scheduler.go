// Package scheduler runs the per-booking reconciliation watchers. Each
// booking gets a booking watcher enforcing the pending timeout and a payment
// watcher polling the gateway; the two share one cancellation context and
// whichever reaches a terminal outcome stops the other.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/iliyamo/pod-booking/internal/gateway"
	"github.com/iliyamo/pod-booking/internal/model"
	"github.com/iliyamo/pod-booking/internal/repository"
)

// Lifecycle is the booking state engine the watchers drive. It is
// satisfied by *service.BookingService.
type Lifecycle interface {
	LoadBooking(ctx context.Context, id uint64) (*model.Booking, error)
	LoadPayment(ctx context.Context, id uint64) (*model.Payment, error)
	ExpireBooking(ctx context.Context, bookingID uint64) (bool, error)
	ReleaseIfCanceled(ctx context.Context, bookingID uint64) (bool, error)
	MarkPaid(ctx context.Context, paymentID uint64) (bool, error)
	MarkFailed(ctx context.Context, paymentID uint64) (bool, error)
	PendingWatches(ctx context.Context, limit int) ([]model.PendingWatch, error)
}

// StatusQuerier is satisfied by *gateway.Client.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, transactionID string) (*gateway.QueryResult, error)
}

// Config tunes the watchers.
type Config struct {
	// Expiry is how long a booking may stay pending.
	Expiry time.Duration
	// BookingInterval is the booking watcher's tick.
	BookingInterval time.Duration
	// PaymentInterval is the first payment poll delay; it doubles after
	// every pending answer up to PaymentMaxInterval.
	PaymentInterval    time.Duration
	PaymentMaxInterval time.Duration
	// QueryQPS caps gateway status queries across all watchers.
	QueryQPS float64
}

func (c *Config) defaults() {
	if c.Expiry <= 0 {
		c.Expiry = 5 * time.Minute
	}
	if c.BookingInterval <= 0 {
		c.BookingInterval = time.Second
	}
	if c.PaymentInterval <= 0 {
		c.PaymentInterval = time.Second
	}
	if c.PaymentMaxInterval < c.PaymentInterval {
		c.PaymentMaxInterval = 16 * c.PaymentInterval
	}
	if c.QueryQPS <= 0 {
		c.QueryQPS = 10
	}
}

// Scheduler owns every running watcher. All watchers derive from one root
// context so Shutdown stops them together.
type Scheduler struct {
	cfg     Config
	life    Lifecycle
	gw      StatusQuerier
	lease   Lease
	clock   model.Clock
	limiter *rate.Limiter
	log     *zap.Logger

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[uint64]context.CancelFunc
	closed bool
}

// New builds a Scheduler. A nil lease means NopLease and a nil clock the
// wall clock.
func New(life Lifecycle, gw StatusQuerier, lease Lease, clock model.Clock, cfg Config, log *zap.Logger) *Scheduler {
	cfg.defaults()
	if lease == nil {
		lease = NopLease{}
	}
	if clock == nil {
		clock = model.RealClock{}
	}
	root, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg,
		life:    life,
		gw:      gw,
		lease:   lease,
		clock:   clock,
		limiter: rate.NewLimiter(rate.Limit(cfg.QueryQPS), 1),
		log:     log.Named("scheduler"),
		root:    root,
		cancel:  cancel,
		active:  make(map[uint64]context.CancelFunc),
	}
}

// Watch starts both watchers for a booking. It is a no-op when the booking
// is already watched here, when another process holds its lease, or after
// Shutdown. The lease is taken without holding s.mu so a slow Redis never
// stalls Stop or Active.
func (s *Scheduler) Watch(w model.PendingWatch) {
	s.mu.Lock()
	_, busy := s.active[w.BookingID]
	closed := s.closed
	s.mu.Unlock()
	if closed || busy {
		return
	}

	ok, err := s.lease.Acquire(s.root, w.BookingID, s.cfg.Expiry+time.Minute)
	if err != nil {
		// idempotent writes make a duplicate watcher harmless, a missing one is not
		s.log.Warn("lease unavailable, watching anyway", zap.Uint64("booking_id", w.BookingID), zap.Error(err))
	} else if !ok {
		s.log.Debug("booking watched elsewhere", zap.Uint64("booking_id", w.BookingID))
		return
	}

	s.mu.Lock()
	if _, busy := s.active[w.BookingID]; busy {
		// the running watcher holds the same lease
		s.mu.Unlock()
		return
	}
	if s.closed {
		s.mu.Unlock()
		s.releaseLease(w.BookingID)
		return
	}
	ctx, cancel := context.WithCancel(s.root)
	s.active[w.BookingID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()
	go s.run(ctx, cancel, w)
}

func (s *Scheduler) releaseLease(bookingID uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.lease.Release(ctx, bookingID); err != nil {
		s.log.Warn("lease release failed", zap.Uint64("booking_id", bookingID), zap.Error(err))
	}
}

func (s *Scheduler) run(ctx context.Context, cancel context.CancelFunc, w model.PendingWatch) {
	defer s.wg.Done()
	log := s.log.With(zap.Uint64("booking_id", w.BookingID), zap.Uint64("payment_id", w.PaymentID))
	log.Debug("watchers started")

	var inner sync.WaitGroup
	inner.Add(2)
	go func() {
		defer inner.Done()
		defer cancel()
		s.watchBooking(ctx, w, log)
	}()
	go func() {
		defer inner.Done()
		defer cancel()
		s.watchPayment(ctx, w, log)
	}()
	inner.Wait()

	s.mu.Lock()
	delete(s.active, w.BookingID)
	s.mu.Unlock()

	s.releaseLease(w.BookingID)
	log.Debug("watchers stopped")
}

// Active reports how many bookings are being watched.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Stop cancels the watchers of one booking, if any.
func (s *Scheduler) Stop(bookingID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.active[bookingID]; ok {
		cancel()
	}
}

// Shutdown cancels every watcher and waits for them to return or for ctx
// to end.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) watchBooking(ctx context.Context, w model.PendingWatch, log *zap.Logger) {
	for {
		if s.bookingTick(ctx, w.BookingID, log) {
			return
		}
		wait := s.cfg.BookingInterval
		if left := w.CreatedAt.Add(s.cfg.Expiry).Sub(s.clock.Now()); left > 0 && left < wait {
			wait = left
		}
		if !sleep(ctx, wait) {
			return
		}
	}
}

// bookingTick applies the booking rules once and reports whether the
// watcher is done. Errors are logged and retried on the next tick.
func (s *Scheduler) bookingTick(ctx context.Context, bookingID uint64, log *zap.Logger) bool {
	b, err := s.life.LoadBooking(ctx, bookingID)
	if errors.Is(err, repository.ErrBookingNotFound) {
		log.Warn("watched booking disappeared")
		return true
	}
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("booking tick failed", zap.Error(err))
		}
		return false
	}

	switch b.Status {
	case model.BookingComplete, model.BookingOngoing, model.BookingConfirmed:
		log.Debug("booking settled", zap.String("status", b.Status))
		return true
	case model.BookingCanceled:
		if _, err := s.life.ReleaseIfCanceled(ctx, b.ID); err != nil {
			log.Warn("release after cancel failed", zap.Error(err))
			return false
		}
		return true
	}

	if s.clock.Now().Sub(b.CreatedAt) < s.cfg.Expiry {
		return false
	}
	if _, err := s.life.ExpireBooking(ctx, b.ID); err != nil {
		log.Warn("expire booking failed", zap.Error(err))
		return false
	}
	return true
}

func (s *Scheduler) watchPayment(ctx context.Context, w model.PendingWatch, log *zap.Logger) {
	interval := s.cfg.PaymentInterval
	var transID string
	for {
		if !sleep(ctx, interval) {
			return
		}
		if transID == "" {
			p, err := s.life.LoadPayment(ctx, w.PaymentID)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("load payment failed", zap.Error(err))
				}
				continue
			}
			if p.IsTerminal() {
				return
			}
			transID = p.TransactionID
		}
		if s.paymentTick(ctx, w.PaymentID, transID, log) {
			return
		}
		if interval *= 2; interval > s.cfg.PaymentMaxInterval {
			interval = s.cfg.PaymentMaxInterval
		}
	}
}

// paymentTick queries the gateway once and reports whether the watcher is
// done. A pending answer or any error keeps the watcher alive.
func (s *Scheduler) paymentTick(ctx context.Context, paymentID uint64, transID string, log *zap.Logger) bool {
	if err := s.limiter.Wait(ctx); err != nil {
		return false
	}
	res, err := s.gw.QueryStatus(ctx, transID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("gateway query failed", zap.String("transaction_id", transID), zap.Error(err))
		}
		return false
	}
	log.Debug("gateway status", zap.Stringer("status", res.Status), zap.Int("code", res.ReturnCode))

	switch res.Status {
	case gateway.StatusSuccess:
		if _, err := s.life.MarkPaid(ctx, paymentID); err != nil {
			log.Warn("mark paid failed", zap.Error(err))
			return false
		}
		return true
	case gateway.StatusFailed:
		if _, err := s.life.MarkFailed(ctx, paymentID); err != nil {
			log.Warn("mark failed failed", zap.Error(err))
			return false
		}
		return true
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
