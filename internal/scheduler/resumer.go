package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// resumeBatch caps how many pending bookings one resume pass re-attaches.
const resumeBatch = 500

// Resumer periodically re-attaches watchers to bookings that are still
// pending, so a restart or a crashed peer does not strand reservations.
type Resumer struct {
	sched *Scheduler
	cron  *cron.Cron
	log   *zap.Logger
}

// NewResumer registers the resume job on spec (e.g. "@every 1m").
func NewResumer(s *Scheduler, spec string, log *zap.Logger) (*Resumer, error) {
	r := &Resumer{
		sched: s,
		cron:  cron.New(),
		log:   log.Named("resumer"),
	}
	if _, err := r.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		r.ResumeNow(ctx)
	}); err != nil {
		return nil, err
	}
	return r, nil
}

// ResumeNow runs one pass and returns how many watches it requested.
func (r *Resumer) ResumeNow(ctx context.Context) int {
	ws, err := r.sched.life.PendingWatches(ctx, resumeBatch)
	if err != nil {
		r.log.Warn("list pending bookings failed", zap.Error(err))
		return 0
	}
	for _, w := range ws {
		r.sched.Watch(w)
	}
	if len(ws) > 0 {
		r.log.Debug("resume pass", zap.Int("pending", len(ws)), zap.Int("active", r.sched.Active()))
	}
	return len(ws)
}

// Start runs the cron scheduler in its own goroutine.
func (r *Resumer) Start() { r.cron.Start() }

// Stop stops the cron scheduler and returns a context that is done once a
// running pass has finished.
func (r *Resumer) Stop() context.Context { return r.cron.Stop() }
