package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/pod-booking/internal/config"
	"github.com/iliyamo/pod-booking/internal/database"
	"github.com/iliyamo/pod-booking/internal/gateway"
	"github.com/iliyamo/pod-booking/internal/handler"
	"github.com/iliyamo/pod-booking/internal/logging"
	"github.com/iliyamo/pod-booking/internal/middleware"
	"github.com/iliyamo/pod-booking/internal/queue"
	"github.com/iliyamo/pod-booking/internal/repository"
	"github.com/iliyamo/pod-booking/internal/router"
	"github.com/iliyamo/pod-booking/internal/scheduler"
	"github.com/iliyamo/pod-booking/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DB)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if cfg.DB.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			return err
		}
	}

	rdb := config.NewRedisClient(cfg.Redis)
	if rdb == nil {
		log.Warn("redis unavailable; cache, rate limit and watcher lease disabled")
	} else {
		defer rdb.Close()
	}

	notify, closeNotify, err := newNotifier(cfg.AMQP, log)
	if err != nil {
		return err
	}
	defer closeNotify()

	gw := gateway.NewClient(cfg.GatewayClientConfig())
	slotRepo := repository.NewSlotRepo(db)
	bookingSvc := service.NewBookingService(db, slotRepo, repository.NewBookingRepo(db), repository.NewPaymentRepo(db),
		gw, notify, log, service.WithExpiry(cfg.Watcher.Expiry))
	slotSvc := service.NewSlotService(db, slotRepo, cfg.Location, log)

	sched := scheduler.New(bookingSvc, gw, newLease(rdb), nil, cfg.SchedulerConfig(), log)
	bookingSvc.AttachWatcher(sched)
	resumer, err := scheduler.NewResumer(sched, cfg.Watcher.ResumeSpec, log)
	if err != nil {
		return fmt.Errorf("resume spec: %w", err)
	}
	resumer.ResumeNow(ctx)
	resumer.Start()

	cache := middleware.NewResponseCache(cfg.Cache, rdb, log)
	e := router.New(log, middleware.NewTokenBucket(cfg.RateLimit, rdb, log))
	podRepo := repository.NewPodRepo(db)
	pods := handler.NewPodHandler(podRepo, log)
	slots := handler.NewSlotHandler(slotSvc, podRepo, cache, log)
	router.RegisterRoutes(e, db)
	router.RegisterPublic(e, pods, slots, handler.NewPaymentHandler(bookingSvc, log), cache.Middleware())
	router.RegisterCustomer(e, handler.NewBookingHandler(bookingSvc, cache, log), cfg.JWT.Secret)
	router.RegisterOwner(e, pods, slots, cfg.JWT.Secret)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.App.Port
		log.Info("listening", zap.String("addr", addr), zap.String("env", cfg.App.Env))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.AMQP.URL != "" {
		relay := queue.NewRelay(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.NotifyQueue, queue.NewLogPublisher(log), log)
		g.Go(func() error {
			if err := relay.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(e, resumer, sched, log)
	})
	return g.Wait()
}

// newNotifier publishes to the broker when AMQP_URL is set and only logs
// events otherwise.
func newNotifier(cfg config.AMQPConfig, log *zap.Logger) (service.Notifier, func(), error) {
	if cfg.URL == "" {
		log.Info("AMQP_URL not set; events are logged only")
		return queue.NewLogPublisher(log), func() {}, nil
	}
	pub, err := queue.NewPublisher(cfg.URL, cfg.Exchange, log)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp publisher: %w", err)
	}
	return pub, func() { _ = pub.Close() }, nil
}

func newLease(rdb *redis.Client) scheduler.Lease {
	if rdb == nil {
		return scheduler.NopLease{}
	}
	return scheduler.NewRedisLease(rdb, "")
}

// shutdown stops taking requests, then stops the resume job and the
// watchers. Bookings still pending are picked up again by the next start.
func shutdown(e *echo.Echo, resumer *scheduler.Resumer, sched *scheduler.Scheduler, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	log.Info("shutting down")
	err := e.Shutdown(ctx)
	<-resumer.Stop().Done()
	if serr := sched.Shutdown(ctx); serr != nil && err == nil {
		err = serr
	}
	return err
}
