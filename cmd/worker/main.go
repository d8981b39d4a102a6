package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"whookfirm/internal/config"
	"whookfirm/internal/metrics"
	"whookfirm/internal/queue"
	"whookfirm/internal/store"
	"whookfirm/internal/webhooks"
)

// The worker process consumes both dispatch lanes: the high-priority lane
// unthrottled, the low-priority (whale) lane behind a rate limiter. Run
// as many replicas as needed; tasks are delivered at least once and the
// delivery records keep redelivery idempotent.
func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		log.Fatal("REDIS_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := store.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer pg.Close()
	if cfg.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			log.WithError(err).Fatal("migration failed")
		}
	}

	rq, err := queue.NewRedis(cfg.RedisURL, log)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to redis")
	}
	defer rq.Close()

	metrics.RegisterDefault()
	worker := webhooks.NewWorker(pg, webhooks.NewClient(log), log)

	var lowLimiter *rate.Limiter
	if cfg.Worker.LowLaneRPS > 0 {
		lowLimiter = rate.NewLimiter(rate.Limit(cfg.Worker.LowLaneRPS), 1)
	}

	consumers := []*queue.Consumer{
		{
			Queue:       rq,
			Lane:        queue.LaneHighPriority,
			Concurrency: cfg.Worker.Concurrency,
			MaxAttempts: cfg.Worker.MaxAttempts,
			Log:         log,
		},
		{
			Queue:       rq,
			Lane:        queue.LaneLowPriority,
			Concurrency: cfg.Worker.Concurrency,
			MaxAttempts: cfg.Worker.MaxAttempts,
			Limiter:     lowLimiter,
			Log:         log,
		},
	}

	log.WithFields(logrus.Fields{
		"concurrency": cfg.Worker.Concurrency,
		"lanes":       []string{queue.LaneHighPriority, queue.LaneLowPriority},
	}).Info("delivery worker starting")

	var wg sync.WaitGroup
	for _, c := range consumers {
		wg.Add(1)
		go func(c *queue.Consumer) {
			defer wg.Done()
			c.Run(ctx, worker.Handle)
		}(c)
	}
	wg.Wait()
	log.Info("delivery worker stopped")
}
