package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"whookfirm/internal/api"
	"whookfirm/internal/config"
	"whookfirm/internal/metrics"
	"whookfirm/internal/queue"
	"whookfirm/internal/store"
	"whookfirm/internal/webhooks"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
	} else {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to postgres")
		}
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				log.WithError(err).Fatal("migration failed")
			}
		}
		st = pg
	}

	metrics.RegisterDefault()
	client := webhooks.NewClient(log)

	// With Redis the dedicated worker binary consumes; without it this
	// process runs an in-memory queue and embedded consumers.
	var q queue.Queue
	if cfg.RedisURL == "" {
		log.Warn("REDIS_URL not set, using in-memory queue with embedded workers")
		mem := queue.NewMemory()
		q = mem
		worker := webhooks.NewWorker(st, client, log)
		for _, lane := range []string{queue.LaneHighPriority, queue.LaneLowPriority} {
			c := &queue.MemoryConsumer{
				Queue:       mem,
				Lane:        lane,
				Concurrency: cfg.Worker.Concurrency,
				MaxAttempts: cfg.Worker.MaxAttempts,
				Log:         log,
			}
			go c.Run(ctx, worker.Handle)
		}
	} else {
		rq, err := queue.NewRedis(cfg.RedisURL, log)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to redis")
		}
		q = rq
	}

	pub := webhooks.NewPublisher(st, q, log)
	srv := api.NewServer(st, pub, client, log)

	mux := http.NewServeMux()
	srv.Routes(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           logMiddleware(log, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutCtx)
	}()

	log.WithField("addr", httpSrv.Addr).Info("API listening")
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("server error")
	}
}

func logMiddleware(log *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(logrus.Fields{
			"remote":   r.RemoteAddr,
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Info("request")
	})
}
