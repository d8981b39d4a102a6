package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"whookfirm/internal/metrics"
)

// Redis implements Queue over Redis. Each lane has a ready list
// (queue:<lane>) and a delayed sorted set (queue:<lane>:delayed) scored by
// due time. A promoter loop moves due tasks into the ready list; it pushes
// before removing from the set, so a crash in between duplicates a task
// rather than losing it.
type Redis struct {
	rdb *redis.Client
	log *logrus.Logger
}

func NewRedis(redisURL string, log *logrus.Logger) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Redis{rdb: rdb, log: log}, nil
}

func (q *Redis) Close() error { return q.rdb.Close() }

func readyKey(lane string) string   { return "queue:" + lane }
func delayedKey(lane string) string { return "queue:" + lane + ":delayed" }

func (q *Redis) Enqueue(ctx context.Context, lane string, task Task, delay time.Duration) error {
	task.Lane = lane
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if delay > 0 {
		due := float64(time.Now().Add(delay).UnixMilli())
		return q.rdb.ZAdd(ctx, delayedKey(lane), redis.Z{Score: due, Member: data}).Err()
	}
	return q.rdb.LPush(ctx, readyKey(lane), data).Err()
}

// promoteDue moves tasks whose due time has passed from the delayed set to
// the ready list.
func (q *Redis) promoteDue(ctx context.Context, lane string) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, delayedKey(lane), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}
	for _, m := range members {
		if err := q.rdb.LPush(ctx, readyKey(lane), m).Err(); err != nil {
			q.log.WithError(err).WithField("lane", lane).Warn("promote push failed")
			return
		}
		_ = q.rdb.ZRem(ctx, delayedKey(lane), m).Err()
	}
}

// Consumer pulls tasks from one lane and runs them through a Handler.
// Concurrency is the number of pulling goroutines; Limiter, when set,
// throttles task starts across all of them (used on the low-priority lane
// to protect shared delivery capacity from whale accounts).
type Consumer struct {
	Queue       *Redis
	Lane        string
	Concurrency int
	Limiter     *rate.Limiter
	MaxAttempts int
	Log         *logrus.Logger
}

// Run blocks until ctx is done. Tasks are popped with BLMOVE into a
// processing list and removed only after the handler returns, so a worker
// crash leaves the task recoverable (at-least-once).
func (c *Consumer) Run(ctx context.Context, h Handler) {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = MaxAttempts
	}
	c.reclaim(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Queue.promoteDue(ctx, c.Lane)
			}
		}
	}()
	for i := 0; i < c.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx, h)
		}()
	}
	wg.Wait()
}

func (c *Consumer) processingKey() string { return readyKey(c.Lane) + ":processing" }

// reclaim requeues tasks stranded in the processing list by a previous
// crash. Safe to run with live consumers only at startup, before loops
// begin pulling.
func (c *Consumer) reclaim(ctx context.Context) {
	for {
		_, err := c.Queue.rdb.LMove(ctx, c.processingKey(), readyKey(c.Lane), "RIGHT", "LEFT").Result()
		if err != nil {
			return
		}
	}
}

func (c *Consumer) loop(ctx context.Context, h Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		raw, err := c.Queue.rdb.BLMove(ctx, readyKey(c.Lane), c.processingKey(), "RIGHT", "LEFT", time.Second).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			c.Log.WithError(err).WithField("lane", c.Lane).Warn("queue pop failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		c.handleRaw(ctx, h, raw)
	}
}

func (c *Consumer) handleRaw(ctx context.Context, h Handler, raw string) {
	defer func() {
		_ = c.Queue.rdb.LRem(ctx, c.processingKey(), 1, raw).Err()
	}()

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		c.Log.WithError(err).WithField("lane", c.Lane).Error("dropping undecodable task")
		return
	}
	if task.Lane == "" {
		task.Lane = c.Lane
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			// Shutting down mid-wait: put the task back untouched.
			_ = c.Queue.rdb.LPush(context.Background(), readyKey(c.Lane), raw).Err()
			return
		}
	}

	res := h(ctx, task)
	switch res.Kind {
	case KindRetryAfter:
		if task.Attempts+1 >= c.MaxAttempts {
			c.Log.WithFields(logrus.Fields{
				"event_id": task.EventID,
				"lane":     task.Lane,
				"attempts": task.Attempts + 1,
			}).Warn("task retry budget exhausted")
			return
		}
		task.Attempts++
		if err := c.Queue.Enqueue(context.Background(), task.Lane, task, res.Delay); err != nil {
			c.Log.WithError(err).WithField("event_id", task.EventID).Error("requeue failed")
			return
		}
		metrics.TaskRequeues.WithLabelValues(task.Lane).Inc()
	case KindPermanentFailure:
		c.Log.WithFields(logrus.Fields{
			"event_id": task.EventID,
			"lane":     task.Lane,
		}).Warn("task failed permanently")
	}
}
