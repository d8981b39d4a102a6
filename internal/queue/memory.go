package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"whookfirm/internal/metrics"
)

type scheduledTask struct {
	task Task
	due  time.Time
}

// Memory is an in-process queue used when no REDIS_URL is set and by
// tests. Same lane/delay semantics as the Redis queue, no durability.
type Memory struct {
	mu    sync.Mutex
	lanes map[string][]scheduledTask
}

func NewMemory() *Memory {
	return &Memory{lanes: map[string][]scheduledTask{}}
}

func (q *Memory) Enqueue(ctx context.Context, lane string, task Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	task.Lane = lane
	q.lanes[lane] = append(q.lanes[lane], scheduledTask{task: task, due: time.Now().Add(delay)})
	return nil
}

// Len reports how many tasks sit on the lane, due or not.
func (q *Memory) Len(lane string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes[lane])
}

// pop removes and returns the earliest task on the lane that is due at t.
func (q *Memory) pop(lane string, t time.Time) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.lanes[lane]
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].due.Before(pending[j].due) })
	for i, st := range pending {
		if !st.due.After(t) {
			q.lanes[lane] = append(pending[:i:i], pending[i+1:]...)
			return st.task, true
		}
	}
	return Task{}, false
}

// PopDue is a test helper: it removes and returns the next task due now.
func (q *Memory) PopDue(lane string) (Task, bool) {
	return q.pop(lane, time.Now())
}

// Snapshot is a test helper returning the lane's tasks with their delays
// relative to now.
func (q *Memory) Snapshot(lane string) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.lanes[lane]))
	for _, st := range q.lanes[lane] {
		out = append(out, st.task)
	}
	return out
}

// MemoryConsumer polls a Memory queue and runs tasks through a Handler,
// mirroring Consumer for single-binary dev mode.
type MemoryConsumer struct {
	Queue       *Memory
	Lane        string
	Concurrency int
	MaxAttempts int
	Log         *logrus.Logger
}

func (c *MemoryConsumer) Run(ctx context.Context, h Handler) {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = MaxAttempts
	}
	var wg sync.WaitGroup
	for i := 0; i < c.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(100 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					for {
						task, ok := c.Queue.pop(c.Lane, time.Now())
						if !ok {
							break
						}
						c.dispatch(ctx, h, task)
					}
				}
			}
		}()
	}
	wg.Wait()
}

func (c *MemoryConsumer) dispatch(ctx context.Context, h Handler, task Task) {
	res := h(ctx, task)
	if res.Kind != KindRetryAfter {
		return
	}
	if task.Attempts+1 >= c.MaxAttempts {
		c.Log.WithFields(logrus.Fields{
			"event_id": task.EventID,
			"lane":     task.Lane,
			"attempts": task.Attempts + 1,
		}).Warn("task retry budget exhausted")
		return
	}
	task.Attempts++
	_ = c.Queue.Enqueue(ctx, task.Lane, task, res.Delay)
	metrics.TaskRequeues.WithLabelValues(task.Lane).Inc()
}
