package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func setupRedisQueue(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := NewRedis("redis://"+mr.Addr(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueImmediateGoesToReadyList(t *testing.T) {
	q := setupRedisQueue(t)
	ctx := context.Background()
	task := Task{EventID: "evt1", EventType: "subscriber.created", AccountID: "acct1"}
	require.NoError(t, q.Enqueue(ctx, LaneHighPriority, task, 0))

	raw, err := q.rdb.LPop(ctx, readyKey(LaneHighPriority)).Result()
	require.NoError(t, err)
	var got Task
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	require.Equal(t, "evt1", got.EventID)
	require.Equal(t, LaneHighPriority, got.Lane)
}

func TestEnqueueDelayedIsPromotedWhenDue(t *testing.T) {
	q := setupRedisQueue(t)
	ctx := context.Background()
	task := Task{EventID: "evt1", EventType: "subscriber.created", AccountID: "acct1"}
	require.NoError(t, q.Enqueue(ctx, LaneLowPriority, task, 50*time.Millisecond))

	// Not due yet: stays in the delayed set.
	q.promoteDue(ctx, LaneLowPriority)
	require.EqualValues(t, 0, q.rdb.LLen(ctx, readyKey(LaneLowPriority)).Val())
	require.EqualValues(t, 1, q.rdb.ZCard(ctx, delayedKey(LaneLowPriority)).Val())

	time.Sleep(80 * time.Millisecond)
	q.promoteDue(ctx, LaneLowPriority)
	require.EqualValues(t, 1, q.rdb.LLen(ctx, readyKey(LaneLowPriority)).Val())
	require.EqualValues(t, 0, q.rdb.ZCard(ctx, delayedKey(LaneLowPriority)).Val())
}

func TestConsumerRunsHandlerAndAcks(t *testing.T) {
	q := setupRedisQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Task, 1)
	c := &Consumer{Queue: q, Lane: LaneHighPriority, Concurrency: 1, Log: testLogger()}
	done := make(chan struct{})
	go func() {
		c.Run(ctx, func(ctx context.Context, task Task) Result {
			got <- task
			return Delivered()
		})
		close(done)
	}()

	require.NoError(t, q.Enqueue(context.Background(), LaneHighPriority, Task{EventID: "evt1"}, 0))
	select {
	case task := <-got:
		require.Equal(t, "evt1", task.EventID)
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}
	cancel()
	<-done

	// Acked: neither ready nor processing holds the task.
	bg := context.Background()
	require.EqualValues(t, 0, q.rdb.LLen(bg, readyKey(LaneHighPriority)).Val())
	require.EqualValues(t, 0, q.rdb.LLen(bg, c.processingKey()).Val())
}

func TestConsumerRequeuesOnRetryAfterUntilBudgetSpent(t *testing.T) {
	q := setupRedisQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts []int
	seen := make(chan int, MaxAttempts+1)
	c := &Consumer{Queue: q, Lane: LaneHighPriority, Concurrency: 1, Log: testLogger()}
	done := make(chan struct{})
	go func() {
		c.Run(ctx, func(ctx context.Context, task Task) Result {
			seen <- task.Attempts
			return RetryAfter(0)
		})
		close(done)
	}()

	require.NoError(t, q.Enqueue(context.Background(), LaneHighPriority, Task{EventID: "evt1"}, 0))
	timeout := time.After(10 * time.Second)
	for len(attempts) < MaxAttempts {
		select {
		case n := <-seen:
			attempts = append(attempts, n)
		case <-timeout:
			t.Fatalf("saw %v runs, want %d", attempts, MaxAttempts)
		}
	}
	// Budget spent: no further run may arrive.
	select {
	case n := <-seen:
		t.Fatalf("task ran past its budget (attempts=%d)", n)
	case <-time.After(2 * time.Second):
	}
	require.Equal(t, []int{0, 1, 2, 3, 4}, attempts)
	cancel()
	<-done
}

func TestConsumerReclaimsStrandedTasks(t *testing.T) {
	q := setupRedisQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Simulate a crash: a task sits in the processing list.
	c := &Consumer{Queue: q, Lane: LaneHighPriority, Concurrency: 1, Log: testLogger()}
	data, _ := json.Marshal(Task{EventID: "evt_stranded", Lane: LaneHighPriority})
	require.NoError(t, q.rdb.LPush(context.Background(), c.processingKey(), data).Err())

	got := make(chan string, 1)
	done := make(chan struct{})
	go func() {
		c.Run(ctx, func(ctx context.Context, task Task) Result {
			got <- task.EventID
			return Delivered()
		})
		close(done)
	}()

	select {
	case id := <-got:
		require.Equal(t, "evt_stranded", id)
	case <-time.After(5 * time.Second):
		t.Fatal("stranded task was not reclaimed")
	}
	cancel()
	<-done
}
