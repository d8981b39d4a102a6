// Package queue provides the durable dispatch queue that decouples event
// publication from webhook delivery. Lanes are independent partitions with
// their own consumer pools; tasks can be scheduled with a "not before"
// delay. Delivery to consumers is at-least-once: deduplication is the
// handler's job.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Lane names. The priority lane serves small accounts immediately; the
// low lane is rate-limited and absorbs whale-account fan-out.
const (
	LaneHighPriority = "webhooks_priority"
	LaneLowPriority  = "webhooks"
)

// MaxAttempts is the per-task retry budget. A task that has already run
// MaxAttempts times is dropped instead of being requeued.
const MaxAttempts = 5

// Task is the dispatch unit: "attempt delivery of event EventID to all
// matching webhooks of AccountID". Attempts counts prior runs of this
// task and is incremented by the consumer on requeue.
type Task struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	AccountID string          `json:"account_id"`
	Payload   json.RawMessage `json:"payload"`
	Lane      string          `json:"lane"`
	Attempts  int             `json:"attempts"`
}

// ResultKind tags the outcome a handler reports for one task run.
type ResultKind int

const (
	KindDelivered ResultKind = iota
	KindRetryAfter
	KindPermanentFailure
)

// Result is the tagged outcome of a task run. The consumer loop interprets
// RetryAfter by requeuing the same task with exactly the given delay;
// retry policy stays out of the queue itself.
type Result struct {
	Kind  ResultKind
	Delay time.Duration
}

func Delivered() Result { return Result{Kind: KindDelivered} }

func RetryAfter(d time.Duration) Result { return Result{Kind: KindRetryAfter, Delay: d} }

func PermanentFailure() Result { return Result{Kind: KindPermanentFailure} }

// Handler processes one task and reports what should happen to it.
type Handler func(ctx context.Context, task Task) Result

// Queue enqueues tasks onto a named lane with an optional scheduling delay.
type Queue interface {
	Enqueue(ctx context.Context, lane string, task Task, delay time.Duration) error
}
