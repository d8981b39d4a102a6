package webhooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"whookfirm/internal/model"
	"whookfirm/internal/queue"
	"whookfirm/internal/store"
)

// recordQueue captures enqueued tasks instead of dispatching them.
type recordQueue struct {
	lanes  []string
	delays []time.Duration
	tasks  []queue.Task
	err    error
}

func (q *recordQueue) Enqueue(ctx context.Context, lane string, task queue.Task, delay time.Duration) error {
	if q.err != nil {
		return q.err
	}
	q.lanes = append(q.lanes, lane)
	q.delays = append(q.delays, delay)
	q.tasks = append(q.tasks, task)
	return nil
}

// countStore overrides the subscriber count so lane classification can be
// driven without seeding thousands of rows.
type countStore struct {
	*store.Memory
	count int
	err   error
}

func (s *countStore) CountSubscribers(ctx context.Context, accountID string) (int, error) {
	return s.count, s.err
}

func TestPublishPersistsEventAndEnqueuesOneTask(t *testing.T) {
	s := &countStore{Memory: store.NewMemory(), count: 5}
	q := &recordQueue{}
	p := NewPublisher(s, q, testLogger())

	out := p.Publish(context.Background(), "subscriber.created", testAccount, map[string]string{"email": "a@b.co"})
	if out != OutcomeSuccess {
		t.Fatalf("outcome=%s, want success", out)
	}
	if len(q.tasks) != 1 {
		t.Fatalf("expected exactly one dispatch task, got %d", len(q.tasks))
	}
	task := q.tasks[0]
	if task.EventType != "subscriber.created" || task.AccountID != testAccount {
		t.Fatalf("task: %+v", task)
	}
	if q.lanes[0] != queue.LaneHighPriority || q.delays[0] != 0 {
		t.Fatalf("small account must use high lane with no delay, got %s/%v", q.lanes[0], q.delays[0])
	}

	ev, err := s.GetEvent(context.Background(), task.EventID)
	if err != nil {
		t.Fatalf("event row missing: %v", err)
	}
	if ev.Processed {
		t.Fatalf("freshly published event must not be processed")
	}
}

func TestPublishLaneClassification(t *testing.T) {
	cases := []struct {
		count int
		lane  string
		delay time.Duration
	}{
		{0, queue.LaneHighPriority, 0},
		{10000, queue.LaneHighPriority, 0},
		{10001, queue.LaneLowPriority, 5 * time.Second},
		{50000, queue.LaneLowPriority, 5 * time.Second},
		{50001, queue.LaneLowPriority, 15 * time.Second},
		{100000, queue.LaneLowPriority, 15 * time.Second},
		{100001, queue.LaneLowPriority, 30 * time.Second},
	}
	for _, tc := range cases {
		lane, delay := Classify(tc.count)
		if lane != tc.lane || delay != tc.delay {
			t.Errorf("Classify(%d) = %s/%v, want %s/%v", tc.count, lane, delay, tc.lane, tc.delay)
		}
	}
}

func TestPublishWhaleAccountRouting(t *testing.T) {
	s := &countStore{Memory: store.NewMemory(), count: 100001}
	q := &recordQueue{}
	p := NewPublisher(s, q, testLogger())

	if out := p.Publish(context.Background(), "subscriber.created", testAccount, nil); out != OutcomeSuccess {
		t.Fatalf("outcome=%s", out)
	}
	if q.lanes[0] != queue.LaneLowPriority || q.delays[0] != 30*time.Second {
		t.Fatalf("whale account routing: %s/%v", q.lanes[0], q.delays[0])
	}
}

type failingEventStore struct {
	*store.Memory
}

func (s *failingEventStore) CreateEvent(ctx context.Context, ev model.WebhookEvent) error {
	return errors.New("connection refused")
}

func TestPublishStorageErrorAbortsBeforeEnqueue(t *testing.T) {
	q := &recordQueue{}
	p := NewPublisher(&failingEventStore{Memory: store.NewMemory()}, q, testLogger())

	if out := p.Publish(context.Background(), "subscriber.created", testAccount, nil); out != OutcomeStorageError {
		t.Fatalf("outcome=%s, want storage_error", out)
	}
	if len(q.tasks) != 0 {
		t.Fatalf("nothing may be enqueued when the event was not persisted")
	}
}

func TestPublishQueueErrorLeavesOrphanEvent(t *testing.T) {
	s := &countStore{Memory: store.NewMemory(), count: 1}
	q := &recordQueue{err: errors.New("broker unavailable")}
	p := NewPublisher(s, q, testLogger())

	if out := p.Publish(context.Background(), "subscriber.created", testAccount, nil); out != OutcomeQueueError {
		t.Fatalf("outcome=%s, want queue_error", out)
	}
	// The event row stays behind, unprocessed, for reconciliation.
	evs := s.Events()
	if len(evs) != 1 || evs[0].Processed {
		t.Fatalf("expected one unprocessed orphan event, got %+v", evs)
	}
}

func TestPublishCountFailureFallsBackToHighLane(t *testing.T) {
	s := &countStore{Memory: store.NewMemory(), err: errors.New("timeout")}
	q := &recordQueue{}
	p := NewPublisher(s, q, testLogger())

	if out := p.Publish(context.Background(), "subscriber.created", testAccount, nil); out != OutcomeSuccess {
		t.Fatalf("outcome=%s", out)
	}
	if q.lanes[0] != queue.LaneHighPriority {
		t.Fatalf("degraded classification must use the high lane, got %s", q.lanes[0])
	}
}
