// Package webhooks implements the event publication and delivery pipeline:
// the Publisher classifies and enqueues events, the Worker performs
// idempotent HTTP delivery with retries.
package webhooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"whookfirm/internal/metrics"
	"whookfirm/internal/model"
	"whookfirm/internal/queue"
	"whookfirm/internal/store"
)

// Outcome is what a publishing caller observes. Delivery success or
// failure is never part of it; delivery is fire-and-forget from the
// publisher's perspective.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeStorageError
	OutcomeQueueError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeStorageError:
		return "storage_error"
	case OutcomeQueueError:
		return "queue_error"
	}
	return "unknown"
}

// Publisher accepts a domain event, persists it, classifies its priority
// by account size and hands exactly one dispatch task to the queue.
type Publisher struct {
	store store.Store
	queue queue.Queue
	log   *logrus.Logger
}

func NewPublisher(s store.Store, q queue.Queue, log *logrus.Logger) *Publisher {
	return &Publisher{store: s, queue: q, log: log}
}

// Publish persists a WebhookEvent and enqueues one dispatch task for it.
// If persisting fails nothing is enqueued. If enqueuing fails the event
// row stays processed=false and is reported so operators can reconcile.
func (p *Publisher) Publish(ctx context.Context, eventType, accountID string, data any) Outcome {
	raw, err := json.Marshal(data)
	if err != nil {
		p.log.WithError(err).WithField("event_type", eventType).Error("event payload not serializable")
		return OutcomeStorageError
	}

	ev := model.WebhookEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		AccountID: accountID,
		Data:      raw,
		Processed: false,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.store.CreateEvent(ctx, ev); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"event_type": eventType,
			"account_id": accountID,
		}).Error("failed to persist webhook event")
		return OutcomeStorageError
	}

	count, err := p.store.CountSubscribers(ctx, accountID)
	if err != nil {
		// Degraded classification: treat as a small account rather than
		// failing a publish whose event row already exists.
		p.log.WithError(err).WithField("account_id", accountID).Warn("subscriber count unavailable, using high-priority lane")
		count = 0
	}
	lane, delay := Classify(count)

	task := queue.Task{
		EventID:   ev.EventID,
		EventType: eventType,
		AccountID: accountID,
		Payload:   raw,
	}
	if err := p.queue.Enqueue(ctx, lane, task, delay); err != nil {
		// Orphaned event: persisted but undispatched. processed stays
		// false so a reconciliation sweep can find it.
		p.log.WithError(err).WithFields(logrus.Fields{
			"event_id":   ev.EventID,
			"event_type": eventType,
			"lane":       lane,
		}).Error("failed to enqueue dispatch task")
		return OutcomeQueueError
	}

	metrics.EventsPublished.WithLabelValues(eventType, lane).Inc()
	p.log.WithFields(logrus.Fields{
		"event_id":         ev.EventID,
		"event_type":       eventType,
		"account_id":       accountID,
		"subscriber_count": count,
		"lane":             lane,
		"delay":            delay.String(),
	}).Info("webhook event published")
	return OutcomeSuccess
}

// Classify maps an account's subscriber count to a dispatch lane and
// scheduling delay. Whale accounts go to the rate-limited low-priority
// lane with a size-proportional delay; thresholds are strict.
func Classify(subscriberCount int) (lane string, delay time.Duration) {
	switch {
	case subscriberCount > 100000:
		return queue.LaneLowPriority, 30 * time.Second
	case subscriberCount > 50000:
		return queue.LaneLowPriority, 15 * time.Second
	case subscriberCount > 10000:
		return queue.LaneLowPriority, 5 * time.Second
	}
	return queue.LaneHighPriority, 0
}
