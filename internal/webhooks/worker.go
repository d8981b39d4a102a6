package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"whookfirm/internal/metrics"
	"whookfirm/internal/model"
	"whookfirm/internal/queue"
	"whookfirm/internal/store"
)

// retryDelays is the backoff table for delivery retries, indexed by the
// dispatch task's attempt count (exponential, base 5).
var retryDelays = [...]time.Duration{
	1 * time.Second,
	5 * time.Second,
	25 * time.Second,
	125 * time.Second,
	625 * time.Second,
}

// MaxAttempts caps HTTP attempts per (webhook, event) pair.
const MaxAttempts = 5

// Worker turns a dispatch task into HTTP deliveries: it resolves the
// matching webhooks, performs one idempotent delivery per webhook and
// records the outcome. It never enqueues; retries are requested through
// the returned Result and executed by the consuming loop.
type Worker struct {
	store  store.Store
	client *Client
	log    *logrus.Logger
}

func NewWorker(s store.Store, c *Client, log *logrus.Logger) *Worker {
	return &Worker{store: s, client: c, log: log}
}

// Handle processes one dispatch task. A failure on one webhook never
// aborts delivery to its siblings; the event is marked processed only on
// a run that finishes without any pending retry request.
func (w *Worker) Handle(ctx context.Context, task queue.Task) queue.Result {
	hooks, err := w.store.FindActiveWebhooks(ctx, task.AccountID, task.EventType)
	if err != nil {
		w.log.WithError(err).WithField("event_id", task.EventID).Error("failed to resolve webhooks")
		return queue.RetryAfter(backoff(task.Attempts))
	}
	if len(hooks) == 0 {
		w.log.WithFields(logrus.Fields{
			"event_id":   task.EventID,
			"event_type": task.EventType,
			"account_id": task.AccountID,
		}).Info("no webhooks found for event")
		w.markProcessed(ctx, task.EventID)
		return queue.Delivered()
	}

	payload := model.DeliveryPayload{
		EventID:   task.EventID,
		EventType: task.EventType,
		Timestamp: time.Now().UTC(),
		Data:      task.Payload,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		w.log.WithError(err).WithField("event_id", task.EventID).Error("payload not serializable")
		return queue.PermanentFailure()
	}

	retry := false
	for _, hook := range hooks {
		if w.deliverOne(ctx, hook, task, body) {
			retry = true
		}
	}
	if retry {
		return queue.RetryAfter(backoff(task.Attempts))
	}

	w.markProcessed(ctx, task.EventID)
	return queue.Delivered()
}

// deliverOne attempts delivery of the event to a single webhook and
// reports whether a retry of the dispatch task is wanted. Errors stay
// local to the webhook.
func (w *Worker) deliverOne(ctx context.Context, hook model.Webhook, task queue.Task, body []byte) (wantRetry bool) {
	log := w.log.WithFields(logrus.Fields{
		"webhook_id": hook.ID,
		"event_id":   task.EventID,
	})

	d, err := w.store.GetDelivery(ctx, hook.ID, task.EventID)
	switch {
	case err == nil && d.Status == model.DeliveryDelivered:
		// Redelivered task, already satisfied. No HTTP call.
		return false
	case err == nil && d.Status == model.DeliveryFailed && d.Attempts >= MaxAttempts:
		// Attempt budget spent; only a manual reset reopens this row.
		return false
	case err == nil:
		// Reuse the existing row.
	case errors.Is(err, store.ErrNotFound):
		d, err = w.store.CreateDelivery(ctx, model.WebhookDelivery{
			ID:        uuid.NewString(),
			WebhookID: hook.ID,
			EventID:   task.EventID,
			EventType: task.EventType,
			Payload:   body,
			Status:    model.DeliveryPending,
		})
		if err != nil {
			log.WithError(err).Error("failed to create delivery record")
			return false
		}
		// A concurrent duplicate may have won the insert and delivered.
		if d.Status == model.DeliveryDelivered {
			return false
		}
	default:
		log.WithError(err).Error("failed to load delivery record")
		return false
	}

	res := w.client.Deliver(ctx, hook, body, task.EventType)
	attempts := d.Attempts + 1
	now := time.Now().UTC()
	upd := store.DeliveryUpdate{
		Attempts:       attempts,
		LastAttemptAt:  now,
		ResponseStatus: res.StatusCode,
		ResponseBody:   res.Body,
	}
	switch {
	case res.Success:
		upd.Status = model.DeliveryDelivered
		log.WithFields(logrus.Fields{
			"status_code": res.StatusCode,
			"attempts":    attempts,
		}).Info("webhook delivered")
	case attempts >= MaxAttempts:
		upd.Status = model.DeliveryFailed
		log.WithFields(logrus.Fields{
			"status_code": res.StatusCode,
			"attempts":    attempts,
		}).Error("webhook delivery failed permanently")
	default:
		upd.Status = model.DeliveryPending
		next := now.Add(backoff(task.Attempts))
		upd.NextAttemptAt = &next
		wantRetry = true
		log.WithFields(logrus.Fields{
			"status_code":  res.StatusCode,
			"attempts":     attempts,
			"next_attempt": next.Format(time.RFC3339),
		}).Warn("webhook delivery failed, will retry")
	}

	metrics.Deliveries.WithLabelValues(task.EventType, string(upd.Status)).Inc()
	metrics.DeliveryLatency.WithLabelValues(task.EventType, string(upd.Status)).Observe(float64(res.Elapsed.Milliseconds()))

	if err := w.store.UpdateDeliveryStatus(ctx, d.ID, upd); err != nil {
		log.WithError(err).Error("failed to update delivery record")
	}
	return wantRetry
}

// markProcessed flips the event's processed flag. Failures here are
// bookkeeping-only: deliveries already happened, so log and move on.
func (w *Worker) markProcessed(ctx context.Context, eventID string) {
	if err := w.store.MarkEventProcessed(ctx, eventID); err != nil {
		w.log.WithError(err).WithField("event_id", eventID).Error("failed to mark event processed")
	}
}

func backoff(taskAttempts int) time.Duration {
	if taskAttempts < 0 {
		taskAttempts = 0
	}
	if taskAttempts >= len(retryDelays) {
		taskAttempts = len(retryDelays) - 1
	}
	return retryDelays[taskAttempts]
}
