package store

import (
	"context"
	"errors"
	"time"

	"whookfirm/internal/model"
)

// Store is the persistence interface used by the API server and the
// delivery pipeline. Postgres is the production implementation; Memory
// backs local development and tests.
type Store interface {
	// Subscribers
	CreateSubscriber(ctx context.Context, accountID string, in model.SubscriberInput) (model.Subscriber, error)
	DeleteSubscriber(ctx context.Context, accountID, id string) error
	CountSubscribers(ctx context.Context, accountID string) (int, error)

	// Webhook registry
	CreateWebhook(ctx context.Context, accountID string, in model.WebhookInput) (model.Webhook, error)
	GetWebhook(ctx context.Context, accountID, id string) (model.Webhook, error)
	ListWebhooks(ctx context.Context, accountID string, includeInactive bool) ([]model.Webhook, error)
	DeleteWebhook(ctx context.Context, accountID, id string) error
	FindActiveWebhooks(ctx context.Context, accountID, eventType string) ([]model.Webhook, error)

	// Events
	CreateEvent(ctx context.Context, ev model.WebhookEvent) error
	GetEvent(ctx context.Context, eventID string) (model.WebhookEvent, error)
	MarkEventProcessed(ctx context.Context, eventID string) error

	// Deliveries. CreateDelivery coalesces on the (webhook_id, event_id)
	// unique key: if a row already exists the existing row is returned.
	GetDelivery(ctx context.Context, webhookID, eventID string) (model.WebhookDelivery, error)
	CreateDelivery(ctx context.Context, d model.WebhookDelivery) (model.WebhookDelivery, error)
	UpdateDeliveryStatus(ctx context.Context, id string, upd DeliveryUpdate) error
	ListDeliveries(ctx context.Context, accountID, webhookID, status string, limit int) ([]model.WebhookDelivery, error)
}

// DeliveryUpdate is the single-row read-modify-write applied after each
// HTTP attempt.
type DeliveryUpdate struct {
	Status         model.DeliveryStatus
	Attempts       int
	LastAttemptAt  time.Time
	NextAttemptAt  *time.Time
	ResponseStatus int
	ResponseBody   string
}

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicate     = errors.New("already exists")
	ErrQuotaExceeded = errors.New("webhook quota exceeded")
)

// MaxWebhooksPerAccount caps active webhooks per account.
const MaxWebhooksPerAccount = 10
