package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"whookfirm/internal/model"
)

// Memory is an in-memory store used when no DATABASE_URL is set and by
// tests. It enforces the same (webhook_id, event_id) uniqueness as the
// Postgres schema.
type Memory struct {
	mu          sync.Mutex
	subscribers map[string]model.Subscriber      // id -> subscriber
	webhooks    map[string]model.Webhook         // id -> webhook
	events      map[string]model.WebhookEvent    // event_id -> event
	deliveries  map[string]model.WebhookDelivery // id -> delivery
	byPair      map[[2]string]string             // (webhook_id, event_id) -> delivery id
}

func NewMemory() *Memory {
	return &Memory{
		subscribers: map[string]model.Subscriber{},
		webhooks:    map[string]model.Webhook{},
		events:      map[string]model.WebhookEvent{},
		deliveries:  map[string]model.WebhookDelivery{},
		byPair:      map[[2]string]string{},
	}
}

func (m *Memory) CreateSubscriber(ctx context.Context, accountID string, in model.SubscriberInput) (model.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := model.Subscriber{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		Email:        in.Email,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Tags:         in.Tags,
		CustomFields: in.CustomFields,
		Status:       "active",
		Source:       in.Source,
		CreatedAt:    time.Now().UTC(),
	}
	m.subscribers[sub.ID] = sub
	return sub, nil
}

func (m *Memory) DeleteSubscriber(ctx context.Context, accountID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscribers[id]
	if !ok || sub.AccountID != accountID {
		return ErrNotFound
	}
	delete(m.subscribers, id)
	return nil
}

func (m *Memory) CountSubscribers(ctx context.Context, accountID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.subscribers {
		if s.AccountID == accountID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateWebhook(ctx context.Context, accountID string, in model.WebhookInput) (model.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	for _, w := range m.webhooks {
		if w.AccountID != accountID || !w.IsActive {
			continue
		}
		if w.URL == in.URL {
			return model.Webhook{}, ErrDuplicate
		}
		active++
	}
	if active >= MaxWebhooksPerAccount {
		return model.Webhook{}, ErrQuotaExceeded
	}
	wh := model.Webhook{
		ID:        uuid.NewString(),
		AccountID: accountID,
		URL:       in.URL,
		Events:    in.Events,
		Secret:    in.Secret,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	m.webhooks[wh.ID] = wh
	return wh, nil
}

func (m *Memory) GetWebhook(ctx context.Context, accountID, id string) (model.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wh, ok := m.webhooks[id]
	if !ok || wh.AccountID != accountID || !wh.IsActive {
		return model.Webhook{}, ErrNotFound
	}
	return wh, nil
}

func (m *Memory) ListWebhooks(ctx context.Context, accountID string, includeInactive bool) ([]model.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Webhook{}
	for _, w := range m.webhooks {
		if w.AccountID != accountID {
			continue
		}
		if !w.IsActive && !includeInactive {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

func (m *Memory) DeleteWebhook(ctx context.Context, accountID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wh, ok := m.webhooks[id]
	if !ok || wh.AccountID != accountID || !wh.IsActive {
		return ErrNotFound
	}
	wh.IsActive = false
	m.webhooks[id] = wh
	return nil
}

func (m *Memory) FindActiveWebhooks(ctx context.Context, accountID, eventType string) ([]model.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Webhook{}
	for _, w := range m.webhooks {
		if w.AccountID == accountID && w.IsActive && w.Subscribed(eventType) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *Memory) CreateEvent(ctx context.Context, ev model.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.EventID]; ok {
		return ErrDuplicate
	}
	m.events[ev.EventID] = ev
	return nil
}

func (m *Memory) GetEvent(ctx context.Context, eventID string) (model.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventID]
	if !ok {
		return model.WebhookEvent{}, ErrNotFound
	}
	return ev, nil
}

func (m *Memory) MarkEventProcessed(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventID]
	if !ok {
		return ErrNotFound
	}
	ev.Processed = true
	m.events[eventID] = ev
	return nil
}

// Events returns a snapshot of all event rows. Test helper.
func (m *Memory) Events() []model.WebhookEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.WebhookEvent, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev)
	}
	return out
}

func (m *Memory) GetDelivery(ctx context.Context, webhookID, eventID string) (model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPair[[2]string{webhookID, eventID}]
	if !ok {
		return model.WebhookDelivery{}, ErrNotFound
	}
	return m.deliveries[id], nil
}

func (m *Memory) CreateDelivery(ctx context.Context, d model.WebhookDelivery) (model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{d.WebhookID, d.EventID}
	if id, ok := m.byPair[key]; ok {
		// Lost the race: the existing row wins.
		return m.deliveries[id], nil
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = model.DeliveryPending
	}
	m.deliveries[d.ID] = d
	m.byPair[key] = d.ID
	return d, nil
}

func (m *Memory) UpdateDeliveryStatus(ctx context.Context, id string, upd DeliveryUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = upd.Status
	d.Attempts = upd.Attempts
	t := upd.LastAttemptAt
	d.LastAttemptAt = &t
	d.NextAttemptAt = upd.NextAttemptAt
	d.ResponseStatus = upd.ResponseStatus
	d.ResponseBody = upd.ResponseBody
	m.deliveries[id] = d
	return nil
}

func (m *Memory) ListDeliveries(ctx context.Context, accountID, webhookID, status string, limit int) ([]model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	wh, ok := m.webhooks[webhookID]
	if !ok || wh.AccountID != accountID {
		return []model.WebhookDelivery{}, nil
	}
	out := []model.WebhookDelivery{}
	for _, d := range m.deliveries {
		if d.WebhookID != webhookID {
			continue
		}
		if status != "" && string(d.Status) != status {
			continue
		}
		out = append(out, d)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
