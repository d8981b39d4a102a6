// Package model holds the domain types shared across the service.
package model

import (
	"encoding/json"
	"time"
)

// EventTypes is the closed vocabulary of publishable event types.
var EventTypes = []string{
	"subscriber.created",
	"subscriber.updated",
	"subscriber.deleted",
	"subscriber.unsubscribed",
	"segment.subscriber_added",
	"segment.subscriber_removed",
}

// ValidEventType reports whether t is in the supported vocabulary.
func ValidEventType(t string) bool {
	for _, e := range EventTypes {
		if e == t {
			return true
		}
	}
	return false
}

// Subscriber is a subscriber record owned by an account. Creating or
// deleting one is what feeds events into the delivery pipeline.
type Subscriber struct {
	ID           string         `json:"id"`
	AccountID    string         `json:"accountId"`
	Email        string         `json:"email"`
	FirstName    string         `json:"firstName,omitempty"`
	LastName     string         `json:"lastName,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	CustomFields map[string]any `json:"customFields,omitempty"`
	Status       string         `json:"status"` // active, unsubscribed, bounced
	Source       string         `json:"source,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Webhook is a registered delivery target. Rows are soft-deleted by
// flipping IsActive; the delivery worker only ever sees active rows.
type Webhook struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"-"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

// Subscribed reports whether the webhook listens for the given event type.
func (w Webhook) Subscribed(eventType string) bool {
	for _, e := range w.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// WebhookEvent is the persisted record of a published domain event.
// Processed flips false->true exactly once, after every matching webhook
// has had its delivery attempted.
type WebhookEvent struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	AccountID string          `json:"accountId"`
	Data      json.RawMessage `json:"data"`
	Processed bool            `json:"processed"`
	CreatedAt time.Time       `json:"createdAt"`
}

// DeliveryStatus is the lifecycle state of one (webhook, event) delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// WebhookDelivery tracks delivery of one event to one webhook. The
// (WebhookID, EventID) pair is unique: retries update this row in place,
// they never insert a second one.
type WebhookDelivery struct {
	ID             string          `json:"id"`
	WebhookID      string          `json:"webhookId"`
	EventID        string          `json:"eventId"`
	EventType      string          `json:"eventType"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	Attempts       int             `json:"attempts"`
	LastAttemptAt  *time.Time      `json:"lastAttemptAt,omitempty"`
	NextAttemptAt  *time.Time      `json:"nextAttemptAt,omitempty"`
	ResponseStatus int             `json:"responseStatus,omitempty"`
	ResponseBody   string          `json:"responseBody,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// DeliveryPayload is the JSON body POSTed to webhook endpoints.
type DeliveryPayload struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// SubscriberInput is the accepted shape for creating a subscriber.
type SubscriberInput struct {
	Email        string         `json:"email"`
	FirstName    string         `json:"firstName"`
	LastName     string         `json:"lastName"`
	Tags         []string       `json:"tags"`
	CustomFields map[string]any `json:"customFields"`
	Source       string         `json:"source"`
}

// WebhookInput is the accepted shape for registering a webhook.
type WebhookInput struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}
