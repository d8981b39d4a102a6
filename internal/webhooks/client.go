package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"whookfirm/internal/model"
)

const (
	userAgent = "Whookfirm-Webhooks/1.0"

	// maxResponseBody bounds stored response bodies.
	maxResponseBody = 1000

	deliveryTimeout = 30 * time.Second
	testTimeout     = 10 * time.Second
)

// DeliveryResult classifies a single HTTP delivery attempt. Any response
// with a status code below 400 counts as success; transport errors
// (timeout, refused connection, DNS failure) count as failure with a
// zero status code.
type DeliveryResult struct {
	Success    bool
	StatusCode int
	Body       string
	Elapsed    time.Duration
}

// Client performs the signed POST to a webhook endpoint. It is stateless
// and safe for concurrent use.
type Client struct {
	http *http.Client
	log  *logrus.Logger
}

func NewClient(log *logrus.Logger) *Client {
	return &Client{
		http: &http.Client{Timeout: deliveryTimeout},
		log:  log,
	}
}

// Deliver POSTs body to the webhook's URL. The body is the serialized
// delivery payload; eventType rides along in a header so receivers can
// route without parsing.
func (c *Client) Deliver(ctx context.Context, hook model.Webhook, body []byte, eventType string) DeliveryResult {
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return DeliveryResult{Body: truncate(err.Error())}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Event", eventType)
	if hook.Secret != "" {
		req.Header.Set("X-Webhook-Signature", SignHMAC(hook.Secret, body))
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return DeliveryResult{Body: truncate(err.Error()), Elapsed: elapsed}
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return DeliveryResult{
		Success:    resp.StatusCode < 400,
		StatusCode: resp.StatusCode,
		Body:       string(snippet),
		Elapsed:    elapsed,
	}
}

// SendTest posts a synthetic payload to a single webhook for an
// on-demand connectivity check. No retries, no persistence; the caller
// only learns whether the endpoint answered with a non-error status.
func (c *Client) SendTest(ctx context.Context, hook model.Webhook, payload map[string]any) bool {
	ctx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if hook.Secret != "" {
		req.Header.Set("X-Webhook-Signature", SignHMAC(hook.Secret, body))
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.WithError(err).WithField("webhook_id", hook.ID).Error("test webhook failed")
		return false
	}
	defer resp.Body.Close()

	c.log.WithFields(logrus.Fields{
		"webhook_id":    hook.ID,
		"status_code":   resp.StatusCode,
		"response_time": time.Since(start).Seconds(),
	}).Info("test webhook sent")
	return resp.StatusCode < 400
}

func truncate(s string) string {
	if len(s) > maxResponseBody {
		return s[:maxResponseBody]
	}
	return s
}
