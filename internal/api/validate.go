package api

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/url"
	"strings"

	"whookfirm/internal/model"
)

// validateWebhookInput checks target URL and event subscriptions before a
// webhook is registered. HTTPS is required except for localhost targets.
func validateWebhookInput(in *model.WebhookInput) error {
	if err := validateWebhookURL(in.URL); err != nil {
		return err
	}
	if len(in.Events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}
	for _, e := range in.Events {
		if !model.ValidEventType(e) {
			return fmt.Errorf("invalid event: %s (supported: %s)", e, strings.Join(model.EventTypes, ", "))
		}
	}
	return nil
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid webhook URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook URL must be http or https")
	}
	host := u.Hostname()
	if u.Scheme == "http" && host != "localhost" && host != "127.0.0.1" {
		return fmt.Errorf("webhook URL must use https")
	}
	return nil
}

const secretAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// generateSecret produces a shared secret for signing deliveries when the
// caller does not supply one.
func generateSecret(length int) string {
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(secretAlphabet))))
		if err != nil {
			b[i] = 'x'
			continue
		}
		b[i] = secretAlphabet[n.Int64()]
	}
	return string(b)
}
