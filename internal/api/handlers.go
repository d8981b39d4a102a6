package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"whookfirm/internal/model"
	"whookfirm/internal/store"
)

// SubscribersHandler handles POST /v1/subscribers. Creating a subscriber
// is the canonical publish trigger: the created record is what fan-outs
// to webhook endpoints as subscriber.created.
func (s *Server) SubscribersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "", r.URL.Path)
		return
	}
	ctx, account := s.withAccount(r)

	var in model.SubscriberInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid body", err.Error(), r.URL.Path)
		return
	}
	if in.Email == "" {
		writeProblem(w, http.StatusBadRequest, "email is required", "", r.URL.Path)
		return
	}

	sub, err := s.Store.CreateSubscriber(ctx, account, in)
	if err != nil {
		s.Log.WithError(err).Error("create subscriber failed")
		writeProblem(w, http.StatusInternalServerError, "storage error", "", r.URL.Path)
		return
	}

	outcome := s.Pub.Publish(ctx, "subscriber.created", account, sub)
	w.Header().Set("X-Publish-Outcome", outcome.String())
	writeJSON(w, http.StatusCreated, sub)
}

// SubscriberByIDHandler handles DELETE /v1/subscribers/{id}.
func (s *Server) SubscriberByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "", r.URL.Path)
		return
	}
	ctx, account := s.withAccount(r)
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscribers/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "not found", "", r.URL.Path)
		return
	}

	if err := s.Store.DeleteSubscriber(ctx, account, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "subscriber not found", "", r.URL.Path)
			return
		}
		s.Log.WithError(err).Error("delete subscriber failed")
		writeProblem(w, http.StatusInternalServerError, "storage error", "", r.URL.Path)
		return
	}

	outcome := s.Pub.Publish(ctx, "subscriber.deleted", account, map[string]string{"id": id})
	w.Header().Set("X-Publish-Outcome", outcome.String())
	writeJSON(w, http.StatusOK, map[string]string{"message": "subscriber deleted"})
}

// WebhooksHandler handles GET (list) and POST (create) on /v1/webhooks.
func (s *Server) WebhooksHandler(w http.ResponseWriter, r *http.Request) {
	ctx, account := s.withAccount(r)
	switch r.Method {
	case http.MethodGet:
		includeInactive := r.URL.Query().Get("include_inactive") == "true"
		hooks, err := s.Store.ListWebhooks(ctx, account, includeInactive)
		if err != nil {
			s.Log.WithError(err).Error("list webhooks failed")
			writeProblem(w, http.StatusInternalServerError, "storage error", "", r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, hooks)
	case http.MethodPost:
		var in model.WebhookInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "invalid body", err.Error(), r.URL.Path)
			return
		}
		if err := validateWebhookInput(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "invalid webhook", err.Error(), r.URL.Path)
			return
		}
		if in.Secret == "" {
			in.Secret = generateSecret(32)
		}
		hook, err := s.Store.CreateWebhook(ctx, account, in)
		switch {
		case errors.Is(err, store.ErrQuotaExceeded):
			writeProblem(w, http.StatusBadRequest, "webhook quota exceeded",
				"maximum number of webhooks reached", r.URL.Path)
			return
		case errors.Is(err, store.ErrDuplicate):
			writeProblem(w, http.StatusBadRequest, "duplicate webhook",
				"a webhook with the same URL already exists", r.URL.Path)
			return
		case err != nil:
			s.Log.WithError(err).Error("create webhook failed")
			writeProblem(w, http.StatusInternalServerError, "storage error", "", r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, hook)
	default:
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "", r.URL.Path)
	}
}

// WebhookByIDHandler handles /v1/webhooks/{id}, /v1/webhooks/{id}/test and
// /v1/webhooks/{id}/deliveries.
func (s *Server) WebhookByIDHandler(w http.ResponseWriter, r *http.Request) {
	ctx, account := s.withAccount(r)
	rest := strings.TrimPrefix(r.URL.Path, "/v1/webhooks/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeProblem(w, http.StatusNotFound, "not found", "", r.URL.Path)
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			hook, err := s.Store.GetWebhook(ctx, account, id)
			if err != nil {
				writeProblem(w, http.StatusNotFound, "webhook not found", "", r.URL.Path)
				return
			}
			writeJSON(w, http.StatusOK, hook)
		case http.MethodDelete:
			if err := s.Store.DeleteWebhook(ctx, account, id); err != nil {
				writeProblem(w, http.StatusNotFound, "webhook not found", "", r.URL.Path)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"message": "webhook deleted successfully"})
		default:
			writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "", r.URL.Path)
		}
		return
	}

	switch parts[1] {
	case "test":
		if r.Method != http.MethodPost {
			writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "", r.URL.Path)
			return
		}
		s.testWebhook(w, r, account, id)
	case "deliveries":
		if r.Method != http.MethodGet {
			writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "", r.URL.Path)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		status := r.URL.Query().Get("status")
		items, err := s.Store.ListDeliveries(ctx, account, id, status, limit)
		if err != nil {
			s.Log.WithError(err).Error("list deliveries failed")
			writeProblem(w, http.StatusInternalServerError, "storage error", "", r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, items)
	default:
		writeProblem(w, http.StatusNotFound, "not found", "", r.URL.Path)
	}
}

func (s *Server) testWebhook(w http.ResponseWriter, r *http.Request, account, id string) {
	ctx := r.Context()
	hook, err := s.Store.GetWebhook(ctx, account, id)
	if err != nil {
		writeProblem(w, http.StatusNotFound, "webhook not found", "", r.URL.Path)
		return
	}

	nonce := make([]byte, 8)
	_, _ = rand.Read(nonce)
	payload := map[string]any{
		"event_id":   "test_" + hex.EncodeToString(nonce),
		"event_type": "webhook.test",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"message":    "This is a test webhook delivery",
			"webhook_id": hook.ID,
		},
	}
	ok := s.Client.SendTest(ctx, hook, payload)
	msg := "Test webhook sent successfully"
	if !ok {
		msg = "Test webhook failed"
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": ok, "message": msg})
}
