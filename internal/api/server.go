// Package api implements the HTTP surface: subscriber intake, the webhook
// registry, test deliveries and delivery-status queries. Everything here
// is ordinary request plumbing; the delivery pipeline lives in
// internal/webhooks.
package api

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"whookfirm/internal/store"
	"whookfirm/internal/webhooks"
)

type Server struct {
	Store  store.Store
	Pub    *webhooks.Publisher
	Client *webhooks.Client
	Log    *logrus.Logger
}

func NewServer(s store.Store, pub *webhooks.Publisher, client *webhooks.Client, log *logrus.Logger) *Server {
	return &Server{Store: s, Pub: pub, Client: client, Log: log}
}

// withAccount resolves the calling account. Real authentication is
// upstream of this service; the header stands in for the decoded token.
func (s *Server) withAccount(r *http.Request) (context.Context, string) {
	account := r.Header.Get("X-Account-Id")
	if account == "" {
		account = "acct_demo"
	}
	return r.Context(), account
}

// Routes registers all handlers on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/subscribers", s.SubscribersHandler)
	mux.HandleFunc("/v1/subscribers/", s.SubscriberByIDHandler)
	mux.HandleFunc("/v1/webhooks", s.WebhooksHandler)
	mux.HandleFunc("/v1/webhooks/", s.WebhookByIDHandler)
	mux.HandleFunc("/healthz", s.HealthHandler)
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
