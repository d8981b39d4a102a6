package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"whookfirm/internal/model"
)

func TestDeliverSuccessAndHeaders(t *testing.T) {
	var gotSig, gotEvent, gotUA string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotEvent = r.Header.Get("X-Webhook-Event")
		gotUA = r.Header.Get("User-Agent")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	c := NewClient(testLogger())
	hook := model.Webhook{ID: "wh1", URL: srv.URL, Secret: "topsecret"}
	body := []byte(`{"event_id":"evt1"}`)
	res := c.Deliver(context.Background(), hook, body, "subscriber.created")

	if !res.Success || res.StatusCode != 200 {
		t.Fatalf("result: %+v", res)
	}
	if gotEvent != "subscriber.created" || gotUA != "Whookfirm-Webhooks/1.0" {
		t.Fatalf("headers: event=%q ua=%q", gotEvent, gotUA)
	}
	if !VerifyHMAC("topsecret", gotBody, gotSig) {
		t.Fatalf("signature did not verify: %q", gotSig)
	}
}

func TestDeliverTreatsRedirectClassAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(304)
	}))
	defer srv.Close()

	res := NewClient(testLogger()).Deliver(context.Background(), model.Webhook{URL: srv.URL}, []byte(`{}`), "subscriber.created")
	if !res.Success || res.StatusCode != 304 {
		t.Fatalf("status < 400 must be success: %+v", res)
	}
}

func TestDeliverFailureStatuses(t *testing.T) {
	for _, code := range []int{400, 404, 500, 503} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		res := NewClient(testLogger()).Deliver(context.Background(), model.Webhook{URL: srv.URL}, []byte(`{}`), "subscriber.created")
		srv.Close()
		if res.Success || res.StatusCode != code {
			t.Fatalf("code %d: %+v", code, res)
		}
	}
}

func TestDeliverTransportErrorIsFailure(t *testing.T) {
	res := NewClient(testLogger()).Deliver(context.Background(), model.Webhook{URL: "http://127.0.0.1:1"}, []byte(`{}`), "subscriber.created")
	if res.Success || res.StatusCode != 0 || res.Body == "" {
		t.Fatalf("transport error must fail with the error recorded: %+v", res)
	}
}

func TestDeliverTruncatesResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		_, _ = w.Write([]byte(strings.Repeat("x", 5000)))
	}))
	defer srv.Close()

	res := NewClient(testLogger()).Deliver(context.Background(), model.Webhook{URL: srv.URL}, []byte(`{}`), "subscriber.created")
	if len(res.Body) != 1000 {
		t.Fatalf("body length %d, want 1000", len(res.Body))
	}
}

func TestSendTest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer srv.Close()

	c := NewClient(testLogger())
	if !c.SendTest(context.Background(), model.Webhook{ID: "wh1", URL: srv.URL}, map[string]any{"event_type": "webhook.test"}) {
		t.Fatalf("expected test delivery to succeed")
	}
	if c.SendTest(context.Background(), model.Webhook{ID: "wh1", URL: "http://127.0.0.1:1"}, map[string]any{}) {
		t.Fatalf("expected test delivery to fail")
	}
}
