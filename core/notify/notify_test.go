package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	schemaguardian "github.com/sendwealth/agentguard/core/schema/v1/guardian"
)

func sampleRequest() schemaguardian.ApprovalRequest {
	return schemaguardian.ApprovalRequest{
		RequestID: "req-123",
		AgentID:   "bot1",
		Operation: "send_email",
		Details:   map[string]any{"to": "alice@example.com", "subject": "report"},
		Status:    schemaguardian.ApprovalPending,
		CreatedAt: time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC),
		ExpiresAt: time.Date(2026, time.March, 1, 10, 5, 0, 0, time.UTC),
	}
}

func TestBuildPayload(t *testing.T) {
	payload := BuildPayload(sampleRequest())

	if payload.RequestID != "req-123" {
		t.Fatalf("unexpected request id: %s", payload.RequestID)
	}
	if !strings.Contains(payload.Title, "send_email") {
		t.Fatalf("title should name the operation: %q", payload.Title)
	}
	if !strings.Contains(payload.Body, "bot1") || !strings.Contains(payload.Body, "alice@example.com") {
		t.Fatalf("body should carry agent and details: %q", payload.Body)
	}
	if len(payload.Actions) != 2 {
		t.Fatalf("expected approve and deny actions, got %#v", payload.Actions)
	}
	if !strings.Contains(payload.Actions[0].Command, "req-123") {
		t.Fatalf("action command should carry the request id: %q", payload.Actions[0].Command)
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var received schemaguardian.NotificationPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if contentType := r.Header.Get("Content-Type"); contentType != "application/json" {
			t.Errorf("unexpected content type %s", contentType)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("unmarshal payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(WebhookOptions{URL: server.URL})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	payload := BuildPayload(sampleRequest())
	if err := notifier.Notify(context.Background(), payload); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if received.RequestID != "req-123" {
		t.Fatalf("endpoint did not receive the payload: %#v", received)
	}
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(WebhookOptions{URL: server.URL})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	if err := notifier.Notify(context.Background(), BuildPayload(sampleRequest())); err == nil {
		t.Fatalf("expected error for 502 response")
	}
}

func TestDeliverSwallowsFailures(t *testing.T) {
	notifier, err := NewWebhookNotifier(WebhookOptions{
		URL:     "http://127.0.0.1:1/unreachable",
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Must not panic or propagate the connection error.
	Deliver(context.Background(), notifier, logger, BuildPayload(sampleRequest()))
	Deliver(context.Background(), nil, logger, BuildPayload(sampleRequest()))
}
