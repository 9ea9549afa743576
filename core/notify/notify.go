package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	schemaguardian "github.com/sendwealth/agentguard/core/schema/v1/guardian"
)

const defaultTimeout = 5 * time.Second

// Notifier delivers approval prompts to a human channel. Delivery is best
// effort: a failed notification never blocks or fails the guarded operation.
type Notifier interface {
	Notify(ctx context.Context, payload schemaguardian.NotificationPayload) error
}

// BuildPayload renders an approval request into the prompt a human reviewer
// sees, including the commands that resolve it.
func BuildPayload(request schemaguardian.ApprovalRequest) schemaguardian.NotificationPayload {
	var body strings.Builder
	fmt.Fprintf(&body, "Agent %s requests approval for %s.", request.AgentID, request.Operation)
	if len(request.Details) > 0 {
		keys := make([]string, 0, len(request.Details))
		for key := range request.Details {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(&body, "\n%s: %v", key, request.Details[key])
		}
	}
	fmt.Fprintf(&body, "\nExpires at %s.", request.ExpiresAt.Format(time.RFC3339))
	return schemaguardian.NotificationPayload{
		Title:     "Approval required: " + request.Operation,
		Body:      body.String(),
		RequestID: request.RequestID,
		ExpiresAt: request.ExpiresAt,
		Actions: []schemaguardian.NotificationAction{
			{Label: "Approve", Command: "agentguard approve " + request.RequestID},
			{Label: "Deny", Command: "agentguard deny " + request.RequestID},
		},
	}
}

// WebhookNotifier posts the payload as JSON to a configured endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

type WebhookOptions struct {
	URL     string
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewWebhookNotifier(options WebhookOptions) (*WebhookNotifier, error) {
	url := strings.TrimSpace(options.URL)
	if url == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

func (notifier *WebhookNotifier) Notify(ctx context.Context, payload schemaguardian.NotificationPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, notifier.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := notifier.client.Do(request)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %s", response.Status)
	}
	return nil
}

// Deliver sends the payload and logs a warning on failure instead of
// propagating it.
func Deliver(ctx context.Context, notifier Notifier, logger *slog.Logger, payload schemaguardian.NotificationPayload) {
	if notifier == nil {
		return
	}
	if err := notifier.Notify(ctx, payload); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("approval notification failed",
			"request_id", payload.RequestID,
			"error", err)
	}
}

// NopNotifier drops every payload. Used when no webhook is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, schemaguardian.NotificationPayload) error { return nil }
