package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/devrev/bynar/internal/errors"
)

// WebhookNotifier posts chat messages to an incoming-webhook URL
type WebhookNotifier struct {
	webhookURL string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewWebhookNotifier creates a notifier. An empty URL disables delivery;
// messages are then only logged.
func NewWebhookNotifier(webhookURL string, timeout time.Duration, logger *zap.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Notify sends one message
func (n *WebhookNotifier) Notify(ctx context.Context, message string) error {
	if n.webhookURL == "" {
		n.logger.Info("Notification (no webhook configured)", zap.String("message", message))
		return nil
	}

	payload, err := json.Marshal(map[string]string{"text": message})
	if err != nil {
		return apperrors.InternalError("failed to encode notification", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return apperrors.InternalError("failed to build notification request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return apperrors.TransientTransport("notification request failed", err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, "chat webhook", nil)
}
