package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lumora-im/relay/internal/errors"
)

// FCMProvider sends notifications through the Firebase Cloud Messaging
// HTTP endpoint.
type FCMProvider struct {
	endpoint  string
	serverKey string
	client    *http.Client
}

type fcmRequest struct {
	To           string            `json:"to"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// NewFCMProvider creates a provider against the given endpoint. The
// server key is sent as the Authorization header on every request.
func NewFCMProvider(endpoint, serverKey string, timeout time.Duration) *FCMProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FCMProvider{
		endpoint:  endpoint,
		serverKey: serverKey,
		client:    &http.Client{Timeout: timeout},
	}
}

// Send posts a single notification. Any non-2xx response is an error.
func (p *FCMProvider) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(fcmRequest{
		To: n.Token,
		Notification: fcmNotification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: n.Data,
	})
	if err != nil {
		return errors.PushProviderError("failed to encode push payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.PushProviderError("failed to build push request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.serverKey != "" {
		req.Header.Set("Authorization", "key="+p.serverKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.PushProviderError("push request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.PushProviderError(
			fmt.Sprintf("push endpoint returned %d: %s", resp.StatusCode, string(body)), nil)
	}
	return nil
}
