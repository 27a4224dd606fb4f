// Package push delivers best-effort notifications through a hosted push
// gateway. No delivery guarantee is surfaced to callers.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"chat-sync/internal/repositories"
)

// Sender posts one notification to the gateway.
type Sender interface {
	Send(ctx context.Context, token, title, body string, data map[string]any) error
}

// GatewayClient implements Sender against an Expo-style HTTP push gateway.
type GatewayClient struct {
	url  string
	http *http.Client
}

// NewGatewayClient constructs the wrapper.
func NewGatewayClient(url string) *GatewayClient {
	return &GatewayClient{url: url, http: &http.Client{Timeout: 10 * time.Second}}
}

// Send posts the notification. Gateway rejections come back as plain errors;
// callers decide whether to log or drop them.
func (c *GatewayClient) Send(ctx context.Context, token, title, body string, data map[string]any) error {
	payload := map[string]any{
		"to":    token,
		"sound": "default",
		"title": title,
		"body":  body,
		"data":  data,
		"badge": 1,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway status %d", resp.StatusCode)
	}
	return nil
}

// Notifier resolves recipient tokens and fires notifications without
// blocking or failing the send path.
type Notifier struct {
	sender Sender
	tokens repositories.PushTokenRepository
	log    *zap.Logger
}

// NewNotifier constructs a Notifier.
func NewNotifier(sender Sender, tokens repositories.PushTokenRepository, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{sender: sender, tokens: tokens, log: log}
}

// Notify sends a notification to the recipient's registered device. A user
// with no registered token is a quiet no-op; gateway failures are logged and
// swallowed.
func (n *Notifier) Notify(ctx context.Context, recipientID, title, body string, data map[string]any) {
	if n == nil || n.sender == nil {
		return
	}

	token, err := n.tokens.Get(ctx, recipientID)
	if err != nil {
		if !errors.Is(err, repositories.ErrUserNotFound) {
			n.log.Warn("push token lookup failed", zap.String("recipient", recipientID), zap.Error(err))
		}
		return
	}

	if err := n.sender.Send(ctx, token, title, body, data); err != nil {
		n.log.Warn("push send failed", zap.String("recipient", recipientID), zap.Error(err))
	}
}
