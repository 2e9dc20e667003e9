package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HubClient delivers buyer messages through the chat hub daemon's HTTP API.
type HubClient struct {
	baseURL   string
	authToken string
	http      *http.Client
}

// NewHubClient constructs a hub client.
func NewHubClient(baseURL, authToken string) *HubClient {
	return &HubClient{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		authToken: authToken,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// SendToDevice implements Messenger.
func (c *HubClient) SendToDevice(ctx context.Context, deviceAddress, text string) error {
	if c == nil {
		return fmt.Errorf("hub client not configured")
	}
	if strings.TrimSpace(deviceAddress) == "" {
		return nil
	}
	payload := map[string]string{
		"device_address": deviceAddress,
		"text":           text,
	}
	return c.post(ctx, "/messages", payload)
}

func (c *HubClient) post(ctx context.Context, path string, payload any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("hub %s failed: status=%d", path, resp.StatusCode)
	}
	return nil
}

// WebhookAlerter posts operator alerts to a configured webhook.
type WebhookAlerter struct {
	endpoint string
	http     *http.Client
}

// NewWebhookAlerter constructs an alerter for the endpoint.
func NewWebhookAlerter(endpoint string) *WebhookAlerter {
	return &WebhookAlerter{
		endpoint: strings.TrimSpace(endpoint),
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Alert implements Alerter.
func (a *WebhookAlerter) Alert(ctx context.Context, subject, body string) error {
	if a == nil || a.endpoint == "" {
		return fmt.Errorf("webhook alerter not configured")
	}
	payload := map[string]string{
		"subject": subject,
		"body":    body,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook failed: status=%d", resp.StatusCode)
	}
	return nil
}
