package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookTransport posts to a JSON chat-service webhook API.
type WebhookTransport struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewWebhookTransport creates a webhook transport for the chat service at
// baseURL.
func NewWebhookTransport(baseURL, token string) *WebhookTransport {
	return &WebhookTransport{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type postMessageRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

type postMessageResponse struct {
	MessageID string `json:"message_id"`
}

// PostMessage posts a message and returns the service's message ID.
func (t *WebhookTransport) PostMessage(ctx context.Context, channel, text string) (string, error) {
	body, err := json.Marshal(postMessageRequest{Channel: channel, Text: text})
	if err != nil {
		return "", err
	}
	var resp postMessageResponse
	if err := t.do(ctx, http.MethodPost, "/messages", body, &resp); err != nil {
		return "", fmt.Errorf("post message to %s: %w", channel, err)
	}
	if resp.MessageID == "" {
		return "", fmt.Errorf("post message to %s: service returned no message ID", channel)
	}
	return resp.MessageID, nil
}

// UpdateMessage replaces the text of an existing message.
func (t *WebhookTransport) UpdateMessage(ctx context.Context, channel, messageID, text string) error {
	body, err := json.Marshal(postMessageRequest{Channel: channel, Text: text})
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/messages/%s", messageID)
	if err := t.do(ctx, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("update message %s: %w", messageID, err)
	}
	return nil
}

// DeleteMessage retracts a message.
func (t *WebhookTransport) DeleteMessage(ctx context.Context, channel, messageID string) error {
	path := fmt.Sprintf("/messages/%s?channel=%s", messageID, channel)
	if err := t.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	return nil
}

func (t *WebhookTransport) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("chat service returned %d: %s", resp.StatusCode, string(payload))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode chat service response: %w", err)
		}
	}
	return nil
}
