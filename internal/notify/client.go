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

// Payload is one "status changed" event published by the engine and
// consumed by the fan-out worker. When StudentID is set the push targets
// only that student's registered devices; otherwise it broadcasts.
type Payload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Priority  string `json:"priority,omitempty"`
	Channel   string `json:"channel,omitempty"`
	StudentID string `json:"student_id,omitempty"`
}

// PushMessage is one message in a gateway batch, Expo wire shape.
type PushMessage struct {
	To        string         `json:"to"`
	Sound     string         `json:"sound,omitempty"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Priority  string         `json:"priority,omitempty"`
	ChannelID string         `json:"channelId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Client posts push batches to an Expo-compatible gateway. Delivery is
// best-effort: one attempt per batch, no retries.
type Client struct {
	GatewayURL string
	HTTP       *http.Client
	Skip       bool
}

// New creates a push client with a bounded request timeout.
func New(gatewayURL string, timeout time.Duration, skip bool) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		GatewayURL: gatewayURL,
		Skip:       skip,
		HTTP:       &http.Client{Timeout: timeout},
	}
}

// Send posts one batch of messages. The gateway accepts up to 100 per
// request; callers should chunk with Batch first.
func (c *Client) Send(ctx context.Context, messages []PushMessage) error {
	if c.Skip || len(messages) == 0 {
		return nil
	}

	body, err := json.Marshal(messages)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("push gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("push gateway error %s: %s", resp.Status, string(respBody))
	}
	return nil
}

// Batch splits messages into gateway-sized chunks.
func Batch(messages []PushMessage, size int) [][]PushMessage {
	if size <= 0 {
		size = 100
	}
	var batches [][]PushMessage
	for len(messages) > size {
		batches = append(batches, messages[:size])
		messages = messages[size:]
	}
	if len(messages) > 0 {
		batches = append(batches, messages)
	}
	return batches
}
