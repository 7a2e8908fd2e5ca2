package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/znz-systems/relaywarm/internal/models"
)

// ErrTransport marks every failure to hand a message to the relay.
var ErrTransport = errors.New("relay transport failure")

const sendPath = "/api/v1/send/message"

// Message is the relay's send-message request body.
type Message struct {
	To        []string          `json:"to"`
	From      string            `json:"from"`
	Subject   string            `json:"subject"`
	PlainBody string            `json:"plain_body,omitempty"`
	HTMLBody  string            `json:"html_body,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	ReplyTo   string            `json:"reply_to,omitempty"`
	Tag       string            `json:"tag,omitempty"`
}

// Result describes an accepted message.
type Result struct {
	MessageID string
	Latency   time.Duration
}

type sendResponse struct {
	Status string `json:"status"`
	Data   struct {
		MessageID string                     `json:"message_id"`
		Messages  map[string]json.RawMessage `json:"messages"`
		Message   string                     `json:"message"`
		Code      string                     `json:"code"`
	} `json:"data"`
}

// Sender hands one message to a relay server.
type Sender interface {
	SendMessage(ctx context.Context, server *models.Server, msg Message) (Result, error)
}

type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

// newWithHTTPClient lets tests point the client at an httptest server.
func newWithHTTPClient(hc *http.Client, timeout time.Duration) *Client {
	return &Client{httpClient: hc, timeout: timeout}
}

// SendMessage posts msg to the server's send endpoint. Latency is reported
// on failures too.
func (c *Client) SendMessage(ctx context.Context, server *models.Server, msg Message) (Result, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return Result{}, fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := strings.TrimRight(server.APIURL, "/") + sendPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Server-API-Key", server.APIKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{Latency: time.Since(start)}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	latency := time.Since(start)
	if err != nil {
		return Result{Latency: latency}, fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{Latency: latency}, fmt.Errorf("%w: http %d: %s", ErrTransport, resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed sendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{Latency: latency}, fmt.Errorf("%w: decode response: %v", ErrTransport, err)
	}
	if parsed.Status != "success" {
		reason := parsed.Data.Message
		if reason == "" {
			reason = parsed.Status
		}
		return Result{Latency: latency}, fmt.Errorf("%w: relay rejected message: %s", ErrTransport, reason)
	}

	return Result{MessageID: parsed.Data.MessageID, Latency: latency}, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
