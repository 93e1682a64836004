// Package gateway provides the outbound HTTP client for the SMS provider.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bissquit/sms-courier/internal/domain"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultBulkLimit = 100

	singlePath = "/api/sms/send"
	bulkPath   = "/api/sms/send/bulk"
)

// Config holds SMS provider configuration. BulkLimit is the provider's
// per-call recipient cap; calls above it are rejected locally.
type Config struct {
	BaseURL   string
	APIKey    string
	SenderID  string
	Timeout   time.Duration
	BulkLimit int
}

// Client sends messages through the provider's HTTP API.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a gateway client. Missing credentials are not an
// error here: they surface as a ConfigError on the first send so that a
// misconfigured deployment fails jobs rather than the whole process.
func NewClient(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.BulkLimit == 0 {
		config.BulkLimit = defaultBulkLimit
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// BulkLimit returns the provider's per-call recipient cap.
func (c *Client) BulkLimit() int {
	return c.config.BulkLimit
}

type sendRequest struct {
	APIKey  string `json:"api_key"`
	To      any    `json:"to"`
	From    string `json:"from"`
	SMS     string `json:"sms"`
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// SendOne sends a single message to one recipient.
func (c *Client) SendOne(ctx context.Context, phone, message string, channel domain.Channel) error {
	if err := c.checkCredentials(); err != nil {
		return err
	}
	return c.post(ctx, singlePath, sendRequest{
		APIKey:  c.config.APIKey,
		To:      phone,
		From:    c.config.SenderID,
		SMS:     message,
		Type:    "plain",
		Channel: string(channel),
	})
}

// SendBulk sends one uniform message to up to BulkLimit recipients. The
// call is atomic from the caller's perspective: the provider reports no
// per-recipient outcome, so an error means the whole batch failed.
func (c *Client) SendBulk(ctx context.Context, phones []string, message string, channel domain.Channel) error {
	if len(phones) == 0 {
		return &RejectionError{Message: "empty recipient list"}
	}
	if len(phones) > c.config.BulkLimit {
		// Caller contract, not a provider negotiation: no network call.
		return &RejectionError{Message: fmt.Sprintf("%d recipients exceeds provider cap of %d", len(phones), c.config.BulkLimit)}
	}
	if err := c.checkCredentials(); err != nil {
		return err
	}
	return c.post(ctx, bulkPath, sendRequest{
		APIKey:  c.config.APIKey,
		To:      phones,
		From:    c.config.SenderID,
		SMS:     message,
		Type:    "plain",
		Channel: string(channel),
	})
}

func (c *Client) checkCredentials() error {
	if c.config.BaseURL == "" {
		return &ConfigError{Message: "base URL is not configured"}
	}
	if c.config.APIKey == "" {
		return &ConfigError{Message: "API key is not configured"}
	}
	if c.config.SenderID == "" {
		return &ConfigError{Message: "sender id is not configured"}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload sendRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	return c.handleResponse(resp)
}

func (c *Client) handleResponse(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return &TransportError{Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		slog.Debug("gateway accepted message", "status", resp.StatusCode)
		return nil
	}

	// Provider error bodies carry a human-readable message field.
	var apiErr struct {
		Message string `json:"message"`
	}
	msg := string(body)
	if jsonErr := json.Unmarshal(body, &apiErr); jsonErr == nil && apiErr.Message != "" {
		msg = apiErr.Message
	}

	return &RejectionError{Code: resp.StatusCode, Message: msg}
}

// ConfigError indicates missing or invalid gateway credentials. It is
// fatal for the whole job: no recipient in any batch can be attempted.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("gateway configuration: %s", e.Message)
}

// RejectionError is a provider-side rejection (4xx/5xx) with the
// provider's message preserved.
type RejectionError struct {
	Code    int
	Message string
}

func (e *RejectionError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("gateway rejected send (%d): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("gateway rejected send: %s", e.Message)
}

// TransportError means no response was received from the provider. For
// failure bookkeeping it is treated the same as a rejection.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway unreachable: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
