// Package attestation implements the bridge attestation providers: a poller
// for a remote attestation API and an immediate synthetic variant.
package attestation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/deepnoodle-ai/yieldsaga"
	"github.com/deepnoodle-ai/yieldsaga/retry"
)

// Status is the state of an attestation as reported by the service.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Response is one answer from the attestation service.
type Response struct {
	MessageHash string `json:"message_hash,omitempty"`
	Status      Status `json:"status"`
	Attestation string `json:"attestation,omitempty"`
}

// Fetcher returns the current attestation status of a message.
type Fetcher interface {
	GetAttestation(ctx context.Context, messageHash string) (*Response, error)
}

// DefaultBaseURL is the sandbox attestation API.
const DefaultBaseURL = "https://iris-api-sandbox.circle.com"

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is an HTTP Fetcher for a Circle style attestation API served at
// GET {base}/attestations/{messageHash}.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an attestation API client.
func NewClient(opts ClientOptions) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = yieldsaga.NewDiscardLogger()
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
	}
}

// GetAttestation fetches the attestation for messageHash. A 404 means the
// service has not seen the message yet and is reported as pending.
func (c *Client) GetAttestation(ctx context.Context, messageHash string) (*Response, error) {
	url := fmt.Sprintf("%s/attestations/%s", c.baseURL, messageHash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("attestation request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read attestation response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.logger.Debug("attestation not yet available", slog.String("message_hash", messageHash))
		return &Response{MessageHash: messageHash, Status: StatusPending}, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &retry.StatusError{
			Service: "attestation service",
			Code:    resp.StatusCode,
			Body:    strings.TrimSpace(string(body)),
		}
	}

	var payload struct {
		Status      string `json:"status"`
		Attestation string `json:"attestation"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode attestation response: %w", err)
	}
	out := &Response{MessageHash: messageHash, Attestation: payload.Attestation}
	switch Status(payload.Status) {
	case StatusComplete:
		out.Status = StatusComplete
	case StatusFailed:
		out.Status = StatusFailed
	default:
		// pending_confirmations and anything else not final
		out.Status = StatusPending
	}
	c.logger.Debug("attestation response received",
		slog.String("message_hash", messageHash),
		slog.String("status", string(out.Status)),
		slog.Bool("has_attestation", out.Attestation != ""))
	return out, nil
}
