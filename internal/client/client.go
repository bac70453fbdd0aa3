package client

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

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// Config holds common client configuration
type Config struct {
	ServerURL  string
	Timeout    time.Duration // Per attempt
	MaxElapsed time.Duration // Across all attempts
	MaxTries   uint
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		ServerURL:  "http://localhost:8080",
		Timeout:    time.Minute,
		MaxElapsed: 5 * time.Minute,
		MaxTries:   8,
	}
}

// EnrollRequest is a host's request for its certificate and configuration.
type EnrollRequest struct {
	HostToken string `json:"host_token"`
	PublicKey string `json:"private_key"`
	HostCert  string `json:"host_cert,omitempty"`
}

// EnrollResponse is the server's reply to an enrollment.
type EnrollResponse struct {
	HostCert string `json:"host_cert"`
	Config   string `json:"config_template"`
	Created  bool   `json:"-"`
}

// StatusError is a non-success response from the server.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the enrollment server.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a client.
func New(cfg Config) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Enroll posts the request, retrying transport failures and 5xx responses
// with exponential backoff. 4xx responses are returned immediately.
func (c *Client) Enroll(ctx context.Context, req EnrollRequest) (*EnrollResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	url := strings.TrimSuffix(c.cfg.ServerURL, "/") + "/api/config"

	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithNotify(func(err error, next time.Duration) {
			zerolog.Ctx(ctx).Warn().Err(err).Dur("retry_in", next).Msg("enrollment attempt failed")
		}),
	}
	if c.cfg.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(c.cfg.MaxTries))
	}
	if c.cfg.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(c.cfg.MaxElapsed))
	}

	return backoff.Retry(ctx, func() (*EnrollResponse, error) {
		return c.post(ctx, url, body)
	}, opts...)
}

func (c *Client) post(ctx context.Context, url string, body []byte) (*EnrollResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var out EnrollResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		out.Created = resp.StatusCode == http.StatusCreated
		return &out, nil

	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, statusError(resp.StatusCode, data)

	default:
		return nil, backoff.Permanent(statusError(resp.StatusCode, data))
	}
}

func statusError(code int, data []byte) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	return &StatusError{StatusCode: code, Message: body.Error}
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
