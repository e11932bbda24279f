// Package remote holds the HTTP plumbing shared by the encoder and
// infrastructure adapters: JSON requests, bearer authentication and bounded
// retries.
//
// Network errors, HTTP 429 and 5xx responses are retried up to MaxAttempts
// with RetryInterval between attempts. Any other non-2xx response is returned
// immediately as a *StatusError.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// StatusError reports a non-2xx response from a remote API.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return e.Status
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// IsNotFound reports whether err is a 404 from the remote API.
func IsNotFound(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound
}

type Options struct {
	BaseURL       string
	Token         string
	HTTPClient    *http.Client
	Timeout       time.Duration
	Logger        *slog.Logger
	MaxAttempts   int
	RetryInterval time.Duration
}

type Client struct {
	baseURL       string
	token         string
	client        *http.Client
	logger        *slog.Logger
	maxAttempts   int
	retryInterval time.Duration
}

func New(opts Options) *Client {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	interval := opts.RetryInterval
	if interval < 0 {
		interval = 0
	}
	return &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		token:         strings.TrimSpace(opts.Token),
		client:        client,
		logger:        logger,
		maxAttempts:   attempts,
		retryInterval: interval,
	}
}

// Get issues a GET for path and decodes the JSON response into dest.
func (c *Client) Get(ctx context.Context, path string, dest any) error {
	return c.Do(ctx, http.MethodGet, path, nil, dest)
}

// Post sends payload as JSON and decodes the response into dest when non-nil.
func (c *Client) Post(ctx context.Context, path string, payload, dest any) error {
	return c.Do(ctx, http.MethodPost, path, payload, dest)
}

// Delete issues a DELETE for path.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.Do(ctx, http.MethodDelete, path, nil, nil)
}

// Do performs one logical request with retries.
func (c *Client) Do(ctx context.Context, method, path string, payload, dest any) error {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = encoded
	}
	url := c.baseURL + path

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var retry bool
		retry, lastErr = c.attempt(ctx, method, url, body, dest)
		if lastErr == nil {
			return nil
		}
		if !retry || attempt == c.maxAttempts {
			break
		}
		c.logger.Warn("remote request failed", "method", method, "url", url, "attempt", attempt, "error", lastErr)
		timer := time.NewTimer(c.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func (c *Client) attempt(ctx context.Context, method, url string, payload []byte, dest any) (bool, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return false, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := &StatusError{Code: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(data))}
		return statusErr.retryable(), statusErr
	}
	if dest == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return false, nil
}
