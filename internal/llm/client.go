// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package llm provides the HTTP client for OpenAI-compatible chat
// completion endpoints, with round-robin credential rotation on throttling.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/relaybot/internal/history"
	"github.com/jeranaias/relaybot/internal/util"
)

// Configuration constants for the completion API.
const (
	// DefaultBaseURL is the default OpenAI-compatible API base.
	DefaultBaseURL = "https://api.groq.com/openai/v1"

	// DefaultTimeout bounds every completion request.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxTokens is the default completion token cap.
	DefaultMaxTokens = 2048

	// DefaultTemperature is used when the caller passes a non-positive value.
	DefaultTemperature = 0.7

	// MaxResponseSize caps the response body read to keep a misbehaving
	// provider from exhausting memory.
	MaxResponseSize = 10 * 1024 * 1024

	// logBodyLimit bounds response bodies quoted in logs and errors.
	logBodyLimit = 400
)

// Error variables for completion failures.
var (
	// ErrNotConfigured indicates no credential pool was supplied.
	ErrNotConfigured = errors.New("completion client not configured")

	// ErrAuthFailed indicates the provider rejected the credentials (401/403).
	// Not recoverable by rotation or retry.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited is the per-attempt throttling signal (HTTP 429).
	// Recovered internally by key rotation; callers normally see
	// ErrQuotaExhausted instead.
	ErrRateLimited = errors.New("rate limited")

	// ErrQuotaExhausted indicates every credential in the pool was throttled.
	ErrQuotaExhausted = errors.New("quota exhausted")

	// ErrMalformedResponse indicates the provider returned 2xx but the body
	// was missing the expected fields.
	ErrMalformedResponse = errors.New("malformed completion response")
)

// HTTPError is a non-2xx provider response outside the rotation and auth
// cases, carrying the status code and a truncated body.
type HTTPError struct {
	Status int
	Body   string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("completion request failed (HTTP %d): %s", e.Status, e.Body)
}

// =============================================================================
// REQUEST / RESPONSE TYPES
// =============================================================================

// chatRequest is the JSON body for POST {base}/chat/completions.
type chatRequest struct {
	Model       string         `json:"model"`
	Messages    []history.Turn `json:"messages"`
	Temperature float64        `json:"temperature"`
	Stream      bool           `json:"stream"`
	MaxTokens   int            `json:"max_tokens"`
}

// chatResponse is the subset of the provider response the client reads.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Completion is the extracted result of a successful chat call.
type Completion struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// =============================================================================
// CLIENT
// =============================================================================

// Client calls an OpenAI-compatible chat completions endpoint. One logical
// request per attempt; on HTTP 429 the credential pool is rotated and the
// attempt repeated, up to as many attempts as there are keys. Every other
// HTTP failure propagates immediately. The client is safe for concurrent
// use.
type Client struct {
	baseURL    string
	rotator    *CredentialRotator
	httpClient *http.Client
	maxTokens  int
}

// NewClient creates a completion client over the given credential pool.
func NewClient(rotator *CredentialRotator) *Client {
	return &Client{
		baseURL: DefaultBaseURL,
		rotator: rotator,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		maxTokens: DefaultMaxTokens,
	}
}

// WithBaseURL sets a custom API base URL.
func (c *Client) WithBaseURL(url string) *Client {
	c.baseURL = strings.TrimSuffix(url, "/")
	return c
}

// WithTimeout sets the per-request timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.httpClient.Timeout = timeout
	return c
}

// WithMaxTokens sets the completion token cap.
func (c *Client) WithMaxTokens(maxTokens int) *Client {
	c.maxTokens = maxTokens
	return c
}

// Chat sends one chat completion request and returns the extracted reply.
//
// The rotation loop: attempt with the current key; on 429 advance the
// cursor and try the next key; after key-count throttled attempts fail with
// ErrQuotaExhausted. 401/403 map to ErrAuthFailed, other non-2xx statuses
// to *HTTPError — both propagate without further attempts here (the
// dispatcher owns generic backoff for transient failures).
func (c *Client) Chat(ctx context.Context, model string, messages []history.Turn, temperature float64) (*Completion, error) {
	if c.rotator == nil || c.rotator.Len() == 0 {
		return nil, ErrNotConfigured
	}
	if temperature <= 0 {
		temperature = DefaultTemperature
	}

	reqBody := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		Stream:      false,
		MaxTokens:   c.maxTokens,
	}

	attempts := c.rotator.Len()
	for attempt := 0; attempt < attempts; attempt++ {
		key := c.rotator.Current()

		completion, err := c.doRequest(ctx, key, reqBody)
		if err == nil {
			return completion, nil
		}
		if errors.Is(err, ErrRateLimited) {
			log.Printf("[llm] key %s throttled (attempt %d/%d), rotating", Fingerprint(key), attempt+1, attempts)
			c.rotator.Advance()
			continue
		}
		return nil, err
	}

	return nil, ErrQuotaExhausted
}

// doRequest performs a single HTTP attempt with one credential.
func (c *Client) doRequest(ctx context.Context, key string, reqBody chatRequest) (*Completion, error) {
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")

	// Key material never reaches the logs, only the fingerprint.
	log.Printf("[llm] POST %s model=%s messages=%d key=%s", url, reqBody.Model, len(reqBody.Messages), Fingerprint(key))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	log.Printf("[llm] response status=%d bytes=%d (%v)", resp.StatusCode, len(body), time.Since(start).Round(time.Millisecond))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w (HTTP %d)", ErrAuthFailed, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &HTTPError{
			Status: resp.StatusCode,
			Body:   util.TruncateRunes(string(body), logBodyLimit),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, util.TruncateRunes(string(body), logBodyLimit))
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}

	return &Completion{
		Content:          strings.TrimSpace(parsed.Choices[0].Message.Content),
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}
